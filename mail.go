package osprey

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	ospreymime "github.com/ospreymta/osprey/mime"
	"github.com/ospreymta/osprey/utils"
)

// BodyType specifies the encoding type of the message body per RFC 6152.
type BodyType string

const (
	BodyType7Bit     BodyType = "7BIT"
	BodyType8BitMIME BodyType = "8BITMIME"
)

// MailboxAddress represents an email address per RFC 5321 Section 4.1.2.
// Internationalized addresses (RFC 6531) are carried as-is.
type MailboxAddress struct {
	LocalPart string `json:"local_part"`
	Domain    string `json:"domain"`
}

// String returns the address in "local-part@domain" form.
func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// Path represents an SMTP forward-path or reverse-path.
type Path struct {
	Mailbox MailboxAddress `json:"mailbox"`
}

// IsNull reports whether this is the null reverse-path used by bounces.
func (p Path) IsNull() bool {
	return p.Mailbox.LocalPart == "" && p.Mailbox.Domain == ""
}

// String returns the path in angle bracket form as used on the wire.
func (p Path) String() string {
	if p.IsNull() {
		return "<>"
	}
	return "<" + p.Mailbox.String() + ">"
}

// RecipientStatus tracks the delivery state of one recipient.
type RecipientStatus string

const (
	// StatusWaiting means no delivery attempt has resolved this recipient.
	StatusWaiting RecipientStatus = "waiting"
	// StatusDelivered means the recipient's destination took responsibility.
	StatusDelivered RecipientStatus = "delivered"
	// StatusHeldBack means the last attempt failed transiently; the
	// recipient is waiting for a retry.
	StatusHeldBack RecipientStatus = "held"
	// StatusFailed means delivery failed permanently.
	StatusFailed RecipientStatus = "failed"
)

// Resolved reports whether this status needs no further attempts.
func (s RecipientStatus) Resolved() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Recipient is one forward-path with its delivery state.
type Recipient struct {
	Address   Path            `json:"address"`
	Status    RecipientStatus `json:"status,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Envelope is the SMTP envelope, distinct from message content and
// transmitted via MAIL FROM and RCPT TO.
type Envelope struct {
	From Path        `json:"from"`
	To   []Recipient `json:"to"`

	// BodyType is the declared body encoding (RFC 6152). Empty means 7BIT.
	BodyType BodyType `json:"body_type,omitempty"`

	// Size is the declared message size in octets (RFC 1870), zero if
	// not declared.
	Size int64 `json:"size,omitempty"`

	// SMTPUTF8 is set when the client requested RFC 6531 handling.
	SMTPUTF8 bool `json:"smtputf8,omitempty"`

	// Auth is the authenticated identity of the submitting client.
	Auth string `json:"auth,omitempty"`

	// ExtensionParams holds other MAIL FROM parameters, keys uppercased.
	ExtensionParams map[string]string `json:"extension_params,omitempty"`
}

// Header is one message header field.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is the ordered header section with lookup helpers.
type Headers []Header

// Get returns the first value for name, case-insensitively.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns every value for name.
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// Count returns how many fields carry name.
func (h Headers) Count(name string) int {
	n := 0
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			n++
		}
	}
	return n
}

// Content is the parsed view of the message data: the header section and
// the raw body. It is derived from Mail.Data and is read-only for
// inspection; mutations go through Mail so the wire bytes stay in sync.
type Content struct {
	Headers Headers `json:"headers"`
	Body    []byte  `json:"body,omitempty"`
}

// TraceField describes one Received header added by this host.
type TraceField struct {
	FromHost  string    `json:"from_host,omitempty"`
	FromIP    string    `json:"from_ip,omitempty"`
	ByHost    string    `json:"by_host,omitempty"`
	With      string    `json:"with,omitempty"` // SMTP, ESMTP, ESMTPS, ESMTPSA
	ID        string    `json:"id,omitempty"`
	For       string    `json:"for,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Format renders the trace field as a Received header value (RFC 5321
// Section 4.4).
func (t TraceField) Format() string {
	var b strings.Builder
	b.WriteString("from ")
	b.WriteString(t.FromHost)
	if t.FromIP != "" {
		fmt.Fprintf(&b, " ([%s])", t.FromIP)
	}
	fmt.Fprintf(&b, " by %s", t.ByHost)
	if t.With != "" {
		fmt.Fprintf(&b, " with %s", t.With)
	}
	if t.ID != "" {
		fmt.Fprintf(&b, " id %s", t.ID)
	}
	if t.For != "" {
		fmt.Fprintf(&b, " for <%s>", t.For)
	}
	fmt.Fprintf(&b, "; %s", t.Timestamp.Format(time.RFC1123Z))
	return b.String()
}

// Mail is a complete mail object: the envelope plus the message data.
// Data holds the canonical wire bytes; Content is the parsed view kept in
// sync by the mutation helpers. Relay always transmits Data, never a
// re-serialization of Content.
type Mail struct {
	// ID is the identifier this server assigned to the message. It is
	// also the message's file name throughout the queue.
	ID string `json:"id"`

	Envelope Envelope `json:"envelope"`

	// Data is the message content exactly as it will be transmitted.
	Data []byte `json:"data,omitempty"`

	// Content is the parsed header/body view of Data.
	Content Content `json:"content"`

	// Trace lists Received fields this host generated, most recent first.
	Trace []TraceField `json:"trace,omitempty"`

	// ReceivedAt is when the message data was fully received.
	ReceivedAt time.Time `json:"received_at"`

	// Quarantine, when non-empty, names the quarantine area a policy
	// consigned this message to. Quarantined mail is stored but never
	// delivered.
	Quarantine string `json:"quarantine,omitempty"`

	// Hops counts how many times this message has been round-tripped
	// through delegate services, bounding delegation chains.
	Hops int `json:"hops,omitempty"`
}

// NewMail creates an empty mail object.
func NewMail() *Mail {
	return &Mail{
		Envelope: Envelope{To: make([]Recipient, 0)},
	}
}

// SetData installs the message bytes and re-derives the parsed view.
func (m *Mail) SetData(data []byte) {
	m.Data = data
	msg := ospreymime.Parse(data)
	headers := make(Headers, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		headers = append(headers, Header{Name: h.Name, Value: h.Value})
	}
	m.Content.Headers = headers
	if msg.Root != nil {
		m.Content.Body = msg.Root.Body
	} else {
		m.Content.Body = nil
	}
}

// Structure returns the tolerant MIME tree of the message data.
func (m *Mail) Structure() *ospreymime.Message {
	return ospreymime.Parse(m.Data)
}

// PrependHeader adds a header field above the existing header section,
// updating both the wire bytes and the parsed view.
func (m *Mail) PrependHeader(name, value string) {
	line := name + ": " + value + "\r\n"
	m.Data = append([]byte(line), m.Data...)
	m.Content.Headers = append(Headers{{Name: name, Value: value}}, m.Content.Headers...)
}

// RemoveHeader deletes every field with the given name from both the wire
// bytes and the parsed view. Used to strip the delegation marker before a
// message leaves this host.
func (m *Mail) RemoveHeader(name string) {
	kept := make(Headers, 0, len(m.Content.Headers))
	changed := false
	for _, h := range m.Content.Headers {
		if utils.EqualFoldASCII(h.Name, name) {
			changed = true
			continue
		}
		kept = append(kept, h)
	}
	if !changed {
		return
	}
	m.Content.Headers = kept

	// Rebuild the header section of the wire bytes, preserving the body.
	msg := ospreymime.Parse(m.Data)
	var b strings.Builder
	for _, h := range msg.Headers {
		if utils.EqualFoldASCII(h.Name, name) {
			continue
		}
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	var body []byte
	if msg.Root != nil {
		body = msg.Root.Body
	}
	m.Data = append([]byte(b.String()), body...)
	m.Content.Body = body
}

// AddRecipient appends a recipient in the waiting state.
func (m *Mail) AddRecipient(address MailboxAddress) {
	m.Envelope.To = append(m.Envelope.To, Recipient{
		Address: Path{Mailbox: address},
		Status:  StatusWaiting,
	})
}

// SetFrom sets the envelope reverse-path.
func (m *Mail) SetFrom(address MailboxAddress) {
	m.Envelope.From = Path{Mailbox: address}
}

// Unresolved returns the recipients still needing delivery attempts.
func (m *Mail) Unresolved() []*Recipient {
	var out []*Recipient
	for i := range m.Envelope.To {
		if !m.Envelope.To[i].Status.Resolved() {
			out = append(out, &m.Envelope.To[i])
		}
	}
	return out
}

// RequiresSMTPUTF8 reports whether any envelope address or header needs
// RFC 6531 handling.
func (m *Mail) RequiresSMTPUTF8() bool {
	if m.Envelope.SMTPUTF8 {
		return true
	}
	if utils.ContainsNonASCII(m.Envelope.From.Mailbox.LocalPart) ||
		utils.ContainsNonASCII(m.Envelope.From.Mailbox.Domain) {
		return true
	}
	for _, rcpt := range m.Envelope.To {
		if utils.ContainsNonASCII(rcpt.Address.Mailbox.LocalPart) ||
			utils.ContainsNonASCII(rcpt.Address.Mailbox.Domain) {
			return true
		}
	}
	for _, h := range m.Content.Headers {
		if utils.ContainsNonASCII(h.Value) {
			return true
		}
	}
	return false
}

// Requires8BitMIME reports whether the body carries 8-bit data.
func (m *Mail) Requires8BitMIME() bool {
	if m.Envelope.BodyType == BodyType8BitMIME {
		return true
	}
	for _, b := range m.Content.Body {
		if b > 127 {
			return true
		}
	}
	return false
}

// ParseAddress parses an address string into a MailboxAddress. Both bare
// "user@domain" and RFC 5322 name-addr forms are accepted.
func ParseAddress(addr string) (MailboxAddress, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return MailboxAddress{}, err
	}

	// Split on the last @; local parts may contain quoted @ signs.
	address := parsed.Address
	idx := strings.LastIndexByte(address, '@')
	if idx < 0 {
		return MailboxAddress{}, fmt.Errorf("address %q has no domain", addr)
	}
	return MailboxAddress{
		LocalPart: address[:idx],
		Domain:    address[idx+1:],
	}, nil
}
