package osprey

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Client errors.
var (
	ErrClientClosed      = errors.New("smtp client: connection closed")
	ErrNoExtension       = errors.New("smtp client: server does not support extension")
	ErrAuthFailed        = errors.New("smtp client: authentication failed")
	ErrMailFromFailed    = errors.New("smtp client: MAIL FROM rejected")
	ErrAllRcptFailed     = errors.New("smtp client: all recipients rejected")
	ErrDataFailed        = errors.New("smtp client: DATA rejected")
	ErrTLSAlreadyActive  = errors.New("smtp client: TLS already active")
	ErrMalformedResponse = errors.New("smtp client: malformed server response")
)

// SMTPError is a server reply treated as an error. The code decides whether
// the failure is worth retrying.
type SMTPError struct {
	Code         int
	EnhancedCode string
	Message      string
}

func (e *SMTPError) Error() string {
	if e.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// IsPermanent reports whether the reply is a 5xx permanent failure.
func (e *SMTPError) IsPermanent() bool { return e.Code >= 500 && e.Code < 600 }

// IsTransient reports whether the reply is a 4xx transient failure.
func (e *SMTPError) IsTransient() bool { return e.Code >= 400 && e.Code < 500 }

// IsPermanentErr reports whether err wraps a permanent SMTP failure.
// Anything that is not provably permanent is treated as transient so the
// message stays eligible for retry.
func IsPermanentErr(err error) bool {
	var se *SMTPError
	if errors.As(err, &se) {
		return se.IsPermanent()
	}
	return false
}

// ClientConfig controls an outbound SMTP session.
type ClientConfig struct {
	// HeloHost is the hostname sent in EHLO/HELO.
	HeloHost string

	// TLSConfig is used for STARTTLS. Nil disables opportunistic TLS.
	TLSConfig *tls.Config

	// ConnectTimeout bounds the TCP dial. Zero means no limit.
	ConnectTimeout time.Duration

	// ReadTimeout and WriteTimeout bound individual protocol exchanges.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client is a single outbound SMTP connection. It is not safe for
// concurrent use; a delivery worker owns one client at a time.
type Client struct {
	config ClientConfig
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	serverName string
	extensions map[string]string
	tlsActive  bool
	closed     bool
}

// ClientResponse is a parsed server reply.
type ClientResponse struct {
	Code         int
	EnhancedCode string
	Lines        []string
}

// Message returns the reply text joined into one string.
func (r *ClientResponse) Message() string { return strings.Join(r.Lines, " ") }

func (r *ClientResponse) IsSuccess() bool      { return r.Code >= 200 && r.Code < 300 }
func (r *ClientResponse) IsIntermediate() bool { return r.Code >= 300 && r.Code < 400 }

// Err converts a failure reply into an *SMTPError, or nil for success.
func (r *ClientResponse) Err() error {
	if r.IsSuccess() || r.IsIntermediate() {
		return nil
	}
	return &SMTPError{Code: r.Code, EnhancedCode: r.EnhancedCode, Message: r.Message()}
}

// RecipientResult records the per-recipient outcome of a Send.
type RecipientResult struct {
	Address  MailboxAddress
	Accepted bool
	Err      error
}

// SendResult summarizes a Send attempt.
type SendResult struct {
	Recipients []RecipientResult
	Response   *ClientResponse
}

// Accepted returns the recipients the server took responsibility for.
func (r *SendResult) Accepted() []MailboxAddress {
	var out []MailboxAddress
	for _, rr := range r.Recipients {
		if rr.Accepted {
			out = append(out, rr.Address)
		}
	}
	return out
}

// DialContext connects to addr, waits for the greeting and negotiates EHLO.
func DialContext(ctx context.Context, addr string, config ClientConfig) (*Client, error) {
	if config.HeloHost == "" {
		config.HeloHost = "localhost"
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		config: config,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	resp, err := c.readResponse()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if !resp.IsSuccess() {
		conn.Close()
		return nil, fmt.Errorf("greeting: %w", resp.Err())
	}
	if len(resp.Lines) > 0 {
		c.serverName, _, _ = strings.Cut(resp.Lines[0], " ")
	}

	if err := c.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// hello sends EHLO and falls back to HELO when the server rejects it.
func (c *Client) hello() error {
	resp, err := c.cmd("EHLO %s", c.config.HeloHost)
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		c.parseExtensions(resp)
		return nil
	}

	resp, err = c.cmd("HELO %s", c.config.HeloHost)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("HELO: %w", resp.Err())
	}
	c.extensions = map[string]string{}
	return nil
}

func (c *Client) parseExtensions(resp *ClientResponse) {
	c.extensions = make(map[string]string, len(resp.Lines))
	// First line is the server banner, skip it.
	for _, line := range resp.Lines[1:] {
		keyword, params, _ := strings.Cut(line, " ")
		c.extensions[strings.ToUpper(keyword)] = params
	}
}

// Supports reports whether the server advertised the extension.
func (c *Client) Supports(ext Extension) bool {
	_, ok := c.extensions[string(ext)]
	return ok
}

// ExtensionParams returns the parameters advertised for an extension.
func (c *Client) ExtensionParams(ext Extension) (string, bool) {
	params, ok := c.extensions[string(ext)]
	return params, ok
}

// ServerName returns the hostname the server announced in its greeting.
func (c *Client) ServerName() string { return c.serverName }

// StartTLS upgrades the connection and re-issues EHLO, as required after a
// successful negotiation.
func (c *Client) StartTLS(config *tls.Config) error {
	if c.tlsActive {
		return ErrTLSAlreadyActive
	}
	if !c.Supports(ExtSTARTTLS) {
		return fmt.Errorf("%w: STARTTLS", ErrNoExtension)
	}

	resp, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("STARTTLS: %w", resp.Err())
	}

	if config == nil {
		config = c.config.TLSConfig
	}
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
		if err == nil {
			cloned := config.Clone()
			cloned.ServerName = host
			config = cloned
		}
	}

	tlsConn := tls.Client(c.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		c.conn.Close()
		c.closed = true
		return fmt.Errorf("tls handshake: %w", err)
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.tlsActive = true

	return c.hello()
}

// TLSActive reports whether the session has been upgraded to TLS.
func (c *Client) TLSActive() bool { return c.tlsActive }

// Auth authenticates with the named SASL mechanism. PLAIN and LOGIN are
// supported; both require TLS unless the config explicitly carries none.
func (c *Client) Auth(mechanism, username, password string) error {
	if !c.Supports(ExtAuth) {
		return fmt.Errorf("%w: AUTH", ErrNoExtension)
	}

	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return c.authPlain(username, password)
	case "LOGIN":
		return c.authLogin(username, password)
	default:
		return fmt.Errorf("%w: unsupported mechanism %q", ErrAuthFailed, mechanism)
	}
}

func (c *Client) authPlain(username, password string) error {
	ir := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
	resp, err := c.cmd("AUTH PLAIN %s", ir)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %v", ErrAuthFailed, resp.Err())
	}
	return nil
}

func (c *Client) authLogin(username, password string) error {
	resp, err := c.cmd("AUTH LOGIN")
	if err != nil {
		return err
	}
	for _, value := range []string{username, password} {
		if !resp.IsIntermediate() {
			return fmt.Errorf("%w: %v", ErrAuthFailed, resp.Err())
		}
		resp, err = c.cmd("%s", base64.StdEncoding.EncodeToString([]byte(value)))
		if err != nil {
			return err
		}
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %v", ErrAuthFailed, resp.Err())
	}
	return nil
}

// Send transmits the message in one transaction. The recipient list defaults
// to the mail's unresolved recipients; per-recipient RCPT outcomes are
// reported in the result so callers can settle each address independently.
//
// Send returns an error only when the transaction as a whole failed (MAIL
// FROM rejected, every recipient refused, DATA refused, or I/O failure).
// Individual recipient rejections surface through SendResult.
func (c *Client) Send(ctx context.Context, m *Mail, recipients []MailboxAddress) (*SendResult, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	if recipients == nil {
		for _, r := range m.Unresolved() {
			recipients = append(recipients, r.Address.Mailbox)
		}
	}
	if len(recipients) == 0 {
		return nil, errors.New("smtp client: no recipients")
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.sendMailFrom(m); err != nil {
		c.Reset()
		return nil, err
	}

	result := &SendResult{}
	accepted := 0
	for _, addr := range recipients {
		rr := RecipientResult{Address: addr}
		resp, err := c.cmd("RCPT TO:<%s>", addr.String())
		if err != nil {
			return nil, err
		}
		if resp.IsSuccess() {
			rr.Accepted = true
			accepted++
		} else {
			rr.Err = resp.Err()
		}
		result.Recipients = append(result.Recipients, rr)
	}
	if accepted == 0 {
		c.Reset()
		// Report the first rejection so the caller sees a concrete code.
		return result, fmt.Errorf("%w: %v", ErrAllRcptFailed, result.Recipients[0].Err)
	}

	resp, err := c.sendData(m.Data)
	if err != nil {
		return result, err
	}
	result.Response = resp
	return result, nil
}

func (c *Client) sendMailFrom(m *Mail) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MAIL FROM:%s", m.Envelope.From.String())

	if c.Supports(ExtSize) && len(m.Data) > 0 {
		fmt.Fprintf(&sb, " SIZE=%d", len(m.Data))
	}
	if m.Envelope.BodyType == BodyType8BitMIME && c.Supports(Ext8BitMIME) {
		sb.WriteString(" BODY=8BITMIME")
	}
	if m.Envelope.SMTPUTF8 {
		if !c.Supports(ExtSMTPUTF8) {
			return fmt.Errorf("%w: SMTPUTF8", ErrNoExtension)
		}
		sb.WriteString(" SMTPUTF8")
	}

	resp, err := c.cmd("%s", sb.String())
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %v", ErrMailFromFailed, resp.Err())
	}
	return nil
}

// sendData runs the DATA phase: dot-stuffs the payload, writes it and the
// terminator, then waits for the final reply.
func (c *Client) sendData(data []byte) (*ClientResponse, error) {
	resp, err := c.cmd("DATA")
	if err != nil {
		return nil, err
	}
	if !resp.IsIntermediate() {
		return nil, fmt.Errorf("%w: expected 354, got %d", ErrDataFailed, resp.Code)
	}

	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	stuffed := dotStuff(data)
	if _, err := c.writer.Write(stuffed); err != nil {
		return nil, err
	}
	if len(stuffed) < 2 || stuffed[len(stuffed)-2] != '\r' || stuffed[len(stuffed)-1] != '\n' {
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return nil, err
		}
	}
	if _, err := c.writer.WriteString(".\r\n"); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	resp, err = c.readResponse()
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return resp, fmt.Errorf("%w: %v", ErrDataFailed, resp.Err())
	}
	return resp, nil
}

// Reset aborts the current transaction.
func (c *Client) Reset() error {
	resp, err := c.cmd("RSET")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.Err()
	}
	return nil
}

// Noop probes that the connection is still usable.
func (c *Client) Noop() error {
	resp, err := c.cmd("NOOP")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.Err()
	}
	return nil
}

// Quit ends the session politely and closes the connection.
func (c *Client) Quit() error {
	if c.closed {
		return ErrClientClosed
	}
	_, err := c.cmd("QUIT")
	closeErr := c.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close terminates the connection without QUIT.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// cmd writes one command line and reads the reply.
func (c *Client) cmd(format string, args ...any) (*ClientResponse, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if _, err := fmt.Fprintf(c.writer, format+"\r\n", args...); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	return c.readResponse()
}

// readResponse parses a possibly multiline reply. Continuation lines carry a
// dash after the code; the final line carries a space.
func (c *Client) readResponse() (*ClientResponse, error) {
	resp := &ClientResponse{}
	for {
		if c.config.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if len(line) < 3 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
		}
		if resp.Code != 0 && resp.Code != code {
			return nil, fmt.Errorf("%w: code changed mid-reply", ErrMalformedResponse)
		}
		resp.Code = code

		rest := ""
		last := true
		if len(line) > 3 {
			switch line[3] {
			case '-':
				last = false
			case ' ':
			default:
				return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
			}
			rest = line[4:]
		}

		if resp.EnhancedCode == "" {
			if ec, remainder := parseEnhancedCode(code, rest); ec != "" {
				resp.EnhancedCode = ec
				rest = remainder
			}
		} else if ec, remainder := parseEnhancedCode(code, rest); ec == resp.EnhancedCode {
			rest = remainder
		}
		resp.Lines = append(resp.Lines, rest)

		if last {
			return resp, nil
		}
	}
}

// parseEnhancedCode splits a leading RFC 2034 enhanced status code off the
// reply text. The first digit must match the class of the reply code.
func parseEnhancedCode(code int, text string) (string, string) {
	ec, rest, ok := strings.Cut(text, " ")
	if !ok {
		ec, rest = text, ""
	}
	parts := strings.Split(ec, ".")
	if len(parts) != 3 {
		return "", text
	}
	for _, p := range parts {
		if p == "" {
			return "", text
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return "", text
			}
		}
	}
	if int(ec[0]-'0') != code/100 {
		return "", text
	}
	return ec, rest
}

// dotStuff doubles leading periods so the payload cannot contain a premature
// end-of-data sequence.
func dotStuff(data []byte) []byte {
	count := 0
	atLineStart := true
	for _, b := range data {
		if atLineStart && b == '.' {
			count++
		}
		atLineStart = b == '\n'
	}
	if count == 0 {
		return data
	}

	out := make([]byte, 0, len(data)+count)
	atLineStart = true
	for _, b := range data {
		if atLineStart && b == '.' {
			out = append(out, '.')
		}
		out = append(out, b)
		atLineStart = b == '\n'
	}
	return out
}
