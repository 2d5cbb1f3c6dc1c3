// Package mime provides a tolerant MIME structurer for received messages.
//
// Parsing never fails: a message that violates MIME syntax is still
// represented, with the Malformed flag set and the unparsed bytes kept as
// the raw body. Filtering decisions can then be made on whatever structure
// was recoverable, and the message is always relayed byte-for-byte from the
// original data, never from a re-serialization of this structure.
package mime

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// Header is a single message header field, order-preserving.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Part is one node of the MIME tree. Leaf parts carry Body; multipart
// containers carry Parts.
type Part struct {
	Headers     []Header `json:"headers,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Charset     string   `json:"charset,omitempty"`
	Filename    string   `json:"filename,omitempty"`
	Body        []byte   `json:"body,omitempty"`
	Parts       []*Part  `json:"parts,omitempty"`
}

// Message is the structured view of a received message.
type Message struct {
	Headers   []Header `json:"headers"`
	Root      *Part    `json:"root,omitempty"`
	Malformed bool     `json:"malformed,omitempty"`

	raw []byte
}

// Raw returns the original message bytes exactly as received.
func (m *Message) Raw() []byte { return m.raw }

// Get returns the value of the first header with the given name,
// case-insensitively, or "".
func (m *Message) Get(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Count returns the number of headers with the given name.
func (m *Message) Count(name string) int {
	n := 0
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			n++
		}
	}
	return n
}

const maxMIMEDepth = 16

// Parse structures raw message bytes. It never returns an error: on any
// syntax violation the result is marked Malformed and the body is kept raw.
func Parse(raw []byte) *Message {
	msg := &Message{raw: raw}

	headerBytes, body, ok := splitHeadersBody(raw)
	if !ok {
		// No header/body separator. Treat everything as headers if it
		// looks like them, otherwise as a bare body.
		headerBytes = raw
		body = nil
		msg.Malformed = true
	}

	headers, clean := parseHeaders(headerBytes)
	msg.Headers = headers
	if !clean {
		msg.Malformed = true
	}

	msg.Root = parsePart(headerView(headers), body, 0, &msg.Malformed)
	return msg
}

// splitHeadersBody finds the blank line separating headers from body.
func splitHeadersBody(raw []byte) (headers, body []byte, ok bool) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx+2], raw[idx+4:], true
	}
	// A message that is only headers still ends with CRLF.
	if bytes.HasSuffix(raw, []byte("\r\n")) {
		return raw, nil, true
	}
	return nil, nil, false
}

// parseHeaders unfolds and splits header fields, preserving order. clean is
// false when a line could not be interpreted as a header or continuation.
func parseHeaders(b []byte) (headers []Header, clean bool) {
	clean = true
	lines := bytes.Split(b, []byte("\r\n"))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous field.
			if len(headers) == 0 {
				clean = false
				continue
			}
			headers[len(headers)-1].Value += " " + strings.TrimSpace(string(line))
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx <= 0 {
			clean = false
			continue
		}
		headers = append(headers, Header{
			Name:  string(line[:idx]),
			Value: strings.TrimSpace(string(line[idx+1:])),
		})
	}
	return headers, clean
}

type headerView []Header

func (h headerView) get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// parsePart builds one node of the MIME tree from its headers and body.
func parsePart(headers headerView, body []byte, depth int, malformed *bool) *Part {
	part := &Part{Body: body}
	for _, h := range headers {
		part.Headers = append(part.Headers, h)
	}

	ct := headers.get("Content-Type")
	if ct == "" {
		part.ContentType = "text/plain"
		return part
	}

	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		*malformed = true
		part.ContentType = ct
		return part
	}
	part.ContentType = mediaType
	part.Charset = params["charset"]

	if disp := headers.get("Content-Disposition"); disp != "" {
		if _, dp, err := mime.ParseMediaType(disp); err == nil {
			part.Filename = dp["filename"]
		}
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return part
	}
	if depth >= maxMIMEDepth {
		*malformed = true
		return part
	}

	boundary := params["boundary"]
	if boundary == "" {
		*malformed = true
		return part
	}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var children []*Part
	for {
		p, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever parts were recovered; the raw body on the
			// container still holds the full content.
			*malformed = true
			break
		}
		childBody, err := io.ReadAll(p)
		if err != nil {
			*malformed = true
			break
		}
		children = append(children, parsePart(mimeHeaders(p.Header), childBody, depth+1, malformed))
	}
	part.Parts = children
	return part
}

func mimeHeaders(h textproto.MIMEHeader) headerView {
	var out []Header
	for name, values := range h {
		for _, v := range values {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

// Walk calls fn for every part in the tree, container parts included.
func (m *Message) Walk(fn func(*Part) bool) {
	if m.Root == nil {
		return
	}
	walk(m.Root, fn)
}

func walk(p *Part, fn func(*Part) bool) bool {
	if !fn(p) {
		return false
	}
	for _, c := range p.Parts {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}
