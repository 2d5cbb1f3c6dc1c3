package mime

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseSimpleMessage(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@example.net\r\n" +
		"Subject: hello\r\n" +
		"\r\n" +
		"Hi Bob\r\n")

	msg := Parse(raw)
	if msg.Malformed {
		t.Error("Malformed = true for well-formed message")
	}
	if got := msg.Get("subject"); got != "hello" {
		t.Errorf("Get(subject) = %q, want hello", got)
	}
	if msg.Root == nil || string(msg.Root.Body) != "Hi Bob\r\n" {
		t.Errorf("unexpected body: %+v", msg.Root)
	}
	if msg.Root.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain default", msg.Root.ContentType)
	}
	if !bytes.Equal(msg.Raw(), raw) {
		t.Error("Raw() does not round-trip original bytes")
	}
}

func TestParseFoldedHeader(t *testing.T) {
	raw := []byte("Subject: a very\r\n long subject\r\n\r\nbody\r\n")
	msg := Parse(raw)
	if got := msg.Get("Subject"); got != "a very long subject" {
		t.Errorf("Get(Subject) = %q", got)
	}
}

func TestParseMultipart(t *testing.T) {
	raw := []byte("MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"xyz\"\r\n" +
		"\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"first part\r\n" +
		"--xyz\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"%PDF-fake\r\n" +
		"--xyz--\r\n")

	msg := Parse(raw)
	if msg.Malformed {
		t.Fatal("Malformed = true for valid multipart")
	}
	if len(msg.Root.Parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(msg.Root.Parts))
	}
	if msg.Root.Parts[0].Charset != "utf-8" {
		t.Errorf("part 0 charset = %q", msg.Root.Parts[0].Charset)
	}
	if msg.Root.Parts[1].Filename != "report.pdf" {
		t.Errorf("part 1 filename = %q", msg.Root.Parts[1].Filename)
	}
}

func TestParseMalformedNeverFails(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not a message at all"},
		{"bad content type", "Content-Type: ;;;\r\n\r\nbody\r\n"},
		{"multipart without boundary", "Content-Type: multipart/mixed\r\n\r\nbody\r\n"},
		{"truncated multipart", "Content-Type: multipart/mixed; boundary=q\r\n\r\n--q\r\nContent-Type: text/plain\r\n\r\nunterminated"},
		{"header without colon", "From alice\r\n\r\nbody\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Parse([]byte(tt.raw))
			if msg == nil {
				t.Fatal("Parse returned nil")
			}
			if !msg.Malformed {
				t.Error("Malformed = false, want true")
			}
			if !bytes.Equal(msg.Raw(), []byte(tt.raw)) {
				t.Error("raw bytes not preserved")
			}
		})
	}
}

func TestCount(t *testing.T) {
	raw := []byte("Received: a\r\nReceived: b\r\nReceived: c\r\n\r\nbody\r\n")
	msg := Parse(raw)
	if got := msg.Count("received"); got != 3 {
		t.Errorf("Count(received) = %d, want 3", got)
	}
}

func TestWalk(t *testing.T) {
	raw := []byte("Content-Type: multipart/alternative; boundary=b\r\n" +
		"\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n\r\nplain\r\n" +
		"--b\r\n" +
		"Content-Type: text/html\r\n\r\n<p>html</p>\r\n" +
		"--b--\r\n")

	var types []string
	Parse(raw).Walk(func(p *Part) bool {
		types = append(types, p.ContentType)
		return true
	})
	want := "multipart/alternative,text/plain,text/html"
	if got := strings.Join(types, ","); got != want {
		t.Errorf("Walk order = %s, want %s", got, want)
	}
}
