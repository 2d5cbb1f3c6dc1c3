package osprey

import (
	"strings"
	"testing"
	"time"
)

func TestSetDataParsesContent(t *testing.T) {
	m := NewMail()
	m.SetData([]byte("Subject: hello\r\nFrom: a@b.com\r\n\r\nbody line\r\n"))

	if got := m.Content.Headers.Get("Subject"); got != "hello" {
		t.Errorf("Subject = %q, want hello", got)
	}
	if got := m.Content.Headers.Get("subject"); got != "hello" {
		t.Errorf("Header lookup should be case-insensitive, got %q", got)
	}
	if string(m.Content.Body) != "body line\r\n" {
		t.Errorf("Body = %q", m.Content.Body)
	}
}

func TestPrependHeaderKeepsWireBytesInSync(t *testing.T) {
	m := NewMail()
	m.SetData([]byte("Subject: hi\r\n\r\nbody\r\n"))

	m.PrependHeader("Received", "from a by b; Mon, 2 Jan 2006 15:04:05 -0700")

	if m.Content.Headers[0].Name != "Received" {
		t.Errorf("Expected Received first, got %s", m.Content.Headers[0].Name)
	}
	if !strings.HasPrefix(string(m.Data), "Received: from a by b") {
		t.Errorf("Wire bytes missing prepended header: %q", m.Data[:40])
	}
	// The original content must be untouched below the new header.
	if !strings.Contains(string(m.Data), "Subject: hi\r\n\r\nbody\r\n") {
		t.Errorf("Original content damaged: %q", m.Data)
	}
}

func TestRemoveHeaderStripsAllOccurrences(t *testing.T) {
	m := NewMail()
	m.SetData([]byte("X-Tag: one\r\nSubject: hi\r\nx-tag: two\r\n\r\nbody\r\n"))

	m.RemoveHeader("X-Tag")

	if m.Content.Headers.Count("X-Tag") != 0 {
		t.Errorf("Expected X-Tag removed, headers: %v", m.Content.Headers)
	}
	if strings.Contains(strings.ToLower(string(m.Data)), "x-tag") {
		t.Errorf("Wire bytes still carry the header: %q", m.Data)
	}
	if m.Content.Headers.Get("Subject") != "hi" {
		t.Error("Unrelated header lost")
	}
	if !strings.HasSuffix(string(m.Data), "\r\n\r\nbody\r\n") {
		t.Errorf("Body damaged after header removal: %q", m.Data)
	}
}

func TestRemoveHeaderAbsentIsNoop(t *testing.T) {
	m := NewMail()
	original := "Subject: hi\r\n\r\nbody\r\n"
	m.SetData([]byte(original))

	m.RemoveHeader("X-Missing")

	if string(m.Data) != original {
		t.Errorf("Data changed by no-op removal: %q", m.Data)
	}
}

func TestTraceFieldFormat(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tf := TraceField{
		FromHost:  "client.example.com",
		FromIP:    "192.0.2.1",
		ByHost:    "mx.example.org",
		With:      "ESMTP",
		ID:        "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		For:       "user@example.org",
		Timestamp: ts,
	}

	got := tf.Format()
	want := "from client.example.com ([192.0.2.1]) by mx.example.org with ESMTP id 01ARZ3NDEKTSV4RRFFQ69G5FAV for <user@example.org>; Sat, 14 Mar 2026 09:26:53 +0000"
	if got != want {
		t.Errorf("Format() =\n  %s\nwant\n  %s", got, want)
	}
}

func TestTraceFieldFormatMinimal(t *testing.T) {
	tf := TraceField{
		FromHost:  "client",
		ByHost:    "mx",
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	got := tf.Format()
	if strings.Contains(got, " id ") || strings.Contains(got, " for ") || strings.Contains(got, "([") {
		t.Errorf("Optional clauses should be omitted, got: %s", got)
	}
}

func TestUnresolved(t *testing.T) {
	m := NewMail()
	m.AddRecipient(MailboxAddress{LocalPart: "a", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "b", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "c", Domain: "example.com"})

	m.Envelope.To[0].Status = StatusDelivered
	m.Envelope.To[1].Status = StatusFailed
	m.Envelope.To[2].Status = StatusHeldBack

	pending := m.Unresolved()
	if len(pending) != 1 {
		t.Fatalf("Expected 1 unresolved recipient, got %d", len(pending))
	}
	if pending[0].Address.Mailbox.LocalPart != "c" {
		t.Errorf("Expected recipient c, got %s", pending[0].Address.Mailbox.String())
	}

	// Mutations through the returned pointers must land in the envelope.
	pending[0].Status = StatusDelivered
	if m.Envelope.To[2].Status != StatusDelivered {
		t.Error("Unresolved should return pointers into the envelope")
	}
}

func TestRequiresSMTPUTF8(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "user", Domain: "example.com"})
	if m.RequiresSMTPUTF8() {
		t.Error("ASCII-only mail should not require SMTPUTF8")
	}

	m.AddRecipient(MailboxAddress{LocalPart: "日本語", Domain: "example.jp"})
	if !m.RequiresSMTPUTF8() {
		t.Error("Non-ASCII recipient should require SMTPUTF8")
	}
}

func TestMessagePackRoundTrip(t *testing.T) {
	m := NewMail()
	m.ID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	m.ReceivedAt = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	m.Quarantine = "spam"
	m.Hops = 2
	m.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "alice", Domain: "example.org"})
	m.AddRecipient(MailboxAddress{LocalPart: "bob", Domain: "example.org"})
	m.Envelope.To[0].Status = StatusHeldBack
	m.Envelope.To[0].LastError = "452 4.3.1 try later"
	m.Envelope.BodyType = BodyType8BitMIME
	m.Envelope.Size = 2048
	m.Envelope.SMTPUTF8 = true
	m.Envelope.Auth = "submitter"
	m.SetData([]byte("Subject: persisted\r\n\r\nhello\r\n"))

	raw, err := m.ToMessagePack()
	if err != nil {
		t.Fatalf("ToMessagePack: %v", err)
	}

	got, err := FromMessagePack(raw)
	if err != nil {
		t.Fatalf("FromMessagePack: %v", err)
	}

	if got.ID != m.ID {
		t.Errorf("ID = %q, want %q", got.ID, m.ID)
	}
	if !got.ReceivedAt.Equal(m.ReceivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, m.ReceivedAt)
	}
	if got.Quarantine != "spam" || got.Hops != 2 {
		t.Errorf("Quarantine/Hops = %q/%d", got.Quarantine, got.Hops)
	}
	if got.Envelope.From.Mailbox.String() != "sender@example.com" {
		t.Errorf("From = %s", got.Envelope.From.String())
	}
	if len(got.Envelope.To) != 2 {
		t.Fatalf("Expected 2 recipients, got %d", len(got.Envelope.To))
	}
	if got.Envelope.To[0].Status != StatusHeldBack || got.Envelope.To[0].LastError != "452 4.3.1 try later" {
		t.Errorf("Recipient state lost: %+v", got.Envelope.To[0])
	}
	if got.Envelope.BodyType != BodyType8BitMIME || got.Envelope.Size != 2048 || !got.Envelope.SMTPUTF8 || got.Envelope.Auth != "submitter" {
		t.Errorf("Envelope flags lost: %+v", got.Envelope)
	}
	if string(got.Data) != string(m.Data) {
		t.Errorf("Data = %q, want %q", got.Data, m.Data)
	}
	// The parsed view is rebuilt from Data on load.
	if got.Content.Headers.Get("Subject") != "persisted" {
		t.Errorf("Content not rebuilt, headers: %v", got.Content.Headers)
	}
}

func TestMessagePackNullSender(t *testing.T) {
	m := NewMail()
	m.ID = "01BX5ZZKBKACTAV9WEVGEMMVRZ"
	m.AddRecipient(MailboxAddress{LocalPart: "postmaster", Domain: "example.com"})
	m.SetData([]byte("Subject: bounce\r\n\r\nreport\r\n"))

	raw, err := m.ToMessagePack()
	if err != nil {
		t.Fatalf("ToMessagePack: %v", err)
	}
	got, err := FromMessagePack(raw)
	if err != nil {
		t.Fatalf("FromMessagePack: %v", err)
	}
	if !got.Envelope.From.IsNull() {
		t.Errorf("Expected null sender preserved, got %s", got.Envelope.From.String())
	}
}
