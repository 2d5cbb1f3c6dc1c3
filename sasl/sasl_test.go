package sasl

import (
	"encoding/base64"
	"errors"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestNew(t *testing.T) {
	for _, name := range []string{"PLAIN", "plain", "LOGIN", "ANONYMOUS"} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) error = %v", name, err)
		}
	}
	if _, err := New("CRAM-MD5"); !errors.Is(err, ErrUnknownMechanism) {
		t.Errorf("New(CRAM-MD5) error = %v, want ErrUnknownMechanism", err)
	}
}

func TestPlainInitialResponse(t *testing.T) {
	m := NewPlain()
	_, done, err := m.Start(b64("admin\x00alice\x00hunter2"))
	if err != nil || !done {
		t.Fatalf("Start() = done=%v err=%v", done, err)
	}
	creds := m.Credentials()
	if creds.AuthorizationID != "admin" || creds.AuthenticationID != "alice" || creds.Password != "hunter2" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
	if creds.Identity() != "admin" {
		t.Errorf("Identity() = %q, want admin", creds.Identity())
	}
}

func TestPlainChallengeFlow(t *testing.T) {
	m := NewPlain()
	challenge, done, err := m.Start("")
	if err != nil || done || challenge != "" {
		t.Fatalf("Start() = %q, done=%v, err=%v; want empty challenge", challenge, done, err)
	}
	_, done, err = m.Next(b64("\x00bob\x00secret"))
	if err != nil || !done {
		t.Fatalf("Next() = done=%v err=%v", done, err)
	}
	if got := m.Credentials().Identity(); got != "bob" {
		t.Errorf("Identity() = %q, want bob", got)
	}
}

func TestPlainErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  error
	}{
		{"cancel", "*", ErrCancelled},
		{"bad base64", "!!!", ErrInvalidBase64},
		{"missing fields", b64("only-one-part"), ErrInvalidFormat},
		{"empty authcid", b64("\x00\x00pw"), ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewPlain()
			_, done, err := m.Start(tt.response)
			if !done || !errors.Is(err, tt.wantErr) {
				t.Errorf("Start(%q) = done=%v err=%v, want done=true err=%v", tt.response, done, err, tt.wantErr)
			}
		})
	}
}

func TestLoginFlow(t *testing.T) {
	m := NewLogin()
	challenge, done, err := m.Start("")
	if err != nil || done {
		t.Fatalf("Start() error = %v", err)
	}
	if challenge != loginChallengeUsername {
		t.Fatalf("Start() challenge = %q, want username prompt", challenge)
	}
	challenge, done, err = m.Next(b64("carol"))
	if err != nil || done || challenge != loginChallengePassword {
		t.Fatalf("Next(username) = %q, done=%v, err=%v", challenge, done, err)
	}
	_, done, err = m.Next(b64("letmein"))
	if err != nil || !done {
		t.Fatalf("Next(password) = done=%v err=%v", done, err)
	}
	creds := m.Credentials()
	if creds.AuthenticationID != "carol" || creds.Password != "letmein" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestLoginCancel(t *testing.T) {
	m := NewLogin()
	m.Start("")
	_, done, err := m.Next("*")
	if !done || !errors.Is(err, ErrCancelled) {
		t.Errorf("Next(*) = done=%v err=%v, want cancelled", done, err)
	}
}

func TestAnonymous(t *testing.T) {
	m := NewAnonymous()
	_, done, err := m.Start(b64("visitor@example.net"))
	if err != nil || !done {
		t.Fatalf("Start() = done=%v err=%v", done, err)
	}
	creds := m.Credentials()
	if !creds.Anonymous {
		t.Error("Credentials().Anonymous = false, want true")
	}
	if creds.AuthenticationID != "visitor@example.net" {
		t.Errorf("AuthenticationID = %q", creds.AuthenticationID)
	}
}

func TestClearText(t *testing.T) {
	if !ClearText("plain") || !ClearText("LOGIN") {
		t.Error("ClearText should be true for PLAIN and LOGIN")
	}
	if ClearText("ANONYMOUS") {
		t.Error("ClearText(ANONYMOUS) = true, want false")
	}
}
