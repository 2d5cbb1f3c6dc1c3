// Package sasl implements the SASL mechanisms used by SMTP AUTH (RFC 4954).
package sasl

import (
	"errors"
	"strings"
)

var (
	// ErrCancelled is returned when the client sends "*" to abort the exchange.
	ErrCancelled = errors.New("sasl: authentication cancelled by client")

	// ErrInvalidFormat is returned when the decoded authentication data is malformed.
	ErrInvalidFormat = errors.New("sasl: invalid authentication format")

	// ErrInvalidBase64 is returned when a client response fails base64 decoding.
	ErrInvalidBase64 = errors.New("sasl: invalid base64 encoding")

	// ErrUnknownMechanism is returned for a mechanism name this package does not implement.
	ErrUnknownMechanism = errors.New("sasl: unknown mechanism")
)

// Credentials holds the identities extracted from a completed SASL exchange.
type Credentials struct {
	AuthorizationID  string // identity to act as (authzid)
	AuthenticationID string // identity being authenticated (authcid)
	Password         string
	Anonymous        bool // set by the ANONYMOUS mechanism; Password is empty
}

// Identity returns the effective identity for authorization decisions.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is a server-side SASL mechanism. Start consumes the optional
// initial response from the AUTH command line; Next consumes subsequent
// client responses. When done is true the exchange is over and Credentials
// is valid iff err is nil.
type Mechanism interface {
	Name() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Credentials() *Credentials
}

// New returns a fresh mechanism for the given name (case-insensitive).
func New(name string) (Mechanism, error) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return NewPlain(), nil
	case "LOGIN":
		return NewLogin(), nil
	case "ANONYMOUS":
		return NewAnonymous(), nil
	default:
		return nil, ErrUnknownMechanism
	}
}

// ClearText reports whether the mechanism transmits a reusable password,
// which servers may refuse on unencrypted connections.
func ClearText(name string) bool {
	switch strings.ToUpper(name) {
	case "PLAIN", "LOGIN":
		return true
	}
	return false
}
