package osprey

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/ospreymta/osprey/sasl"
)

// Authenticator validates credentials from a completed SASL exchange.
// A non-nil error fails the authentication; the client always receives the
// same 535 reply regardless of the cause.
type Authenticator func(ctx context.Context, mechanism string, creds *sasl.Credentials) error

// DelegationResumer receives messages that arrive carrying the delegation
// marker header: results coming back from external filter services rather
// than new mail.
type DelegationResumer interface {
	Resume(ctx context.Context, marker string, m *Mail) error
}

// ServerConfig contains configuration for the SMTP server.
type ServerConfig struct {
	Hostname string
	Addr     string

	TLSConfig  *tls.Config
	RequireTLS bool

	// AuthMechanisms lists the SASL mechanisms to offer. Empty disables AUTH.
	AuthMechanisms []string
	RequireAuth    bool

	// AllowClearTextAuth permits PLAIN and LOGIN on unencrypted
	// connections. Off by default; those mechanisms carry reusable
	// passwords.
	AllowClearTextAuth bool
	Authenticator      Authenticator

	// Policy is consulted at each session stage. Nil means every stage
	// continues with protocol defaults.
	Policy Policy

	// Spooler takes custody of accepted messages. Required: without it
	// the server cannot take responsibility for mail and refuses DATA.
	Spooler Spooler

	// Delegation handles inbound delegation results. Nil means messages
	// carrying the marker header are treated as ordinary mail.
	Delegation DelegationResumer

	MaxMessageSize     int64
	MaxRecipients      int
	MaxConnections     int
	MaxErrors          int
	MaxLineLength      int
	MaxReceivedHeaders int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DataTimeout  time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with defaults suitable for an
// MX listener.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":25",
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   5 * time.Minute,
		DataTimeout:    10 * time.Minute,
		MaxLineLength:  512,
		MaxRecipients:  100,
		MaxErrors:      10,
		MaxMessageSize: 25 * 1024 * 1024,
		// RFC 5321 Section 6.3 recommends a loop threshold of at least 100.
		MaxReceivedHeaders: 100,
		Logger:             slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for authenticated submission
// (port 587).
func SubmissionConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Addr = ":587"
	config.AuthMechanisms = []string{"PLAIN"}
	config.RequireAuth = true
	config.RequireTLS = true
	return config
}
