// Package dns provides the name resolution used for outbound routing and
// DNS block list checks.
package dns

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNotFound indicates the name does not exist or has no records of
	// the requested type. This is a permanent condition.
	ErrNotFound = errors.New("dns: name not found")

	// ErrTemporary indicates a transient resolution failure (timeout,
	// SERVFAIL, unreachable nameserver). Callers should retry later.
	ErrTemporary = errors.New("dns: temporary failure")
)

// Resolver is the lookup surface needed by delivery routing and block
// list modules. Implementations must honor the context deadline.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// IsTemporary reports whether err represents a transient resolution
// failure worth retrying.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTemporary)
}
