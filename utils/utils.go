// Package utils holds small helpers shared across osprey packages.
package utils

import (
	"fmt"
	"net"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// GetIPFromAddr extracts the IP from a net.Addr.
func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			// Maybe it's just an IP without port
			host = addr.String()
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
	}
	return ip, nil
}

// ContainsNonASCII reports whether s contains any non-ASCII characters.
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// EqualFoldASCII compares two ASCII strings case-insensitively without
// allocating. Header names are ASCII by construction so this is sufficient.
func EqualFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// GenerateID creates a unique, lexicographically sortable identifier.
// ULIDs are filename-safe, which matters because queue entry identifiers
// double as file names in the queue spool.
func GenerateID() string {
	return ulid.Make().String()
}

// ValidID reports whether s parses as an identifier produced by GenerateID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
