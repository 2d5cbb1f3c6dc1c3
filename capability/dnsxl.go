package capability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ospreymta/osprey/dns"
)

const dnsxlModuleName = "dnsxl"

// DNSXLModule answers DNS block list queries for policy rules. A client
// address is listed when the reversed-address query against a zone
// resolves; the module reports the first zone that lists it.
type DNSXLModule struct {
	resolver dns.Resolver
	zones    []string
}

// NewDNSXLModule configures the module with the zones to consult, in
// order. An empty zone list makes every check answer "not listed".
func NewDNSXLModule(resolver dns.Resolver, zones []string) *DNSXLModule {
	return &DNSXLModule{resolver: resolver, zones: zones}
}

func (m *DNSXLModule) Name() string { return dnsxlModuleName }

// Call implements:
//
//	check <ip>         -> first configured zone listing the address, or ""
//	lookup <ip> <zone> -> "listed" or ""
func (m *DNSXLModule) Call(ctx context.Context, fn string, args []string) (string, error) {
	switch fn {
	case "check":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: dnsxl.check wants an address", ErrModuleFault)
		}
		for _, zone := range m.zones {
			listed, err := m.query(ctx, args[0], zone)
			if err != nil {
				return "", err
			}
			if listed {
				return zone, nil
			}
		}
		return "", nil

	case "lookup":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: dnsxl.lookup wants an address and a zone", ErrModuleFault)
		}
		listed, err := m.query(ctx, args[0], args[1])
		if err != nil {
			return "", err
		}
		if listed {
			return "listed", nil
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: dnsxl.%s", ErrUnknownFunction, fn)
}

func (m *DNSXLModule) query(ctx context.Context, addr, zone string) (bool, error) {
	name, err := reverseAddr(addr)
	if err != nil {
		return false, err
	}
	ips, err := m.resolver.LookupIP(ctx, name+"."+zone)
	if err != nil {
		if errors.Is(err, dns.ErrNotFound) {
			return false, nil
		}
		// Temporary resolution failures surface to the caller; the rule
		// stage temp-fails rather than silently passing a listed host.
		return false, err
	}
	return len(ips) > 0, nil
}

// reverseAddr renders an IP in the reversed form block lists expect:
// dotted octets in reverse for IPv4, reversed nibbles for IPv6.
func reverseAddr(addr string) (string, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", fmt.Errorf("%w: bad address %q", ErrModuleFault, addr)
	}

	if v4 := ip.To4(); v4 != nil {
		return strconv.Itoa(int(v4[3])) + "." +
			strconv.Itoa(int(v4[2])) + "." +
			strconv.Itoa(int(v4[1])) + "." +
			strconv.Itoa(int(v4[0])), nil
	}

	const hexDigit = "0123456789abcdef"
	v6 := ip.To16()
	var sb strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		sb.WriteByte(hexDigit[v6[i]&0xF])
		sb.WriteByte('.')
		sb.WriteByte(hexDigit[v6[i]>>4])
		if i > 0 {
			sb.WriteByte('.')
		}
	}
	return sb.String(), nil
}
