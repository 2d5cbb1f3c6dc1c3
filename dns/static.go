package dns

import (
	"context"
	"net"
	"strings"
	"sync"
)

// Static is an in-memory resolver for tests and fixed routing tables.
// All lookups are case-insensitive on the name.
type Static struct {
	mu  sync.RWMutex
	mx  map[string][]*net.MX
	ip  map[string][]net.IP
	txt map[string][]string
}

func NewStatic() *Static {
	return &Static{
		mx:  make(map[string][]*net.MX),
		ip:  make(map[string][]net.IP),
		txt: make(map[string][]string),
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// AddMX registers an MX record for domain.
func (s *Static) AddMX(domain, host string, pref uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mx[key(domain)] = append(s.mx[key(domain)], &net.MX{Host: host, Pref: pref})
}

// AddIP registers an address record for host.
func (s *Static) AddIP(host string, ip net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ip[key(host)] = append(s.ip[key(host)], ip)
}

// AddTXT registers a TXT record for name.
func (s *Static) AddTXT(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txt[key(name)] = append(s.txt[key(name)], value)
}

func (s *Static) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.mx[key(domain)]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

func (s *Static) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ips := s.ip[key(host)]
	if len(ips) == 0 {
		return nil, ErrNotFound
	}
	return ips, nil
}

func (s *Static) LookupTXT(ctx context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.txt[key(name)]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}
