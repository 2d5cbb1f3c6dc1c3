package utils

import (
	"net"
	"testing"
)

func TestGetIPFromAddr(t *testing.T) {
	tests := []struct {
		name    string
		addr    net.Addr
		want    string
		wantErr bool
	}{
		{"tcp addr", &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 25}, "192.0.2.1", false},
		{"udp addr", &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 53}, "192.0.2.2", false},
		{"ip addr", &net.IPAddr{IP: net.ParseIP("2001:db8::1")}, "2001:db8::1", false},
		{"nil addr", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := GetIPFromAddr(tt.addr)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %v", ip)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if ip.String() != tt.want {
				t.Errorf("GetIPFromAddr() = %s, want %s", ip, tt.want)
			}
		})
	}
}

func TestContainsNonASCII(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"", false},
		{"user@example.com", false},
		{"hello\r\nworld", false},
		{"café", true},
		{"日本語", true},
	}

	for _, tt := range tests {
		if got := ContainsNonASCII(tt.input); got != tt.want {
			t.Errorf("ContainsNonASCII(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestEqualFoldASCII(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Received", "received", true},
		{"X-TAG", "x-tag", true},
		{"Subject", "Subject", true},
		{"Subject", "Subjec", false},
		{"Subject", "Sublect", false},
		{"", "", true},
	}

	for _, tt := range tests {
		if got := EqualFoldASCII(tt.a, tt.b); got != tt.want {
			t.Errorf("EqualFoldASCII(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID()
		if len(id) != 26 {
			t.Fatalf("Expected 26-char ULID, got %q (%d)", id, len(id))
		}
		if !ValidID(id) {
			t.Fatalf("Generated ID does not validate: %q", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate ID generated: %q", id)
		}
		seen[id] = true
	}

	if ValidID("not-an-id") {
		t.Error("ValidID accepted garbage")
	}
	if ValidID("") {
		t.Error("ValidID accepted empty string")
	}
}
