package capability

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ospreymta/osprey/dns"
)

type stubModule struct {
	name string
	fn   func(ctx context.Context, fn string, args []string) (string, error)
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Call(ctx context.Context, fn string, args []string) (string, error) {
	return m.fn(ctx, fn, args)
}

func TestRegistryCall(t *testing.T) {
	reg := NewRegistry(time.Second, nil)
	err := reg.Register(&stubModule{
		name: "echo",
		fn: func(_ context.Context, fn string, args []string) (string, error) {
			if fn != "say" {
				return "", ErrUnknownFunction
			}
			return args[0], nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Call(context.Background(), "echo", "say", []string{"hello"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "hello" {
		t.Errorf("Call = %q, want %q", got, "hello")
	}

	if _, err := reg.Call(context.Background(), "missing", "say", nil); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("unknown module error = %v, want ErrUnknownModule", err)
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	reg := NewRegistry(time.Second, nil)
	m := &stubModule{name: "dup", fn: func(context.Context, string, []string) (string, error) { return "", nil }}
	if err := reg.Register(m); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(m); err == nil {
		t.Error("second Register succeeded, want error")
	}
}

func TestRegistryCallTimeout(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, nil)
	reg.Register(&stubModule{
		name: "slow",
		fn: func(ctx context.Context, _ string, _ []string) (string, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return "late", nil
		},
	})

	_, err := reg.Call(context.Background(), "slow", "work", nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Errorf("Call error = %v, want ErrCallTimeout", err)
	}
}

func TestRegistryCallPanicIsolated(t *testing.T) {
	reg := NewRegistry(time.Second, nil)
	reg.Register(&stubModule{
		name: "bomb",
		fn: func(context.Context, string, []string) (string, error) {
			panic("boom")
		},
	})

	_, err := reg.Call(context.Background(), "bomb", "go", nil)
	if !errors.Is(err, ErrModuleFault) {
		t.Errorf("Call error = %v, want ErrModuleFault", err)
	}
}

func TestCacheModule(t *testing.T) {
	cache, err := NewCacheModule(time.Minute)
	if err != nil {
		t.Fatalf("NewCacheModule: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if _, err := cache.Call(ctx, "set", []string{"greylist", "1.2.3.4", "seen"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Ristretto admits writes asynchronously.
	deadline := time.Now().Add(time.Second)
	for {
		got, err := cache.Call(ctx, "get", []string{"greylist", "1.2.3.4"})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == "seen" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("get = %q, want %q", got, "seen")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := cache.Call(ctx, "get", []string{"greylist", "5.6.7.8"})
	if err != nil {
		t.Fatalf("get miss: %v", err)
	}
	if got != "" {
		t.Errorf("get miss = %q, want empty", got)
	}

	if _, err := cache.Call(ctx, "evict", []string{"x"}); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("unknown fn error = %v, want ErrUnknownFunction", err)
	}
}

func TestDNSXLCheck(t *testing.T) {
	resolver := dns.NewStatic()
	// 1.2.3.4 listed in zen.example.org: reversed-octet A record present.
	resolver.AddIP("4.3.2.1.zen.example.org", net.ParseIP("127.0.0.2"))

	m := NewDNSXLModule(resolver, []string{"zen.example.org", "bl.example.net"})
	ctx := context.Background()

	zone, err := m.Call(ctx, "check", []string{"1.2.3.4"})
	if err != nil {
		t.Fatalf("check listed: %v", err)
	}
	if zone != "zen.example.org" {
		t.Errorf("check = %q, want zen.example.org", zone)
	}

	zone, err = m.Call(ctx, "check", []string{"9.9.9.9"})
	if err != nil {
		t.Fatalf("check clean: %v", err)
	}
	if zone != "" {
		t.Errorf("check clean = %q, want empty", zone)
	}
}

func TestReverseAddr(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"1.2.3.4", "4.3.2.1"},
		{"127.0.0.1", "1.0.0.127"},
	}
	for _, tt := range tests {
		got, err := reverseAddr(tt.addr)
		if err != nil {
			t.Fatalf("reverseAddr(%q): %v", tt.addr, err)
		}
		if got != tt.want {
			t.Errorf("reverseAddr(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}

	if _, err := reverseAddr("not-an-ip"); err == nil {
		t.Error("reverseAddr accepted garbage")
	}
}
