package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	cacheModuleName = "cache"

	defaultCacheCost int64 = 1
	defaultCacheTTL        = time.Minute
)

// CacheModule exposes a shared in-memory key/value store to policy rules,
// letting rules remember verdicts across sessions (greylisting, repeated
// offender tracking). Keys live in per-rule namespaces.
type CacheModule struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// NewCacheModule builds the ristretto-backed cache. ttl is the lifetime of
// entries stored through set; zero means one minute.
func NewCacheModule(ttl time.Duration) (*CacheModule, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e7,     // number of keys to track frequency of (10M).
		MaxCost:     1 << 28, // maximum cost of cache (256MB).
		BufferItems: 64,      // number of keys per Get buffer.
	})
	if err != nil {
		return nil, fmt.Errorf("capability: cache: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CacheModule{c: cache, ttl: ttl}, nil
}

func (m *CacheModule) Name() string { return cacheModuleName }

// Call implements get/set/has. Arguments are namespace-qualified:
//
//	get <namespace> <key>            -> stored value or ""
//	set <namespace> <key> <value...> -> ""
//	has <namespace> <key>            -> "true" or ""
func (m *CacheModule) Call(_ context.Context, fn string, args []string) (string, error) {
	switch fn {
	case "get":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: cache.get wants namespace and key", ErrModuleFault)
		}
		if v, ok := m.c.Get(args[0] + ":" + args[1]); ok {
			return v.(string), nil
		}
		return "", nil

	case "set":
		if len(args) < 3 {
			return "", fmt.Errorf("%w: cache.set wants namespace, key and value", ErrModuleFault)
		}
		value := strings.Join(args[2:], " ")
		m.c.SetWithTTL(args[0]+":"+args[1], value, defaultCacheCost, m.ttl)
		return "", nil

	case "has":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: cache.has wants namespace and key", ErrModuleFault)
		}
		if _, ok := m.c.Get(args[0] + ":" + args[1]); ok {
			return "true", nil
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: cache.%s", ErrUnknownFunction, fn)
}

// Close releases the cache's internal goroutines.
func (m *CacheModule) Close() { m.c.Close() }
