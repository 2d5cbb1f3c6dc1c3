// Package capability hosts the extension modules that policy rules can
// call: named synchronous functions answering questions a rule cannot
// answer from the session alone, such as block list membership or cached
// reputation data.
//
// Modules are registered once at startup. Every call is bounded by a
// per-call timeout and isolated from the session: a module fault degrades
// to an error for the calling stage only.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrUnknownModule   = errors.New("capability: unknown module")
	ErrUnknownFunction = errors.New("capability: unknown function")
	ErrCallTimeout     = errors.New("capability: call timed out")
	ErrModuleFault     = errors.New("capability: module fault")
)

// Module is an extension exposing named functions to policy rules.
// Implementations must be safe for concurrent use.
type Module interface {
	// Name is the identifier rules use to address this module.
	Name() string

	// Call invokes a function. The returned string is the module's
	// answer; an empty string is interpreted as "no" / "not found" by
	// rule matchers.
	Call(ctx context.Context, fn string, args []string) (string, error)
}

// DefaultCallTimeout bounds a module call when the registry is built
// without an explicit timeout.
const DefaultCallTimeout = 2 * time.Second

// Registry holds the loaded modules. It is populated at startup and
// read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry returns an empty registry. timeout bounds each call; zero
// means DefaultCallTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		modules: make(map[string]Module),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a module. Registering two modules under one name is a
// startup configuration error.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("capability: module %q registered twice", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Lookup returns the named module.
func (r *Registry) Lookup(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Call invokes module.fn with the per-call timeout. Panics inside the
// module and deadline overruns both come back as errors so the calling
// stage can temp-fail without taking the session down.
func (r *Registry) Call(ctx context.Context, module, fn string, args []string) (string, error) {
	m, ok := r.Lookup(module)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		value string
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("capability module panicked",
					"module", module, "fn", fn, "panic", p)
				ch <- result{err: fmt.Errorf("%w: %s.%s panicked", ErrModuleFault, module, fn)}
			}
		}()
		value, err := m.Call(ctx, fn, args)
		ch <- result{value: value, err: err}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s.%s", ErrCallTimeout, module, fn)
	}
}
