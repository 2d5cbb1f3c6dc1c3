// Package policy decides the fate of mail transactions. It provides the
// dispatcher that bounds and isolates policy evaluation, and a rule-set
// engine compiled from a rules file: ordered pattern matchers per session
// stage whose first match yields a directive.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/ospreymta/osprey"
)

// DefaultStageTimeout bounds one stage evaluation when no explicit
// timeout is configured.
const DefaultStageTimeout = 5 * time.Second

// Dispatcher wraps a policy with wall-clock timeout enforcement and panic
// isolation. An evaluation that overruns its budget or panics yields a
// transient rejection for that stage only; it is never treated as
// acceptance, and the session survives.
type Dispatcher struct {
	inner   osprey.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher wraps inner. timeout bounds each stage; zero means
// DefaultStageTimeout.
func NewDispatcher(inner osprey.Policy, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{inner: inner, timeout: timeout, logger: logger}
}

// Evaluate implements osprey.Policy.
func (d *Dispatcher) Evaluate(ctx context.Context, ev *osprey.Event) osprey.Directive {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ch := make(chan osprey.Directive, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("policy evaluation panicked",
					"stage", ev.Stage.String(), "session_id", ev.Session.ID, "panic", p)
				ch <- tempFailure()
			}
		}()
		ch <- d.inner.Evaluate(ctx, ev)
	}()

	select {
	case directive := <-ch:
		return directive
	case <-ctx.Done():
		d.logger.Warn("policy evaluation timed out",
			"stage", ev.Stage.String(), "session_id", ev.Session.ID, "timeout", d.timeout)
		return tempFailure()
	}
}

// tempFailure is the directive for a faulted or overrun evaluation: the
// client is told to come back later, nothing is accepted implicitly.
func tempFailure() osprey.Directive {
	resp := osprey.ResponseLocalError("Policy evaluation failed, try again later")
	return osprey.Reject(&resp)
}
