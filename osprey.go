// Package osprey implements a mail transfer agent: an SMTP server whose
// accept/reject decisions are driven by pluggable policies, backed by a
// durable filesystem queue and an outbound delivery dispatcher.
//
// The packages under this module split along the mail lifecycle: the root
// package speaks the protocol and runs the session state machine, policy
// evaluates rules at each session stage, queue persists accepted messages,
// delivery drains the queue toward local and remote destinations, and
// delegate round-trips messages through external SMTP filters.
package osprey

import (
	"context"
)

// Stage identifies the point in an SMTP session at which a policy is
// consulted.
type Stage int

const (
	StageConnect Stage = iota
	StageHelo
	StageAuth
	StageMailFrom
	StageRcptTo
	StageData
	StagePostData
)

var stageNames = map[Stage]string{
	StageConnect:  "connect",
	StageHelo:     "helo",
	StageAuth:     "auth",
	StageMailFrom: "mail",
	StageRcptTo:   "rcpt",
	StageData:     "data",
	StagePostData: "postdata",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStage maps a stage name to its Stage value. ok is false for
// unrecognized names.
func ParseStage(name string) (Stage, bool) {
	for s, n := range stageNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Action is the kind of outcome a policy evaluation produces.
type Action int

const (
	// ActionContinue proceeds to the next rule, or to the protocol
	// default when no rule remains.
	ActionContinue Action = iota

	// ActionAccept stops evaluation for this stage and lets the
	// transaction proceed.
	ActionAccept

	// ActionReject refuses the transaction with an SMTP error.
	ActionReject

	// ActionQuarantine accepts the message from the client but writes it
	// to a named quarantine area instead of the active queue. It never
	// reaches delivery.
	ActionQuarantine

	// ActionDelegate hands the message to an external SMTP service and
	// parks the transaction until the service returns a result.
	ActionDelegate
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	case ActionQuarantine:
		return "quarantine"
	case ActionDelegate:
		return "delegate"
	}
	return "unknown"
}

// Directive is the outcome of evaluating policy at a stage.
type Directive struct {
	Action Action

	// Reply overrides the protocol's default reply for Reject. Nil means
	// use the stage's standard rejection.
	Reply *Response

	// Category names the quarantine area for ActionQuarantine.
	Category string

	// Service names the delegation target for ActionDelegate.
	Service string
}

// Continue yields to the next rule or the protocol default.
func Continue() Directive { return Directive{Action: ActionContinue} }

// Accept short-circuits the stage and lets the transaction proceed.
func Accept() Directive { return Directive{Action: ActionAccept} }

// Reject refuses the transaction. reply may be nil for the stage default.
func Reject(reply *Response) Directive {
	return Directive{Action: ActionReject, Reply: reply}
}

// Quarantine accepts the message into the named quarantine area.
func Quarantine(category string) Directive {
	return Directive{Action: ActionQuarantine, Category: category}
}

// Delegate hands the message to the named external service.
func Delegate(service string) Directive {
	return Directive{Action: ActionDelegate, Service: service}
}

// Event is the session snapshot handed to policy evaluation. Fields are
// populated progressively: Mail is nil before MAIL FROM, Recipient is set
// only at StageRcptTo.
type Event struct {
	Stage   Stage
	Session SessionInfo

	// Mail is the transaction in progress. Policies may inspect it; at
	// StageData and later they may also rewrite headers.
	Mail *Mail

	// Recipient is the address under consideration at StageRcptTo.
	Recipient *Path

	// Delegated is true when this evaluation is a re-entry with the
	// result of a delegated filter rather than a fresh client message.
	Delegated bool

	// DelegationService is the service that produced the re-entry.
	DelegationService string
}

// SessionInfo is the connection-level context visible to policies.
type SessionInfo struct {
	ID         string
	RemoteIP   string
	RemotePort int
	LocalAddr  string
	TLS        bool
	HeloHost   string

	Authenticated bool
	AuthIdentity  string
	Anonymous     bool
}

// Policy decides the fate of a transaction at each stage. Implementations
// must be safe for concurrent use; one server drives many sessions.
type Policy interface {
	Evaluate(ctx context.Context, ev *Event) Directive
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, ev *Event) Directive

func (f PolicyFunc) Evaluate(ctx context.Context, ev *Event) Directive {
	return f(ctx, ev)
}

// Spooler is where the server hands off messages it has taken
// responsibility for. Implementations must persist the message before
// returning nil; a nil return is what authorizes the 250 reply that
// transfers responsibility from the client.
type Spooler interface {
	// Enqueue stores m for delivery.
	Enqueue(ctx context.Context, m *Mail) error

	// Quarantine stores m in the named quarantine area.
	Quarantine(ctx context.Context, m *Mail, category string) error

	// Delegate stores m and submits it to the named external service.
	Delegate(ctx context.Context, m *Mail, service string) error
}

// DelegationHeader is the marker header attached to messages submitted to
// delegate services. Its value correlates the service's response with the
// parked transaction; inbound messages carrying it are treated as
// delegation results, not new mail.
const DelegationHeader = "X-Osprey-Delegation"
