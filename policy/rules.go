package policy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/ospreymta/osprey"
	"github.com/ospreymta/osprey/capability"
)

// Rules is the parsed form of a rules file, one ordered rule list per
// session stage. The file is in sconf format; stage keys are the names
// connect, helo, auth, mail, rcpt, data and postdata.
type Rules struct {
	Stages map[string][]Rule `sconf-doc:"Ordered rules per session stage. Stage names: connect, helo, auth, mail, rcpt, data, postdata. Within a stage the first matching rule decides; a continue action falls through to the next rule."`
}

// Rule is one entry in a stage's rule list. All specified match conditions
// must hold for the rule to fire; a rule with no conditions always fires.
type Rule struct {
	Name  string    `sconf:"optional" sconf-doc:"Label used in logs when the rule fires."`
	Match RuleMatch `sconf:"optional" sconf-doc:"Conditions, all of which must hold."`

	Action string `sconf-doc:"One of: continue, accept, reject, quarantine, delegate."`

	Code         int    `sconf:"optional" sconf-doc:"Reply code for reject. Default is the stage's standard rejection."`
	Message      string `sconf:"optional" sconf-doc:"Reply text for reject."`
	EnhancedCode string `sconf:"optional" sconf-doc:"Enhanced status code for reject, e.g. 5.7.1."`
	Category     string `sconf:"optional" sconf-doc:"Quarantine area name for quarantine."`
	Service      string `sconf:"optional" sconf-doc:"Delegation service name for delegate."`
}

// RuleMatch are the conditions of a rule. Patterns are case-insensitive
// globs (* and ? wildcards). String values may reference session
// variables as ${remote_ip}, ${helo}, ${sender}, ${recipient},
// ${auth_identity} and ${session_id}.
type RuleMatch struct {
	Helo      string `sconf:"optional" sconf-doc:"Glob matched against the EHLO/HELO hostname."`
	Sender    string `sconf:"optional" sconf-doc:"Glob matched against the envelope sender address."`
	Recipient string `sconf:"optional" sconf-doc:"Glob matched against the recipient under consideration (rcpt stage) or any envelope recipient (later stages)."`
	Header    string `sconf:"optional" sconf-doc:"Name: glob matched against message header values. Only meaningful at data and postdata."`
	RemoteNet string `sconf:"optional" sconf-doc:"CIDR or single IP matched against the client address."`
	Lookup    string `sconf:"optional" sconf-doc:"Capability call 'module fn args...'; the rule matches when the call returns a non-empty answer."`
}

type compiledRule struct {
	name   string
	stage  osprey.Stage
	action osprey.Action

	heloPattern      string
	senderPattern    string
	recipientPattern string
	headerName       string
	headerPattern    string
	remoteNet        *net.IPNet
	lookupModule     string
	lookupFn         string
	lookupArgs       []string

	directive osprey.Directive
}

// RuleSet is a compiled rules file implementing osprey.Policy. Capability
// lookups go through the registry; a nil registry makes every lookup
// condition a temp-failure.
type RuleSet struct {
	stages   map[osprey.Stage][]compiledRule
	registry *capability.Registry
	logger   *slog.Logger
}

// Load reads, parses and compiles a rules file.
func Load(filename string, registry *capability.Registry, logger *slog.Logger) (*RuleSet, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening rules file: %w", err)
	}
	defer f.Close()
	rs, err := Parse(f, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", filename, err)
	}
	return rs, nil
}

// Parse compiles a rules file read from r.
func Parse(r io.Reader, registry *capability.Registry, logger *slog.Logger) (*RuleSet, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var file Rules
	if err := sconf.Parse(r, &file); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	rs := &RuleSet{
		stages:   make(map[osprey.Stage][]compiledRule),
		registry: registry,
		logger:   logger,
	}
	for stageName, rules := range file.Stages {
		stage, ok := osprey.ParseStage(stageName)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", stageName)
		}
		for i, rule := range rules {
			compiled, err := compileRule(stage, rule)
			if err != nil {
				return nil, fmt.Errorf("stage %s rule %d (%s): %w", stageName, i+1, rule.Name, err)
			}
			rs.stages[stage] = append(rs.stages[stage], compiled)
		}
	}
	return rs, nil
}

func compileRule(stage osprey.Stage, rule Rule) (compiledRule, error) {
	c := compiledRule{name: rule.Name, stage: stage}

	switch rule.Action {
	case "continue":
		c.action = osprey.ActionContinue
		c.directive = osprey.Continue()
	case "accept":
		c.action = osprey.ActionAccept
		c.directive = osprey.Accept()
	case "reject":
		c.action = osprey.ActionReject
		if rule.Code != 0 {
			if rule.Code < 400 || rule.Code > 599 {
				return c, fmt.Errorf("reject code %d outside 400-599", rule.Code)
			}
			msg := rule.Message
			if msg == "" {
				msg = "Rejected by policy"
			}
			reply := osprey.Response{
				Code:         osprey.SMTPCode(rule.Code),
				EnhancedCode: rule.EnhancedCode,
				Message:      msg,
			}
			c.directive = osprey.Reject(&reply)
		} else {
			c.directive = osprey.Reject(nil)
		}
	case "quarantine":
		if stage < osprey.StageMailFrom {
			return c, fmt.Errorf("quarantine not valid at stage %s", stage)
		}
		if rule.Category == "" {
			return c, fmt.Errorf("quarantine needs a Category")
		}
		c.action = osprey.ActionQuarantine
		c.directive = osprey.Quarantine(rule.Category)
	case "delegate":
		if stage < osprey.StageData {
			return c, fmt.Errorf("delegate not valid at stage %s", stage)
		}
		if rule.Service == "" {
			return c, fmt.Errorf("delegate needs a Service")
		}
		c.action = osprey.ActionDelegate
		c.directive = osprey.Delegate(rule.Service)
	default:
		return c, fmt.Errorf("unknown action %q", rule.Action)
	}

	m := rule.Match
	for _, p := range []string{m.Helo, m.Sender, m.Recipient} {
		if err := checkPattern(p); err != nil {
			return c, err
		}
	}
	c.heloPattern = strings.ToLower(m.Helo)
	c.senderPattern = strings.ToLower(m.Sender)
	c.recipientPattern = strings.ToLower(m.Recipient)

	if m.Header != "" {
		name, pattern, ok := strings.Cut(m.Header, ":")
		if !ok {
			return c, fmt.Errorf("header condition %q needs 'Name: pattern'", m.Header)
		}
		pattern = strings.TrimSpace(pattern)
		if err := checkPattern(pattern); err != nil {
			return c, err
		}
		c.headerName = strings.TrimSpace(name)
		c.headerPattern = strings.ToLower(pattern)
	}

	if m.RemoteNet != "" {
		cidr := m.RemoteNet
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return c, fmt.Errorf("bad RemoteNet %q: %w", m.RemoteNet, err)
		}
		c.remoteNet = ipnet
	}

	if m.Lookup != "" {
		fields := strings.Fields(m.Lookup)
		if len(fields) < 2 {
			return c, fmt.Errorf("lookup %q needs 'module fn [args]'", m.Lookup)
		}
		c.lookupModule = fields[0]
		c.lookupFn = fields[1]
		c.lookupArgs = fields[2:]
	}

	return c, nil
}

func checkPattern(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return nil
}

// Evaluate implements osprey.Policy: the first matching rule for the
// event's stage decides, a continue action falls through, and no match
// yields the protocol default.
func (rs *RuleSet) Evaluate(ctx context.Context, ev *osprey.Event) osprey.Directive {
	for _, rule := range rs.stages[ev.Stage] {
		matched, err := rs.matches(ctx, &rule, ev)
		if err != nil {
			rs.logger.Warn("rule condition failed",
				"stage", ev.Stage.String(), "rule", rule.name, "err", err)
			return tempFailure()
		}
		if !matched {
			continue
		}
		if rule.action == osprey.ActionContinue {
			continue
		}
		rs.logger.Debug("rule fired",
			"stage", ev.Stage.String(), "rule", rule.name, "action", rule.action.String())
		return rule.directive
	}
	return osprey.Continue()
}

func (rs *RuleSet) matches(ctx context.Context, rule *compiledRule, ev *osprey.Event) (bool, error) {
	if rule.heloPattern != "" && !matchGlob(rule.heloPattern, ev.Session.HeloHost) {
		return false, nil
	}

	if rule.senderPattern != "" {
		if ev.Mail == nil || !matchGlob(rule.senderPattern, ev.Mail.Envelope.From.Mailbox.String()) {
			return false, nil
		}
	}

	if rule.recipientPattern != "" && !rs.matchRecipient(rule, ev) {
		return false, nil
	}

	if rule.headerName != "" {
		if ev.Mail == nil {
			return false, nil
		}
		found := false
		for _, value := range ev.Mail.Content.Headers.GetAll(rule.headerName) {
			if matchGlob(rule.headerPattern, value) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if rule.remoteNet != nil {
		ip := net.ParseIP(ev.Session.RemoteIP)
		if ip == nil || !rule.remoteNet.Contains(ip) {
			return false, nil
		}
	}

	if rule.lookupModule != "" {
		if rs.registry == nil {
			return false, fmt.Errorf("no capability registry for %s.%s", rule.lookupModule, rule.lookupFn)
		}
		args := make([]string, len(rule.lookupArgs))
		for i, arg := range rule.lookupArgs {
			args[i] = expandVars(arg, ev)
		}
		answer, err := rs.registry.Call(ctx, rule.lookupModule, rule.lookupFn, args)
		if err != nil {
			return false, err
		}
		if answer == "" {
			return false, nil
		}
	}

	return true, nil
}

func (rs *RuleSet) matchRecipient(rule *compiledRule, ev *osprey.Event) bool {
	if ev.Recipient != nil {
		return matchGlob(rule.recipientPattern, ev.Recipient.Mailbox.String())
	}
	if ev.Mail == nil {
		return false
	}
	for _, rcpt := range ev.Mail.Envelope.To {
		if matchGlob(rule.recipientPattern, rcpt.Address.Mailbox.String()) {
			return true
		}
	}
	return false
}

// matchGlob does a case-insensitive glob match. pattern is already
// lowercased and validated at compile time.
func matchGlob(pattern, value string) bool {
	ok, _ := path.Match(pattern, strings.ToLower(value))
	return ok
}

// expandVars substitutes ${var} session references in capability call
// arguments. Unknown variables expand to the empty string.
func expandVars(s string, ev *osprey.Event) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(name string) string {
		switch name {
		case "remote_ip":
			return ev.Session.RemoteIP
		case "helo":
			return ev.Session.HeloHost
		case "session_id":
			return ev.Session.ID
		case "auth_identity":
			return ev.Session.AuthIdentity
		case "sender":
			if ev.Mail != nil {
				return ev.Mail.Envelope.From.Mailbox.String()
			}
		case "recipient":
			if ev.Recipient != nil {
				return ev.Recipient.Mailbox.String()
			}
		}
		return ""
	})
}
