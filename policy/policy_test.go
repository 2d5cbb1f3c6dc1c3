package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ospreymta/osprey"
	"github.com/ospreymta/osprey/capability"
)

const testRules = `Stages:
	connect:
		-
			Name: block-internal-probe
			Match:
				RemoteNet: 192.0.2.0/24
			Action: reject
			Code: 554
			Message: Not welcome
			EnhancedCode: 5.7.1
	helo:
		-
			Name: reject-bare-localhost
			Match:
				Helo: localhost
			Action: reject
	mail:
		-
			Name: trusted-sender
			Match:
				Sender: *@partner.example
			Action: accept
	rcpt:
		-
			Name: abuse-direct
			Match:
				Recipient: abuse@*
			Action: accept
	postdata:
		-
			Name: quarantine-marked
			Match:
				Header: X-Spam-Flag: yes
			Action: quarantine
			Category: spam
		-
			Name: scan-everything-else
			Action: delegate
			Service: clamav
`

func parseRules(t *testing.T, text string, registry *capability.Registry) *RuleSet {
	t.Helper()
	rs, err := Parse(strings.NewReader(text), registry, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return rs
}

func TestRuleSetConnectReject(t *testing.T) {
	rs := parseRules(t, testRules, nil)

	ev := &osprey.Event{
		Stage:   osprey.StageConnect,
		Session: osprey.SessionInfo{RemoteIP: "192.0.2.7"},
	}
	d := rs.Evaluate(context.Background(), ev)
	if d.Action != osprey.ActionReject {
		t.Fatalf("action = %v, want reject", d.Action)
	}
	if d.Reply == nil || d.Reply.Code != 554 || d.Reply.EnhancedCode != "5.7.1" {
		t.Errorf("reply = %+v, want 554 5.7.1", d.Reply)
	}

	ev.Session.RemoteIP = "198.51.100.1"
	if d := rs.Evaluate(context.Background(), ev); d.Action != osprey.ActionContinue {
		t.Errorf("unlisted client action = %v, want continue", d.Action)
	}
}

func TestRuleSetHeloGlob(t *testing.T) {
	rs := parseRules(t, testRules, nil)

	ev := &osprey.Event{
		Stage:   osprey.StageHelo,
		Session: osprey.SessionInfo{HeloHost: "LOCALHOST"},
	}
	d := rs.Evaluate(context.Background(), ev)
	if d.Action != osprey.ActionReject {
		t.Errorf("action = %v, want reject (case-insensitive match)", d.Action)
	}
	if d.Reply != nil {
		t.Errorf("reply = %+v, want nil for stage default", d.Reply)
	}
}

func TestRuleSetSenderAccept(t *testing.T) {
	rs := parseRules(t, testRules, nil)

	m := osprey.NewMail()
	m.SetFrom(osprey.MailboxAddress{LocalPart: "billing", Domain: "partner.example"})

	ev := &osprey.Event{Stage: osprey.StageMailFrom, Mail: m}
	if d := rs.Evaluate(context.Background(), ev); d.Action != osprey.ActionAccept {
		t.Errorf("partner sender action = %v, want accept", d.Action)
	}

	m2 := osprey.NewMail()
	m2.SetFrom(osprey.MailboxAddress{LocalPart: "x", Domain: "elsewhere.example"})
	ev2 := &osprey.Event{Stage: osprey.StageMailFrom, Mail: m2}
	if d := rs.Evaluate(context.Background(), ev2); d.Action != osprey.ActionContinue {
		t.Errorf("other sender action = %v, want continue", d.Action)
	}
}

func TestRuleSetRecipientStage(t *testing.T) {
	rs := parseRules(t, testRules, nil)

	rcpt := osprey.Path{Mailbox: osprey.MailboxAddress{LocalPart: "abuse", Domain: "example.org"}}
	ev := &osprey.Event{Stage: osprey.StageRcptTo, Recipient: &rcpt}
	if d := rs.Evaluate(context.Background(), ev); d.Action != osprey.ActionAccept {
		t.Errorf("abuse recipient action = %v, want accept", d.Action)
	}
}

func TestRuleSetMailStageQuarantine(t *testing.T) {
	rs := parseRules(t, `Stages:
	mail:
		-
			Name: park-freemail
			Match:
				Sender: *@freemail.example
			Action: quarantine
			Category: held
`, nil)

	m := osprey.NewMail()
	m.SetFrom(osprey.MailboxAddress{LocalPart: "someone", Domain: "freemail.example"})

	ev := &osprey.Event{Stage: osprey.StageMailFrom, Mail: m}
	d := rs.Evaluate(context.Background(), ev)
	if d.Action != osprey.ActionQuarantine || d.Category != "held" {
		t.Errorf("directive = %+v, want quarantine held", d)
	}
}

func TestRuleSetPostDataHeaderQuarantine(t *testing.T) {
	rs := parseRules(t, testRules, nil)

	m := osprey.NewMail()
	m.SetData([]byte("Subject: hi\r\nX-Spam-Flag: YES\r\n\r\nbody\r\n"))

	ev := &osprey.Event{Stage: osprey.StagePostData, Mail: m}
	d := rs.Evaluate(context.Background(), ev)
	if d.Action != osprey.ActionQuarantine || d.Category != "spam" {
		t.Errorf("directive = %+v, want quarantine spam", d)
	}
}

func TestRuleSetPostDataDelegateFallthrough(t *testing.T) {
	rs := parseRules(t, testRules, nil)

	m := osprey.NewMail()
	m.SetData([]byte("Subject: hi\r\n\r\nbody\r\n"))

	ev := &osprey.Event{Stage: osprey.StagePostData, Mail: m}
	d := rs.Evaluate(context.Background(), ev)
	if d.Action != osprey.ActionDelegate || d.Service != "clamav" {
		t.Errorf("directive = %+v, want delegate clamav", d)
	}
}

func TestRuleSetLookup(t *testing.T) {
	registry := capability.NewRegistry(time.Second, nil)
	registry.Register(&listModule{listed: "10.1.2.3"})

	rs := parseRules(t, `Stages:
	connect:
		-
			Name: dnsbl
			Match:
				Lookup: bl check ${remote_ip}
			Action: reject
			Code: 554
			Message: Listed
`, registry)

	ev := &osprey.Event{Stage: osprey.StageConnect, Session: osprey.SessionInfo{RemoteIP: "10.1.2.3"}}
	if d := rs.Evaluate(context.Background(), ev); d.Action != osprey.ActionReject {
		t.Errorf("listed client action = %v, want reject", d.Action)
	}

	ev.Session.RemoteIP = "10.9.9.9"
	if d := rs.Evaluate(context.Background(), ev); d.Action != osprey.ActionContinue {
		t.Errorf("clean client action = %v, want continue", d.Action)
	}
}

type listModule struct{ listed string }

func (m *listModule) Name() string { return "bl" }

func (m *listModule) Call(_ context.Context, fn string, args []string) (string, error) {
	if fn == "check" && len(args) == 1 && args[0] == m.listed {
		return "listed", nil
	}
	return "", nil
}

func TestParseRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"unknown stage", "Stages:\n\tteardown:\n\t\t-\n\t\t\tAction: accept\n"},
		{"unknown action", "Stages:\n\tconnect:\n\t\t-\n\t\t\tAction: explode\n"},
		{"quarantine at connect", "Stages:\n\tconnect:\n\t\t-\n\t\t\tAction: quarantine\n\t\t\tCategory: x\n"},
		{"quarantine at helo", "Stages:\n\thelo:\n\t\t-\n\t\t\tAction: quarantine\n\t\t\tCategory: x\n"},
		{"delegate without service", "Stages:\n\tdata:\n\t\t-\n\t\t\tAction: delegate\n"},
		{"delegate at mail", "Stages:\n\tmail:\n\t\t-\n\t\t\tAction: delegate\n\t\t\tService: clamav\n"},
		{"reject code out of range", "Stages:\n\tconnect:\n\t\t-\n\t\t\tAction: reject\n\t\t\tCode: 250\n"},
		{"bad cidr", "Stages:\n\tconnect:\n\t\t-\n\t\t\tMatch:\n\t\t\t\tRemoteNet: not-a-net\n\t\t\tAction: accept\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.text), nil, nil); err == nil {
				t.Error("Parse succeeded, want error")
			}
		})
	}
}

type fixedPolicy struct {
	d     osprey.Directive
	delay time.Duration
	panic bool
}

func (p *fixedPolicy) Evaluate(ctx context.Context, _ *osprey.Event) osprey.Directive {
	if p.panic {
		panic("rule engine fault")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
		}
	}
	return p.d
}

func TestDispatcherPassthrough(t *testing.T) {
	d := NewDispatcher(&fixedPolicy{d: osprey.Accept()}, time.Second, nil)
	ev := &osprey.Event{Stage: osprey.StageConnect}
	if got := d.Evaluate(context.Background(), ev); got.Action != osprey.ActionAccept {
		t.Errorf("action = %v, want accept", got.Action)
	}
}

func TestDispatcherTimeoutTempFails(t *testing.T) {
	d := NewDispatcher(&fixedPolicy{d: osprey.Accept(), delay: time.Second}, 20*time.Millisecond, nil)
	ev := &osprey.Event{Stage: osprey.StageData}
	got := d.Evaluate(context.Background(), ev)
	if got.Action != osprey.ActionReject {
		t.Fatalf("action = %v, want reject", got.Action)
	}
	if got.Reply == nil || !got.Reply.IsTransientError() {
		t.Errorf("reply = %+v, want transient error", got.Reply)
	}
}

func TestDispatcherPanicTempFails(t *testing.T) {
	d := NewDispatcher(&fixedPolicy{panic: true}, time.Second, nil)
	ev := &osprey.Event{Stage: osprey.StageMailFrom}
	got := d.Evaluate(context.Background(), ev)
	if got.Action != osprey.ActionReject {
		t.Fatalf("action = %v, want reject", got.Action)
	}
	if got.Reply == nil || !got.Reply.IsTransientError() {
		t.Errorf("reply = %+v, want transient error", got.Reply)
	}
}
