package delivery

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ospreymta/osprey"
	"github.com/ospreymta/osprey/dns"
	"github.com/ospreymta/osprey/metrics"
	"github.com/ospreymta/osprey/queue"
)

func testMail(t *testing.T, id string, rcpts ...string) *osprey.Mail {
	t.Helper()
	m := osprey.NewMail()
	m.ID = id
	m.SetFrom(osprey.MailboxAddress{LocalPart: "sender", Domain: "origin.example"})
	for _, addr := range rcpts {
		mbox, err := osprey.ParseAddress(addr)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", addr, err)
		}
		m.AddRecipient(mbox)
	}
	m.SetData([]byte("Subject: delivery test\r\n\r\nhello\r\n"))
	return m
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *queue.Manager) {
	t.Helper()
	qm, err := queue.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	cfg.Hostname = "mta.example.com"
	d := New(qm, cfg)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	t.Cleanup(d.cancel)
	return d, qm
}

func claim(t *testing.T, qm *queue.Manager, id string) *queue.Entry {
	t.Helper()
	e, err := qm.Claim(id, queue.Working)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return e
}

func TestLocalDeliveryWritesMaildir(t *testing.T) {
	maildir := t.TempDir()
	d, qm := newTestDispatcher(t, Config{
		LocalDomains: []string{"local.example"},
		MaildirRoot:  maildir,
	})

	m := testMail(t, "01J0DLVLOCAL00000000000000", "alice@local.example")
	if err := qm.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.attempt(claim(t, qm, m.ID))

	path := filepath.Join(maildir, "alice", "new", m.ID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("message not in maildir: %v", err)
	}
	if string(data) != string(m.Data) {
		t.Error("maildir content differs from wire bytes")
	}

	// Fully delivered entries leave the store.
	for _, q := range []string{queue.Working, queue.Deferred, queue.Delivery, queue.Dead} {
		ids, _ := qm.List(q)
		if len(ids) != 0 {
			t.Errorf("queue %s = %v, want empty", q, ids)
		}
	}
}

func TestRemoteDeliveryPerRecipientOutcome(t *testing.T) {
	d, qm := newTestDispatcher(t, Config{
		ForwardAddr: "relay.example:25",
		MaxAttempts: 3,
		BackoffBase: time.Minute,
	})
	d.relay = func(_ context.Context, addr string, m *osprey.Mail, rcpts []osprey.MailboxAddress) (*osprey.SendResult, error) {
		result := &osprey.SendResult{}
		for _, mbox := range rcpts {
			rr := osprey.RecipientResult{Address: mbox}
			switch mbox.LocalPart {
			case "good":
				rr.Accepted = true
			case "gone":
				rr.Err = &osprey.SMTPError{Code: 550, Message: "no such user"}
			default:
				rr.Err = &osprey.SMTPError{Code: 452, Message: "try later"}
			}
			result.Recipients = append(result.Recipients, rr)
		}
		return result, nil
	}

	m := testMail(t, "01J0DLVSPLIT00000000000000",
		"good@remote.example", "gone@remote.example", "slow@remote.example")
	if err := qm.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.attempt(claim(t, qm, m.ID))

	e, err := qm.Read(queue.Deferred, m.ID)
	if err != nil {
		t.Fatalf("entry not deferred: %v", err)
	}

	statuses := map[string]osprey.RecipientStatus{}
	for _, rcpt := range e.Mail.Envelope.To {
		statuses[rcpt.Address.Mailbox.LocalPart] = rcpt.Status
	}
	if statuses["good"] != osprey.StatusDelivered {
		t.Errorf("good = %v, want delivered", statuses["good"])
	}
	if statuses["gone"] != osprey.StatusFailed {
		t.Errorf("gone = %v, want failed (no retry for permanent errors)", statuses["gone"])
	}
	if statuses["slow"] != osprey.StatusHeldBack {
		t.Errorf("slow = %v, want held", statuses["slow"])
	}
	if e.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", e.Attempts)
	}
	if e.Ready(time.Now()) {
		t.Error("deferred entry ready immediately, want backoff delay")
	}
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	d, qm := newTestDispatcher(t, Config{
		ForwardAddr: "relay.example:25",
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	})
	d.relay = func(context.Context, string, *osprey.Mail, []osprey.MailboxAddress) (*osprey.SendResult, error) {
		return nil, errors.New("connect: connection refused")
	}

	m := testMail(t, "01J0DLVDEAD000000000000000", "user@remote.example")
	if err := qm.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.attempt(claim(t, qm, m.ID))
	if _, err := qm.Read(queue.Deferred, m.ID); err != nil {
		t.Fatalf("first failure should defer: %v", err)
	}

	e, err := qm.Claim(m.ID, queue.Deferred)
	if err != nil {
		t.Fatalf("Claim deferred: %v", err)
	}
	d.attempt(e)

	dead, err := qm.Read(queue.Dead, m.ID)
	if err != nil {
		t.Fatalf("entry not dead-lettered: %v", err)
	}
	if dead.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", dead.Attempts)
	}
	if dead.Mail.Envelope.To[0].Status != osprey.StatusFailed {
		t.Errorf("recipient = %v, want failed", dead.Mail.Envelope.To[0].Status)
	}

	ids, _ := qm.List(queue.Deferred)
	if len(ids) != 0 {
		t.Errorf("deferred = %v, want empty after dead-letter", ids)
	}
}

func TestPermanentRelayFailureFailsImmediately(t *testing.T) {
	d, qm := newTestDispatcher(t, Config{
		ForwardAddr: "relay.example:25",
		MaxAttempts: 5,
	})
	d.relay = func(context.Context, string, *osprey.Mail, []osprey.MailboxAddress) (*osprey.SendResult, error) {
		return nil, &osprey.SMTPError{Code: 554, Message: "blocked"}
	}

	m := testMail(t, "01J0DLVPERM000000000000000", "user@remote.example")
	if err := qm.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failedBefore := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("failed"))
	deliveredBefore := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("delivered"))

	d.attempt(claim(t, qm, m.ID))

	// All recipients terminal on the first attempt: nothing left to
	// retry, the entry is gone.
	for _, q := range []string{queue.Working, queue.Deferred, queue.Delivery} {
		ids, _ := qm.List(q)
		if len(ids) != 0 {
			t.Errorf("queue %s = %v, want empty", q, ids)
		}
	}

	// Every recipient rejected must not count as a delivery.
	if got := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("failed")); got != failedBefore+1 {
		t.Errorf("failed outcomes = %v, want %v", got, failedBefore+1)
	}
	if got := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("delivered")); got != deliveredBefore {
		t.Errorf("delivered outcomes = %v, want %v", got, deliveredBefore)
	}
}

func TestResolveTargetsMXOrder(t *testing.T) {
	resolver := dns.NewStatic()
	resolver.AddMX("remote.example", "mx2.remote.example", 20)
	resolver.AddMX("remote.example", "mx1.remote.example", 10)

	d, _ := newTestDispatcher(t, Config{Resolver: resolver})

	addrs, err := d.resolveTargets(context.Background(), "remote.example")
	if err != nil {
		t.Fatalf("resolveTargets: %v", err)
	}
	want := []string{"mx1.remote.example:25", "mx2.remote.example:25"}
	if len(addrs) != 2 || addrs[0] != want[0] || addrs[1] != want[1] {
		t.Errorf("targets = %v, want %v", addrs, want)
	}
}

func TestResolveTargetsImplicitMX(t *testing.T) {
	resolver := dns.NewStatic()
	resolver.AddIP("bare.example", net.ParseIP("192.0.2.10"))

	d, _ := newTestDispatcher(t, Config{Resolver: resolver})

	addrs, err := d.resolveTargets(context.Background(), "bare.example")
	if err != nil {
		t.Fatalf("resolveTargets: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "bare.example:25" {
		t.Errorf("targets = %v, want [bare.example:25]", addrs)
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	cfg := Config{
		BackoffBase:       time.Minute,
		BackoffMultiplier: 3,
		BackoffCap:        time.Hour,
	}.withDefaults()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		delay := backoff(cfg, attempt)
		if delay < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, delay, prev)
		}
		if delay > cfg.BackoffCap {
			t.Fatalf("backoff above cap at attempt %d: %v", attempt, delay)
		}
		prev = delay
	}
	if got := backoff(cfg, 1); got != time.Minute {
		t.Errorf("first delay = %v, want 1m", got)
	}
	if got := backoff(cfg, 10); got != time.Hour {
		t.Errorf("late delay = %v, want cap", got)
	}
}

func TestValidLocalPart(t *testing.T) {
	for part, want := range map[string]bool{
		"alice":   true,
		"a.b":     true,
		"":        false,
		".":       false,
		"..":      false,
		"a/b":     false,
		`a\b`:     false,
	} {
		if got := validLocalPart(part); got != want {
			t.Errorf("validLocalPart(%q) = %v, want %v", part, got, want)
		}
	}
}
