// Package delivery drains the mail queues: a bounded worker pool claims
// entries, routes each recipient to a local mailbox, a relay host or the
// recipient domain's MX, and settles the outcome as delivered, retried
// with backoff, or dead-lettered.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/ospreymta/osprey"
	"github.com/ospreymta/osprey/dns"
	"github.com/ospreymta/osprey/metrics"
	"github.com/ospreymta/osprey/queue"
	"github.com/ospreymta/osprey/utils"
)

// Config controls the dispatcher.
type Config struct {
	// Hostname is used in EHLO when relaying.
	Hostname string

	// Workers bounds concurrent delivery attempts.
	Workers int

	// MaxAttempts is the attempt cap before an entry goes to the dead
	// queue.
	MaxAttempts int

	// BackoffBase, BackoffMultiplier and BackoffCap shape the retry
	// schedule: base*multiplier^(attempt-1), never above the cap.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration

	// PollInterval is how often the queues are scanned for work in the
	// absence of notifications.
	PollInterval time.Duration

	// LocalDomains are delivered to maildirs under MaildirRoot instead
	// of relayed.
	LocalDomains []string
	MaildirRoot  string

	// ForwardAddr, when set, relays all remote mail to this host:port
	// instead of resolving MX records.
	ForwardAddr string

	// TLSConfig is used for opportunistic STARTTLS on outbound sessions.
	TLSConfig *tls.Config

	Resolver dns.Resolver
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 30 * time.Second
	}
	if out.BackoffMultiplier < 1 {
		out.BackoffMultiplier = 2
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 4 * time.Hour
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 15 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// relayFunc performs one SMTP transaction against addr. Swappable in
// tests.
type relayFunc func(ctx context.Context, addr string, m *osprey.Mail, rcpts []osprey.MailboxAddress) (*osprey.SendResult, error)

// Dispatcher owns the worker pool.
type Dispatcher struct {
	config Config
	queues *queue.Manager
	logger *slog.Logger
	relay  relayFunc

	// smtpPort is the port used for MX-resolved hosts.
	smtpPort int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]string // id -> source queue, handed out but not yet claimed
}

// New builds a dispatcher over the queue manager.
func New(queues *queue.Manager, config Config) *Dispatcher {
	cfg := config.withDefaults()
	d := &Dispatcher{
		config:   cfg,
		queues:   queues,
		logger:   cfg.Logger.With("component", "delivery"),
		smtpPort: 25,
		wake:     make(chan struct{}, 1),
		pending:  make(map[string]string),
	}
	d.relay = d.smtpRelay
	return d
}

// Start launches the scanner and workers. Stop with Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	jobs := make(chan string)
	d.wg.Add(1)
	go d.scan(jobs)
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(jobs)
	}
	d.logger.Info("delivery dispatcher started", "workers", d.config.Workers)
}

// Stop halts the pool, waiting for in-progress attempts to settle.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("delivery dispatcher stopped")
}

// Notify nudges the scanner after new work was enqueued.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// scan feeds claimable entry IDs to the workers: everything in working,
// plus deferred entries whose retry time has passed.
func (d *Dispatcher) scan(jobs chan<- string) {
	defer d.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		for _, id := range d.collect() {
			select {
			case jobs <- id:
			case <-d.ctx.Done():
				return
			}
		}
		select {
		case <-ticker.C:
		case <-d.wake:
		case <-d.ctx.Done():
			return
		}
	}
}

// collect gathers ready entry IDs and records their source queue so the
// claiming worker knows where to take them from. Entries already handed
// out are skipped until a worker settles them.
func (d *Dispatcher) collect() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	if ids, err := d.queues.List(queue.Working); err == nil {
		for _, id := range ids {
			if _, busy := d.pending[id]; busy {
				continue
			}
			d.pending[id] = queue.Working
			out = append(out, id)
		}
	}

	now := time.Now()
	if ids, err := d.queues.List(queue.Deferred); err == nil {
		for _, id := range ids {
			if _, busy := d.pending[id]; busy {
				continue
			}
			e, err := d.queues.Read(queue.Deferred, id)
			if err != nil || !e.Ready(now) {
				continue
			}
			d.pending[id] = queue.Deferred
			out = append(out, id)
		}
	}
	return out
}

func (d *Dispatcher) worker(jobs <-chan string) {
	defer d.wg.Done()
	for id := range jobs {
		d.mu.Lock()
		source := d.pending[id]
		d.mu.Unlock()

		d.process(id, source)

		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) process(id, source string) {
	e, err := d.queues.Claim(id, source)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			d.logger.Error("claim failed", "id", id, "err", err)
		}
		return
	}

	start := time.Now()
	d.attempt(e)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
}

// attempt runs one delivery pass over the entry's unresolved recipients
// and settles the entry according to what remains.
func (d *Dispatcher) attempt(e *queue.Entry) {
	logger := d.logger.With("id", e.ID, "attempt", e.Attempts+1)

	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Minute)
	defer cancel()

	for domain, rcpts := range groupByDomain(e.Mail.Unresolved()) {
		d.deliverDomain(ctx, logger, e.Mail, domain, rcpts)
	}

	e.Attempts++

	unresolved := e.Mail.Unresolved()
	if len(unresolved) == 0 {
		delivered := 0
		for i := range e.Mail.Envelope.To {
			if e.Mail.Envelope.To[i].Status == osprey.StatusDelivered {
				delivered++
			}
		}
		// Every recipient permanently rejected is not a delivery; the
		// entry is still settled, but the outcome is recorded as such.
		if delivered == 0 {
			metrics.DeliveryAttemptsTotal.WithLabelValues("failed").Inc()
			logger.Warn("all recipients rejected", "recipients", len(e.Mail.Envelope.To))
		} else {
			metrics.DeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
			logger.Info("message delivered", "delivered", delivered, "recipients", len(e.Mail.Envelope.To))
		}
		if err := d.queues.Remove(e.ID, queue.Delivery); err != nil {
			logger.Error("removing settled entry", "err", err)
		}
		return
	}

	if e.Attempts >= d.config.MaxAttempts {
		for _, rcpt := range unresolved {
			rcpt.Status = osprey.StatusFailed
			if rcpt.LastError == "" {
				rcpt.LastError = "retries exhausted"
			}
		}
		e.LastError = "retries exhausted"
		metrics.DeliveryAttemptsTotal.WithLabelValues("dead").Inc()
		if err := d.queues.Resolve(e, queue.Dead); err != nil {
			logger.Error("dead-lettering entry", "err", err)
		}
		logger.Warn("message dead-lettered", "attempts", e.Attempts)
		return
	}

	delay := backoff(d.config, e.Attempts)
	e.NextAttempt = time.Now().Add(delay)
	if last := unresolved[0].LastError; last != "" {
		e.LastError = last
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues("deferred").Inc()
	if err := d.queues.Resolve(e, queue.Deferred); err != nil {
		logger.Error("deferring entry", "err", err)
	}
	logger.Info("message deferred", "retry_in", delay, "remaining", len(unresolved))
}

func (d *Dispatcher) deliverDomain(ctx context.Context, logger *slog.Logger, m *osprey.Mail, domain string, rcpts []*osprey.Recipient) {
	if d.isLocalDomain(domain) {
		for _, rcpt := range rcpts {
			d.deliverLocal(logger, m, rcpt)
		}
		return
	}

	addrs, err := d.resolveTargets(ctx, domain)
	if err != nil {
		if dns.IsTemporary(err) {
			holdBack(rcpts, "temporary DNS failure: "+err.Error())
		} else {
			failAll(rcpts, "domain does not accept mail: "+err.Error())
		}
		return
	}

	mailboxes := make([]osprey.MailboxAddress, len(rcpts))
	for i, rcpt := range rcpts {
		mailboxes[i] = rcpt.Address.Mailbox
	}

	var lastErr error
	for _, addr := range addrs {
		result, err := d.relay(ctx, addr, m, mailboxes)
		if err != nil && result == nil {
			// The transaction never got far enough for per-recipient
			// outcomes. Permanent server verdicts stick; anything else
			// means try the next host.
			if osprey.IsPermanentErr(err) {
				failAll(rcpts, err.Error())
				return
			}
			lastErr = err
			continue
		}
		if err != nil {
			// The transaction failed after RCPT: recipient rejections
			// stand, but an RCPT acceptance without a completed DATA
			// transferred nothing.
			applyFailedTransaction(rcpts, result, err)
			return
		}
		applyResult(rcpts, result)
		return
	}

	msg := "no reachable mail exchanger"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	holdBack(rcpts, msg)
}

// resolveTargets returns the relay targets for a domain in preference
// order: the configured forward host, the domain's MX hosts, or the
// domain itself when no MX exists (RFC 5321 Section 5.1 implicit MX).
// Internationalized domains are converted to their A-label form before
// resolution.
func (d *Dispatcher) resolveTargets(ctx context.Context, domain string) ([]string, error) {
	if d.config.ForwardAddr != "" {
		return []string{d.config.ForwardAddr}, nil
	}
	if d.config.Resolver == nil {
		return nil, fmt.Errorf("%w: no resolver configured", dns.ErrTemporary)
	}

	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		domain = ascii
	}

	port := strconv.Itoa(d.smtpPort)
	mxs, err := d.config.Resolver.LookupMX(ctx, domain)
	if err != nil {
		if errors.Is(err, dns.ErrNotFound) {
			return []string{net.JoinHostPort(domain, port)}, nil
		}
		return nil, err
	}

	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	addrs := make([]string, len(mxs))
	for i, mx := range mxs {
		addrs[i] = net.JoinHostPort(trimDot(mx.Host), port)
	}
	return addrs, nil
}

// smtpRelay is the production relayFunc: one SMTP session per attempt,
// opportunistic STARTTLS, transmitting the stored wire bytes unchanged.
func (d *Dispatcher) smtpRelay(ctx context.Context, addr string, m *osprey.Mail, rcpts []osprey.MailboxAddress) (*osprey.SendResult, error) {
	client, err := osprey.DialContext(ctx, addr, osprey.ClientConfig{
		HeloHost:       d.config.Hostname,
		TLSConfig:      d.config.TLSConfig,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    2 * time.Minute,
		WriteTimeout:   2 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if client.Supports(osprey.ExtSTARTTLS) {
		if err := client.StartTLS(nil); err != nil {
			return nil, err
		}
	}

	result, err := client.Send(ctx, m, rcpts)
	if err == nil {
		client.Quit()
	}
	return result, err
}

func (d *Dispatcher) isLocalDomain(domain string) bool {
	for _, local := range d.config.LocalDomains {
		if utils.EqualFoldASCII(domain, local) {
			return true
		}
	}
	return false
}

// applyResult maps per-recipient SMTP outcomes onto recipient status.
func applyResult(rcpts []*osprey.Recipient, result *osprey.SendResult) {
	byAddr := make(map[string]*osprey.RecipientResult, len(result.Recipients))
	for i := range result.Recipients {
		rr := &result.Recipients[i]
		byAddr[rr.Address.String()] = rr
	}
	for _, rcpt := range rcpts {
		rr, ok := byAddr[rcpt.Address.Mailbox.String()]
		if !ok {
			continue
		}
		switch {
		case rr.Accepted:
			rcpt.Status = osprey.StatusDelivered
			rcpt.LastError = ""
		case osprey.IsPermanentErr(rr.Err):
			rcpt.Status = osprey.StatusFailed
			rcpt.LastError = rr.Err.Error()
		default:
			rcpt.Status = osprey.StatusHeldBack
			if rr.Err != nil {
				rcpt.LastError = rr.Err.Error()
			}
		}
	}
}

// applyFailedTransaction settles recipients of a transaction that broke
// down after RCPT. Rejected recipients keep their verdicts; accepted
// ones got no message and are failed or retried per the transaction
// error.
func applyFailedTransaction(rcpts []*osprey.Recipient, result *osprey.SendResult, txErr error) {
	rejected := make(map[string]error, len(result.Recipients))
	for _, rr := range result.Recipients {
		if !rr.Accepted {
			rejected[rr.Address.String()] = rr.Err
		}
	}
	for _, rcpt := range rcpts {
		if rcptErr, ok := rejected[rcpt.Address.Mailbox.String()]; ok {
			if osprey.IsPermanentErr(rcptErr) {
				rcpt.Status = osprey.StatusFailed
			} else {
				rcpt.Status = osprey.StatusHeldBack
			}
			if rcptErr != nil {
				rcpt.LastError = rcptErr.Error()
			}
			continue
		}
		if osprey.IsPermanentErr(txErr) {
			rcpt.Status = osprey.StatusFailed
		} else {
			rcpt.Status = osprey.StatusHeldBack
		}
		rcpt.LastError = txErr.Error()
	}
}

func holdBack(rcpts []*osprey.Recipient, reason string) {
	for _, rcpt := range rcpts {
		rcpt.Status = osprey.StatusHeldBack
		rcpt.LastError = reason
	}
}

func failAll(rcpts []*osprey.Recipient, reason string) {
	for _, rcpt := range rcpts {
		rcpt.Status = osprey.StatusFailed
		rcpt.LastError = reason
	}
}

func groupByDomain(rcpts []*osprey.Recipient) map[string][]*osprey.Recipient {
	groups := make(map[string][]*osprey.Recipient)
	for _, rcpt := range rcpts {
		domain := rcpt.Address.Mailbox.Domain
		groups[domain] = append(groups[domain], rcpt)
	}
	return groups
}

// backoff computes the retry delay after the given attempt count. The
// schedule is non-decreasing and capped.
func backoff(cfg Config, attempts int) time.Duration {
	delay := float64(cfg.BackoffBase) * math.Pow(cfg.BackoffMultiplier, float64(attempts-1))
	if delay > float64(cfg.BackoffCap) || delay < 0 {
		return cfg.BackoffCap
	}
	return time.Duration(delay)
}

func trimDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}
