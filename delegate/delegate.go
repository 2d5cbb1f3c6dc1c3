// Package delegate round-trips accepted messages through external SMTP
// filter services: the message is parked in the delegated queue, sent to
// the service carrying a correlation header, and picked up again when
// the service submits its filtered version back to this host.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ospreymta/osprey"
	"github.com/ospreymta/osprey/metrics"
	"github.com/ospreymta/osprey/queue"
)

var (
	ErrUnknownService = errors.New("delegate: unknown service")
	ErrUnknownResult  = errors.New("delegate: result does not match a pending delegation")
	ErrHopsExceeded   = errors.New("delegate: delegation hop count exceeded")
	ErrBadMarker      = errors.New("delegate: malformed delegation marker")
)

// Service is one configured external filter.
type Service struct {
	// Name is how policy directives refer to the service.
	Name string

	// Addr is the service's SMTP endpoint.
	Addr string
}

// Config controls the controller.
type Config struct {
	// Hostname is used in EHLO toward services.
	Hostname string

	Services []Service

	// MaxHops bounds how many times one transaction may be delegated.
	// A result arriving at the bound is treated as a delegation loop.
	MaxHops int

	// Timeout is how long a parked transaction waits for its result
	// before being dead-lettered.
	Timeout time.Duration

	// SweepInterval is how often timed-out delegations are collected.
	SweepInterval time.Duration

	// Policy, when set, is consulted again for each returning result so
	// rules can chain services, quarantine a flagged message, or drop
	// it. The event carries Delegated and the producing service.
	Policy osprey.Policy

	Logger *slog.Logger
}

// pendingDelegation is one transaction awaiting its filtered result.
type pendingDelegation struct {
	id       string
	service  string
	hops     int
	deadline time.Time
}

// submitFunc sends a message to a service endpoint. Swappable in tests.
type submitFunc func(ctx context.Context, addr string, m *osprey.Mail) error

// Controller implements osprey.Spooler over the queue manager, handling
// the Delegate directive itself, and osprey.DelegationResumer for the
// returning messages.
type Controller struct {
	config   Config
	queues   *queue.Manager
	delivery Notifier
	logger   *slog.Logger
	submit   submitFunc

	services map[string]Service

	mu      sync.Mutex
	pending map[string]*pendingDelegation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Notifier is poked when new work lands in the working queue. The
// delivery dispatcher satisfies it.
type Notifier interface {
	Notify()
}

// New builds a controller. delivery may be nil.
func New(queues *queue.Manager, delivery Notifier, config Config) *Controller {
	if config.MaxHops <= 0 {
		config.MaxHops = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Controller{
		config:   config,
		queues:   queues,
		delivery: delivery,
		logger:   config.Logger.With("component", "delegate"),
		services: make(map[string]Service, len(config.Services)),
		pending:  make(map[string]*pendingDelegation),
	}
	for _, svc := range config.Services {
		c.services[svc.Name] = svc
	}
	c.submit = c.smtpSubmit
	return c
}

// Start rebuilds the pending table from entries parked by an earlier
// run and launches the timeout sweeper.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if n, err := c.recoverParked(); err != nil {
		c.logger.Error("recovering parked delegations", "err", err)
	} else if n > 0 {
		c.logger.Info("recovered parked delegations", "count", n)
	}
	c.wg.Add(1)
	go c.sweep()
}

// recoverParked scans the delegated queue and re-registers each parked
// transaction as pending, with a fresh timeout. Without this, a restart
// would strand parked entries forever: the sweeper only watches the
// in-memory table. The hop count comes from the marker header stored
// with the message; entries whose marker is unreadable are dead-lettered
// since their result could never be correlated anyway.
func (c *Controller) recoverParked() (int, error) {
	ids, err := c.queues.List(queue.Delegated)
	if err != nil {
		return 0, err
	}

	recovered := 0
	deadline := time.Now().Add(c.config.Timeout)
	for _, id := range ids {
		e, err := c.queues.Read(queue.Delegated, id)
		if err != nil {
			c.logger.Error("reading parked delegation", "id", id, "err", err)
			continue
		}

		marker := e.Mail.Content.Headers.Get(osprey.DelegationHeader)
		markerID, hops, _, err := parseMarker(marker)
		if err != nil || markerID != id {
			e.LastError = "parked delegation has no usable correlation marker"
			if err := c.queues.Put(e, queue.Dead); err != nil {
				c.logger.Error("dead-lettering unmarked delegation", "id", id, "err", err)
				continue
			}
			if err := c.queues.Remove(id, queue.Delegated); err != nil {
				c.logger.Error("removing unmarked delegation", "id", id, "err", err)
			}
			c.logger.Warn("dead-lettered parked delegation without marker", "id", id)
			continue
		}

		c.mu.Lock()
		if _, ok := c.pending[id]; !ok {
			c.pending[id] = &pendingDelegation{
				id:       id,
				service:  e.Service,
				hops:     hops,
				deadline: deadline,
			}
			recovered++
		}
		c.mu.Unlock()
	}
	return recovered, nil
}

// Stop halts the sweeper.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Enqueue implements osprey.Spooler by storing for delivery.
func (c *Controller) Enqueue(ctx context.Context, m *osprey.Mail) error {
	if err := c.queues.Enqueue(ctx, m); err != nil {
		return err
	}
	c.notify()
	return nil
}

// Quarantine implements osprey.Spooler.
func (c *Controller) Quarantine(ctx context.Context, m *osprey.Mail, category string) error {
	return c.queues.Quarantine(ctx, m, category)
}

// Delegate implements osprey.Spooler: the message is parked durably in
// the delegated queue before this returns, then submitted to the service
// in the background. A transaction already at the hop bound is
// dead-lettered instead of looping.
func (c *Controller) Delegate(ctx context.Context, m *osprey.Mail, service string) error {
	svc, ok := c.services[service]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, service)
	}

	e := queue.NewEntry(m)
	e.Service = service

	if m.Hops >= c.config.MaxHops {
		e.LastError = fmt.Sprintf("delegation loop: %d hops", m.Hops)
		metrics.DelegationsTotal.WithLabelValues(service, "loop").Inc()
		if err := c.queues.Put(e, queue.Dead); err != nil {
			return err
		}
		c.logger.Warn("delegation loop dead-lettered", "id", m.ID, "hops", m.Hops)
		return nil
	}

	m.PrependHeader(osprey.DelegationHeader, formatMarker(m.ID, m.Hops+1, service))
	if err := c.queues.Put(e, queue.Delegated); err != nil {
		return err
	}

	c.mu.Lock()
	c.pending[m.ID] = &pendingDelegation{
		id:       m.ID,
		service:  service,
		hops:     m.Hops + 1,
		deadline: time.Now().Add(c.config.Timeout),
	}
	c.mu.Unlock()

	c.logger.Info("transaction delegated", "id", m.ID, "service", service, "hops", m.Hops+1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()
		if err := c.submit(sendCtx, svc.Addr, m); err != nil {
			// The entry stays parked; the sweeper dead-letters it when
			// the deadline passes without a result.
			c.logger.Error("delegation submit failed", "id", m.ID, "service", service, "err", err)
			metrics.DelegationsTotal.WithLabelValues(service, "submit_failed").Inc()
		}
	}()
	return nil
}

// Resume implements osprey.DelegationResumer: an inbound message carrying
// the delegation marker is correlated with its parked transaction, which
// is released toward delivery with the filtered content and the original
// envelope.
func (c *Controller) Resume(ctx context.Context, marker string, m *osprey.Mail) error {
	id, hops, service, err := parseMarker(marker)
	if err != nil {
		return err
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		metrics.DelegationsTotal.WithLabelValues(service, "unmatched").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownResult, id)
	}

	parked, err := c.queues.Read(queue.Delegated, id)
	if err != nil {
		return fmt.Errorf("reading parked transaction: %w", err)
	}

	// Filtered content, original envelope. The marker header is internal
	// and must not leave this host.
	filtered := parked.Mail
	filtered.SetData(m.Data)
	filtered.RemoveHeader(osprey.DelegationHeader)
	filtered.Hops = hops

	if err := c.release(ctx, filtered, p.service); err != nil {
		return err
	}
	if err := c.queues.Remove(id, queue.Delegated); err != nil {
		c.logger.Error("removing parked transaction", "id", id, "err", err)
	}

	metrics.DelegationsTotal.WithLabelValues(p.service, "resumed").Inc()
	c.logger.Info("delegation resumed", "id", id, "service", p.service, "hops", hops)
	return nil
}

// release routes a filtered result onward. Policy gets a second look so
// rules can chain another service, quarantine, or drop; the default is
// delivery.
func (c *Controller) release(ctx context.Context, m *osprey.Mail, service string) error {
	if c.config.Policy != nil {
		directive := c.config.Policy.Evaluate(ctx, &osprey.Event{
			Stage:             osprey.StagePostData,
			Mail:              m,
			Delegated:         true,
			DelegationService: service,
		})
		switch directive.Action {
		case osprey.ActionReject:
			e := queue.NewEntry(m)
			e.LastError = "dropped by policy after delegation"
			return c.queues.Put(e, queue.Dead)
		case osprey.ActionQuarantine:
			return c.queues.Quarantine(ctx, m, directive.Category)
		case osprey.ActionDelegate:
			if directive.Service != service {
				return c.Delegate(ctx, m, directive.Service)
			}
			// A rule re-delegating to the same service would bounce the
			// message back and forth; deliver instead.
		}
	}

	if err := c.queues.Put(queue.NewEntry(m), queue.Working); err != nil {
		return err
	}
	c.notify()
	return nil
}

// PendingCount reports how many transactions are awaiting results.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Controller) notify() {
	if c.delivery != nil {
		c.delivery.Notify()
	}
}

// sweep dead-letters delegations whose result never arrived.
func (c *Controller) sweep() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire(time.Now())
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) expire(now time.Time) {
	c.mu.Lock()
	var expired []*pendingDelegation
	for id, p := range c.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		e, err := c.queues.Read(queue.Delegated, p.id)
		if err != nil {
			c.logger.Error("expiring delegation", "id", p.id, "err", err)
			continue
		}
		e.LastError = fmt.Sprintf("delegation to %s timed out", p.service)
		if err := c.queues.Put(e, queue.Dead); err != nil {
			c.logger.Error("dead-lettering expired delegation", "id", p.id, "err", err)
			continue
		}
		if err := c.queues.Remove(p.id, queue.Delegated); err != nil {
			c.logger.Error("removing expired delegation", "id", p.id, "err", err)
		}
		metrics.DelegationsTotal.WithLabelValues(p.service, "timeout").Inc()
		c.logger.Warn("delegation timed out", "id", p.id, "service", p.service)
	}
}

// smtpSubmit is the production submitFunc: one SMTP transaction carrying
// the marked message to the service.
func (c *Controller) smtpSubmit(ctx context.Context, addr string, m *osprey.Mail) error {
	client, err := osprey.DialContext(ctx, addr, osprey.ClientConfig{
		HeloHost:       c.config.Hostname,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Send(ctx, m, nil); err != nil {
		return err
	}
	return client.Quit()
}

// formatMarker renders the correlation header value.
func formatMarker(id string, hops int, service string) string {
	return fmt.Sprintf("id=%s; hops=%d; service=%s", id, hops, service)
}

// parseMarker reads a correlation header value back.
func parseMarker(marker string) (id string, hops int, service string, err error) {
	for _, field := range strings.Split(marker, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			id = value
		case "hops":
			hops, err = strconv.Atoi(value)
			if err != nil {
				return "", 0, "", fmt.Errorf("%w: bad hop count %q", ErrBadMarker, value)
			}
		case "service":
			service = value
		}
	}
	if id == "" || hops <= 0 {
		return "", 0, "", fmt.Errorf("%w: %q", ErrBadMarker, marker)
	}
	return id, hops, service, nil
}
