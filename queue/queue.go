// Package queue persists accepted messages in a directory-backed
// multi-queue store. Each entry is one file; the directory it sits in is
// its state, and moving it between directories with rename is the only
// mutation primitive. Renames within one filesystem are atomic, so an
// entry is never observable in two queues, and never in none.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ospreymta/osprey"
	"github.com/ospreymta/osprey/metrics"
)

// Queue names. Quarantine areas live under quarantine/<category> and are
// addressed with QuarantineQueue.
const (
	Working   = "working"
	Deferred  = "deferred"
	Dead      = "dead"
	Delivery  = "delivery"
	Delegated = "delegated"

	quarantineRoot = "quarantine"
)

const entrySuffix = ".msgp"

var (
	ErrNotFound    = errors.New("queue: entry not found")
	ErrBadCategory = errors.New("queue: invalid quarantine category")
)

// QuarantineQueue returns the queue name for a category.
func QuarantineQueue(category string) string {
	return quarantineRoot + "/" + category
}

// validCategory rejects names that would escape the quarantine root.
func validCategory(category string) bool {
	if category == "" || category == "." || category == ".." {
		return false
	}
	return !strings.ContainsAny(category, "/\\")
}

// Manager owns the queue root directory. All methods are safe for
// concurrent use; exclusivity of in-flight entries comes from rename
// semantics, not locks.
type Manager struct {
	root   string
	logger *slog.Logger
}

// Open prepares the queue root, creating the standard queue directories,
// and returns orphaned in-flight entries to the working queue.
func Open(root string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{root: root, logger: logger.With("component", "queue")}

	for _, q := range []string{Working, Deferred, Dead, Delivery, Delegated, quarantineRoot} {
		if err := os.MkdirAll(filepath.Join(root, q), 0o700); err != nil {
			return nil, fmt.Errorf("creating queue %s: %w", q, err)
		}
	}

	recovered, err := m.recoverInFlight()
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		m.logger.Info("recovered in-flight entries", "count", recovered)
	}

	m.initGauges()
	return m, nil
}

// Root returns the queue root directory.
func (m *Manager) Root() string { return m.root }

// Enqueue implements the working-queue half of osprey.Spooler: the entry
// is durably on disk before this returns.
func (m *Manager) Enqueue(_ context.Context, mail *osprey.Mail) error {
	return m.Put(NewEntry(mail), Working)
}

// Quarantine stores the mail under quarantine/<category>, creating the
// category directory on first use. Quarantined entries are never
// scheduled for delivery.
func (m *Manager) Quarantine(_ context.Context, mail *osprey.Mail, category string) error {
	if !validCategory(category) {
		return fmt.Errorf("%w: %q", ErrBadCategory, category)
	}
	queue := QuarantineQueue(category)
	if err := os.MkdirAll(filepath.Join(m.root, queue), 0o700); err != nil {
		return fmt.Errorf("creating quarantine area: %w", err)
	}
	return m.Put(NewEntry(mail), queue)
}

// Put writes the entry into the named queue: serialize to a temp file,
// fsync, rename into place. A crash leaves either no entry or a complete
// one, never a torn file.
func (m *Manager) Put(e *Entry, queue string) error {
	data, err := e.MarshalMsg()
	if err != nil {
		return err
	}

	dir := filepath.Join(m.root, queue)
	tmp, err := os.CreateTemp(dir, "."+e.ID+".tmp*")
	if err != nil {
		return fmt.Errorf("creating entry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing entry: %w", err)
	}

	if err := os.Rename(tmpName, m.entryPath(queue, e.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing entry: %w", err)
	}

	metrics.QueueEntries.WithLabelValues(gaugeLabel(queue)).Inc()
	m.logger.Debug("entry stored", "id", e.ID, "queue", queue)
	return nil
}

// Move transfers an entry between queues by rename. The entry content is
// untouched.
func (m *Manager) Move(id, from, to string) error {
	err := os.Rename(m.entryPath(from, id), m.entryPath(to, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, id, from)
		}
		return fmt.Errorf("moving %s from %s to %s: %w", id, from, to, err)
	}
	metrics.QueueMovesTotal.WithLabelValues(gaugeLabel(from), gaugeLabel(to)).Inc()
	metrics.QueueEntries.WithLabelValues(gaugeLabel(from)).Dec()
	metrics.QueueEntries.WithLabelValues(gaugeLabel(to)).Inc()
	m.logger.Debug("entry moved", "id", id, "from", from, "to", to)
	return nil
}

// Claim takes exclusive ownership of an entry for a delivery attempt by
// moving it into the in-flight queue and reading it. Two workers racing
// for one entry cannot both win: the loser's rename fails with
// ErrNotFound.
func (m *Manager) Claim(id, from string) (*Entry, error) {
	if err := m.Move(id, from, Delivery); err != nil {
		return nil, err
	}
	e, err := m.Read(Delivery, id)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Resolve settles a claimed entry: its updated bookkeeping is written
// into the target queue and the in-flight copy removed. The new file
// becomes visible before the old one disappears; recovery deduplicates
// if a crash lands in between.
func (m *Manager) Resolve(e *Entry, to string) error {
	if err := m.Put(e, to); err != nil {
		return err
	}
	if err := os.Remove(m.entryPath(Delivery, e.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("releasing claim on %s: %w", e.ID, err)
	}
	metrics.QueueMovesTotal.WithLabelValues(Delivery, gaugeLabel(to)).Inc()
	metrics.QueueEntries.WithLabelValues(Delivery).Dec()
	return nil
}

// Remove deletes an entry permanently, for fully delivered or consumed
// messages.
func (m *Manager) Remove(id, queue string) error {
	if err := os.Remove(m.entryPath(queue, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, id, queue)
		}
		return fmt.Errorf("removing %s from %s: %w", id, queue, err)
	}
	metrics.QueueEntries.WithLabelValues(gaugeLabel(queue)).Dec()
	m.logger.Debug("entry removed", "id", id, "queue", queue)
	return nil
}

// Read loads an entry without changing its state.
func (m *Manager) Read(queue, id string) (*Entry, error) {
	data, err := os.ReadFile(m.entryPath(queue, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, queue)
		}
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	e := &Entry{}
	if err := e.UnmarshalMsg(data); err != nil {
		return nil, fmt.Errorf("entry %s: %w", id, err)
	}
	return e, nil
}

// List returns the IDs currently in a queue, in directory order.
func (m *Manager) List(queue string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, queue))
	if err != nil {
		return nil, fmt.Errorf("listing queue %s: %w", queue, err)
	}
	var ids []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, entrySuffix))
	}
	return ids, nil
}

// Categories returns the quarantine category names in use.
func (m *Manager) Categories() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, quarantineRoot))
	if err != nil {
		return nil, fmt.Errorf("listing quarantine areas: %w", err)
	}
	var categories []string
	for _, de := range entries {
		if de.IsDir() {
			categories = append(categories, de.Name())
		}
	}
	return categories, nil
}

func (m *Manager) entryPath(queue, id string) string {
	return filepath.Join(m.root, queue, id+entrySuffix)
}

// recoverInFlight returns entries stranded in the in-flight queue by a
// crash to the working queue. An ID already present in a settled queue
// means the crash hit between publishing the resolution and releasing
// the claim; the stale claim is dropped instead of duplicated.
func (m *Manager) recoverInFlight() (int, error) {
	ids, err := m.List(Delivery)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if m.settledElsewhere(id) {
			if err := os.Remove(m.entryPath(Delivery, id)); err != nil {
				return recovered, fmt.Errorf("dropping stale claim %s: %w", id, err)
			}
			m.logger.Warn("dropped stale in-flight claim", "id", id)
			continue
		}
		if err := os.Rename(m.entryPath(Delivery, id), m.entryPath(Working, id)); err != nil {
			return recovered, fmt.Errorf("recovering %s: %w", id, err)
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) settledElsewhere(id string) bool {
	queues := []string{Working, Deferred, Dead, Delegated}
	if categories, err := m.Categories(); err == nil {
		for _, cat := range categories {
			queues = append(queues, QuarantineQueue(cat))
		}
	}
	for _, q := range queues {
		if _, err := os.Stat(m.entryPath(q, id)); err == nil {
			return true
		}
	}
	return false
}

func (m *Manager) initGauges() {
	queues := []string{Working, Deferred, Dead, Delivery, Delegated}
	if categories, err := m.Categories(); err == nil {
		for _, cat := range categories {
			queues = append(queues, QuarantineQueue(cat))
		}
	}
	for _, q := range queues {
		ids, err := m.List(q)
		if err != nil {
			continue
		}
		metrics.QueueEntries.WithLabelValues(gaugeLabel(q)).Set(float64(len(ids)))
	}
}

// gaugeLabel collapses quarantine categories into one label value to keep
// metric cardinality bounded.
func gaugeLabel(queue string) string {
	if strings.HasPrefix(queue, quarantineRoot+"/") {
		return quarantineRoot
	}
	return queue
}
