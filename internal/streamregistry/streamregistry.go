// Package streamregistry tracks the StreamFilters the HTTP control surface
// has opened, and evicts idle ones on a cron schedule.
package streamregistry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/hdsflv/pkg/hds"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// Entry describes one open stream as reported to the network control
// surface's list/status endpoints.
type Entry struct {
	ID          string
	ManifestURL string
	Live        bool
	OpenedAt    time.Time
	LastReadAt  time.Time
}

type entry struct {
	Entry
	filter *hds.StreamFilter
}

// Registry is a concurrency-safe map from an opaque ULID to an open
// StreamFilter, plus the bookkeeping the idle sweep needs. It never reaches
// into a Stream's internals - only the façade's exported methods.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger

	cronScheduler *cron.Cron
	sweepEntryID  cron.EntryID
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// NewID reserves a ULID for a stream that has not been opened yet. Callers
// that need the ID before Open (to tag diagnostic rows) call this first,
// then RegisterWithID once the filter exists.
func (r *Registry) NewID() string {
	return ulid.Make().String()
}

// Register assigns a new ULID to filter and tracks it under manifestURL.
func (r *Registry) Register(manifestURL string, filter *hds.StreamFilter) string {
	return r.RegisterWithID(r.NewID(), manifestURL, filter)
}

// RegisterWithID tracks filter under a caller-supplied id, typically one
// already reserved via NewID and passed to Open as the diagnostics stream
// ID.
func (r *Registry) RegisterWithID(id, manifestURL string, filter *hds.StreamFilter) string {
	now := time.Now()

	r.mu.Lock()
	r.entries[id] = &entry{
		Entry: Entry{
			ID:          id,
			ManifestURL: manifestURL,
			Live:        filter.IsLive(),
			OpenedAt:    now,
			LastReadAt:  now,
		},
		filter: filter,
	}
	r.mu.Unlock()

	return id
}

// Get returns the StreamFilter registered under id, touching its last-read
// timestamp so the idle sweep leaves it alone.
func (r *Registry) Get(id string) (*hds.StreamFilter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.LastReadAt = time.Now()
	return e.filter, true
}

// List returns a snapshot of every registered entry.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Entry)
	}
	return out
}

// Close closes and evicts the stream registered under id. Returns false if
// id was not found.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := e.filter.Close(); err != nil {
		r.logger.Warn("streamregistry: error closing stream", slog.String("id", id), slog.Any("error", err))
	}
	return true
}

// Count reports the number of currently registered streams, for health
// reporting.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep closes and evicts every entry whose LastReadAt is older than
// idleTimeout.
func (r *Registry) Sweep(idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout)

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.entries {
		if e.LastReadAt.Before(cutoff) {
			stale = append(stale, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		if err := e.filter.Close(); err != nil {
			r.logger.Warn("streamregistry: error closing idle stream", slog.String("id", e.ID), slog.Any("error", err))
		}
		r.logger.Info("streamregistry: evicted idle stream",
			slog.String("id", e.ID),
			slog.String("manifest_url", e.ManifestURL),
			slog.Duration("idle_for", time.Since(e.LastReadAt)))
	}

	return len(stale)
}

// StartSweep schedules Sweep to run on cronSchedule (robfig/cron syntax)
// until ctx is cancelled, in the manner of the teacher's cron-driven
// scheduler loop. A zero idleTimeout disables eviction entirely.
func (r *Registry) StartSweep(ctx context.Context, cronSchedule string, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		return nil
	}

	r.cronScheduler = cron.New()
	entryID, err := r.cronScheduler.AddFunc(cronSchedule, func() {
		if n := r.Sweep(idleTimeout); n > 0 {
			r.logger.Info("streamregistry: sweep evicted idle streams", slog.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling idle sweep %q: %w", cronSchedule, err)
	}
	r.sweepEntryID = entryID
	r.cronScheduler.Start()

	go func() {
		<-ctx.Done()
		stopCtx := r.cronScheduler.Stop()
		<-stopCtx.Done()
	}()

	return nil
}
