// Package dedup drops protocol events that were already seen within a
// bounded, time-windowed memory.
package dedup

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWindow     = time.Minute
	DefaultMaxEntries = 10000
)

// Config bounds the processed-event memory by age and by count.
type Config struct {
	Window     time.Duration
	MaxEntries int
}

type entry struct {
	id   string
	seen time.Time
}

// Deduplicator remembers recently processed event IDs. An ID evicted by age or
// capacity can be reported as new again.
type Deduplicator struct {
	mu     sync.Mutex
	cfg    Config
	seen   map[string]time.Time
	order  []entry // insertion order, oldest first
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Deduplicator. Zero config fields fall back to the defaults.
func New(cfg Config, logger *zap.Logger) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		cfg:    cfg,
		seen:   make(map[string]time.Time),
		logger: logger,
		now:    time.Now,
	}
}

// ShouldProcessMessage reports whether eventID is new, recording it if so.
// Events without an ID cannot be tracked and are always processed.
func (d *Deduplicator) ShouldProcessMessage(eventID string) bool {
	if eventID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[eventID]; ok {
		d.logger.Debug("duplicate event dropped", zap.String("event_id", eventID))
		return false
	}

	now := d.now()
	d.seen[eventID] = now
	d.order = append(d.order, entry{id: eventID, seen: now})
	d.sweep(now)
	return true
}

// IsEventProcessed reports whether eventID is currently remembered.
func (d *Deduplicator) IsEventProcessed(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[eventID]
	return ok
}

// Len returns the number of remembered event IDs.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Clear forgets every processed event.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
	d.order = nil
	d.logger.Info("cleared processed events")
}

// sweep evicts entries older than the window, then the oldest entries while
// over capacity. Must be called with mu held.
func (d *Deduplicator) sweep(now time.Time) {
	expired := 0
	for len(d.order) > 0 && now.Sub(d.order[0].seen) > d.cfg.Window {
		delete(d.seen, d.order[0].id)
		d.order = d.order[1:]
		expired++
	}
	for len(d.order) > d.cfg.MaxEntries {
		delete(d.seen, d.order[0].id)
		d.order = d.order[1:]
	}
	if expired > 0 {
		d.logger.Debug("expired processed events", zap.Int("count", expired))
	}
	// Reallocate once the dead prefix dominates the backing array.
	if cap(d.order) > 2*d.cfg.MaxEntries && len(d.order) < cap(d.order)/4 {
		d.order = append([]entry(nil), d.order...)
	}
}
