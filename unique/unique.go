// Package unique enforces uniqueness of a document key while writes continue.
//
// A Guard combines two structures to answer "does this key exist" without a
// synchronous round-trip to durable storage:
//
//   - a pending-key set holding every key written since the last snapshot
//     refresh, and
//   - a read snapshot refreshed on a timer and whenever the pending set
//     reaches its capacity.
//
// Writes go straight through to the engine as upserts keyed on the unique
// field, so the engine always holds the authoritative state; the guard's
// structures are only ever stale in the safe direction. Every key accepted
// since the last refresh is either in the pending set or visible in the
// current snapshot. The pending set is cleared only together with a
// successful refresh.
//
// Contains, Insert and the timer-driven refresh are serialized by a single
// mutex owned by the guard.
package unique

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hupe1980/idxguard/freshness"
	"github.com/hupe1980/idxguard/index"
	"github.com/hupe1980/idxguard/metrics"
)

// ErrInvalidConfig is returned by New for unusable arguments.
var ErrInvalidConfig = errors.New("unique: invalid config")

// Handle is the subset of index.WriteHandle a Guard needs.
type Handle interface {
	index.Writer
	index.Snapshotter
}

// Config holds the guard parameters. All fields are required.
type Config struct {
	// KeyField is the document field whose values must be unique.
	KeyField string
	// CacheSize is the pending-key capacity that forces a refresh.
	CacheSize int
	// RefreshInterval is the timer-driven snapshot refresh period.
	RefreshInterval time.Duration
}

func (c Config) validate() error {
	switch {
	case c.KeyField == "":
		return fmt.Errorf("%w: empty key field", ErrInvalidConfig)
	case c.CacheSize <= 0:
		return fmt.Errorf("%w: cache size must be positive, got %d", ErrInvalidConfig, c.CacheSize)
	case c.RefreshInterval <= 0:
		return fmt.Errorf("%w: refresh interval must be positive, got %s", ErrInvalidConfig, c.RefreshInterval)
	}
	return nil
}

// Stats describes the guard state.
type Stats struct {
	// PendingKeys is the current size of the pending-key set.
	PendingKeys int
	// Refreshes counts successful snapshot refreshes, timer-driven or forced.
	Refreshes int64
	// ForcedRefreshes counts refreshes triggered by a full pending set.
	ForcedRefreshes int64
	// RefreshFailures counts failed refresh attempts.
	RefreshFailures int64
}

// Option configures a Guard.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	clock   clock.Clock
	metrics metrics.Observer
}

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source used for refresh timing and metrics.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetrics sets the metrics observer.
func WithMetrics(m metrics.Observer) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Guard maintains uniqueness of one field across inserts.
type Guard struct {
	handle    Handle
	field     string
	cacheSize int
	logger    *slog.Logger
	clock     clock.Clock
	metrics   metrics.Observer

	mu              sync.Mutex
	pending         map[string]struct{}
	fresh           *freshness.Scheduler
	closed          bool
	forcedRefreshes int64
}

// New opens the initial snapshot from h and returns a Guard for cfg.KeyField.
// The guard does not own h. Call Run to start the timer-driven refresh.
func New(ctx context.Context, h Handle, cfg Config, opts ...Option) (*Guard, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   clock.New(),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	snap, err := h.OpenSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	g := &Guard{
		handle:    h,
		field:     cfg.KeyField,
		cacheSize: cfg.CacheSize,
		logger:    o.logger.With("key_field", cfg.KeyField),
		clock:     o.clock,
		metrics:   o.metrics,
		pending:   make(map[string]struct{}, cfg.CacheSize),
	}

	fresh, err := freshness.New(snap, cfg.RefreshInterval,
		freshness.WithLocker(&g.mu),
		freshness.WithOnRefresh(g.onRefreshLocked),
		freshness.WithLogger(g.logger),
		freshness.WithClock(o.clock),
		freshness.WithMetrics(o.metrics),
	)
	if err != nil {
		_ = snap.Close() // Intentionally ignore: construction already failed
		return nil, err
	}
	g.fresh = fresh

	return g, nil
}

// Run drives the timer-based snapshot refresh until Close or ctx
// cancellation. It always returns nil.
func (g *Guard) Run(ctx context.Context) error {
	return g.fresh.Run(ctx)
}

// Contains reports whether a document with the given key value exists,
// either pending since the last refresh or visible in the current snapshot.
// Snapshot read errors are logged and reported as absent.
func (g *Guard) Contains(ctx context.Context, value string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	if _, ok := g.pending[value]; ok {
		return true
	}

	n, err := g.fresh.Current().TermFrequency(ctx, g.field, value)
	if err != nil {
		g.logger.Warn("Snapshot lookup failed", "value", value, "error", err)
		return false
	}
	return n > 0
}

// Insert writes doc through to the engine.
//
// Documents without a key are added without uniqueness tracking. Keyed
// documents are upserted, replacing any earlier document with the same key,
// and the key is tracked until the next refresh. Once the pending set reaches
// its capacity the snapshot is refreshed and the set cleared.
//
// A failed write is returned wrapped in index.ErrWrite and leaves the guard
// unchanged.
func (g *Guard) Insert(ctx context.Context, doc index.Document) error {
	start := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return index.ErrClosed
	}

	key, ok := doc.Key(g.field)
	if !ok {
		err := g.handle.Add(ctx, doc)
		if err != nil {
			err = fmt.Errorf("%w: add: %w", index.ErrWrite, err)
		}
		g.metrics.OnInsert(g.clock.Since(start), false, err)
		return err
	}

	if err := g.handle.Upsert(ctx, g.field, key, doc); err != nil {
		err = fmt.Errorf("%w: upsert %s=%q: %w", index.ErrWrite, g.field, key, err)
		g.metrics.OnInsert(g.clock.Since(start), true, err)
		return err
	}

	g.pending[key] = struct{}{}
	if len(g.pending) >= g.cacheSize {
		g.forcedRefreshes++
		// The hook clears the pending set only if the refresh succeeded.
		if _, err := g.fresh.RefreshNow(ctx); err != nil {
			g.logger.Warn("Forced refresh failed; keeping pending keys",
				"pending_keys", len(g.pending),
				"error", err,
			)
		}
	}

	g.metrics.OnPendingKeys(len(g.pending))
	g.metrics.OnInsert(g.clock.Since(start), true, nil)
	return nil
}

// Refresh reopens the snapshot now and clears the pending set on success.
func (g *Guard) Refresh(ctx context.Context) error {
	_, err := g.fresh.Refresh(ctx)
	return err
}

// Close stops the refresh loop and releases the snapshot. It is idempotent
// and always returns nil; release errors are suppressed.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.fresh.CloseLocked()
	clear(g.pending)
	return nil
}

// KeyField returns the guarded field.
func (g *Guard) KeyField() string {
	return g.field
}

// Locker returns the lock serializing the guard. Pass it to
// maintenance.WithLocker when commits must not overlap guarded writes.
func (g *Guard) Locker() sync.Locker {
	return &g.mu
}

// Stats returns the current guard statistics.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	pending := len(g.pending)
	forced := g.forcedRefreshes
	g.mu.Unlock()

	fs := g.fresh.Stats()
	return Stats{
		PendingKeys:     pending,
		Refreshes:       fs.Refreshes,
		ForcedRefreshes: forced,
		RefreshFailures: fs.Failures,
	}
}

// onRefreshLocked runs under g.mu after every successful refresh. The new
// snapshot covers every accepted write, so the pending keys are redundant.
func (g *Guard) onRefreshLocked(swapped bool) {
	n := len(g.pending)
	clear(g.pending)
	g.metrics.OnPendingKeys(0)
	g.logger.Debug("Snapshot refreshed", "swapped", swapped, "cleared_keys", n)
}
