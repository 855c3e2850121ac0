// Package freshness keeps a read snapshot of an index reasonably current.
//
// A Scheduler owns exactly one installed snapshot at a time. Refreshing
// reopens it and, when the engine hands back a different view, installs the
// new one before closing the old one, so a reader holding the lock never
// observes a released snapshot. A failed reopen leaves the current snapshot in
// place: stale but valid beats no snapshot at all.
//
// All snapshot access is serialized by a sync.Locker. By default the
// scheduler uses its own mutex; an owner that needs to coordinate the swap
// with its own state (for example the uniqueness guard) passes its lock with
// WithLocker and calls RefreshNow from inside its critical section.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/hupe1980/idxguard/index"
	"github.com/hupe1980/idxguard/metrics"
)

// ErrInvalidConfig is returned by New for unusable arguments.
var ErrInvalidConfig = errors.New("freshness: invalid config")

// Stats holds refresh counters.
type Stats struct {
	// Refreshes counts successful refreshes, with or without a swap.
	Refreshes int64
	// Swaps counts refreshes that installed a new snapshot.
	Swaps int64
	// Failures counts failed reopen attempts.
	Failures int64
	// LastRefresh is the time of the last successful refresh.
	LastRefresh time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker sets the lock that serializes snapshot access.
func WithLocker(l sync.Locker) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithOnRefresh registers a hook that runs after every successful refresh,
// while the lock is still held.
func WithOnRefresh(fn func(swapped bool)) Option {
	return func(s *Scheduler) {
		s.onRefresh = fn
	}
}

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetrics sets the metrics observer.
func WithMetrics(m metrics.Observer) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler owns a swappable read snapshot.
type Scheduler struct {
	interval  time.Duration
	locker    sync.Locker
	onRefresh func(swapped bool)
	clock     clock.Clock
	logger    *slog.Logger
	metrics   metrics.Observer
	failLog   *rate.Sometimes

	// Guarded by locker.
	current index.Snapshot
	closed  bool

	refreshes   atomic.Int64
	swaps       atomic.Int64
	failures    atomic.Int64
	lastRefresh atomic.Int64 // unix nanos

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// New creates a Scheduler that takes ownership of initial and refreshes it
// every interval once Run is called.
func New(initial index.Snapshot, interval time.Duration, opts ...Option) (*Scheduler, error) {
	if initial == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidConfig)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: refresh interval must be positive, got %s", ErrInvalidConfig, interval)
	}

	s := &Scheduler{
		interval: interval,
		locker:   &sync.Mutex{},
		clock:    clock.New(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:  metrics.Noop{},
		failLog:  &rate.Sometimes{First: 3, Interval: time.Minute},
		current:  initial,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Current returns the installed snapshot. The caller must hold the lock and
// must not close the returned snapshot. It returns nil after Close.
func (s *Scheduler) Current() index.Snapshot {
	return s.current
}

// RefreshNow reopens the current snapshot and installs the result.
// The caller must hold the lock. It reports whether a new snapshot was
// installed. On error the current snapshot stays installed.
func (s *Scheduler) RefreshNow(ctx context.Context) (bool, error) {
	if s.closed {
		return false, index.ErrClosed
	}

	start := s.clock.Now()
	old := s.current
	next, err := old.Reopen(ctx)
	if err == nil && next == nil {
		err = errors.New("reopen returned no snapshot")
	}
	if err != nil {
		s.failures.Add(1)
		s.metrics.OnRefresh(s.clock.Since(start), false, err)
		s.failLog.Do(func() {
			s.logger.Warn("Snapshot refresh failed", "error", err)
		})
		return false, err
	}

	swapped := next != old
	if swapped {
		// Publish first, then release: the old view is never reachable once closed.
		s.current = next
		if cerr := old.Close(); cerr != nil {
			s.logger.Debug("Closing replaced snapshot failed", "error", cerr)
		}
		s.swaps.Add(1)
	}

	s.refreshes.Add(1)
	s.lastRefresh.Store(s.clock.Now().UnixNano())
	s.metrics.OnRefresh(s.clock.Since(start), swapped, nil)

	if s.onRefresh != nil {
		s.onRefresh(swapped)
	}
	return swapped, nil
}

// Refresh acquires the lock and calls RefreshNow.
func (s *Scheduler) Refresh(ctx context.Context) (bool, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.RefreshNow(ctx)
}

// Run refreshes the snapshot every interval until Stop, Close, or ctx
// cancellation. It always returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Freshness started", "interval", s.interval)
	defer s.logger.Info("Freshness stopped")

	t := s.clock.Timer(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-t.C:
		}

		if _, err := s.Refresh(ctx); errors.Is(err, index.ErrClosed) {
			return nil
		}
		t.Reset(s.interval)
	}
}

// Stop requests termination of Run. Idempotent and non-blocking.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Close stops the loop and releases the installed snapshot exactly once.
// Errors from the release are suppressed.
func (s *Scheduler) Close() error {
	s.Stop()
	s.closeOnce.Do(func() {
		s.locker.Lock()
		defer s.locker.Unlock()
		s.closeLocked()
	})
	return nil
}

// CloseLocked is Close for callers that already hold the lock.
func (s *Scheduler) CloseLocked() {
	s.Stop()
	s.closeOnce.Do(s.closeLocked)
}

func (s *Scheduler) closeLocked() {
	s.closed = true
	if s.current == nil {
		return
	}
	if err := s.current.Close(); err != nil {
		s.logger.Debug("Closing snapshot failed", "error", err)
	}
	s.current = nil
}

// Stats returns the refresh counters. Safe to call without the lock.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Refreshes: s.refreshes.Load(),
		Swaps:     s.swaps.Load(),
		Failures:  s.failures.Load(),
	}
	if ns := s.lastRefresh.Load(); ns != 0 {
		st.LastRefresh = time.Unix(0, ns)
	}
	return st
}
