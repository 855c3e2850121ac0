// Package maintenance runs periodic durability commits and segment compaction
// against an index write handle.
//
// A Scheduler wakes once per cadence tick. It commits when the commit interval
// has elapsed or when too many writes are pending, and optimizes when the
// optimize interval has elapsed. Failures are logged and counted; the loop
// keeps going and the corresponding timestamp still advances, so a backend
// that keeps failing is retried once per interval instead of once per tick.
//
// Responsiveness is bounded by the cadence: an interval shorter than the
// cadence is still only checked once per tick.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/hupe1980/idxguard/index"
	"github.com/hupe1980/idxguard/metrics"
)

// ErrInvalidConfig is returned by New for unusable thresholds.
var ErrInvalidConfig = errors.New("maintenance: invalid config")

// Config holds the scheduler thresholds. All fields are required.
type Config struct {
	// CommitInterval is the maximum time a write may remain uncommitted.
	// Zero commits on every tick.
	CommitInterval time.Duration

	// OptimizeInterval is the maximum time between compaction passes.
	// Zero optimizes on every tick.
	OptimizeInterval time.Duration

	// Cadence is the tick and sleep granularity. Must be positive.
	Cadence time.Duration

	// MaxPendingWrites forces an out-of-schedule commit once the handle
	// reports more pending writes than this. Zero commits on every tick.
	MaxPendingWrites int
}

func (c Config) validate() error {
	switch {
	case c.Cadence <= 0:
		return fmt.Errorf("%w: cadence must be positive, got %s", ErrInvalidConfig, c.Cadence)
	case c.CommitInterval < 0:
		return fmt.Errorf("%w: negative commit interval %s", ErrInvalidConfig, c.CommitInterval)
	case c.OptimizeInterval < 0:
		return fmt.Errorf("%w: negative optimize interval %s", ErrInvalidConfig, c.OptimizeInterval)
	case c.MaxPendingWrites < 0:
		return fmt.Errorf("%w: negative max pending writes %d", ErrInvalidConfig, c.MaxPendingWrites)
	}
	return nil
}

// State is the scheduler's bookkeeping.
type State struct {
	Active           bool
	LastCommit       time.Time
	LastOptimize     time.Time
	Commits          int64
	CommitFailures   int64
	Optimizes        int64
	OptimizeFailures int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

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

// WithLocker makes every commit and optimize run while holding l.
//
// Use it when the engine does not allow maintenance to run concurrently with
// writes; pass the lock that serializes those writes (for example
// unique.Guard.Locker). Without it the scheduler trusts the engine.
func WithLocker(l sync.Locker) Option {
	return func(s *Scheduler) {
		s.locker = l
	}
}

// Scheduler triggers commit and optimize on a write handle.
type Scheduler struct {
	target  index.Maintainer
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Observer
	locker  sync.Locker

	commitLog   *rate.Sometimes
	optimizeLog *rate.Sometimes

	mu    sync.Mutex
	state State

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler for target. Both timestamps start at the current
// clock time, so the first commit is due one CommitInterval after New.
func New(target index.Maintainer, cfg Config, opts ...Option) (*Scheduler, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil target", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		target:      target,
		cfg:         cfg,
		clock:       clock.New(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:     metrics.Noop{},
		commitLog:   &rate.Sometimes{First: 3, Interval: time.Minute},
		optimizeLog: &rate.Sometimes{First: 3, Interval: time.Minute},
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	now := s.clock.Now()
	s.state = State{
		Active:       true,
		LastCommit:   now,
		LastOptimize: now,
	}
	return s, nil
}

// Run executes the maintenance loop until Stop is called or ctx is done.
// Shutdown is not an error: Run always returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Maintenance started",
		"cadence", s.cfg.Cadence,
		"commit_interval", s.cfg.CommitInterval,
		"optimize_interval", s.cfg.OptimizeInterval,
		"max_pending_writes", s.cfg.MaxPendingWrites,
	)
	defer func() {
		s.setInactive()
		s.logger.Info("Maintenance stopped")
	}()

	for s.running(ctx) {
		sleep := s.Tick(ctx)
		if !s.running(ctx) || !s.sleep(ctx, sleep) {
			break
		}
	}
	return nil
}

// Stop requests termination of Run. It never blocks and may be called any
// number of times from any goroutine.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.setInactive()
		close(s.stopCh)
	})
}

// Tick runs one loop body and returns how long the loop sleeps afterwards:
// the cadence minus the time spent in the tick, never negative.
//
// Tick must not be called concurrently with Run.
func (s *Scheduler) Tick(ctx context.Context) time.Duration {
	start := s.clock.Now()

	if s.running(ctx) && s.commitDue(start) {
		s.commit(ctx)
	}

	if s.running(ctx) && s.optimizeDue(s.clock.Now()) {
		s.optimize(ctx)
	}

	return max(s.cfg.Cadence-s.clock.Since(start), 0)
}

// State returns a copy of the scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) commitDue(now time.Time) bool {
	if s.cfg.CommitInterval == 0 || s.cfg.MaxPendingWrites == 0 {
		return true
	}
	s.mu.Lock()
	last := s.state.LastCommit
	s.mu.Unlock()
	if now.Sub(last) > s.cfg.CommitInterval {
		return true
	}
	return s.target.PendingWrites() > s.cfg.MaxPendingWrites
}

func (s *Scheduler) optimizeDue(now time.Time) bool {
	if s.cfg.OptimizeInterval == 0 {
		return true
	}
	s.mu.Lock()
	last := s.state.LastOptimize
	s.mu.Unlock()
	return now.Sub(last) > s.cfg.OptimizeInterval
}

func (s *Scheduler) commit(ctx context.Context) {
	took, err := s.guarded(ctx, s.target.Commit)
	s.metrics.OnCommit(took, err)

	s.mu.Lock()
	s.state.LastCommit = s.clock.Now()
	if err != nil {
		s.state.CommitFailures++
	} else {
		s.state.Commits++
	}
	s.mu.Unlock()

	if err != nil {
		s.commitLog.Do(func() {
			s.logger.Warn("Commit failed", "error", err, "duration", took)
		})
		return
	}
	s.logger.Debug("Commit completed", "duration", took)
}

func (s *Scheduler) optimize(ctx context.Context) {
	took, err := s.guarded(ctx, s.target.Optimize)
	s.metrics.OnOptimize(took, err)

	s.mu.Lock()
	s.state.LastOptimize = s.clock.Now()
	if err != nil {
		s.state.OptimizeFailures++
	} else {
		s.state.Optimizes++
	}
	s.mu.Unlock()

	if err != nil {
		s.optimizeLog.Do(func() {
			s.logger.Warn("Optimize failed", "error", err, "duration", took)
		})
		return
	}
	s.logger.Debug("Optimize completed", "duration", took)
}

func (s *Scheduler) guarded(ctx context.Context, op func(context.Context) error) (time.Duration, error) {
	if s.locker != nil {
		s.locker.Lock()
		defer s.locker.Unlock()
	}
	start := s.clock.Now()
	err := op(ctx)
	return s.clock.Since(start), err
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return s.running(ctx)
	}
	t := s.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) running(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

func (s *Scheduler) setInactive() {
	s.mu.Lock()
	s.state.Active = false
	s.mu.Unlock()
}
