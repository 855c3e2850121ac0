package idxguard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/hupe1980/idxguard/index"
	"github.com/hupe1980/idxguard/maintenance"
	"github.com/hupe1980/idxguard/metrics"
	"github.com/hupe1980/idxguard/task"
	"github.com/hupe1980/idxguard/unique"
)

// Stats is a point-in-time view of a Keeper.
type Stats struct {
	Guard         unique.Stats
	Maintenance   maintenance.State
	PendingWrites int

	// Running reports whether the background loops are still running.
	Running bool
}

// Keeper guards key uniqueness on a write handle and keeps the handle
// committed, compacted and searchable in the background.
type Keeper struct {
	handle  index.WriteHandle
	guard   *unique.Guard
	maint   *maintenance.Scheduler
	logger  *Logger
	metrics metrics.Observer
	clock   clock.Clock

	mu     sync.Mutex
	group  *task.Group
	closed bool
}

// Open validates cfg, opens the guard's initial snapshot on h and returns a
// Keeper. The background loops do not run until Start.
//
// The Keeper does not own h: Close commits it but leaves it open.
func Open(ctx context.Context, h index.WriteHandle, cfg Config, opts ...Option) (*Keeper, error) {
	if h == nil {
		return nil, &ConfigError{Field: "handle", Reason: "must not be nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	logger := o.logger.WithKeyField(cfg.KeyField)

	guard, err := unique.New(ctx, h, cfg.guardConfig(),
		unique.WithLogger(logger.Logger),
		unique.WithClock(o.clock),
		unique.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("open guard: %w", err)
	}

	mopts := []maintenance.Option{
		maintenance.WithLogger(logger.Logger),
		maintenance.WithClock(o.clock),
		maintenance.WithMetrics(o.metrics),
	}
	if cfg.SerializeMaintenance {
		mopts = append(mopts, maintenance.WithLocker(guard.Locker()))
	}

	maint, err := maintenance.New(h, cfg.maintenanceConfig(), mopts...)
	if err != nil {
		_ = guard.Close() // Intentionally ignore: construction already failed
		return nil, fmt.Errorf("open maintenance: %w", err)
	}

	return &Keeper{
		handle:  h,
		guard:   guard,
		maint:   maint,
		logger:  logger,
		metrics: o.metrics,
		clock:   o.clock,
	}, nil
}

// Start launches the maintenance and freshness loops. They run until Close
// or until ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return ErrClosed
	}
	if k.group != nil {
		return ErrAlreadyStarted
	}

	k.group = task.Go(ctx, k.maint.Run, k.guard.Run)
	k.logger.InfoContext(ctx, "Keeper started")
	return nil
}

// Insert writes doc through the uniqueness guard.
func (k *Keeper) Insert(ctx context.Context, doc index.Document) error {
	err := k.guard.Insert(ctx, doc)
	if errors.Is(err, index.ErrClosed) {
		err = ErrClosed
	}

	key, _ := doc.Key(k.guard.KeyField())
	k.logger.LogInsert(ctx, key, err)
	return err
}

// Contains reports whether a document with the given key exists.
// It returns false once the Keeper is closed.
func (k *Keeper) Contains(ctx context.Context, key string) bool {
	return k.guard.Contains(ctx, key)
}

// Refresh reopens the guard snapshot immediately.
func (k *Keeper) Refresh(ctx context.Context) error {
	pending := k.guard.Stats().PendingKeys
	err := k.guard.Refresh(ctx)
	if errors.Is(err, index.ErrClosed) {
		return ErrClosed
	}
	k.logger.LogRefresh(ctx, pending, err)
	return err
}

// Commit makes every accepted write durable now, outside the schedule.
func (k *Keeper) Commit(ctx context.Context) error {
	if k.isClosed() {
		return ErrClosed
	}
	return k.commit(ctx)
}

// Optimize compacts the index now, outside the schedule.
func (k *Keeper) Optimize(ctx context.Context) error {
	if k.isClosed() {
		return ErrClosed
	}

	start := k.clock.Now()
	err := k.handle.Optimize(ctx)
	elapsed := k.clock.Since(start)
	k.metrics.OnOptimize(elapsed, err)
	k.logger.LogOptimize(ctx, elapsed, err)
	return err
}

// Stats returns the guard and maintenance state.
func (k *Keeper) Stats() Stats {
	k.mu.Lock()
	group, closed := k.group, k.closed
	k.mu.Unlock()

	running := group != nil && !closed
	if running {
		select {
		case <-group.Done():
			running = false
		default:
		}
	}

	return Stats{
		Guard:         k.guard.Stats(),
		Maintenance:   k.maint.State(),
		PendingWrites: k.handle.PendingWrites(),
		Running:       running,
	}
}

// Close stops the background loops, waits for them, releases the guard
// snapshot and makes a final commit. The write handle stays open.
// Calling Close again returns ErrClosed.
func (k *Keeper) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	k.closed = true
	group := k.group
	k.mu.Unlock()

	k.maint.Stop()
	_ = k.guard.Close() // Always nil; also stops the refresh loop

	var errs []error
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("background loops: %w", err))
		}
	}

	if err := k.commit(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("final commit: %w", err))
	}

	k.logger.Info("Keeper closed")
	return errors.Join(errs...)
}

func (k *Keeper) commit(ctx context.Context) error {
	start := k.clock.Now()
	err := k.handle.Commit(ctx)
	elapsed := k.clock.Since(start)
	k.metrics.OnCommit(elapsed, err)
	k.logger.LogCommit(ctx, elapsed, err)
	return err
}

func (k *Keeper) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}
