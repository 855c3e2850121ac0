// Package metrics defines the observer hooks reported by the schedulers and
// the uniqueness guard.
//
// Implement Observer to integrate with a monitoring system. The
// promobserver subpackage provides a Prometheus implementation.
package metrics

import (
	"sync/atomic"
	"time"
)

// Observer receives operational events.
//
// Implementations must be safe for concurrent use; hooks are called from
// background loops and from caller goroutines.
type Observer interface {
	// OnCommit is called after each durability commit attempt.
	OnCommit(duration time.Duration, err error)

	// OnOptimize is called after each compaction attempt.
	OnOptimize(duration time.Duration, err error)

	// OnRefresh is called after each snapshot refresh attempt.
	// swapped reports whether a new snapshot was installed.
	OnRefresh(duration time.Duration, swapped bool, err error)

	// OnInsert is called after each guarded insert.
	// tracked is false for documents without a key.
	OnInsert(duration time.Duration, tracked bool, err error)

	// OnPendingKeys reports the size of the pending-key cache.
	OnPendingKeys(n int)
}

// Noop is a no-op implementation of Observer.
type Noop struct{}

func (Noop) OnCommit(time.Duration, error)        {}
func (Noop) OnOptimize(time.Duration, error)      {}
func (Noop) OnRefresh(time.Duration, bool, error) {}
func (Noop) OnInsert(time.Duration, bool, error)  {}
func (Noop) OnPendingKeys(int)                    {}

// Basic provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type Basic struct {
	Commits          atomic.Int64
	CommitErrors     atomic.Int64
	CommitNanos      atomic.Int64
	Optimizes        atomic.Int64
	OptimizeErrors   atomic.Int64
	OptimizeNanos    atomic.Int64
	Refreshes        atomic.Int64
	RefreshErrors    atomic.Int64
	Swaps            atomic.Int64
	Inserts          atomic.Int64
	InsertErrors     atomic.Int64
	UntrackedInserts atomic.Int64
	PendingKeys      atomic.Int64
}

// OnCommit implements Observer.
func (b *Basic) OnCommit(duration time.Duration, err error) {
	b.Commits.Add(1)
	b.CommitNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// OnOptimize implements Observer.
func (b *Basic) OnOptimize(duration time.Duration, err error) {
	b.Optimizes.Add(1)
	b.OptimizeNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.OptimizeErrors.Add(1)
	}
}

// OnRefresh implements Observer.
func (b *Basic) OnRefresh(_ time.Duration, swapped bool, err error) {
	b.Refreshes.Add(1)
	if err != nil {
		b.RefreshErrors.Add(1)
		return
	}
	if swapped {
		b.Swaps.Add(1)
	}
}

// OnInsert implements Observer.
func (b *Basic) OnInsert(_ time.Duration, tracked bool, err error) {
	b.Inserts.Add(1)
	if err != nil {
		b.InsertErrors.Add(1)
	}
	if !tracked {
		b.UntrackedInserts.Add(1)
	}
}

// OnPendingKeys implements Observer.
func (b *Basic) OnPendingKeys(n int) {
	b.PendingKeys.Store(int64(n))
}

// Stats returns a snapshot of current metrics.
func (b *Basic) Stats() BasicStats {
	return BasicStats{
		Commits:          b.Commits.Load(),
		CommitErrors:     b.CommitErrors.Load(),
		CommitAvgNanos:   avg(b.CommitNanos.Load(), b.Commits.Load()),
		Optimizes:        b.Optimizes.Load(),
		OptimizeErrors:   b.OptimizeErrors.Load(),
		OptimizeAvgNanos: avg(b.OptimizeNanos.Load(), b.Optimizes.Load()),
		Refreshes:        b.Refreshes.Load(),
		RefreshErrors:    b.RefreshErrors.Load(),
		Swaps:            b.Swaps.Load(),
		Inserts:          b.Inserts.Load(),
		InsertErrors:     b.InsertErrors.Load(),
		UntrackedInserts: b.UntrackedInserts.Load(),
		PendingKeys:      b.PendingKeys.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicStats is a snapshot of Basic state.
type BasicStats struct {
	Commits          int64
	CommitErrors     int64
	CommitAvgNanos   int64
	Optimizes        int64
	OptimizeErrors   int64
	OptimizeAvgNanos int64
	Refreshes        int64
	RefreshErrors    int64
	Swaps            int64
	Inserts          int64
	InsertErrors     int64
	UntrackedInserts int64
	PendingKeys      int64
}

var (
	_ Observer = Noop{}
	_ Observer = (*Basic)(nil)
)
