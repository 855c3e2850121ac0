package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasic_Stats(t *testing.T) {
	var b Basic

	b.OnCommit(10*time.Millisecond, nil)
	b.OnCommit(30*time.Millisecond, errors.New("disk full"))
	b.OnOptimize(time.Second, nil)
	b.OnRefresh(time.Millisecond, true, nil)
	b.OnRefresh(time.Millisecond, false, nil)
	b.OnRefresh(time.Millisecond, false, errors.New("reopen"))
	b.OnInsert(time.Microsecond, true, nil)
	b.OnInsert(time.Microsecond, false, nil)
	b.OnInsert(time.Microsecond, true, errors.New("write"))
	b.OnPendingKeys(7)

	s := b.Stats()
	assert.Equal(t, int64(2), s.Commits)
	assert.Equal(t, int64(1), s.CommitErrors)
	assert.Equal(t, (20 * time.Millisecond).Nanoseconds(), s.CommitAvgNanos)
	assert.Equal(t, int64(1), s.Optimizes)
	assert.Equal(t, int64(0), s.OptimizeErrors)
	assert.Equal(t, int64(3), s.Refreshes)
	assert.Equal(t, int64(1), s.RefreshErrors)
	assert.Equal(t, int64(1), s.Swaps)
	assert.Equal(t, int64(3), s.Inserts)
	assert.Equal(t, int64(1), s.InsertErrors)
	assert.Equal(t, int64(1), s.UntrackedInserts)
	assert.Equal(t, int64(7), s.PendingKeys)
}

func TestBasic_EmptyAverages(t *testing.T) {
	var b Basic
	s := b.Stats()
	assert.Zero(t, s.CommitAvgNanos)
	assert.Zero(t, s.OptimizeAvgNanos)
}
