package idxguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/idxguard/index"
	"github.com/hupe1980/idxguard/memindex"
	"github.com/hupe1980/idxguard/metrics"
)

func testConfig() Config {
	return Config{
		KeyField:         "id",
		CacheSize:        100,
		RefreshInterval:  time.Hour,
		CommitInterval:   2 * time.Second,
		OptimizeInterval: time.Hour,
		Cadence:          time.Second,
		MaxPendingWrites: 1000,
	}
}

func openKeeper(t *testing.T, h index.WriteHandle, cfg Config, opts ...Option) *Keeper {
	t.Helper()
	k, err := Open(t.Context(), h, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(t.Context(), nil, testConfig())
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig()
	cfg.CacheSize = 0
	_, err = Open(t.Context(), memindex.New(), cfg)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "cache_size", ce.Field)
}

func TestKeeper_InsertContains(t *testing.T) {
	idx := memindex.New()
	k := openKeeper(t, idx, testConfig())
	ctx := t.Context()

	require.NoError(t, k.Insert(ctx, index.Document{"id": "a", "title": "one"}))
	require.NoError(t, k.Insert(ctx, index.Document{"id": "a", "title": "two"}))
	require.NoError(t, k.Insert(ctx, index.Document{"title": "keyless"}))

	assert.True(t, k.Contains(ctx, "a"))
	assert.False(t, k.Contains(ctx, "b"))

	require.NoError(t, k.Refresh(ctx))
	assert.True(t, k.Contains(ctx, "a"))

	st := k.Stats()
	assert.Zero(t, st.Guard.PendingKeys)
	assert.Equal(t, 3, st.PendingWrites)
	assert.Equal(t, 2, idx.Stats().LiveDocs)
}

func TestKeeper_StartTwice(t *testing.T) {
	k := openKeeper(t, memindex.New(), testConfig(), WithClock(clock.NewMock()))

	require.NoError(t, k.Start(t.Context()))
	assert.ErrorIs(t, k.Start(t.Context()), ErrAlreadyStarted)
	assert.True(t, k.Stats().Running)
}

func TestKeeper_BackgroundCommit(t *testing.T) {
	mock := clock.NewMock()
	idx := memindex.New()
	observer := &metrics.Basic{}
	k := openKeeper(t, idx, testConfig(), WithClock(mock), WithMetrics(observer))

	require.NoError(t, k.Insert(t.Context(), index.Document{"id": "a"}))
	require.NoError(t, k.Start(t.Context()))

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return idx.PendingWrites() == 0
	}, 5*time.Second, time.Millisecond)

	assert.GreaterOrEqual(t, k.Stats().Maintenance.Commits, int64(1))
	assert.GreaterOrEqual(t, observer.Stats().Commits, int64(1))
}

func TestKeeper_BackgroundRefresh(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.RefreshInterval = 500 * time.Millisecond
	k := openKeeper(t, memindex.New(), cfg, WithClock(mock))

	require.NoError(t, k.Insert(t.Context(), index.Document{"id": "a"}))
	require.NoError(t, k.Start(t.Context()))

	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return k.Stats().Guard.Refreshes > 0
	}, 5*time.Second, time.Millisecond)

	assert.Zero(t, k.Stats().Guard.PendingKeys)
	assert.True(t, k.Contains(t.Context(), "a"))
}

func TestKeeper_SerializeMaintenance(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.SerializeMaintenance = true
	cfg.CommitInterval = 0
	idx := memindex.New()
	k := openKeeper(t, idx, cfg, WithClock(mock))

	require.NoError(t, k.Start(t.Context()))
	require.NoError(t, k.Insert(t.Context(), index.Document{"id": "a"}))

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return idx.PendingWrites() == 0
	}, 5*time.Second, time.Millisecond)
	assert.True(t, k.Contains(t.Context(), "a"))
}

func TestKeeper_ManualCommitOptimize(t *testing.T) {
	dir := t.TempDir()
	idx, err := memindex.Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	k := openKeeper(t, idx, testConfig())
	ctx := t.Context()

	for _, key := range []string{"a", "b", "a"} {
		require.NoError(t, k.Insert(ctx, index.Document{"id": key}))
		require.NoError(t, k.Refresh(ctx))
	}
	require.NoError(t, k.Optimize(ctx))
	require.NoError(t, k.Commit(ctx))

	assert.Equal(t, 1, idx.Stats().Segments)
	assert.Zero(t, idx.PendingWrites())

	reopened, err := memindex.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Stats().LiveDocs)
}

func TestKeeper_Close(t *testing.T) {
	idx := memindex.New()
	k, err := Open(t.Context(), idx, testConfig(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	require.NoError(t, k.Start(t.Context()))
	require.NoError(t, k.Insert(t.Context(), index.Document{"id": "a"}))

	require.NoError(t, k.Close())
	assert.Zero(t, idx.PendingWrites(), "close makes a final commit")
	assert.Zero(t, idx.Stats().OpenSnapshots, "guard snapshot released")
	assert.False(t, k.Stats().Running)

	assert.ErrorIs(t, k.Close(), ErrClosed)
	assert.ErrorIs(t, k.Start(t.Context()), ErrClosed)
	assert.ErrorIs(t, k.Insert(t.Context(), index.Document{"id": "b"}), ErrClosed)
	assert.ErrorIs(t, k.Commit(t.Context()), ErrClosed)
	assert.ErrorIs(t, k.Optimize(t.Context()), ErrClosed)
	assert.ErrorIs(t, k.Refresh(t.Context()), ErrClosed)
	assert.False(t, k.Contains(t.Context(), "a"))
}

func TestKeeper_CloseReportsFinalCommitError(t *testing.T) {
	idx := memindex.New()
	k, err := Open(t.Context(), idx, testConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Close())
	err = k.Close()
	assert.ErrorIs(t, err, index.ErrClosed)
}

func TestKeeper_StopsWithContext(t *testing.T) {
	k := openKeeper(t, memindex.New(), testConfig(), WithClock(clock.NewMock()))

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, k.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return !k.Stats().Maintenance.Active
	}, 5*time.Second, time.Millisecond)

	// Both loops exit on cancellation even though Close was never called.
	require.Eventually(t, func() bool {
		return !k.Stats().Running
	}, 5*time.Second, time.Millisecond)
}
