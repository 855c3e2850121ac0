package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/idxguard/metrics"
)

type fakeTarget struct {
	mu          sync.Mutex
	commits     int
	optimizes   int
	pending     int
	commitErr   error
	optimizeErr error
	onCommit    func()
}

func (f *fakeTarget) Commit(context.Context) error {
	f.mu.Lock()
	hook := f.onCommit
	f.commits++
	err := f.commitErr
	if err == nil {
		f.pending = 0
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeTarget) Optimize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimizes++
	return f.optimizeErr
}

func (f *fakeTarget) PendingWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeTarget) counts() (commits, optimizes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits, f.optimizes
}

func (f *fakeTarget) setPending(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = n
}

func defaultConfig() Config {
	return Config{
		CommitInterval:   time.Second,
		OptimizeInterval: time.Hour,
		Cadence:          500 * time.Millisecond,
		MaxPendingWrites: 100000,
	}
}

func newMockScheduler(t *testing.T, target *fakeTarget, cfg Config, opts ...Option) (*Scheduler, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s, err := New(target, cfg, append([]Option{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	return s, mock
}

func TestNew_Validation(t *testing.T) {
	target := &fakeTarget{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero cadence", Config{CommitInterval: time.Second, OptimizeInterval: time.Second}},
		{"negative commit interval", Config{CommitInterval: -1, Cadence: time.Second}},
		{"negative optimize interval", Config{OptimizeInterval: -1, Cadence: time.Second}},
		{"negative max pending", Config{Cadence: time.Second, MaxPendingWrites: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(target, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New(nil, defaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTick_NoCommitBeforeInterval(t *testing.T) {
	target := &fakeTarget{}
	s, mock := newMockScheduler(t, target, defaultConfig())

	mock.Add(900 * time.Millisecond)
	sleep := s.Tick(t.Context())

	commits, optimizes := target.counts()
	assert.Zero(t, commits)
	assert.Zero(t, optimizes)
	assert.Equal(t, 500*time.Millisecond, sleep)
}

func TestTick_CommitAfterIdleInterval(t *testing.T) {
	target := &fakeTarget{}
	s, mock := newMockScheduler(t, target, defaultConfig())

	// 1500ms idle, then one tick of a 500ms cadence.
	mock.Add(1500 * time.Millisecond)
	s.Tick(t.Context())

	commits, _ := target.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, mock.Now(), s.State().LastCommit)

	// The next tick right after must not commit again.
	s.Tick(t.Context())
	commits, _ = target.counts()
	assert.Equal(t, 1, commits)
}

func TestTick_PendingVolumeForcesCommit(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPendingWrites = 100
	target := &fakeTarget{}
	s, _ := newMockScheduler(t, target, cfg)

	target.setPending(100)
	s.Tick(t.Context())
	commits, _ := target.counts()
	assert.Zero(t, commits, "volume at the threshold does not force a commit")

	target.setPending(101)
	s.Tick(t.Context())
	commits, _ = target.counts()
	assert.Equal(t, 1, commits)
}

func TestTick_ZeroThresholdsActEveryTick(t *testing.T) {
	t.Run("max pending writes", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.MaxPendingWrites = 0
		target := &fakeTarget{}
		s, _ := newMockScheduler(t, target, cfg)

		for range 3 {
			s.Tick(t.Context())
		}
		commits, _ := target.counts()
		assert.Equal(t, 3, commits)
	})

	t.Run("commit interval", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.CommitInterval = 0
		target := &fakeTarget{}
		s, _ := newMockScheduler(t, target, cfg)

		s.Tick(t.Context())
		s.Tick(t.Context())
		commits, _ := target.counts()
		assert.Equal(t, 2, commits)
	})

	t.Run("optimize interval", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.OptimizeInterval = 0
		target := &fakeTarget{}
		s, _ := newMockScheduler(t, target, cfg)

		s.Tick(t.Context())
		s.Tick(t.Context())
		_, optimizes := target.counts()
		assert.Equal(t, 2, optimizes)
	})
}

func TestTick_FailureAdvancesTimestamp(t *testing.T) {
	observer := &metrics.Basic{}
	target := &fakeTarget{commitErr: errors.New("disk full")}
	s, mock := newMockScheduler(t, target, defaultConfig(), WithMetrics(observer))

	mock.Add(1500 * time.Millisecond)
	s.Tick(t.Context())

	state := s.State()
	assert.Equal(t, int64(1), state.CommitFailures)
	assert.Zero(t, state.Commits)
	assert.Equal(t, mock.Now(), state.LastCommit)

	// No retry storm: the failed commit is not retried on the next tick.
	mock.Add(500 * time.Millisecond)
	s.Tick(t.Context())
	commits, _ := target.counts()
	assert.Equal(t, 1, commits)

	stats := observer.Stats()
	assert.Equal(t, int64(1), stats.Commits)
	assert.Equal(t, int64(1), stats.CommitErrors)
}

func TestTick_OptimizeInterval(t *testing.T) {
	cfg := defaultConfig()
	cfg.OptimizeInterval = 2 * time.Second
	target := &fakeTarget{optimizeErr: errors.New("merge failed")}
	s, mock := newMockScheduler(t, target, cfg)

	mock.Add(1500 * time.Millisecond)
	s.Tick(t.Context())
	_, optimizes := target.counts()
	assert.Zero(t, optimizes)

	mock.Add(time.Second)
	s.Tick(t.Context())
	_, optimizes = target.counts()
	assert.Equal(t, 1, optimizes)
	assert.Equal(t, int64(1), s.State().OptimizeFailures)
	assert.Equal(t, mock.Now(), s.State().LastOptimize)
}

func TestTick_OverrunClampsSleepToZero(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPendingWrites = 0
	target := &fakeTarget{}
	s, mock := newMockScheduler(t, target, cfg)
	target.onCommit = func() { mock.Add(2 * cfg.Cadence) }

	assert.Equal(t, time.Duration(0), s.Tick(t.Context()))
}

type recordingLocker struct {
	mu   sync.Mutex
	held bool
}

func (l *recordingLocker) Lock() {
	l.mu.Lock()
	l.held = true
}

func (l *recordingLocker) Unlock() {
	l.held = false
	l.mu.Unlock()
}

func TestTick_WithLockerHoldsLockDuringCommit(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPendingWrites = 0
	locker := &recordingLocker{}
	target := &fakeTarget{}
	var heldDuringCommit bool
	target.onCommit = func() { heldDuringCommit = locker.held }

	s, _ := newMockScheduler(t, target, cfg, WithLocker(locker))
	s.Tick(t.Context())

	assert.True(t, heldDuringCommit)
	assert.False(t, locker.held)
}

func TestRun_StopTerminatesLoop(t *testing.T) {
	cfg := Config{
		CommitInterval:   time.Hour,
		OptimizeInterval: time.Hour,
		Cadence:          10 * time.Millisecond,
		MaxPendingWrites: 0,
	}
	target := &fakeTarget{}
	s, err := New(target, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(t.Context()) }()

	require.Eventually(t, func() bool {
		commits, _ := target.counts()
		return commits >= 3
	}, 5*time.Second, time.Millisecond)

	s.Stop()
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.False(t, s.State().Active)
}

func TestRun_StopInterruptsSleep(t *testing.T) {
	cfg := defaultConfig()
	cfg.Cadence = time.Hour
	cfg.MaxPendingWrites = 0
	target := &fakeTarget{}
	s, _ := newMockScheduler(t, target, cfg)

	done := make(chan error, 1)
	go func() { done <- s.Run(t.Context()) }()

	require.Eventually(t, func() bool {
		commits, _ := target.counts()
		return commits == 1
	}, 5*time.Second, time.Millisecond)

	// The loop now sleeps on the mock clock, which never advances.
	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop during sleep")
	}

	commits, _ := target.counts()
	assert.Equal(t, 1, commits, "no iteration runs after stop")
}

func TestRun_ContextCancellation(t *testing.T) {
	cfg := defaultConfig()
	cfg.Cadence = time.Hour
	s, _ := newMockScheduler(t, &fakeTarget{}, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "shutdown is never escalated")
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_AfterStopReturnsImmediately(t *testing.T) {
	target := &fakeTarget{}
	cfg := defaultConfig()
	cfg.MaxPendingWrites = 0
	s, _ := newMockScheduler(t, target, cfg)

	s.Stop()
	require.NoError(t, s.Run(t.Context()))

	commits, _ := target.counts()
	assert.Zero(t, commits)
}
