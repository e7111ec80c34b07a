package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncpkg "github.com/fieldsync/core/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeSyncer struct {
	mu      sync.Mutex
	pending int
	calls   int32
	err     error
	// block, when set, holds every Sync until it is closed.
	block   chan struct{}
}

func (f *fakeSyncer) Sync(context.Context) (*syncpkg.SyncResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	return &syncpkg.SyncResult{}, f.err
}

func (f *fakeSyncer) PendingCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeSyncer) setPending(n int) {
	f.mu.Lock()
	f.pending = n
	f.mu.Unlock()
}

func (f *fakeSyncer) syncCalls() int {
	return int(atomic.LoadInt32(&f.calls))
}

type fakeHealth struct {
	online atomic.Bool
	checks int32
}

func (f *fakeHealth) Health(context.Context) error {
	atomic.AddInt32(&f.checks, 1)
	if f.online.Load() {
		return nil
	}
	return errors.New("connection refused")
}

// =====================================================
// Reachability Tests
// =====================================================

// TestReachability_EdgeTrigger verifies a sync runs only on offline to
// online transitions with queued operations.
func TestReachability_EdgeTrigger(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{pending: 2}
	r := NewReachability(syncer)

	assert.False(t, r.Online(), "starts offline")

	assert.True(t, r.Observe(ctx, true), "offline -> online triggers")
	assert.Equal(t, 1, syncer.syncCalls())

	assert.False(t, r.Observe(ctx, true), "online -> online does not trigger")
	assert.False(t, r.Observe(ctx, true))
	assert.Equal(t, 1, syncer.syncCalls())

	assert.False(t, r.Observe(ctx, false), "online -> offline does not trigger")
	assert.False(t, r.Observe(ctx, false))
	assert.Equal(t, 1, syncer.syncCalls())

	assert.True(t, r.Observe(ctx, true), "second reconnect triggers again")
	assert.Equal(t, 2, syncer.syncCalls())
}

// TestReachability_EmptyQueue verifies no sync runs when nothing is queued.
func TestReachability_EmptyQueue(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{}
	r := NewReachability(syncer)

	assert.False(t, r.Observe(ctx, true))
	assert.Equal(t, 0, syncer.syncCalls())
	assert.True(t, r.Online())

	// Work queued while online waits for the next edge.
	syncer.setPending(1)
	assert.False(t, r.Observe(ctx, true))
	assert.Equal(t, 0, syncer.syncCalls())
}

// TestReachability_Flapping verifies every rising edge triggers exactly once.
func TestReachability_Flapping(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{pending: 1}
	r := NewReachability(syncer)

	for i := 0; i < 5; i++ {
		r.Observe(ctx, true)
		r.Observe(ctx, true)
		r.Observe(ctx, false)
	}
	assert.Equal(t, 5, syncer.syncCalls())
}

// TestReachability_SyncErrorStillCountsAsTriggered verifies a failed
// reconnect sync is reported as triggered.
func TestReachability_SyncErrorStillCountsAsTriggered(t *testing.T) {
	syncer := &fakeSyncer{pending: 1, err: errors.New("boom")}
	r := NewReachability(syncer)
	assert.True(t, r.Observe(context.Background(), true))
}

// =====================================================
// HealthMonitor Tests
// =====================================================

// TestHealthMonitor_Check verifies health results feed reachability.
func TestHealthMonitor_Check(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{pending: 3}
	health := &fakeHealth{}
	r := NewReachability(syncer)
	m := NewHealthMonitor(health, r, time.Second)

	assert.False(t, m.Check(ctx))
	assert.False(t, r.Online())
	assert.Equal(t, 0, syncer.syncCalls())

	health.online.Store(true)
	assert.True(t, m.Check(ctx))
	assert.True(t, r.Online())
	assert.Equal(t, 1, syncer.syncCalls())

	assert.True(t, m.Check(ctx))
	assert.Equal(t, 1, syncer.syncCalls())
}

// TestHealthMonitor_Run verifies the loop checks until cancelled.
func TestHealthMonitor_Run(t *testing.T) {
	health := &fakeHealth{}
	health.online.Store(true)
	m := NewHealthMonitor(health, NewReachability(&fakeSyncer{}), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&health.checks) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// =====================================================
// Scheduler Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	require.NotNil(t, config)
	assert.Equal(t, 5*time.Minute, config.SyncInterval)
	assert.Equal(t, 30*time.Second, config.HealthInterval)
}

// TestNewScheduler_NilConfig verifies defaults are applied.
func TestNewScheduler_NilConfig(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, &fakeHealth{}, nil)
	assert.Equal(t, 5*time.Minute, s.syncInterval)
	assert.False(t, s.IsRunning())
	assert.False(t, s.IsOnline())
}

// TestScheduler_StartStop verifies lifecycle and idempotent Start/Stop.
func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, &fakeHealth{}, &SchedulerConfig{
		SyncInterval:   20 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
	})

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

// TestScheduler_PeriodicSyncOnlyWhenOnline verifies the periodic loop
// skips ticks while offline.
func TestScheduler_PeriodicSyncOnlyWhenOnline(t *testing.T) {
	syncer := &fakeSyncer{}
	health := &fakeHealth{}
	s := NewScheduler(syncer, health, &SchedulerConfig{
		SyncInterval:   10 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
	})

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, syncer.syncCalls(), "no periodic sync while offline")

	health.online.Store(true)
	require.Eventually(t, func() bool {
		return syncer.syncCalls() >= 2
	}, time.Second, 5*time.Millisecond)

	status := s.GetStatus()
	assert.True(t, status.IsRunning)
	assert.True(t, status.IsOnline)
	require.NotNil(t, status.LastSyncTime)
}

// TestScheduler_ReconnectTrigger verifies a health-driven reconnect syncs
// queued work without waiting for the periodic tick.
func TestScheduler_ReconnectTrigger(t *testing.T) {
	syncer := &fakeSyncer{pending: 1}
	health := &fakeHealth{}
	s := NewScheduler(syncer, health, &SchedulerConfig{
		SyncInterval:   time.Hour,
		HealthInterval: 10 * time.Millisecond,
	})

	s.Start(context.Background())
	defer s.Stop()

	health.online.Store(true)
	require.Eventually(t, func() bool {
		return syncer.syncCalls() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, syncer.syncCalls(), "stays online, no further trigger")
}

// TestScheduler_SetOnlineStatus verifies external signals use the same
// edge trigger.
func TestScheduler_SetOnlineStatus(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{pending: 1}
	s := NewScheduler(syncer, &fakeHealth{}, nil)

	assert.True(t, s.SetOnlineStatus(ctx, true))
	assert.False(t, s.SetOnlineStatus(ctx, true))
	assert.True(t, s.IsOnline())
	assert.Equal(t, 1, syncer.syncCalls())
}

// TestScheduler_SyncNow verifies a manual sync records the sync time.
func TestScheduler_SyncNow(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer, &fakeHealth{}, nil)

	result, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotNil(t, s.GetStatus().LastSyncTime)
}

// TestScheduler_SyncNowError verifies errors are returned and the sync
// time is left unset.
func TestScheduler_SyncNowError(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("offline")}
	s := NewScheduler(syncer, &fakeHealth{}, nil)

	_, err := s.SyncNow(context.Background())
	assert.Error(t, err)
	assert.Nil(t, s.GetStatus().LastSyncTime)
}

// TestScheduler_TriggerSync verifies a trigger is refused while a sync runs.
func TestScheduler_TriggerSync(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer, &fakeHealth{}, nil)

	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()
	assert.False(t, s.TriggerSync(context.Background()))

	s.mu.Lock()
	s.syncInProgress = false
	s.mu.Unlock()
	assert.True(t, s.TriggerSync(context.Background()))
	require.Eventually(t, func() bool { return syncer.syncCalls() == 1 }, time.Second, 5*time.Millisecond)
}

// TestScheduler_StopWaitsForTriggeredSync verifies Stop returns only after
// a triggered sync has finished.
func TestScheduler_StopWaitsForTriggeredSync(t *testing.T) {
	syncer := &fakeSyncer{block: make(chan struct{})}
	s := NewScheduler(syncer, &fakeHealth{}, nil)
	s.Start(context.Background())

	require.True(t, s.TriggerSync(context.Background()))
	require.Eventually(t, func() bool { return syncer.syncCalls() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a triggered sync was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(syncer.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the sync finished")
	}
}

// TestScheduler_Run verifies Run returns after cancel and stops the loops.
func TestScheduler_Run(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, &fakeHealth{}, &SchedulerConfig{
		SyncInterval:   10 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.IsRunning, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.IsRunning())
}
