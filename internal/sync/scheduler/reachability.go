package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsync/core/internal/logging"
	syncpkg "github.com/fieldsync/core/internal/sync"
)

// Syncer is the part of the sync engine the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context) (*syncpkg.SyncResult, error)
	PendingCount(ctx context.Context) (int, error)
}

// HealthChecker reports whether the server is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Reachability turns online/offline observations into sync triggers. It
// starts offline and triggers exactly one cycle on each offline to online
// edge when operations are queued.
type Reachability struct {
	mu     sync.Mutex
	online bool
	syncer Syncer
}

// NewReachability creates a Reachability in the offline state.
func NewReachability(syncer Syncer) *Reachability {
	return &Reachability{syncer: syncer}
}

// Online returns the last observed state.
func (r *Reachability) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Observe records an observation and runs a sync on an offline to online
// edge with a non-empty queue. It reports whether a sync ran.
func (r *Reachability) Observe(ctx context.Context, online bool) bool {
	r.mu.Lock()
	wasOnline := r.online
	r.online = online
	r.mu.Unlock()

	if wasOnline != online {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  online,
			})
	}
	if wasOnline || !online {
		return false
	}

	pending, err := r.syncer.PendingCount(ctx)
	if err != nil {
		logging.Warn("Failed to read pending count", map[string]interface{}{"error": err.Error()})
		return false
	}
	if pending == 0 {
		return false
	}

	logging.Info("Back online with queued operations, syncing", map[string]interface{}{"pending": pending})
	if _, err := r.syncer.Sync(ctx); err != nil {
		logging.Warn("Reconnect sync failed", map[string]interface{}{"error": err.Error()})
	}
	return true
}

// HealthMonitor polls the server's health endpoint and feeds Reachability.
type HealthMonitor struct {
	checker  HealthChecker
	reach    *Reachability
	interval time.Duration
	timeout  time.Duration
}

// NewHealthMonitor creates a monitor polling every interval.
func NewHealthMonitor(checker HealthChecker, reach *Reachability, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &HealthMonitor{checker: checker, reach: reach, interval: interval, timeout: timeout}
}

// Check runs one health check and reports the observed state.
func (m *HealthMonitor) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.checker.Health(checkCtx)
	cancel()

	online := err == nil
	if err != nil {
		logging.Debug("Health check failed", map[string]interface{}{"error": err.Error()})
	}
	m.reach.Observe(ctx, online)
	return online
}

// Run checks immediately and then on every tick until ctx ends.
func (m *HealthMonitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
