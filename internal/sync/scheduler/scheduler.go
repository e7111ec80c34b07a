// Package scheduler provides background sync scheduling: reconnect
// triggers from health checks and periodic sync while online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/logging"
	syncpkg "github.com/fieldsync/core/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine         Syncer
	reach          *Reachability
	monitor        *HealthMonitor
	syncInterval   time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	lastSyncTime   time.Time
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval   time.Duration // How often to sync when online (default: 5 minutes)
	HealthInterval time.Duration // How often to check reachability (default: 30 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:   5 * time.Minute,
		HealthInterval: 30 * time.Second,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Syncer, checker HealthChecker, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	reach := NewReachability(engine)
	return &Scheduler{
		engine:       engine,
		reach:        reach,
		monitor:      NewHealthMonitor(checker, reach, config.HealthInterval),
		syncInterval: config.SyncInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the health and periodic sync loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopCh:
		case <-loopCtx.Done():
		}
		cancel()
	}()
	go func() {
		defer s.wg.Done()
		_ = s.monitor.Run(loopCtx)
	}()
	go s.periodicSyncLoop(loopCtx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"sync_interval": s.syncInterval.String()})
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// Run starts the scheduler and blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// SetOnlineStatus feeds an external connectivity signal. It reports
// whether the change triggered a sync.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) bool {
	return s.reach.Observe(ctx, isOnline)
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}

			s.mu.RLock()
			isSyncing := s.syncInProgress
			s.mu.RUnlock()
			if isSyncing {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}

			s.runSync(ctx)
		}
	}
}

// runSync executes a sync operation.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	logging.Info("Starting periodic sync", nil)

	result, err := s.engine.Sync(ctx)
	if err != nil {
		logging.ErrorWithCode("Periodic sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		return
	}
	if result.AlreadyInProgress {
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Periodic sync completed",
		map[string]interface{}{
			"succeeded":  result.Succeeded,
			"failed":     result.Failed,
			"downloaded": result.Downloaded,
			"conflicts":  len(result.Conflicts),
		})
}

// TriggerSync triggers an immediate sync operation.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	s.mu.RUnlock()

	if isSyncing {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	SyncInProgress bool
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	online := s.reach.Online()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       online,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// SyncNow runs a sync and waits for completion.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	result, err := s.engine.Sync(ctx)
	if err != nil {
		return result, err
	}
	if !result.AlreadyInProgress {
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	}
	return result, nil
}

// IsOnline returns the last observed connectivity.
func (s *Scheduler) IsOnline() bool {
	return s.reach.Online()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
