// Package sync implements the offline sync engine: it uploads the durable
// operation queue, interprets per-operation results, pulls incremental
// server changes into the read cache and routes conflicts through the
// resolution policy.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldsync/core/internal/cache"
	"github.com/fieldsync/core/internal/db"
	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/events"
	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
	"github.com/fieldsync/core/internal/sync/conflict"
	"github.com/fieldsync/core/internal/sync/queue"
	"github.com/fieldsync/core/internal/sync/remote"
	"github.com/fieldsync/core/internal/sync/retry"
	"github.com/fieldsync/core/internal/telemetry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
)

// DefaultPageSize is the page size of incremental pulls.
const DefaultPageSize = 100

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	// PageSize is the limit sent with each change request.
	PageSize int
	// Retry wraps whole cycles in SyncWithRetry. Its MaxAttempts is also
	// the retry count at which an operation is reported as failed.
	Retry retry.Policy
	// Policy decides automatic conflict resolution.
	Policy *conflict.Policy
	// Metrics records cycle counters. Nil records nothing.
	Metrics *telemetry.SyncMetrics
	// Now is the engine clock.
	Now func() time.Time
}

// SyncError is a per-operation or transport failure reported in a result.
type SyncError struct {
	OperationID string `json:"operation_id,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	Message     string `json:"message"`
}

// SyncResult represents the result of a sync cycle.
type SyncResult struct {
	// AlreadyInProgress is set when the call found a cycle running and
	// did nothing.
	AlreadyInProgress bool `json:"already_in_progress,omitempty"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// AutoResolved counts conflicts resolved by policy within the cycle.
	// They are also counted in Succeeded.
	AutoResolved int `json:"auto_resolved"`
	// Conflicts lists the conflicts newly surfaced to the user, including
	// divergence found after the pull.
	Conflicts  []models.ConflictRecord `json:"conflicts,omitempty"`
	Errors     []SyncError             `json:"errors,omitempty"`
	Downloaded int                     `json:"downloaded"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

func (r *SyncResult) addError(opID, entityID, msg string) {
	r.Errors = append(r.Errors, SyncError{OperationID: opID, EntityID: entityID, Message: msg})
}

// Engine is the sync engine. Cycles are single-flight.
type Engine struct {
	store   db.SyncStore
	remote  remote.Protocol
	cache   *cache.ReadCache
	bus     *events.Bus
	policy  *conflict.Policy
	metrics *telemetry.SyncMetrics
	cfg     Config

	running atomic.Bool

	// writeMu orders local edits with the upload step: an edit waits until
	// every result of the batch in flight has been applied.
	writeMu gosync.Mutex

	mu        gosync.RWMutex
	status    SyncStatus
	lastSync  *time.Time
	lastErr   error
	conflicts map[string]models.ConflictRecord
	// aliases maps confirmed temporary ids to their server ids.
	aliases   map[string]string
}

// NewEngine creates an Engine over a store, a remote protocol and the
// read cache. bus may be nil.
func NewEngine(store db.SyncStore, proto remote.Protocol, rc *cache.ReadCache, bus *events.Bus, cfg Config) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Retry.Delays == nil && cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Policy == nil {
		cfg.Policy = conflict.DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		store:     store,
		remote:    proto,
		cache:     rc,
		bus:       bus,
		policy:    cfg.Policy,
		metrics:   cfg.Metrics,
		cfg:       cfg,
		status:    SyncStatusIdle,
		conflicts: make(map[string]models.ConflictRecord),
		aliases:   make(map[string]string),
	}
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC()
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the finish time of the last successful cycle.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastError returns the error of the last cycle, or nil if it succeeded.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// PendingCount returns the number of queued operations.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// Cache returns the read cache the engine maintains.
func (e *Engine) Cache() *cache.ReadCache {
	return e.cache
}

// FailedOperations lists queued operations whose retry count reached the
// configured maximum, with their last error.
func (e *Engine) FailedOperations(ctx context.Context) ([]models.SyncOperation, error) {
	ops, err := e.store.Operations(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue", err)
	}
	max := e.cfg.Retry.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return queue.Exhausted(ops, max), nil
}

// Operations lists the queue in upload order.
func (e *Engine) Operations(ctx context.Context) ([]models.SyncOperation, error) {
	ops, err := e.store.Operations(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue", err)
	}
	return ops, nil
}

// RetryOperation clears an operation's retry state and runs a cycle.
func (e *Engine) RetryOperation(ctx context.Context, operationID string) (*SyncResult, error) {
	found, err := e.store.ResetRetry(ctx, operationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset operation", err)
	}
	if !found {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s is not queued", operationID))
	}
	logging.Info("Manual retry requested", map[string]interface{}{"operation_id": operationID})
	return e.Sync(ctx)
}

// SyncWithRetry runs Sync and re-runs the whole cycle on retryable
// failures per the configured policy.
func (e *Engine) SyncWithRetry(ctx context.Context) (*SyncResult, error) {
	var result *SyncResult
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		r, err := e.Sync(ctx)
		result = r
		return err
	})
	return result, err
}

// Sync runs one cycle: upload the queue, interpret results, pull changes
// and detect divergence. If a cycle is already running it returns at once
// with AlreadyInProgress set. The cycle ignores cancellation of ctx.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress", nil)
		return &SyncResult{AlreadyInProgress: true}, nil
	}
	defer e.running.Store(false)

	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, "sync.cycle")
	defer span.End()

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()
	e.publish(events.SyncStarted, 0)

	result := &SyncResult{StartedAt: e.now()}
	err := e.cycle(ctx, result)
	result.FinishedAt = e.now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	e.mu.Lock()
	e.status = SyncStatusIdle
	e.lastErr = err
	if err == nil {
		finished := result.FinishedAt
		e.lastSync = &finished
	}
	e.mu.Unlock()

	pending, _ := e.store.PendingCount(ctx)
	span.SetAttributes(
		attribute.Int("sync.succeeded", result.Succeeded),
		attribute.Int("sync.failed", result.Failed),
		attribute.Int("sync.downloaded", result.Downloaded),
	)
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordCycle(ctx, "failed", result.Duration)
		e.publish(events.SyncFailed, pending)
		logging.ErrorWithCode("Sync cycle failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"succeeded": result.Succeeded, "failed": result.Failed})
		return result, err
	}

	e.metrics.RecordCycle(ctx, "ok", result.Duration)
	e.publish(events.SyncCompleted, pending)
	logging.Info("Sync cycle completed", map[string]interface{}{
		"succeeded":     result.Succeeded,
		"failed":        result.Failed,
		"auto_resolved": result.AutoResolved,
		"conflicts":     len(result.Conflicts),
		"downloaded":    result.Downloaded,
		"duration":      result.Duration.String(),
	})
	return result, nil
}

func (e *Engine) cycle(ctx context.Context, result *SyncResult) error {
	if err := e.uploadQueued(ctx, result); err != nil {
		return err
	}

	pulled, err := e.pull(ctx)
	result.Downloaded = pulled.count
	if err != nil {
		result.addError("", "", err.Error())
		return err
	}

	e.detectDivergence(ctx, pulled.jobs, result)
	return nil
}

// uploadQueued uploads the whole queue as one batch. Local edits are held
// off until the batch's results are applied, so none of them rewrites an
// operation the server is applying.
func (e *Engine) uploadQueued(ctx context.Context, result *SyncResult) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ops, err := e.store.Operations(ctx)
	if err != nil {
		result.addError("", "", err.Error())
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue", err)
	}
	if len(ops) == 0 {
		return nil
	}
	queue.Sort(ops)
	return e.upload(ctx, ops, result)
}

// upload submits ops in one batch and applies every per-operation result.
func (e *Engine) upload(ctx context.Context, ops []models.SyncOperation, result *SyncResult) error {
	ctx, span := telemetry.StartSpan(ctx, "sync.upload", attribute.Int("sync.batch_size", len(ops)))
	defer span.End()

	req := remote.BatchRequest{Operations: make([]remote.BatchOperation, len(ops))}
	for i, op := range ops {
		req.Operations[i] = remote.FromOperation(op)
	}

	resp, err := e.remote.UploadBatch(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		if merr := e.store.MarkAttemptFailed(ctx, queue.IDs(ops), err.Error(), e.now()); merr != nil {
			logging.Error("Failed to record batch failure", merr, nil)
		}
		result.Failed += len(ops)
		result.addError("", "", err.Error())
		return transportError("batch upload failed", err)
	}

	byID := make(map[string]models.SyncOperation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	for _, res := range resp.Results {
		op, ok := byID[res.OperationID]
		if !ok {
			logging.Warn("Ignoring result for unknown operation", map[string]interface{}{"operation_id": res.OperationID})
			continue
		}
		delete(byID, res.OperationID)

		switch res.Status {
		case remote.StatusSuccess:
			e.applySuccess(ctx, op, res.ServerID, result)
		case remote.StatusConflict:
			e.applyConflict(ctx, op, res.Conflict, result)
		default:
			msg := res.Error
			if msg == "" {
				msg = fmt.Sprintf("operation failed with status %q", res.Status)
			}
			e.applyFailure(ctx, op, msg, result)
		}
	}

	// Operations the server did not answer for stay queued as failures.
	for _, op := range ops {
		if _, missing := byID[op.ID]; missing {
			e.applyFailure(ctx, op, "no result returned for operation", result)
		}
	}

	e.metrics.RecordOperations(ctx, "success", result.Succeeded)
	e.metrics.RecordOperations(ctx, "failed", result.Failed)
	return nil
}

func (e *Engine) applySuccess(ctx context.Context, op models.SyncOperation, serverID string, result *SyncResult) {
	err := e.store.CompleteOperation(ctx, db.Completion{
		OperationID: op.ID,
		Type:        op.Type,
		EntityID:    op.EntityID,
		ServerID:    serverID,
	})
	if err != nil {
		// The server applied the operation; it stays queued and is
		// re-sent, which the server absorbs by operation id.
		logging.Error("Failed to complete operation", err, map[string]interface{}{"operation_id": op.ID})
		result.Failed++
		result.addError(op.ID, op.EntityID, err.Error())
		return
	}
	result.Succeeded++

	switch op.Type.Kind() {
	case models.KindCreate:
		if serverID != "" && serverID != op.EntityID {
			e.mu.Lock()
			e.aliases[op.EntityID] = serverID
			e.mu.Unlock()
			if err := e.cache.RemapID(op.EntityID, serverID); err != nil {
				logging.Warn("Failed to remap cached entity", map[string]interface{}{"from": op.EntityID, "to": serverID, "error": err.Error()})
			}
			e.reloadConflicts(ctx)
			logging.Info("Remapped temporary id", map[string]interface{}{"from": op.EntityID, "to": serverID})
		}
	case models.KindDelete:
		e.evictFromCache(op.Type.EntityType(), op.EntityID)
	}
}

func (e *Engine) applyFailure(ctx context.Context, op models.SyncOperation, msg string, result *SyncResult) {
	if err := e.store.MarkAttemptFailed(ctx, []string{op.ID}, msg, e.now()); err != nil {
		logging.Error("Failed to record operation failure", err, map[string]interface{}{"operation_id": op.ID})
	}
	logging.Warn("Operation failed", map[string]interface{}{
		"operation_id": op.ID,
		"type":         string(op.Type),
		"error":        msg,
	})
	result.Failed++
	result.addError(op.ID, op.EntityID, msg)
}

func (e *Engine) applyConflict(ctx context.Context, op models.SyncOperation, info *remote.ConflictInfo, result *SyncResult) {
	if info == nil {
		e.applyFailure(ctx, op, "conflict reported without details", result)
		return
	}

	rec := info.Record(op, e.now())
	if err := e.store.RecordConflict(ctx, op.ID, rec); err != nil {
		logging.Error("Failed to record conflict", err, map[string]interface{}{"operation_id": op.ID})
		e.applyFailure(ctx, op, err.Error(), result)
		return
	}

	strategy, ok := e.policy.AutoStrategy(rec)
	if ok {
		_, err := e.resolveUpload(ctx, rec, strategy, op.Payload, true)
		if err == nil {
			e.metrics.RecordConflict(ctx, string(rec.EntityType), "auto")
			logging.Info("Conflict resolved automatically", map[string]interface{}{
				"operation_id": op.ID,
				"field":        rec.Field,
				"strategy":     string(strategy),
			})
			result.Succeeded++
			result.AutoResolved++
			return
		}
		logging.Warn("Automatic resolution failed", map[string]interface{}{
			"operation_id": op.ID,
			"strategy":     string(strategy),
			"error":        err.Error(),
		})
		result.addError(op.ID, op.EntityID, err.Error())
	}

	e.metrics.RecordConflict(ctx, string(rec.EntityType), "manual")
	e.addConflict(rec)
	result.Conflicts = append(result.Conflicts, rec)
	result.Failed++
}

// =====================================================
// Pending Conflicts
// =====================================================

// PendingConflicts returns the conflicts awaiting a decision, oldest first.
func (e *Engine) PendingConflicts() []models.ConflictRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ConflictRecord, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	sortConflicts(out)
	return out
}

// LoadPendingConflicts replaces the in-memory pending set with the
// durable one. Call it once at startup.
func (e *Engine) LoadPendingConflicts(ctx context.Context) error {
	pending, err := e.store.PendingConflicts(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load pending conflicts", err)
	}
	e.mu.Lock()
	e.conflicts = make(map[string]models.ConflictRecord, len(pending))
	for _, c := range pending {
		e.conflicts[c.ID] = c
	}
	n := len(e.conflicts)
	e.mu.Unlock()

	e.publish(events.ConflictsChanged, n)
	return nil
}

func (e *Engine) reloadConflicts(ctx context.Context) {
	if err := e.LoadPendingConflicts(ctx); err != nil {
		logging.Warn("Failed to reload pending conflicts", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) addConflict(c models.ConflictRecord) {
	e.mu.Lock()
	e.conflicts[c.ID] = c
	n := len(e.conflicts)
	e.mu.Unlock()
	e.publish(events.ConflictsChanged, n)
}

func (e *Engine) forgetConflict(id string) {
	e.mu.Lock()
	_, had := e.conflicts[id]
	delete(e.conflicts, id)
	n := len(e.conflicts)
	e.mu.Unlock()
	if had {
		e.publish(events.ConflictsChanged, n)
	}
}

// resolveID returns the server id of a confirmed temporary id, else id.
func (e *Engine) resolveID(id string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if serverID, ok := e.aliases[id]; ok {
		return serverID
	}
	return id
}

func (e *Engine) publish(t events.Type, n int) {
	e.bus.Publish(events.Event{Type: t, PendingCount: n, Timestamp: e.now()})
}

// transportError wraps a failed remote call with the code matching its
// retry class.
func transportError(message string, err error) error {
	switch retry.Classify(err) {
	case retry.Fatal:
		return apperrors.Wrap(apperrors.ErrSyncAuthFailed, message, err)
	case retry.Retryable:
		return apperrors.Wrap(apperrors.ErrSyncOffline, message, err)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, message, err)
}
