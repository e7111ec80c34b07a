package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldsync/core/internal/db"
	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
	"github.com/fieldsync/core/internal/sync/conflict"
	"github.com/fieldsync/core/internal/sync/queue"
	"github.com/fieldsync/core/internal/sync/remote"
	"github.com/fieldsync/core/internal/telemetry"
)

// ResolveRequest is a user or caller decision about a pending conflict.
// EntityType, EntityID and OperationType fill gaps in the logged record.
type ResolveRequest struct {
	ConflictID      string
	Strategy        models.Strategy
	ResolvedPayload json.RawMessage
	EntityType      models.EntityType
	EntityID        string
	OperationType   models.OperationType
}

// Resolve applies a strategy to a pending conflict. It reports whether
// this call resolved it: resolving an already-resolved conflict is a
// no-op that returns false. The conflict is marked resolved only after
// the strategy's effects are committed, so a failed call can be repeated.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, "sync.resolve",
		attribute.String("conflict.id", req.ConflictID),
		attribute.String("conflict.strategy", string(req.Strategy)))
	defer span.End()

	switch req.Strategy {
	case models.StrategyServerWins, models.StrategyLocalWins, models.StrategyMerge:
	case models.StrategyAskUser:
		return false, apperrors.Wrap(apperrors.ErrInvalid, "askUser is not a resolution", conflict.ErrAskUser)
	default:
		return false, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown strategy %q", req.Strategy))
	}

	c, err := e.store.Conflict(ctx, req.ConflictID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read conflict", err)
	}
	if c == nil {
		return false, apperrors.Wrap(apperrors.ErrNotFound, req.ConflictID, conflict.ErrConflictNotFound)
	}
	if !c.Pending() {
		e.forgetConflict(c.ID)
		return false, nil
	}

	rec := *c
	if rec.EntityType == "" {
		rec.EntityType = req.EntityType
	}
	if rec.EntityID == "" {
		rec.EntityID = req.EntityID
	}
	if rec.OperationType == "" {
		rec.OperationType = req.OperationType
	}

	var applied bool
	if rec.IsDivergence() {
		applied, err = e.resolveDivergence(ctx, rec, req.Strategy, req.ResolvedPayload)
	} else {
		var payload json.RawMessage
		if req.Strategy != models.StrategyServerWins {
			if payload, err = e.localPayload(ctx, rec, req.ResolvedPayload); err != nil {
				return false, apperrors.Wrap(apperrors.ErrResolveFailed, "failed to build local payload", err)
			}
		}
		applied, err = e.resolveUpload(ctx, rec, req.Strategy, payload, false)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": rec.ID,
		"strategy":    string(req.Strategy),
		"applied":     applied,
	})
	return applied, nil
}

// resolveUpload resolves a server-reported conflict through the remote
// resolve endpoint, which is idempotent by operation id. Inside a cycle
// the fallback pull is left to the cycle's own download step.
func (e *Engine) resolveUpload(ctx context.Context, c models.ConflictRecord, strategy models.Strategy, payload json.RawMessage, inCycle bool) (bool, error) {
	req := remote.ResolveRequest{
		OperationID:   c.ID,
		Strategy:      strategy.WireName(),
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		OperationType: c.OperationType,
	}
	if strategy != models.StrategyServerWins {
		req.ResolvedValue = payload
	}

	resp, err := e.remote.ResolveConflict(ctx, req)
	if err != nil {
		return false, transportError("resolve conflict failed", err)
	}
	if resp == nil || !resp.OK {
		return false, apperrors.New(apperrors.ErrResolveFailed, fmt.Sprintf("server rejected resolution of %s", c.ID))
	}

	res := db.Resolution{
		ConflictID: c.ID,
		Strategy:   strategy,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		At:         e.now(),
	}

	switch strategy {
	case models.StrategyServerWins:
		if !e.applyResolvedEntity(resp) {
			e.applyServerValue(c)
			if !inCycle {
				// The pull overlays pending markers, so the losing edit
				// goes first.
				if err := e.dropLocalEdits(ctx, c.EntityType, c.EntityID); err != nil {
					return false, err
				}
				if _, err := e.pull(ctx); err != nil {
					return false, err
				}
			}
		}
		res.DiscardQueuedUpdates = true
		res.ClearMarkers = true
	default:
		if !e.applyResolvedEntity(resp) {
			e.mergeIntoCache(c.EntityType, c.EntityID, payload)
		}
		res.ClearMarkers = true
	}

	applied, err := e.store.CommitResolution(ctx, res)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit resolution", err)
	}
	e.forgetConflict(c.ID)
	return applied, nil
}

// resolveDivergence resolves a conflict found during pull. serverWins
// drops the local edit and refreshes from the server; localWins and
// merge re-enqueue the local payload and run a nested cycle.
func (e *Engine) resolveDivergence(ctx context.Context, c models.ConflictRecord, strategy models.Strategy, resolved json.RawMessage) (bool, error) {
	updateType, err := models.OperationTypeFor(models.KindUpdate, c.EntityType)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrInvalid, "divergence on unsupported entity", err)
	}

	res := db.Resolution{
		ConflictID: c.ID,
		Strategy:   strategy,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
	}

	if strategy == models.StrategyServerWins {
		if err := e.dropLocalEdits(ctx, c.EntityType, c.EntityID); err != nil {
			return false, err
		}
		if _, err := e.pull(ctx); err != nil {
			return false, err
		}
		res.ClearMarkers = true
		res.DiscardQueuedUpdates = true
	} else {
		if err := e.requeueLocal(ctx, c, updateType, resolved); err != nil {
			return false, err
		}

		// The operation is durably queued, so a busy or failed nested
		// cycle only delays the upload.
		if r, err := e.Sync(ctx); err != nil {
			logging.Warn("Nested sync after resolution failed", map[string]interface{}{"conflict_id": c.ID, "error": err.Error()})
		} else if r.AlreadyInProgress {
			logging.Debug("Nested sync skipped, cycle running", map[string]interface{}{"conflict_id": c.ID})
		}
	}

	res.At = e.now()
	applied, err := e.store.CommitResolution(ctx, res)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit resolution", err)
	}
	e.forgetConflict(c.ID)
	return applied, nil
}

// dropLocalEdits removes an entity's pending marker and queued update
// ahead of a refresh from the server.
func (e *Engine) dropLocalEdits(ctx context.Context, entity models.EntityType, id string) error {
	updateType, err := models.OperationTypeFor(models.KindUpdate, entity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "unsupported entity", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.store.ClearPendingUpdate(ctx, entity, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear pending update", err)
	}
	if op, err := e.store.OperationFor(ctx, id, updateType); err == nil && op != nil {
		if err := e.store.RemoveOperation(ctx, op.ID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to drop queued update", err)
		}
	}
	return nil
}

// requeueLocal queues the local side of a divergence as a fresh update,
// folding it into an update already queued for the entity.
func (e *Engine) requeueLocal(ctx context.Context, c models.ConflictRecord, updateType models.OperationType, resolved json.RawMessage) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	payload, err := e.stagedPayload(ctx, c)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrResolveFailed, "failed to rebuild local payload", err)
	}
	if len(resolved) > 0 {
		if payload, err = models.MergeFields(payload, resolved); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid resolved payload", err)
		}
	}

	op, err := queue.NewOperation(updateType, c.EntityID, payload, e.now())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build operation", err)
	}
	if existing, err := e.store.OperationFor(ctx, c.EntityID, updateType); err == nil && existing != nil {
		op.ID = existing.ID
	}
	if err := e.store.Enqueue(ctx, op); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue resolution", err)
	}
	e.mergeIntoCache(c.EntityType, c.EntityID, payload)
	return nil
}

// localPayload returns the client's current value for an upload conflict:
// the caller's resolved payload, else the pending marker, else the
// conflicting field's local value.
func (e *Engine) localPayload(ctx context.Context, c models.ConflictRecord, resolved json.RawMessage) (json.RawMessage, error) {
	if len(resolved) > 0 {
		if !json.Valid(resolved) {
			return nil, fmt.Errorf("resolved payload is not valid JSON")
		}
		return resolved, nil
	}
	if m, err := e.store.PendingUpdate(ctx, c.EntityType, c.EntityID); err == nil && m != nil {
		return m.Data, nil
	}
	return fieldPayload(c)
}

// stagedPayload rebuilds the local payload of a diverged entity from its
// pending marker or staging row.
func (e *Engine) stagedPayload(ctx context.Context, c models.ConflictRecord) (json.RawMessage, error) {
	m, err := e.store.PendingUpdate(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return models.MergeFields(m.Data, idPatch(c.EntityID))
	}

	row, err := e.store.Staging(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row.Data, nil
	}
	return fieldPayload(c)
}

func fieldPayload(c models.ConflictRecord) (json.RawMessage, error) {
	if c.Field == "" || len(c.LocalValue) == 0 {
		return nil, fmt.Errorf("no local value for conflict %s", c.ID)
	}
	return json.Marshal(map[string]json.RawMessage{
		"id":    mustString(c.EntityID),
		c.Field: c.LocalValue,
	})
}

func idPatch(id string) json.RawMessage {
	return json.RawMessage(`{"id":` + string(mustString(id)) + `}`)
}

func mustString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// =====================================================
// Read Cache Merges
// =====================================================

// applyResolvedEntity upserts the authoritative entity returned by the
// server, reporting whether there was one.
func (e *Engine) applyResolvedEntity(resp *remote.ResolveResponse) bool {
	applied := false
	if resp.UpdatedJob != nil {
		if err := e.cache.UpsertJobs(*resp.UpdatedJob); err != nil {
			logging.Warn("Failed to cache resolved job", map[string]interface{}{"error": err.Error()})
		}
		applied = true
	}
	if resp.UpdatedMitigationItem != nil {
		if err := e.cache.UpsertMitigationItems(*resp.UpdatedMitigationItem); err != nil {
			logging.Warn("Failed to cache resolved mitigation item", map[string]interface{}{"error": err.Error()})
		}
		applied = true
	}
	return applied
}

// applyServerValue writes the server's value of the conflicting field
// into the cached job.
func (e *Engine) applyServerValue(c models.ConflictRecord) {
	if c.EntityType != models.EntityJob || c.Field == "" || len(c.ServerValue) == 0 {
		return
	}
	if _, err := e.cache.SetJobField(c.EntityID, c.Field, c.ServerValue); err != nil {
		logging.Warn("Failed to apply server value to cache", map[string]interface{}{
			"job_id": c.EntityID,
			"field":  c.Field,
			"error":  err.Error(),
		})
	}
}

// mergeIntoCache overlays payload onto the cached entity, creating it
// when it is not cached yet.
func (e *Engine) mergeIntoCache(entity models.EntityType, id string, payload json.RawMessage) {
	if len(payload) == 0 || id == "" {
		return
	}
	var err error
	switch entity {
	case models.EntityJob:
		var base json.RawMessage
		if job, ok := e.cache.Job(id); ok {
			base, _ = json.Marshal(job)
		}
		var merged json.RawMessage
		if merged, err = models.MergeFields(base, payload); err == nil {
			var job models.Job
			if err = json.Unmarshal(merged, &job); err == nil {
				job.ID = id
				err = e.cache.UpsertJobs(job)
			}
		}
	case models.EntityHazard, models.EntityControl:
		var base json.RawMessage
		if item, ok := e.cache.MitigationItem(id); ok {
			base, _ = json.Marshal(item)
		}
		var merged json.RawMessage
		if merged, err = models.MergeFields(base, payload); err == nil {
			merged, err = models.MergeFields(merged, json.RawMessage(`{"entity_type":"`+string(entity)+`"}`))
		}
		if err == nil {
			var item models.MitigationItem
			if err = json.Unmarshal(merged, &item); err == nil {
				item.SetID(id)
				err = e.cache.UpsertMitigationItems(item)
			}
		}
	default:
		return
	}
	if err != nil {
		logging.Warn("Failed to merge payload into cache", map[string]interface{}{
			"entity": string(entity),
			"id":     id,
			"error":  err.Error(),
		})
	}
}

func (e *Engine) evictFromCache(entity models.EntityType, id string) {
	var err error
	switch entity {
	case models.EntityJob:
		err = e.cache.RemoveJobs(id)
	case models.EntityHazard, models.EntityControl:
		err = e.cache.RemoveMitigationItems(id)
	}
	if err != nil {
		logging.Warn("Failed to evict cached entity", map[string]interface{}{"entity": string(entity), "id": id, "error": err.Error()})
	}
}
