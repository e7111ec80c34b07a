package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
	"github.com/fieldsync/core/internal/sync/queue"
	"github.com/fieldsync/core/internal/uuid"
)

// =====================================================
// Local Mutations
// =====================================================
// Every local edit is staged and queued in one store transaction and
// applied to the read cache optimistically. Entities created offline
// carry a temporary id until their create is confirmed; callers may keep
// using it afterwards. Edits wait while a batch is being uploaded.

// RecordCreateJob stages a job created on the device and queues its create.
func (e *Engine) RecordCreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := e.now()
	if job.ID == "" {
		job.ID = uuid.NewTemporary()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	if err := e.recordCreate(ctx, models.EntityJob, job.ID, job, now); err != nil {
		return models.Job{}, err
	}
	if err := e.cache.UpsertJobs(job); err != nil {
		logging.Warn("Failed to cache created job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}
	return job, nil
}

// RecordCreateHazard stages a hazard created on the device.
func (e *Engine) RecordCreateHazard(ctx context.Context, h models.Hazard) (models.Hazard, error) {
	if h.JobID == "" {
		return models.Hazard{}, apperrors.New(apperrors.ErrInvalid, "hazard requires a job id")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	h.JobID = e.resolveID(h.JobID)
	now := e.now()
	if h.ID == "" {
		h.ID = uuid.NewTemporary()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = now
	}

	if err := e.recordCreate(ctx, models.EntityHazard, h.ID, h, now); err != nil {
		return models.Hazard{}, err
	}
	if err := e.cache.UpsertMitigationItems(models.HazardItem(h)); err != nil {
		logging.Warn("Failed to cache created hazard", map[string]interface{}{"hazard_id": h.ID, "error": err.Error()})
	}
	return h, nil
}

// RecordCreateControl stages a control created on the device.
func (e *Engine) RecordCreateControl(ctx context.Context, c models.Control) (models.Control, error) {
	if c.JobID == "" || c.HazardID == "" {
		return models.Control{}, apperrors.New(apperrors.ErrInvalid, "control requires a job id and a hazard id")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	c.JobID = e.resolveID(c.JobID)
	c.HazardID = e.resolveID(c.HazardID)
	now := e.now()
	if c.ID == "" {
		c.ID = uuid.NewTemporary()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	if err := e.recordCreate(ctx, models.EntityControl, c.ID, c, now); err != nil {
		return models.Control{}, err
	}
	if err := e.cache.UpsertMitigationItems(models.ControlItem(c)); err != nil {
		logging.Warn("Failed to cache created control", map[string]interface{}{"control_id": c.ID, "error": err.Error()})
	}
	return c, nil
}

// RecordUpdateJob records field changes to a job.
func (e *Engine) RecordUpdateJob(ctx context.Context, id string, changes map[string]interface{}) error {
	return e.recordUpdate(ctx, models.EntityJob, id, changes)
}

// RecordUpdateHazard records field changes to a hazard.
func (e *Engine) RecordUpdateHazard(ctx context.Context, id string, changes map[string]interface{}) error {
	return e.recordUpdate(ctx, models.EntityHazard, id, changes)
}

// RecordUpdateControl records field changes to a control.
func (e *Engine) RecordUpdateControl(ctx context.Context, id string, changes map[string]interface{}) error {
	return e.recordUpdate(ctx, models.EntityControl, id, changes)
}

// RecordDeleteJob deletes a job locally and queues its delete.
func (e *Engine) RecordDeleteJob(ctx context.Context, id string) error {
	return e.recordDelete(ctx, models.EntityJob, id)
}

// RecordDeleteHazard deletes a hazard locally and queues its delete.
func (e *Engine) RecordDeleteHazard(ctx context.Context, id string) error {
	return e.recordDelete(ctx, models.EntityHazard, id)
}

// RecordDeleteControl deletes a control locally and queues its delete.
func (e *Engine) RecordDeleteControl(ctx context.Context, id string) error {
	return e.recordDelete(ctx, models.EntityControl, id)
}

func (e *Engine) recordCreate(ctx context.Context, entity models.EntityType, id string, v interface{}, now time.Time) error {
	opType, err := models.OperationTypeFor(models.KindCreate, entity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "unsupported entity", err)
	}
	op, err := queue.NewOperation(opType, id, v, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid entity", err)
	}

	row := models.PendingEntityRow{
		ID:         id,
		EntityType: entity,
		Data:       op.Payload,
		CreatedAt:  now,
		SyncStatus: models.SyncStatusPending,
	}
	if err := e.store.StageChange(ctx, &row, nil, op); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to stage %s", entity), err)
	}

	logging.Debug("Recorded local create", map[string]interface{}{"entity": string(entity), "id": id, "operation_id": op.ID})
	return nil
}

// recordUpdate queues an update for a server-known entity, or folds the
// change into the queued create of an entity that never synced. At most
// one update operation per entity stays queued.
func (e *Engine) recordUpdate(ctx context.Context, entity models.EntityType, id string, changes map[string]interface{}) error {
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	id = e.resolveID(id)
	fields := make(map[string]interface{}, len(changes))
	for k, v := range changes {
		if k == "id" || k == "updated_at" || k == "entity_type" {
			continue
		}
		fields[k] = v
	}
	if len(fields) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "no fields to update")
	}

	now := e.now()
	patch, err := json.Marshal(fields)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid field values", err)
	}
	stamp, _ := json.Marshal(map[string]interface{}{"id": id, "updated_at": now})

	if uuid.IsTemporary(id) {
		return e.updateStaged(ctx, entity, id, patch, stamp)
	}

	base := e.cachedPayload(entity, id)
	snapshot, err := models.MergeFields(base, patch)
	if err == nil {
		snapshot, err = models.MergeFields(snapshot, stamp)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build update payload", err)
	}

	// The marker keeps the updated_at of the server version the edit was
	// made against, which is what divergence detection compares.
	existing, err := e.store.PendingUpdate(ctx, entity, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read pending update", err)
	}
	markerData := patch
	if existing != nil {
		markerData, err = models.MergeFields(existing.Data, patch)
	} else if baseUpdated, ok := models.FieldValue(base, "updated_at"); ok {
		markerData, err = models.MergeFields(patch, json.RawMessage(`{"updated_at":`+string(baseUpdated)+`}`))
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build pending update", err)
	}

	updateType, err := models.OperationTypeFor(models.KindUpdate, entity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "unsupported entity", err)
	}
	op, err := queue.NewOperation(updateType, id, snapshot, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid update", err)
	}
	if queued, err := e.store.OperationFor(ctx, id, updateType); err == nil && queued != nil {
		op.ID = queued.ID
		op.ClientTimestamp = queued.ClientTimestamp
	}

	marker := models.PendingUpdate{EntityType: entity, EntityID: id, Data: markerData, UpdatedAt: now}
	if err := e.store.StageChange(ctx, nil, &marker, op); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to stage %s update", entity), err)
	}

	e.mergeIntoCache(entity, id, snapshot)
	return nil
}

// updateStaged folds a change into the queued create of a never-synced
// entity.
func (e *Engine) updateStaged(ctx context.Context, entity models.EntityType, id string, patch, stamp json.RawMessage) error {
	createType, err := models.OperationTypeFor(models.KindCreate, entity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "unsupported entity", err)
	}
	op, err := e.store.OperationFor(ctx, id, createType)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read queued create", err)
	}
	if op == nil {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s has no queued create", entity, id))
	}

	payload, err := models.MergeFields(op.Payload, patch)
	if err == nil {
		payload, err = models.MergeFields(payload, stamp)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to merge staged payload", err)
	}
	op.Payload = payload

	row := models.PendingEntityRow{ID: id, EntityType: entity, Data: payload, SyncStatus: models.SyncStatusPending}
	if staged, err := e.store.Staging(ctx, entity, id); err == nil && staged != nil {
		row.CreatedAt = staged.CreatedAt
	}
	if err := e.store.StageChange(ctx, &row, nil, *op); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to stage %s", entity), err)
	}

	e.mergeIntoCache(entity, id, payload)
	return nil
}

// recordDelete removes an entity locally. A never-synced entity is simply
// discarded with its queued work; a server-known one gets a delete that
// replaces its queued updates.
func (e *Engine) recordDelete(ctx context.Context, entity models.EntityType, id string) error {
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	id = e.resolveID(id)

	if uuid.IsTemporary(id) {
		n, err := e.store.DiscardEntity(ctx, entity, id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to discard %s", entity), err)
		}
		e.evictFromCache(entity, id)
		logging.Debug("Discarded never-synced entity", map[string]interface{}{"entity": string(entity), "id": id, "operations": n})
		return nil
	}

	payload := queue.DeletePayload{ID: id}
	if item, ok := e.cache.MitigationItem(id); ok {
		payload.JobID = item.JobID()
		if item.Control != nil {
			payload.HazardID = item.Control.HazardID
		}
	}

	deleteType, err := models.OperationTypeFor(models.KindDelete, entity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "unsupported entity", err)
	}
	op, err := queue.NewOperation(deleteType, id, payload, e.now())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid delete", err)
	}

	// Children created offline under this parent can never be uploaded.
	for _, child := range e.stagedChildren(entity, id) {
		if _, err := e.store.DiscardEntity(ctx, child.EntityType, child.ID()); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to discard staged child", err)
		}
	}

	if err := e.store.ReplaceWithDelete(ctx, op); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to queue %s delete", entity), err)
	}
	e.evictFromCache(entity, id)
	return nil
}

// stagedChildren returns cached never-synced hazards and controls under a
// job or hazard.
func (e *Engine) stagedChildren(entity models.EntityType, id string) []models.MitigationItem {
	var out []models.MitigationItem
	switch entity {
	case models.EntityJob:
		for _, item := range e.cache.MitigationItems(id) {
			if uuid.IsTemporary(item.ID()) {
				out = append(out, item)
			}
		}
	case models.EntityHazard:
		for _, item := range e.cache.MitigationItems("") {
			if item.Control != nil && item.Control.HazardID == id && uuid.IsTemporary(item.ID()) {
				out = append(out, item)
			}
		}
	}
	return out
}

// cachedPayload returns the cached entity as JSON, or nil.
func (e *Engine) cachedPayload(entity models.EntityType, id string) json.RawMessage {
	var v interface{}
	switch entity {
	case models.EntityJob:
		job, ok := e.cache.Job(id)
		if !ok {
			return nil
		}
		v = job
	case models.EntityHazard, models.EntityControl:
		item, ok := e.cache.MitigationItem(id)
		if !ok {
			return nil
		}
		v = item
	default:
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
