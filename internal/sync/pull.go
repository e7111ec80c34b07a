package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
	"github.com/fieldsync/core/internal/sync/conflict"
	"github.com/fieldsync/core/internal/sync/remote"
	"github.com/fieldsync/core/internal/telemetry"
)

type pullResult struct {
	count int
	// jobs are the server copies as pulled, before local overlays.
	jobs []models.Job
}

// pull downloads both change streams since the watermark into the read
// cache. The watermark moves to the pull start time only after both
// streams finish.
func (e *Engine) pull(ctx context.Context) (pullResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "sync.pull")
	defer span.End()

	var out pullResult
	since, ok, err := e.store.Watermark(ctx)
	if err != nil {
		return out, apperrors.Wrap(apperrors.ErrDatabase, "failed to read watermark", err)
	}
	if !ok {
		since = remote.BeginningOfTime
	}
	started := e.now()
	markers := e.pendingMarkers(ctx)

	for _, stream := range []remote.Stream{remote.StreamJobs, remote.StreamMitigationItems} {
		offset := 0
		for {
			page, err := e.remote.FetchChanges(ctx, remote.ChangesRequest{
				Since:  since,
				Limit:  e.cfg.PageSize,
				Offset: offset,
				Stream: stream,
			})
			if err != nil {
				telemetry.RecordError(span, err)
				return out, transportError(fmt.Sprintf("pull %s failed", stream), err)
			}

			out.count += e.applyPage(page, markers)
			out.jobs = append(out.jobs, page.Jobs...)

			if !page.Pagination.HasMore {
				break
			}
			next := page.Pagination.NextOffset
			if next <= offset {
				next = offset + len(page.Jobs) + len(page.MitigationItems)
			}
			if next <= offset {
				logging.Warn("Stopping pull on a page that does not advance", map[string]interface{}{
					"stream": string(stream),
					"offset": offset,
				})
				break
			}
			offset = next
		}
	}

	watermark := started
	if ok && watermark.Before(since) {
		watermark = since
	}
	if err := e.store.SetWatermark(ctx, watermark); err != nil {
		return out, apperrors.Wrap(apperrors.ErrDatabase, "failed to store watermark", err)
	}

	span.SetAttributes(attribute.Int("sync.downloaded", out.count))
	logging.Debug("Pull completed", map[string]interface{}{
		"since":      since.Format(time.RFC3339Nano),
		"downloaded": out.count,
	})
	return out, nil
}

// pendingMarkers indexes local field edits not yet confirmed by the server.
func (e *Engine) pendingMarkers(ctx context.Context) map[string]json.RawMessage {
	markers := make(map[string]json.RawMessage)
	for _, entity := range []models.EntityType{models.EntityJob, models.EntityHazard, models.EntityControl} {
		updates, err := e.store.PendingUpdates(ctx, entity)
		if err != nil {
			logging.Warn("Failed to read pending updates", map[string]interface{}{"entity": string(entity), "error": err.Error()})
			continue
		}
		for _, u := range updates {
			markers[markerKey(entity, u.EntityID)] = u.Data
		}
	}
	return markers
}

func markerKey(entity models.EntityType, id string) string {
	return string(entity) + ":" + id
}

// applyPage merges one page into the cache. Pulled entities with pending
// local edits keep the local field values on top of the server copy.
func (e *Engine) applyPage(page *remote.ChangesPage, markers map[string]json.RawMessage) int {
	jobs := make([]models.Job, 0, len(page.Jobs))
	for _, job := range page.Jobs {
		if patch, ok := markers[markerKey(models.EntityJob, job.ID)]; ok {
			job = overlayJob(job, patch)
		}
		jobs = append(jobs, job)
	}

	items := make([]models.MitigationItem, 0, len(page.MitigationItems))
	for _, item := range page.MitigationItems {
		if patch, ok := markers[markerKey(item.EntityType, item.ID())]; ok {
			item = overlayItem(item, patch)
		}
		items = append(items, item)
	}

	if len(jobs) > 0 {
		if err := e.cache.UpsertJobs(jobs...); err != nil {
			logging.Warn("Failed to cache pulled jobs", map[string]interface{}{"error": err.Error()})
		}
	}
	if len(items) > 0 {
		if err := e.cache.UpsertMitigationItems(items...); err != nil {
			logging.Warn("Failed to cache pulled mitigation items", map[string]interface{}{"error": err.Error()})
		}
	}
	if len(page.DeletedJobIDs) > 0 {
		if err := e.cache.RemoveJobs(page.DeletedJobIDs...); err != nil {
			logging.Warn("Failed to apply job tombstones", map[string]interface{}{"error": err.Error()})
		}
	}
	if len(page.DeletedMitigationIDs) > 0 {
		if err := e.cache.RemoveMitigationItems(page.DeletedMitigationIDs...); err != nil {
			logging.Warn("Failed to apply mitigation tombstones", map[string]interface{}{"error": err.Error()})
		}
	}

	return len(jobs) + len(items) + len(page.DeletedJobIDs) + len(page.DeletedMitigationIDs)
}

func overlayJob(job models.Job, patch json.RawMessage) models.Job {
	base, err := json.Marshal(job)
	if err != nil {
		return job
	}
	merged, err := models.MergeFields(base, patch)
	if err != nil {
		return job
	}
	var out models.Job
	if err := json.Unmarshal(merged, &out); err != nil {
		return job
	}
	out.ID = job.ID
	return out
}

func overlayItem(item models.MitigationItem, patch json.RawMessage) models.MitigationItem {
	base, err := json.Marshal(item)
	if err != nil {
		return item
	}
	merged, err := models.MergeFields(base, patch)
	if err != nil {
		return item
	}
	merged, err = models.MergeFields(merged, json.RawMessage(`{"entity_type":"`+string(item.EntityType)+`"}`))
	if err != nil {
		return item
	}
	var out models.MitigationItem
	if err := json.Unmarshal(merged, &out); err != nil {
		return item
	}
	out.SetID(item.ID())
	return out
}

// =====================================================
// Divergence Detection
// =====================================================

type localJob struct {
	data     json.RawMessage
	editedAt time.Time
}

// detectDivergence compares locally staged jobs with the pulled server
// copies and records a conflict for each one whose updated_at differs.
// Divergence is never resolved automatically.
func (e *Engine) detectDivergence(ctx context.Context, pulled []models.Job, result *SyncResult) {
	if len(pulled) == 0 {
		return
	}

	locals := make(map[string]localJob)
	if markers, err := e.store.PendingUpdates(ctx, models.EntityJob); err == nil {
		for _, m := range markers {
			locals[m.EntityID] = localJob{data: m.Data, editedAt: m.UpdatedAt}
		}
	}
	if rows, err := e.store.StagingRows(ctx, models.EntityJob); err == nil {
		for _, r := range rows {
			if _, ok := locals[r.ID]; !ok {
				locals[r.ID] = localJob{data: r.Data, editedAt: r.CreatedAt}
			}
		}
	}
	if len(locals) == 0 {
		return
	}

	for _, job := range pulled {
		local, ok := locals[job.ID]
		if !ok {
			continue
		}
		rec, diverged := conflict.DetectJobDivergence(local.data, job, e.now())
		if !diverged {
			continue
		}

		pending, err := e.store.HasPendingConflict(ctx, models.EntityJob, job.ID)
		if err != nil || pending {
			continue
		}
		// A decision already taken about this local edit stands.
		if prev, err := e.store.Conflict(ctx, rec.ID); err == nil && prev != nil && prev.ResolvedAt != nil &&
			!prev.ResolvedAt.Before(local.editedAt) {
			continue
		}

		if err := e.store.RecordConflict(ctx, "", *rec); err != nil {
			logging.Error("Failed to record divergence", err, map[string]interface{}{"job_id": job.ID})
			continue
		}
		e.metrics.RecordConflict(ctx, string(models.EntityJob), "manual")
		e.addConflict(*rec)
		result.Conflicts = append(result.Conflicts, *rec)
	}
}

func sortConflicts(cs []models.ConflictRecord) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].DetectedAt.Equal(cs[j].DetectedAt) {
			return cs[i].DetectedAt.Before(cs[j].DetectedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
