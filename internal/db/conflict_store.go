package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/fieldsync/core/internal/models"
)

// =====================================================
// Conflict Log
// =====================================================

func upsertConflictTx(ctx context.Context, tx *sql.Tx, c models.ConflictRecord) error {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	var strategy sql.NullString
	if c.ResolutionStrategy != nil {
		strategy = sql.NullString{String: string(*c.ResolutionStrategy), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO conflict_log (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.EntityType), c.EntityID, c.Field, nullJSON(c.ServerValue), nullJSON(c.LocalValue),
		nullNanos(c.ServerTimestamp), nullNanos(c.LocalTimestamp), c.ServerActor, c.LocalActor,
		strategy, string(c.OperationType), toNanos(c.DetectedAt), nullNanos(c.ResolvedAt))
	return err
}

// RecordConflict removes the conflicting operation (when operationID is
// set) and logs the conflict in one transaction. A conflict with the same
// id replaces the earlier record.
func (s *Store) RecordConflict(ctx context.Context, operationID string, c models.ConflictRecord) error {
	err := s.tx(ctx, "record conflict", func(tx *sql.Tx) error {
		if operationID != "" {
			if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", operationID); err != nil {
				return err
			}
		}
		return upsertConflictTx(ctx, tx, c)
	})
	if err == nil && operationID != "" {
		s.notifyQueue(ctx)
	}
	return err
}

// Conflict returns the logged conflict with id, or nil.
func (s *Store) Conflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	var found *models.ConflictRecord
	err := s.read(func(db *sql.DB) error {
		c, err := scanConflict(db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict_log WHERE id = ?`, id))
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &c
		return nil
	})
	return found, err
}

// PendingConflicts lists unresolved conflicts, oldest first.
func (s *Store) PendingConflicts(ctx context.Context) ([]models.ConflictRecord, error) {
	return s.conflicts(ctx, `SELECT `+conflictColumns+` FROM conflict_log
		WHERE resolved_at IS NULL ORDER BY detected_at, id`)
}

// Conflicts lists every logged conflict, newest first.
func (s *Store) Conflicts(ctx context.Context) ([]models.ConflictRecord, error) {
	return s.conflicts(ctx, `SELECT `+conflictColumns+` FROM conflict_log ORDER BY detected_at DESC, id`)
}

// HasPendingConflict reports whether an unresolved conflict exists for the entity.
func (s *Store) HasPendingConflict(ctx context.Context, entity models.EntityType, id string) (bool, error) {
	var n int
	err := s.read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_log
			WHERE entity_type = ? AND entity_id = ? AND resolved_at IS NULL`, string(entity), id).Scan(&n)
	})
	return n > 0, err
}

func (s *Store) conflicts(ctx context.Context, query string) ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanConflict(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// Resolution is the durable part of resolving a conflict.
type Resolution struct {
	ConflictID string
	Strategy   models.Strategy
	EntityType models.EntityType
	EntityID   string
	// DiscardQueuedUpdates drops the entity's queued update operations.
	DiscardQueuedUpdates bool
	// ClearMarkers drops the entity's pending update marker.
	ClearMarkers bool
	At           time.Time
}

// CommitResolution applies the local effects of a resolution and marks
// the conflict resolved in one transaction. It reports false without
// changing anything when the conflict is unknown or already resolved.
func (s *Store) CommitResolution(ctx context.Context, r Resolution) (bool, error) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	applied := false
	discarded := false
	err := s.tx(ctx, "commit resolution", func(tx *sql.Tx) error {
		var resolvedAt sql.NullInt64
		err := tx.QueryRowContext(ctx, "SELECT resolved_at FROM conflict_log WHERE id = ?", r.ConflictID).Scan(&resolvedAt)
		if stderrors.Is(err, sql.ErrNoRows) || resolvedAt.Valid {
			return nil
		}
		if err != nil {
			return err
		}

		if r.DiscardQueuedUpdates && r.EntityID != "" {
			updateType, err := models.OperationTypeFor(models.KindUpdate, r.EntityType)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE entity_id = ? AND type = ?", r.EntityID, string(updateType))
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			discarded = n > 0
		}
		if r.ClearMarkers && r.EntityID != "" {
			if _, err := tx.ExecContext(ctx, "DELETE FROM pending_updates WHERE entity_type = ? AND entity_id = ?",
				string(r.EntityType), r.EntityID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, "UPDATE conflict_log SET resolved_at = ?, resolution_strategy = ? WHERE id = ?",
			toNanos(r.At), string(r.Strategy), r.ConflictID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err == nil && discarded {
		s.notifyQueue(ctx)
	}
	return applied, err
}

// =====================================================
// Preferences
// =====================================================

// WatermarkKey is the preference holding the last successful pull boundary.
const WatermarkKey = "last_sync_timestamp"

// Watermark returns the last-sync timestamp. ok is false when no pull has
// ever succeeded.
func (s *Store) Watermark(ctx context.Context) (t time.Time, ok bool, err error) {
	err = s.read(func(db *sql.DB) error {
		var v string
		err := db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", WatermarkKey).Scan(&v)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		t, err = time.Parse(time.RFC3339Nano, v)
		ok = err == nil
		return err
	})
	return t, ok, err
}

// SetWatermark stores the last-sync timestamp.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	return s.write("set watermark", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO preferences (key, value) VALUES (?, ?)",
			WatermarkKey, t.UTC().Format(time.RFC3339Nano))
		return err
	})
}
