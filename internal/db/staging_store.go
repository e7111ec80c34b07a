package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/fieldsync/core/internal/models"
)

// =====================================================
// Staging Rows
// =====================================================

func deleteStagingTx(ctx context.Context, tx *sql.Tx, entity models.EntityType, id string) error {
	table, err := models.StagingTable(entity)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	return err
}

// PutStaging inserts or replaces a staging row.
func (s *Store) PutStaging(ctx context.Context, row models.PendingEntityRow) error {
	table, err := models.StagingTable(row.EntityType)
	if err != nil {
		return err
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.SyncStatus == "" {
		row.SyncStatus = models.SyncStatusPending
	}
	return s.write("put staging row", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO "+table+" (id, data, created_at, sync_status) VALUES (?, ?, ?, ?)",
			row.ID, string(row.Data), toNanos(row.CreatedAt), row.SyncStatus)
		return err
	})
}

// Staging returns the staging row for id, or nil.
func (s *Store) Staging(ctx context.Context, entity models.EntityType, id string) (*models.PendingEntityRow, error) {
	table, err := models.StagingTable(entity)
	if err != nil {
		return nil, err
	}
	var found *models.PendingEntityRow
	err = s.read(func(db *sql.DB) error {
		row, err := scanStaging(db.QueryRowContext(ctx, "SELECT id, data, created_at, sync_status FROM "+table+" WHERE id = ?", id), entity)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &row
		return nil
	})
	return found, err
}

// StagingRows lists the staging rows of entity, oldest first.
func (s *Store) StagingRows(ctx context.Context, entity models.EntityType) ([]models.PendingEntityRow, error) {
	table, err := models.StagingTable(entity)
	if err != nil {
		return nil, err
	}
	var out []models.PendingEntityRow
	err = s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, "SELECT id, data, created_at, sync_status FROM "+table+" ORDER BY created_at, id")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			row, err := scanStaging(rows, entity)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteStaging removes a staging row.
func (s *Store) DeleteStaging(ctx context.Context, entity models.EntityType, id string) error {
	return s.tx(ctx, "delete staging row", func(tx *sql.Tx) error {
		return deleteStagingTx(ctx, tx, entity, id)
	})
}

func scanStaging(row scanner, entity models.EntityType) (models.PendingEntityRow, error) {
	var (
		r         models.PendingEntityRow
		data      string
		createdAt int64
	)
	if err := row.Scan(&r.ID, &data, &createdAt, &r.SyncStatus); err != nil {
		return r, err
	}
	r.EntityType = entity
	r.Data = json.RawMessage(data)
	r.CreatedAt = fromNanos(createdAt)
	return r, nil
}

// =====================================================
// Pending Update Markers
// =====================================================

// PutPendingUpdate inserts or replaces the marker for an entity.
func (s *Store) PutPendingUpdate(ctx context.Context, u models.PendingUpdate) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	return s.write("put pending update", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO pending_updates (entity_type, entity_id, data, updated_at)
			VALUES (?, ?, ?, ?)`, string(u.EntityType), u.EntityID, string(u.Data), toNanos(u.UpdatedAt))
		return err
	})
}

// PendingUpdate returns the marker for an entity, or nil.
func (s *Store) PendingUpdate(ctx context.Context, entity models.EntityType, id string) (*models.PendingUpdate, error) {
	var found *models.PendingUpdate
	err := s.read(func(db *sql.DB) error {
		u, err := scanPendingUpdate(db.QueryRowContext(ctx, `SELECT entity_type, entity_id, data, updated_at
			FROM pending_updates WHERE entity_type = ? AND entity_id = ?`, string(entity), id))
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &u
		return nil
	})
	return found, err
}

// PendingUpdates lists the markers of entity.
func (s *Store) PendingUpdates(ctx context.Context, entity models.EntityType) ([]models.PendingUpdate, error) {
	var out []models.PendingUpdate
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT entity_type, entity_id, data, updated_at
			FROM pending_updates WHERE entity_type = ? ORDER BY updated_at, entity_id`, string(entity))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanPendingUpdate(rows)
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	return out, err
}

// ClearPendingUpdate removes the marker for an entity.
func (s *Store) ClearPendingUpdate(ctx context.Context, entity models.EntityType, id string) error {
	return s.write("clear pending update", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "DELETE FROM pending_updates WHERE entity_type = ? AND entity_id = ?", string(entity), id)
		return err
	})
}

func scanPendingUpdate(row scanner) (models.PendingUpdate, error) {
	var (
		u         models.PendingUpdate
		data      string
		updatedAt int64
	)
	if err := row.Scan(&u.EntityType, &u.EntityID, &data, &updatedAt); err != nil {
		return u, err
	}
	u.Data = json.RawMessage(data)
	u.UpdatedAt = fromNanos(updatedAt)
	return u, nil
}

// =====================================================
// Local Mutations
// =====================================================

// StageChange records a local mutation atomically: it writes the staging
// row or the pending update marker (whichever is set) and enqueues op.
func (s *Store) StageChange(ctx context.Context, row *models.PendingEntityRow, marker *models.PendingUpdate, op models.SyncOperation) error {
	if op.Priority == 0 {
		op.Priority = op.Type.Priority()
	}
	now := time.Now().UTC()
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = now
	}

	err := s.tx(ctx, "stage change", func(tx *sql.Tx) error {
		if row != nil {
			table, err := models.StagingTable(row.EntityType)
			if err != nil {
				return err
			}
			createdAt := row.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			status := row.SyncStatus
			if status == "" {
				status = models.SyncStatusPending
			}
			if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO "+table+" (id, data, created_at, sync_status) VALUES (?, ?, ?, ?)",
				row.ID, string(row.Data), toNanos(createdAt), status); err != nil {
				return err
			}
		}
		if marker != nil {
			updatedAt := marker.UpdatedAt
			if updatedAt.IsZero() {
				updatedAt = now
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO pending_updates (entity_type, entity_id, data, updated_at)
				VALUES (?, ?, ?, ?)`, string(marker.EntityType), marker.EntityID, string(marker.Data), toNanos(updatedAt)); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sync_queue (`+operationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, string(op.Type), op.EntityID, string(op.Payload), op.Priority, op.RetryCount,
			nullNanos(op.LastAttemptAt), op.LastError, toNanos(op.ClientTimestamp))
		return err
	})
	if err == nil {
		s.notifyQueue(ctx)
	}
	return err
}

// ReplaceWithDelete drops queued operations and the marker of a
// server-known entity and enqueues its delete, in one transaction.
func (s *Store) ReplaceWithDelete(ctx context.Context, op models.SyncOperation) error {
	if op.Priority == 0 {
		op.Priority = op.Type.Priority()
	}
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = time.Now().UTC()
	}
	entity := op.Type.EntityType()

	err := s.tx(ctx, "replace with delete", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE entity_id = ?", op.EntityID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_updates WHERE entity_type = ? AND entity_id = ?",
			string(entity), op.EntityID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sync_queue (`+operationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, string(op.Type), op.EntityID, string(op.Payload), op.Priority, op.RetryCount,
			nullNanos(op.LastAttemptAt), op.LastError, toNanos(op.ClientTimestamp))
		return err
	})
	if err == nil {
		s.notifyQueue(ctx)
	}
	return err
}
