package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/fieldsync/core/internal/models"
)

// =====================================================
// Operation Queue
// =====================================================

// Enqueue inserts op, replacing any queued operation with the same id.
func (s *Store) Enqueue(ctx context.Context, op models.SyncOperation) error {
	if op.Priority == 0 {
		op.Priority = op.Type.Priority()
	}
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = time.Now().UTC()
	}

	err := s.write("enqueue operation", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO sync_queue (`+operationColumns+`)
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

// Operations returns the queue in upload order: priority descending, then
// client timestamp, then id.
func (s *Store) Operations(ctx context.Context) ([]models.SyncOperation, error) {
	var ops []models.SyncOperation
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT `+operationColumns+` FROM sync_queue
			ORDER BY priority DESC, client_timestamp ASC, id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			op, err := scanOperation(rows)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return rows.Err()
	})
	return ops, err
}

// Operation returns the queued operation with id, or nil.
func (s *Store) Operation(ctx context.Context, id string) (*models.SyncOperation, error) {
	var found *models.SyncOperation
	err := s.read(func(db *sql.DB) error {
		op, err := scanOperation(db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM sync_queue WHERE id = ?`, id))
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &op
		return nil
	})
	return found, err
}

// OperationFor returns the oldest queued operation of opType on entityID, or nil.
func (s *Store) OperationFor(ctx context.Context, entityID string, opType models.OperationType) (*models.SyncOperation, error) {
	var found *models.SyncOperation
	err := s.read(func(db *sql.DB) error {
		op, err := scanOperation(db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM sync_queue
			WHERE entity_id = ? AND type = ? ORDER BY client_timestamp ASC, id ASC LIMIT 1`, entityID, string(opType)))
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &op
		return nil
	})
	return found, err
}

// PendingCount returns the number of queued operations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n)
	})
	return n, err
}

// RemoveOperation deletes a queued operation.
func (s *Store) RemoveOperation(ctx context.Context, id string) error {
	err := s.write("remove operation", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
		return err
	})
	if err == nil {
		s.notifyQueue(ctx)
	}
	return err
}

// MarkAttemptFailed increments the retry count and records message on
// every listed operation. The operations stay queued.
func (s *Store) MarkAttemptFailed(ctx context.Context, ids []string, message string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.tx(ctx, "mark attempt failed", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE sync_queue
			SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
			WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, message, toNanos(at), id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetRetry clears the retry count and last error of an operation.
// It reports whether the operation exists.
func (s *Store) ResetRetry(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.write("reset retry", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE sync_queue SET retry_count = 0, last_error = '' WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		found = n > 0
		return err
	})
	return found, err
}

// Completion describes an operation the server confirmed.
type Completion struct {
	OperationID string
	Type        models.OperationType
	EntityID    string
	// ServerID is the id the server assigned on create. When it differs
	// from EntityID every local reference is remapped.
	ServerID string
}

// CompleteOperation removes a confirmed operation and applies its local
// side effects in one transaction:
//   - create: drop the staging row and remap the temporary id
//   - update: clear the pending update marker
//   - delete: drop the staging row and marker
func (s *Store) CompleteOperation(ctx context.Context, c Completion) error {
	entity := c.Type.EntityType()
	err := s.tx(ctx, "complete operation", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", c.OperationID); err != nil {
			return err
		}

		switch c.Type.Kind() {
		case models.KindCreate:
			if err := deleteStagingTx(ctx, tx, entity, c.EntityID); err != nil {
				return err
			}
			if c.ServerID != "" && c.ServerID != c.EntityID {
				if err := remapTx(ctx, tx, c.EntityID, c.ServerID); err != nil {
					return fmt.Errorf("remap %s: %w", c.EntityID, err)
				}
			}
		case models.KindUpdate:
			if _, err := tx.ExecContext(ctx, "DELETE FROM pending_updates WHERE entity_type = ? AND entity_id = ?",
				string(entity), c.EntityID); err != nil {
				return err
			}
		case models.KindDelete:
			if err := deleteStagingTx(ctx, tx, entity, c.EntityID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM pending_updates WHERE entity_type = ? AND entity_id = ?",
				string(entity), c.EntityID); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.notifyQueue(ctx)
	}
	return err
}

// DiscardEntity drops every trace of a local entity that never reached
// the server: its staging row, markers and queued operations, and the
// same for children that reference it. It returns the number of queued
// operations removed.
func (s *Store) DiscardEntity(ctx context.Context, entity models.EntityType, id string) (int, error) {
	removed := 0
	err := s.tx(ctx, "discard entity", func(tx *sql.Tx) error {
		n, err := discardTx(ctx, tx, entity, id)
		removed = n
		return err
	})
	if err == nil && removed > 0 {
		s.notifyQueue(ctx)
	}
	return removed, err
}

func discardTx(ctx context.Context, tx *sql.Tx, entity models.EntityType, id string) (int, error) {
	if err := deleteStagingTx(ctx, tx, entity, id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_updates WHERE entity_type = ? AND entity_id = ?",
		string(entity), id); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE entity_id = ?", id)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	removed := int(n)

	if entity == models.EntityControl {
		return removed, nil
	}

	// Children of a job or hazard carry its id in job_id or hazard_id.
	children, err := childOperationsTx(ctx, tx, id)
	if err != nil {
		return removed, err
	}
	for _, child := range children {
		m, err := discardTx(ctx, tx, child.Type.EntityType(), child.EntityID)
		if err != nil {
			return removed, err
		}
		removed += m
	}
	return removed, nil
}

func childOperationsTx(ctx context.Context, tx *sql.Tx, parentID string) ([]models.SyncOperation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+operationColumns+` FROM sync_queue WHERE payload LIKE ?`,
		"%"+parentID+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		if op.EntityID == parentID {
			continue
		}
		if referencesParent(op.Payload, parentID) {
			children = append(children, op)
		}
	}
	return children, rows.Err()
}

func referencesParent(payload json.RawMessage, parentID string) bool {
	for _, key := range []string{"job_id", "hazard_id"} {
		raw, ok := models.FieldValue(payload, key)
		if !ok {
			continue
		}
		var v string
		if json.Unmarshal(raw, &v) == nil && v == parentID {
			return true
		}
	}
	return false
}

// remapTx rewrites every local reference to oldID as newID across the
// queue, staging rows, pending update markers and pending conflicts.
func remapTx(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	like := "%" + oldID + "%"

	// Queue: entity ids and payload references.
	type queued struct {
		id, entityID string
		payload      json.RawMessage
	}
	rows, err := tx.QueryContext(ctx, "SELECT id, entity_id, payload FROM sync_queue WHERE entity_id = ? OR payload LIKE ?", oldID, like)
	if err != nil {
		return err
	}
	var ops []queued
	for rows.Next() {
		var q queued
		var payload string
		if err := rows.Scan(&q.id, &q.entityID, &payload); err != nil {
			rows.Close()
			return err
		}
		q.payload = json.RawMessage(payload)
		ops = append(ops, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, q := range ops {
		entityID := q.entityID
		if entityID == oldID {
			entityID = newID
		}
		payload, _, err := models.RewriteReferences(q.payload, oldID, newID)
		if err != nil {
			return fmt.Errorf("operation %s payload: %w", q.id, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE sync_queue SET entity_id = ?, payload = ? WHERE id = ?",
			entityID, string(payload), q.id); err != nil {
			return err
		}
	}

	// Staging rows of children created under the temporary id.
	for _, table := range models.StagingTables {
		type staged struct {
			id   string
			data json.RawMessage
		}
		rows, err := tx.QueryContext(ctx, "SELECT id, data FROM "+table+" WHERE id = ? OR data LIKE ?", oldID, like)
		if err != nil {
			return err
		}
		var items []staged
		for rows.Next() {
			var st staged
			var data string
			if err := rows.Scan(&st.id, &data); err != nil {
				rows.Close()
				return err
			}
			st.data = json.RawMessage(data)
			items = append(items, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, st := range items {
			id := st.id
			if id == oldID {
				id = newID
			}
			data, _, err := models.RewriteReferences(st.data, oldID, newID)
			if err != nil {
				return fmt.Errorf("%s row %s: %w", table, st.id, err)
			}
			if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET id = ?, data = ? WHERE id = ?", id, string(data), st.id); err != nil {
				return err
			}
		}
	}

	// Pending update markers.
	type marker struct {
		entityType, entityID string
		data                 json.RawMessage
	}
	rows, err = tx.QueryContext(ctx, "SELECT entity_type, entity_id, data FROM pending_updates WHERE entity_id = ? OR data LIKE ?", oldID, like)
	if err != nil {
		return err
	}
	var markers []marker
	for rows.Next() {
		var m marker
		var data string
		if err := rows.Scan(&m.entityType, &m.entityID, &data); err != nil {
			rows.Close()
			return err
		}
		m.data = json.RawMessage(data)
		markers = append(markers, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, m := range markers {
		entityID := m.entityID
		if entityID == oldID {
			entityID = newID
		}
		data, _, err := models.RewriteReferences(m.data, oldID, newID)
		if err != nil {
			return fmt.Errorf("pending update %s: %w", m.entityID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pending_updates SET entity_id = ?, data = ?
			WHERE entity_type = ? AND entity_id = ?`, entityID, string(data), m.entityType, m.entityID); err != nil {
			return err
		}
	}

	// Pending conflicts.
	_, err = tx.ExecContext(ctx, "UPDATE conflict_log SET entity_id = ? WHERE entity_id = ? AND resolved_at IS NULL", newID, oldID)
	return err
}
