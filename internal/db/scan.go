package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fieldsync/core/internal/models"
)

// Local timestamps are stored as Unix nanoseconds.

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullJSON(v json.RawMessage) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}

type scanner interface {
	Scan(dest ...any) error
}

const operationColumns = `id, type, entity_id, payload, priority, retry_count, last_attempt_at, last_error, client_timestamp`

func scanOperation(row scanner) (models.SyncOperation, error) {
	var (
		op          models.SyncOperation
		payload     string
		lastAttempt sql.NullInt64
		clientTS    int64
	)
	err := row.Scan(&op.ID, &op.Type, &op.EntityID, &payload, &op.Priority, &op.RetryCount,
		&lastAttempt, &op.LastError, &clientTS)
	if err != nil {
		return op, err
	}
	op.Payload = json.RawMessage(payload)
	op.LastAttemptAt = timePtr(lastAttempt)
	op.ClientTimestamp = fromNanos(clientTS)
	return op, nil
}

const conflictColumns = `id, entity_type, entity_id, field, server_value, local_value, server_timestamp,
	local_timestamp, server_actor, local_actor, resolution_strategy, operation_type, detected_at, resolved_at`

func scanConflict(row scanner) (models.ConflictRecord, error) {
	var (
		c                     models.ConflictRecord
		serverValue, localVal sql.NullString
		serverTS, localTS     sql.NullInt64
		strategy              sql.NullString
		detectedAt            int64
		resolvedAt            sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.Field, &serverValue, &localVal, &serverTS,
		&localTS, &c.ServerActor, &c.LocalActor, &strategy, &c.OperationType, &detectedAt, &resolvedAt)
	if err != nil {
		return c, err
	}
	c.ServerValue = rawJSON(serverValue)
	c.LocalValue = rawJSON(localVal)
	c.ServerTimestamp = timePtr(serverTS)
	c.LocalTimestamp = timePtr(localTS)
	if strategy.Valid {
		st := models.Strategy(strategy.String)
		c.ResolutionStrategy = &st
	}
	c.DetectedAt = fromNanos(detectedAt)
	c.ResolvedAt = timePtr(resolvedAt)
	return c, nil
}
