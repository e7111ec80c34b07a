package db

import (
	"context"
	"time"

	"github.com/fieldsync/core/internal/models"
)

// QueueRepository defines operations on the durable operation queue.
type QueueRepository interface {
	// Enqueue inserts or replaces an operation keyed by its id.
	Enqueue(ctx context.Context, op models.SyncOperation) error

	// Operations returns the queue in upload order.
	Operations(ctx context.Context) ([]models.SyncOperation, error)

	// Operation returns one queued operation, or nil.
	Operation(ctx context.Context, id string) (*models.SyncOperation, error)

	// OperationFor returns the queued operation of a type on an entity, or nil.
	OperationFor(ctx context.Context, entityID string, opType models.OperationType) (*models.SyncOperation, error)

	PendingCount(ctx context.Context) (int, error)
	RemoveOperation(ctx context.Context, id string) error
	MarkAttemptFailed(ctx context.Context, ids []string, message string, at time.Time) error
	ResetRetry(ctx context.Context, id string) (bool, error)

	// CompleteOperation removes a confirmed operation with its side effects.
	CompleteOperation(ctx context.Context, c Completion) error
}

// StagingRepository defines operations on staging rows and update markers.
type StagingRepository interface {
	PutStaging(ctx context.Context, row models.PendingEntityRow) error
	Staging(ctx context.Context, entity models.EntityType, id string) (*models.PendingEntityRow, error)
	StagingRows(ctx context.Context, entity models.EntityType) ([]models.PendingEntityRow, error)
	DeleteStaging(ctx context.Context, entity models.EntityType, id string) error

	PutPendingUpdate(ctx context.Context, u models.PendingUpdate) error
	PendingUpdate(ctx context.Context, entity models.EntityType, id string) (*models.PendingUpdate, error)
	PendingUpdates(ctx context.Context, entity models.EntityType) ([]models.PendingUpdate, error)
	ClearPendingUpdate(ctx context.Context, entity models.EntityType, id string) error

	// StageChange writes a staging row or marker and enqueues op atomically.
	StageChange(ctx context.Context, row *models.PendingEntityRow, marker *models.PendingUpdate, op models.SyncOperation) error

	// ReplaceWithDelete swaps an entity's queued work for its delete.
	ReplaceWithDelete(ctx context.Context, op models.SyncOperation) error

	// DiscardEntity drops a never-synced entity and its children.
	DiscardEntity(ctx context.Context, entity models.EntityType, id string) (int, error)
}

// ConflictRepository defines operations on the conflict log.
type ConflictRepository interface {
	RecordConflict(ctx context.Context, operationID string, c models.ConflictRecord) error
	Conflict(ctx context.Context, id string) (*models.ConflictRecord, error)
	PendingConflicts(ctx context.Context) ([]models.ConflictRecord, error)
	Conflicts(ctx context.Context) ([]models.ConflictRecord, error)
	HasPendingConflict(ctx context.Context, entity models.EntityType, id string) (bool, error)
	CommitResolution(ctx context.Context, r Resolution) (bool, error)
}

// WatermarkRepository defines access to the last-sync timestamp.
type WatermarkRepository interface {
	Watermark(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// SyncStore combines everything the sync engine needs from local storage.
type SyncStore interface {
	QueueRepository
	StagingRepository
	ConflictRepository
	WatermarkRepository
	Degraded() bool
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ QueueRepository     = (*Store)(nil)
	_ StagingRepository   = (*Store)(nil)
	_ ConflictRepository  = (*Store)(nil)
	_ WatermarkRepository = (*Store)(nil)
	_ SyncStore           = (*Store)(nil)
)
