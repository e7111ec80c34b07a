// Package remote defines the server's sync protocol and an HTTP client for it.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldsync/core/internal/models"
)

// Protocol is the backend's sync surface.
type Protocol interface {
	// UploadBatch submits queued operations. Each operation gets its own
	// result; the call fails only when the batch as a whole was not processed.
	UploadBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error)

	// FetchChanges returns one page of entities changed since req.Since.
	FetchChanges(ctx context.Context, req ChangesRequest) (*ChangesPage, error)

	// ResolveConflict applies a resolution on the server. It is idempotent
	// by operation id.
	ResolveConflict(ctx context.Context, req ResolveRequest) (*ResolveResponse, error)

	// Health succeeds when the server is reachable.
	Health(ctx context.Context) error
}

// =====================================================
// Batch Upload
// =====================================================

// BatchOperation is one queued operation on the wire.
type BatchOperation struct {
	OperationID     string               `json:"operation_id"`
	Type            models.OperationType `json:"type"`
	EntityID        string               `json:"entity_id"`
	Payload         json.RawMessage      `json:"payload"`
	ClientTimestamp time.Time            `json:"client_timestamp"`
}

// FromOperation converts a queued operation to its wire form.
func FromOperation(op models.SyncOperation) BatchOperation {
	return BatchOperation{
		OperationID:     op.ID,
		Type:            op.Type,
		EntityID:        op.EntityID,
		Payload:         op.Payload,
		ClientTimestamp: op.ClientTimestamp,
	}
}

// BatchRequest is the body of a batch upload.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations"`
}

// ResultStatus is the per-operation outcome. Any value other than
// success or conflict is an error.
type ResultStatus string

const (
	StatusSuccess  ResultStatus = "success"
	StatusConflict ResultStatus = "conflict"
	StatusFailed   ResultStatus = "error"
)

// ConflictInfo describes a server-detected conflict.
type ConflictInfo struct {
	EntityType      models.EntityType `json:"entity_type"`
	EntityID        string            `json:"entity_id"`
	Field           string            `json:"field"`
	ServerValue     json.RawMessage   `json:"server_value,omitempty"`
	LocalValue      json.RawMessage   `json:"local_value,omitempty"`
	ServerTimestamp *time.Time        `json:"server_timestamp,omitempty"`
	LocalTimestamp  *time.Time        `json:"local_timestamp,omitempty"`
	ServerActor     string            `json:"server_actor,omitempty"`
	LocalActor      string            `json:"local_actor,omitempty"`
}

// Record converts the server report into a pending conflict keyed by the
// originating operation.
func (c ConflictInfo) Record(op models.SyncOperation, detectedAt time.Time) models.ConflictRecord {
	entity := c.EntityType
	if entity == "" {
		entity = op.Type.EntityType()
	}
	entityID := c.EntityID
	if entityID == "" {
		entityID = op.EntityID
	}
	return models.ConflictRecord{
		ID:              op.ID,
		EntityType:      entity,
		EntityID:        entityID,
		Field:           c.Field,
		ServerValue:     c.ServerValue,
		LocalValue:      c.LocalValue,
		ServerTimestamp: c.ServerTimestamp,
		LocalTimestamp:  c.LocalTimestamp,
		ServerActor:     c.ServerActor,
		LocalActor:      c.LocalActor,
		OperationType:   op.Type,
		DetectedAt:      detectedAt.UTC(),
	}
}

// OperationResult is the outcome of one uploaded operation.
type OperationResult struct {
	OperationID string        `json:"operation_id"`
	Status      ResultStatus  `json:"status"`
	ServerID    string        `json:"server_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	Conflict    *ConflictInfo `json:"conflict,omitempty"`
}

// BatchResponse is the body returned by a batch upload.
type BatchResponse struct {
	Results []OperationResult `json:"results"`
}

// =====================================================
// Incremental Changes
// =====================================================

// Stream names a paginated change stream.
type Stream string

const (
	StreamJobs            Stream = "jobs"
	StreamMitigationItems Stream = "mitigation_items"
)

// BeginningOfTime is sent as since on the first pull.
var BeginningOfTime = time.Unix(0, 0).UTC()

// ChangesRequest asks for one page of a change stream.
type ChangesRequest struct {
	Since  time.Time
	Limit  int
	Offset int
	Stream Stream
}

// Pagination tells the client whether another page follows.
type Pagination struct {
	HasMore    bool `json:"has_more"`
	NextOffset int  `json:"next_offset"`
}

// ChangesPage is one page of changes. Only the slice matching the
// requested stream is filled.
type ChangesPage struct {
	Jobs                 []models.Job
	MitigationItems      []models.MitigationItem
	DeletedJobIDs        []string
	DeletedMitigationIDs []string
	Pagination           Pagination
}

// =====================================================
// Conflict Resolution
// =====================================================

// ResolveRequest is the body of a resolve-conflict call.
type ResolveRequest struct {
	OperationID   string               `json:"operation_id"`
	Strategy      string               `json:"strategy"`
	ResolvedValue json.RawMessage      `json:"resolved_value,omitempty"`
	EntityType    models.EntityType    `json:"entity_type,omitempty"`
	EntityID      string               `json:"entity_id,omitempty"`
	OperationType models.OperationType `json:"operation_type,omitempty"`
}

// ResolveResponse carries the authoritative entity after resolution, when
// the server returns one.
type ResolveResponse struct {
	OK                    bool                   `json:"ok"`
	UpdatedJob            *models.Job            `json:"updated_job,omitempty"`
	UpdatedMitigationItem *models.MitigationItem `json:"updated_mitigation_item,omitempty"`
}
