package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationKind is the mutation verb of an operation.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// Queue priorities. Higher values upload first.
const (
	PriorityCreate = 10
	PriorityUpdate = 5
	PriorityDelete = 1
)

// OperationType identifies a queued mutation.
type OperationType string

const (
	OpCreateJob     OperationType = "createJob"
	OpUpdateJob     OperationType = "updateJob"
	OpDeleteJob     OperationType = "deleteJob"
	OpCreateHazard  OperationType = "createHazard"
	OpUpdateHazard  OperationType = "updateHazard"
	OpDeleteHazard  OperationType = "deleteHazard"
	OpCreateControl OperationType = "createControl"
	OpUpdateControl OperationType = "updateControl"
	OpDeleteControl OperationType = "deleteControl"
)

type opInfo struct {
	kind   OperationKind
	entity EntityType
}

var opTable = map[OperationType]opInfo{
	OpCreateJob:     {KindCreate, EntityJob},
	OpUpdateJob:     {KindUpdate, EntityJob},
	OpDeleteJob:     {KindDelete, EntityJob},
	OpCreateHazard:  {KindCreate, EntityHazard},
	OpUpdateHazard:  {KindUpdate, EntityHazard},
	OpDeleteHazard:  {KindDelete, EntityHazard},
	OpCreateControl: {KindCreate, EntityControl},
	OpUpdateControl: {KindUpdate, EntityControl},
	OpDeleteControl: {KindDelete, EntityControl},
}

// OperationTypeFor builds the operation type for kind on entity.
func OperationTypeFor(kind OperationKind, entity EntityType) (OperationType, error) {
	for t, info := range opTable {
		if info.kind == kind && info.entity == entity {
			return t, nil
		}
	}
	return "", fmt.Errorf("no operation for %s %s", kind, entity)
}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	_, ok := opTable[t]
	return ok
}

// Kind returns the mutation verb.
func (t OperationType) Kind() OperationKind {
	return opTable[t].kind
}

// EntityType returns the entity the operation targets.
func (t OperationType) EntityType() EntityType {
	return opTable[t].entity
}

// Priority returns the queue priority band for t.
func (t OperationType) Priority() int {
	switch t.Kind() {
	case KindCreate:
		return PriorityCreate
	case KindUpdate:
		return PriorityUpdate
	case KindDelete:
		return PriorityDelete
	}
	return 0
}

// SyncOperation is a queued local mutation awaiting upload.
type SyncOperation struct {
	ID              string          `db:"id" json:"id"`
	Type            OperationType   `db:"type" json:"type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	Priority        int             `db:"priority" json:"priority"`
	RetryCount      int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt   *time.Time      `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError       string          `db:"last_error" json:"last_error,omitempty"`
	ClientTimestamp time.Time       `db:"client_timestamp" json:"client_timestamp"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_queue"
}
