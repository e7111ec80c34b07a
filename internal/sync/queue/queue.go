// Package queue builds and orders the operations of the durable sync queue.
package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fieldsync/core/internal/models"
	"github.com/fieldsync/core/internal/uuid"
)

// NewOperation builds a queued operation with a fresh id and the
// priority band of its type. payload may be raw JSON or any value that
// marshals to a JSON object.
func NewOperation(opType models.OperationType, entityID string, payload interface{}, now time.Time) (models.SyncOperation, error) {
	if !opType.Valid() {
		return models.SyncOperation{}, fmt.Errorf("unknown operation type %q", opType)
	}
	if entityID == "" {
		return models.SyncOperation{}, fmt.Errorf("%s: entity id is required", opType)
	}

	raw, err := encode(payload)
	if err != nil {
		return models.SyncOperation{}, fmt.Errorf("%s payload: %w", opType, err)
	}

	return models.SyncOperation{
		ID:              uuid.New(),
		Type:            opType,
		EntityID:        entityID,
		Payload:         raw,
		Priority:        opType.Priority(),
		ClientTimestamp: now.UTC(),
	}, nil
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// DeletePayload is the payload of a delete operation: the entity id and
// its parent references.
type DeletePayload struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id,omitempty"`
	HazardID string `json:"hazard_id,omitempty"`
}

// Less reports whether a uploads before b: higher priority first, then
// older client timestamp, then lower id.
func Less(a, b models.SyncOperation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ClientTimestamp.Equal(b.ClientTimestamp) {
		return a.ClientTimestamp.Before(b.ClientTimestamp)
	}
	return a.ID < b.ID
}

// Sort orders ops for upload in place.
func Sort(ops []models.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return Less(ops[i], ops[j])
	})
}

// Exhausted returns the operations whose retry count reached maxAttempts.
func Exhausted(ops []models.SyncOperation, maxAttempts int) []models.SyncOperation {
	var out []models.SyncOperation
	for _, op := range ops {
		if op.RetryCount >= maxAttempts {
			out = append(out, op)
		}
	}
	return out
}

// IDs returns the operation ids in order.
func IDs(ops []models.SyncOperation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
