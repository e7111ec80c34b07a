// Package conflict decides how sync conflicts are resolved automatically
// and detects divergence between staged local jobs and pulled server jobs.
package conflict

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
)

// jobLocalFields are job fields the technician edits in the field; the
// local value wins for them.
var jobLocalFields = map[string]bool{
	"client_name": true,
	"description": true,
	"address":     true,
	"site_id":     true,
	"updated_at":  true,
}

// Policy maps a server-reported conflict to an automatic strategy.
type Policy struct {
	mitigation models.Strategy
}

// NewPolicy creates a Policy. mitigation is the strategy applied to hazard
// and control conflicts and must be localWins or merge.
func NewPolicy(mitigation models.Strategy) (*Policy, error) {
	switch mitigation {
	case models.StrategyLocalWins, models.StrategyMerge:
		return &Policy{mitigation: mitigation}, nil
	case "":
		return &Policy{mitigation: models.StrategyLocalWins}, nil
	}
	return nil, ErrInvalidMitigationStrategy
}

// DefaultPolicy applies localWins to hazards and controls.
func DefaultPolicy() *Policy {
	return &Policy{mitigation: models.StrategyLocalWins}
}

// MitigationStrategy returns the configured hazard/control strategy.
func (p *Policy) MitigationStrategy() models.Strategy {
	return p.mitigation
}

// AutoStrategy returns the strategy to apply without asking the user.
// ok is false when the conflict must be surfaced. Divergence conflicts
// are never resolved automatically.
func (p *Policy) AutoStrategy(c models.ConflictRecord) (strategy models.Strategy, ok bool) {
	if c.IsDivergence() || IsEvidence(c.EntityType, c.Field) {
		return "", false
	}

	switch c.EntityType {
	case models.EntityJob:
		if c.Field == "status" {
			return models.StrategyServerWins, true
		}
		if jobLocalFields[c.Field] {
			return models.StrategyLocalWins, true
		}
	case models.EntityHazard, models.EntityControl:
		return p.mitigation, true
	}
	return "", false
}

// IsEvidence reports whether a conflict touches evidence or photos.
func IsEvidence(entity models.EntityType, field string) bool {
	if entity == models.EntityEvidence {
		return true
	}
	f := strings.ToLower(field)
	return strings.Contains(f, "photo") || strings.Contains(f, "evidence")
}

// DetectJobDivergence compares a staged local job payload with the pulled
// server copy. A conflict on updated_at is returned when both carry a
// timestamp and they differ.
func DetectJobDivergence(localPayload json.RawMessage, server models.Job, now time.Time) (*models.ConflictRecord, bool) {
	raw, ok := models.FieldValue(localPayload, "updated_at")
	if !ok {
		return nil, false
	}
	var localUpdated time.Time
	if err := json.Unmarshal(raw, &localUpdated); err != nil || localUpdated.IsZero() || server.UpdatedAt.IsZero() {
		return nil, false
	}
	if localUpdated.Equal(server.UpdatedAt) {
		return nil, false
	}

	serverValue, _ := json.Marshal(server.UpdatedAt)
	serverTS := server.UpdatedAt
	c := &models.ConflictRecord{
		ID:              models.DivergenceID(models.EntityJob, server.ID, "updated_at"),
		EntityType:      models.EntityJob,
		EntityID:        server.ID,
		Field:           "updated_at",
		ServerValue:     serverValue,
		LocalValue:      raw,
		ServerTimestamp: &serverTS,
		LocalTimestamp:  &localUpdated,
		OperationType:   models.OpUpdateJob,
		DetectedAt:      now.UTC(),
	}

	logging.Warn("Divergence detected between staged job and server copy",
		map[string]interface{}{
			"job_id":           server.ID,
			"local_timestamp":  localUpdated,
			"server_timestamp": server.UpdatedAt,
		})
	return c, true
}

// Errors
var (
	ErrInvalidMitigationStrategy = &ConflictError{Message: "mitigation strategy must be local_wins or merge"}
	ErrAskUser                   = &ConflictError{Message: "askUser cannot be applied as a resolution"}
	ErrConflictNotFound          = &ConflictError{Message: "conflict not found"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
