// Package models provides data model definitions for the sync core.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names a synchronised entity kind.
type EntityType string

const (
	EntityJob     EntityType = "job"
	EntityHazard  EntityType = "hazard"
	EntityControl EntityType = "control"
	// EntityEvidence only appears in server-reported conflicts; evidence
	// uploads travel outside the operation queue.
	EntityEvidence EntityType = "evidence"
)

// Job is a field-inspection job.
type Job struct {
	ID          string    `json:"id"`
	ClientName  string    `json:"client_name"`
	JobType     string    `json:"job_type,omitempty"`
	Description string    `json:"description,omitempty"`
	Address     string    `json:"address,omitempty"`
	SiteID      string    `json:"site_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Hazard is a risk identified on a job.
type Hazard struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Control is a mitigation applied to a hazard.
type Control struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	HazardID    string    `json:"hazard_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MitigationItem holds exactly one of Hazard or Control, selected by
// EntityType. On the wire the variant is flattened next to an explicit
// "entity_type" field.
type MitigationItem struct {
	EntityType EntityType
	Hazard     *Hazard
	Control    *Control
}

// HazardItem wraps h as a MitigationItem.
func HazardItem(h Hazard) MitigationItem {
	return MitigationItem{EntityType: EntityHazard, Hazard: &h}
}

// ControlItem wraps c as a MitigationItem.
func ControlItem(c Control) MitigationItem {
	return MitigationItem{EntityType: EntityControl, Control: &c}
}

// ID returns the id of the wrapped entity.
func (m MitigationItem) ID() string {
	switch {
	case m.Hazard != nil:
		return m.Hazard.ID
	case m.Control != nil:
		return m.Control.ID
	}
	return ""
}

// JobID returns the parent job id of the wrapped entity.
func (m MitigationItem) JobID() string {
	switch {
	case m.Hazard != nil:
		return m.Hazard.JobID
	case m.Control != nil:
		return m.Control.JobID
	}
	return ""
}

// SetID replaces the wrapped entity's id.
func (m *MitigationItem) SetID(id string) {
	switch {
	case m.Hazard != nil:
		m.Hazard.ID = id
	case m.Control != nil:
		m.Control.ID = id
	}
}

// RemapParent rewrites job and hazard references from oldID to newID.
func (m *MitigationItem) RemapParent(oldID, newID string) {
	switch {
	case m.Hazard != nil:
		if m.Hazard.JobID == oldID {
			m.Hazard.JobID = newID
		}
	case m.Control != nil:
		if m.Control.JobID == oldID {
			m.Control.JobID = newID
		}
		if m.Control.HazardID == oldID {
			m.Control.HazardID = newID
		}
	}
}

type hazardWire struct {
	EntityType EntityType `json:"entity_type"`
	*Hazard
}

type controlWire struct {
	EntityType EntityType `json:"entity_type"`
	*Control
}

// MarshalJSON implements json.Marshaler.
func (m MitigationItem) MarshalJSON() ([]byte, error) {
	switch m.EntityType {
	case EntityHazard:
		if m.Hazard == nil {
			return nil, fmt.Errorf("mitigation item: hazard variant is empty")
		}
		return json.Marshal(hazardWire{EntityType: EntityHazard, Hazard: m.Hazard})
	case EntityControl:
		if m.Control == nil {
			return nil, fmt.Errorf("mitigation item: control variant is empty")
		}
		return json.Marshal(controlWire{EntityType: EntityControl, Control: m.Control})
	default:
		return nil, fmt.Errorf("mitigation item: unknown entity type %q", m.EntityType)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MitigationItem) UnmarshalJSON(data []byte) error {
	var tag struct {
		EntityType EntityType `json:"entity_type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	switch tag.EntityType {
	case EntityHazard:
		var h Hazard
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		*m = HazardItem(h)
	case EntityControl:
		var c Control
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*m = ControlItem(c)
	case "":
		return fmt.Errorf("mitigation item: missing entity_type")
	default:
		return fmt.Errorf("mitigation item: unknown entity_type %q", tag.EntityType)
	}
	return nil
}

// EqualJSON reports whether two JSON values are semantically equal
// after normalisation.
func EqualJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	na, _ := json.Marshal(va)
	nb, _ := json.Marshal(vb)
	return bytes.Equal(na, nb)
}
