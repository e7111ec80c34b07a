package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatusPending marks a staging row whose create is not yet confirmed.
const SyncStatusPending = "pending"

// PendingEntityRow is the staging copy of an entity created offline,
// keyed by its temporary id.
type PendingEntityRow struct {
	ID         string          `db:"id" json:"id"`
	EntityType EntityType      `db:"-" json:"entity_type"`
	Data       json.RawMessage `db:"data" json:"data"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	SyncStatus string          `db:"sync_status" json:"sync_status"`
}

// StagingTable returns the staging table for entity.
func StagingTable(entity EntityType) (string, error) {
	switch entity {
	case EntityJob:
		return "pending_jobs", nil
	case EntityHazard:
		return "pending_hazards", nil
	case EntityControl:
		return "pending_controls", nil
	}
	return "", fmt.Errorf("no staging table for entity %q", entity)
}

// StagingTables lists every staging table.
var StagingTables = []string{"pending_jobs", "pending_hazards", "pending_controls"}

// PendingUpdate marks fields of a server-known entity edited locally and
// not yet confirmed. Data holds the merged local field values.
type PendingUpdate struct {
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Data       json.RawMessage `db:"data" json:"data"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PendingUpdate.
func (PendingUpdate) TableName() string {
	return "pending_updates"
}
