package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Strategy is a conflict resolution strategy.
type Strategy string

const (
	StrategyServerWins Strategy = "serverWins"
	StrategyLocalWins  Strategy = "localWins"
	StrategyMerge      Strategy = "merge"
	StrategyAskUser    Strategy = "askUser"
)

// WireName returns the strategy as the remote resolve endpoint spells it.
func (s Strategy) WireName() string {
	switch s {
	case StrategyServerWins:
		return "server_wins"
	case StrategyLocalWins:
		return "local_wins"
	case StrategyMerge:
		return "merge"
	case StrategyAskUser:
		return "ask_user"
	}
	return string(s)
}

// ParseStrategy accepts both the camel-case and wire spellings.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.TrimSpace(s) {
	case "serverWins", "server_wins":
		return StrategyServerWins, nil
	case "localWins", "local_wins":
		return StrategyLocalWins, nil
	case "merge":
		return StrategyMerge, nil
	case "askUser", "ask_user":
		return StrategyAskUser, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// DivergencePrefix starts the id of every conflict found during pull.
const DivergencePrefix = "divergent:"

// DivergenceID builds the synthetic id for a pull-time conflict.
func DivergenceID(entity EntityType, entityID, field string) string {
	return DivergencePrefix + string(entity) + ":" + entityID + ":" + field
}

// IsDivergenceID reports whether id names a pull-time conflict.
func IsDivergenceID(id string) bool {
	return strings.HasPrefix(id, DivergencePrefix)
}

// ConflictRecord is a detected disagreement between local and server state.
// ID is the originating operation id, or a DivergenceID.
type ConflictRecord struct {
	ID                 string          `db:"id" json:"id"`
	EntityType         EntityType      `db:"entity_type" json:"entity_type"`
	EntityID           string          `db:"entity_id" json:"entity_id"`
	Field              string          `db:"field" json:"field"`
	ServerValue        json.RawMessage `db:"server_value" json:"server_value,omitempty"`
	LocalValue         json.RawMessage `db:"local_value" json:"local_value,omitempty"`
	ServerTimestamp    *time.Time      `db:"server_timestamp" json:"server_timestamp,omitempty"`
	LocalTimestamp     *time.Time      `db:"local_timestamp" json:"local_timestamp,omitempty"`
	ServerActor        string          `db:"server_actor" json:"server_actor,omitempty"`
	LocalActor         string          `db:"local_actor" json:"local_actor,omitempty"`
	ResolutionStrategy *Strategy       `db:"resolution_strategy" json:"resolution_strategy,omitempty"`
	OperationType      OperationType   `db:"operation_type" json:"operation_type,omitempty"`
	DetectedAt         time.Time       `db:"detected_at" json:"detected_at"`
	ResolvedAt         *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_log"
}

// Pending reports whether the conflict still awaits resolution.
func (c *ConflictRecord) Pending() bool {
	return c.ResolvedAt == nil && c.ResolutionStrategy == nil
}

// IsDivergence reports whether the conflict was found during pull.
func (c *ConflictRecord) IsDivergence() bool {
	return IsDivergenceID(c.ID)
}
