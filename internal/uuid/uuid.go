// Package uuid generates operation ids and temporary entity ids.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// TemporaryPrefix marks client-generated ids for entities the server has not
// confirmed yet.
const TemporaryPrefix = "tmp-"

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTemporary generates an id for an entity created offline.
// The server replaces it with its own id on the first successful create.
func NewTemporary() string {
	return TemporaryPrefix + uuid.New().String()
}

// IsTemporary reports whether id was produced by NewTemporary.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix)
}
