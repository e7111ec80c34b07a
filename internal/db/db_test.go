// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.NoError(t, err, "database file was not created")

	var walMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&walMode))
	assert.Equal(t, "wal", walMode)

	var fkEnabled int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.Equal(t, 1, fkEnabled)

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

// TestOpen_createsNestedDir verifies missing parent directories are created.
func TestOpen_createsNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.DirExists(t, dir)
}

// TestOpen_unusableDir verifies a file in place of the data dir is an error.
func TestOpen_unusableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := Open(filepath.Join(blocker, "data"))
	assert.Error(t, err)
}
