// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

// TestLogger_EntryShape verifies JSON entries carry timestamp, level, message and context.
func TestLogger_EntryShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf})

	l.Info("sync completed", map[string]interface{}{"succeeded": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "sync completed", e["message"])
	assert.NotEmpty(t, e["timestamp"])
	ctx, ok := e["context"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 3, ctx["succeeded"])
}

// TestLogger_MinLevel verifies entries below the minimum level are dropped.
func TestLogger_MinLevel(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		want  int
	}{
		{"debug logs all", LevelDebug, 4},
		{"info drops debug", LevelInfo, 3},
		{"warn drops info", LevelWarn, 2},
		{"error only", LevelError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(Config{Level: tt.level, Output: &buf})
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e", nil)
			assert.Len(t, decodeLines(t, &buf), tt.want)
		})
	}
}

// TestLogger_ErrorWithCode verifies the code and error fields.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	l.ErrorWithCode("upload failed", "SYNC_OFFLINE", errors.New("connection refused"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0]["level"])
	assert.Equal(t, "SYNC_OFFLINE", entries[0]["code"])
	assert.Equal(t, "connection refused", entries[0]["error"])
}

// TestLogger_MergesContexts verifies multiple context maps are merged.
func TestLogger_MergesContexts(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	l.Warn("retrying", map[string]interface{}{"attempt": 1}, map[string]interface{}{"delay": "1s"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	ctx := entries[0]["context"].(map[string]interface{})
	assert.EqualValues(t, 1, ctx["attempt"])
	assert.Equal(t, "1s", ctx["delay"])
}

// TestLogger_SetLevel verifies the level can be raised at runtime.
func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf})
	l.SetLevel(LevelError)
	l.Info("hidden")
	assert.Empty(t, buf.String())
}

// TestLogger_FileSink verifies entries are also written to the rotating file.
func TestLogger_FileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	l := New(Config{Level: LevelInfo, Output: &buf, File: path})

	l.Info("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
	assert.Contains(t, buf.String(), `"message":"to file"`)
}

// TestInit_ReplacesGlobal verifies package-level helpers use the installed logger.
func TestInit_ReplacesGlobal(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: LevelInfo, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: LevelInfo}) })

	Info("global entry")
	ErrorWithCode("global error", "DATABASE_ERROR", errors.New("locked"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "DATABASE_ERROR", entries[1]["code"])
}

// TestParseLevel verifies configuration strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
