package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInit_Disabled verifies nothing is installed without opt-in.
func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

// TestNilShutdown verifies Shutdown on a nil Telemetry is safe.
func TestNilShutdown(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}

// TestInit_ExportsSpansAndMetrics verifies enabled telemetry writes spans
// and metrics to the configured writer.
func TestInit_ExportsSpansAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()

	tel, err := Init(ctx, Config{Enabled: true, ServiceName: "fieldsync-test", Writer: &buf})
	require.NoError(t, err)
	assert.True(t, IsEnabled())

	m, err := NewSyncMetrics()
	require.NoError(t, err)

	_, span := StartSpan(ctx, "sync.cycle")
	RecordError(span, errors.New("upload failed"))
	span.End()

	m.RecordCycle(ctx, "failed", 2*time.Second)
	m.RecordOperations(ctx, "success", 3)
	m.RecordConflict(ctx, "job", "manual")

	require.NoError(t, tel.Shutdown(ctx))
	assert.False(t, IsEnabled())

	out := buf.String()
	assert.Contains(t, out, "sync.cycle")
	assert.Contains(t, out, "upload failed")
	assert.Contains(t, out, "sync.cycles")
	assert.Contains(t, out, "sync.operations")
	assert.Contains(t, out, "fieldsync-test")
}

// TestNilMetrics verifies a nil SyncMetrics records nothing and does not panic.
func TestNilMetrics(t *testing.T) {
	var m *SyncMetrics
	ctx := context.Background()
	m.RecordCycle(ctx, "ok", time.Second)
	m.RecordOperations(ctx, "success", 1)
	m.RecordConflict(ctx, "job", "auto")
}

// TestSpansWithoutInit verifies spans are no-ops before Init.
func TestSpansWithoutInit(t *testing.T) {
	_, span := StartSpan(context.Background(), "noop")
	RecordError(span, errors.New("ignored"))
	span.End()
	assert.False(t, span.SpanContext().IsValid())
}
