// Package telemetry provides opt-in tracing and metrics for the sync core.
//
// Nothing is exported unless Init is called with Enabled set. Until then
// the global OpenTelemetry providers are no-ops, so spans and counters
// created by the sync engine cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/fieldsync/core/internal/logging"
)

const instrumentationName = "github.com/fieldsync/core"

var enabled atomic.Bool

// IsEnabled reports whether Init installed real providers.
func IsEnabled() bool {
	return enabled.Load()
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
	// Writer receives exported spans and metrics. Defaults to stderr.
	Writer io.Writer
}

// Telemetry owns the installed providers.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Init installs trace and metric providers that export to cfg.Writer.
// With Enabled false it returns a Telemetry whose Shutdown is a no-op.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fieldsync"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
	)

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(spanExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(time.Minute))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	enabled.Store(true)

	logging.Info("Telemetry enabled", map[string]interface{}{"service": cfg.ServiceName})
	return &Telemetry{tracerProvider: tp, meterProvider: mp}, nil
}

// Shutdown flushes and stops the providers and restores no-op globals.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}

	var firstErr error
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	otel.SetTracerProvider(tracenoop.NewTracerProvider())
	otel.SetMeterProvider(metricnoop.NewMeterProvider())
	enabled.Store(false)
	t.tracerProvider = nil
	return firstErr
}

// =====================================================
// Tracing
// =====================================================

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// =====================================================
// Metrics
// =====================================================

// SyncMetrics holds the sync engine's instruments. A nil *SyncMetrics
// records nothing.
type SyncMetrics struct {
	cycles     metric.Int64Counter
	operations metric.Int64Counter
	conflicts  metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewSyncMetrics creates the instruments on the global meter provider.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	cycles, err := meter.Int64Counter("sync.cycles",
		metric.WithDescription("Sync cycles by outcome"))
	if err != nil {
		return nil, err
	}
	operations, err := meter.Int64Counter("sync.operations",
		metric.WithDescription("Uploaded operations by result status"))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("sync.conflicts",
		metric.WithDescription("Detected conflicts by handling"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("sync.cycle.duration",
		metric.WithDescription("Sync cycle duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycles:     cycles,
		operations: operations,
		conflicts:  conflicts,
		duration:   duration,
	}, nil
}

// RecordCycle counts a finished cycle and its duration.
func (m *SyncMetrics) RecordCycle(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.cycles.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordOperations counts n uploaded operations with the given status.
func (m *SyncMetrics) RecordOperations(ctx context.Context, status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.operations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
}

// RecordConflict counts one conflict. handling is "auto" or "manual".
func (m *SyncMetrics) RecordConflict(ctx context.Context, entity, handling string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("handling", handling),
	))
}
