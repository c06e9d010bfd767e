package observer

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// LogTelemetry writes every event as a structured log line.
type LogTelemetry struct {
	logger *slog.Logger
}

// NewLogTelemetry creates a LogTelemetry. A nil logger uses slog.Default().
func NewLogTelemetry(logger *slog.Logger) *LogTelemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTelemetry{logger: logger}
}

// Observe implements Telemetry.
func (l *LogTelemetry) Observe(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.ErrorCode != "" {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "execution stage",
		"execution_id", ev.ExecutionID,
		"tenant_id", ev.TenantID,
		"intent_type", ev.IntentType,
		"stage", ev.Stage,
		"status", string(ev.Status),
		"error_code", ev.ErrorCode,
		"duration", ev.Duration,
	)
}

// OTelTelemetry records each event as a span and as RED metrics.
type OTelTelemetry struct {
	tracer   trace.Tracer
	stages   metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOTelTelemetry creates instruments on the given providers.
func NewOTelTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelTelemetry, error) {
	meter := mp.Meter("github.com/roach88/intentd/lifecycle")
	t := &OTelTelemetry{tracer: tp.Tracer("github.com/roach88/intentd/lifecycle")}

	var err error
	t.stages, err = meter.Int64Counter("intentd.stages.total",
		metric.WithDescription("Lifecycle stages completed"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, fmt.Errorf("stage counter: %w", err)
	}
	t.errors, err = meter.Int64Counter("intentd.errors.total",
		metric.WithDescription("Lifecycle stages that ended in an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("error counter: %w", err)
	}
	t.duration, err = meter.Float64Histogram("intentd.stage.duration",
		metric.WithDescription("Lifecycle stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	return t, nil
}

// Observe implements Telemetry. The span is back-dated to cover the stage.
func (t *OTelTelemetry) Observe(ctx context.Context, ev Event) {
	attrs := []attribute.KeyValue{
		attribute.String("intentd.tenant_id", ev.TenantID),
		attribute.String("intentd.intent_type", ev.IntentType),
		attribute.String("intentd.stage", ev.Stage),
		attribute.String("intentd.status", string(ev.Status)),
	}

	end := ev.At
	_, span := t.tracer.Start(ctx, "intentd."+ev.Stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(end.Add(-ev.Duration)),
		trace.WithAttributes(append(attrs, attribute.String("intentd.execution_id", ev.ExecutionID))...),
	)
	if ev.ErrorCode != "" {
		span.SetStatus(codes.Error, ev.ErrorCode)
	}
	span.End(trace.WithTimestamp(end))

	t.stages.Add(ctx, 1, metric.WithAttributes(attrs...))
	if ev.ErrorCode != "" {
		t.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.code", ev.ErrorCode))...))
	}
	t.duration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(attrs...))
}
