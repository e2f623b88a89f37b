package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event bus metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusRecorder for
// Prometheus, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish attempt.
	RecordPublish(ctx context.Context, eventType string, err error)

	// RecordDispatch records one handler invocation.
	RecordDispatch(ctx context.Context, subscription string, success bool, duration time.Duration)

	// RecordClaimConflict records a claim lost to another worker.
	RecordClaimConflict(ctx context.Context)

	// RecordEventFinished records an event reaching a terminal status.
	RecordEventFinished(ctx context.Context, status string)

	// RecordCleanup records one cleanup pass.
	RecordCleanup(ctx context.Context, archived, deleted int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published       metric.Int64Counter
	publishErrors   metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	claimConflicts  metric.Int64Counter
	finished        metric.Int64Counter
	archived        metric.Int64Counter
	deleted         metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily creates the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventbus")
	m := &otelMetrics{}
	var err error

	if m.published, err = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events committed"),
	); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("eventbus.events.publish_errors",
		metric.WithDescription("Number of failed publish commits"),
	); err != nil {
		return nil, err
	}
	if m.dispatches, err = meter.Int64Counter("eventbus.dispatch.count",
		metric.WithDescription("Number of handler invocations"),
	); err != nil {
		return nil, err
	}
	if m.dispatchLatency, err = meter.Float64Histogram("eventbus.dispatch.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.claimConflicts, err = meter.Int64Counter("eventbus.claim.conflicts",
		metric.WithDescription("Number of claims lost to another worker"),
	); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("eventbus.events.finished",
		metric.WithDescription("Number of events reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.archived, err = meter.Int64Counter("eventbus.cleanup.archived",
		metric.WithDescription("Number of events archived"),
	); err != nil {
		return nil, err
	}
	if m.deleted, err = meter.Int64Counter("eventbus.cleanup.deleted",
		metric.WithDescription("Number of events deleted"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
		return
	}
	m.published.Add(ctx, 1, attrs)
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, subscription string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("subscription", subscription),
		attribute.Bool("success", success),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordClaimConflict(ctx context.Context) {
	m.claimConflicts.Add(ctx, 1)
}

func (m *otelMetrics) RecordEventFinished(ctx context.Context, status string) {
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *otelMetrics) RecordCleanup(ctx context.Context, archived, deleted int64) {
	m.archived.Add(ctx, archived)
	m.deleted.Add(ctx, deleted)
}
