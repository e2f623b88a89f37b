package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a test meter provider and returns its reader.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown meter provider: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestOtelMetrics(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordPublish(ctx, "order.created", nil)
	m.RecordPublish(ctx, "order.created", nil)
	m.RecordPublish(ctx, "order.created", errors.New("db down"))
	m.RecordDispatch(ctx, "billing/on_order", true, 5*time.Millisecond)
	m.RecordDispatch(ctx, "billing/on_order", false, 7*time.Millisecond)
	m.RecordClaimConflict(ctx)
	m.RecordEventFinished(ctx, "completed")
	m.RecordCleanup(ctx, 3, 4)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumValue(t, findMetric(rm, "eventbus.events.published")))
	assert.Equal(t, int64(1), sumValue(t, findMetric(rm, "eventbus.events.publish_errors")))
	assert.Equal(t, int64(2), sumValue(t, findMetric(rm, "eventbus.dispatch.count")))
	assert.Equal(t, int64(1), sumValue(t, findMetric(rm, "eventbus.claim.conflicts")))
	assert.Equal(t, int64(1), sumValue(t, findMetric(rm, "eventbus.events.finished")))
	assert.Equal(t, int64(3), sumValue(t, findMetric(rm, "eventbus.cleanup.archived")))
	assert.Equal(t, int64(4), sumValue(t, findMetric(rm, "eventbus.cleanup.deleted")))

	latency := findMetric(rm, "eventbus.dispatch.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusRecorder(reg)
	ctx := context.Background()

	m.RecordPublish(ctx, "order.created", nil)
	m.RecordPublish(ctx, "order.created", errors.New("db down"))
	m.RecordDispatch(ctx, "billing/on_order", true, time.Millisecond)
	m.RecordClaimConflict(ctx)
	m.RecordClaimConflict(ctx)
	m.RecordEventFinished(ctx, "failed")
	m.RecordCleanup(ctx, 1, 2)

	pm := m.(*promMetrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.published.WithLabelValues("order.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.publishErrors.WithLabelValues("order.created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.claimConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.finished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.archived))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.deleted))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.dispatchLatency))

	// Registering twice on one registry panics.
	assert.Panics(t, func() { NewPrometheusRecorder(reg) })
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()
	m.RecordPublish(ctx, "a.b", nil)
	m.RecordDispatch(ctx, "s/h", true, time.Second)
	m.RecordClaimConflict(ctx)
	m.RecordEventFinished(ctx, "completed")
	m.RecordCleanup(ctx, 1, 1)
}
