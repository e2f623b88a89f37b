package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default histogram buckets for dispatch latency (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// promMetrics implements MetricsRecorder using Prometheus.
type promMetrics struct {
	published       *prometheus.CounterVec
	publishErrors   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	claimConflicts  prometheus.Counter
	finished        *prometheus.CounterVec
	archived        prometheus.Counter
	deleted         prometheus.Counter
}

// NewPrometheusRecorder creates a MetricsRecorder registered on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) MetricsRecorder {
	m := &promMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total number of events committed",
		}, []string{"event_type"}),

		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_publish_errors_total",
			Help: "Total number of failed publish commits",
		}, []string{"event_type"}),

		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventbus_dispatch_duration_seconds",
			Help:    "Handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"subscription", "success"}),

		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_claim_conflicts_total",
			Help: "Total number of claims lost to another worker",
		}),

		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_events_finished_total",
			Help: "Total number of events reaching a terminal status",
		}, []string{"status"}),

		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_cleanup_archived_total",
			Help: "Total number of events archived",
		}),

		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_cleanup_deleted_total",
			Help: "Total number of events deleted",
		}),
	}

	reg.MustRegister(
		m.published,
		m.publishErrors,
		m.dispatchLatency,
		m.claimConflicts,
		m.finished,
		m.archived,
		m.deleted,
	)
	return m
}

func (m *promMetrics) RecordPublish(_ context.Context, eventType string, err error) {
	if err != nil {
		m.publishErrors.WithLabelValues(eventType).Inc()
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *promMetrics) RecordDispatch(_ context.Context, subscription string, success bool, duration time.Duration) {
	m.dispatchLatency.WithLabelValues(subscription, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func (m *promMetrics) RecordClaimConflict(context.Context) {
	m.claimConflicts.Inc()
}

func (m *promMetrics) RecordEventFinished(_ context.Context, status string) {
	m.finished.WithLabelValues(status).Inc()
}

func (m *promMetrics) RecordCleanup(_ context.Context, archived, deleted int64) {
	m.archived.Add(float64(archived))
	m.deleted.Add(float64(deleted))
}
