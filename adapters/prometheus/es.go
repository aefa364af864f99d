// Package prometheus provides the Prometheus implementation of the event
// sourcing metrics interface.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xpload/voicecore-events-go/core/es"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) es.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type esMetrics struct {
	appendDuration       *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	replayDuration       *prometheus.HistogramVec
	eventsReplayed       *prometheus.CounterVec
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec

	projectionDuration     *prometheus.HistogramVec
	projectionsApplied     *prometheus.CounterVec
	projectionRetries      *prometheus.CounterVec
	projectionDeadLettered *prometheus.CounterVec

	publishDuration *prometheus.HistogramVec
	publishFailures *prometheus.CounterVec
}

// NewESMetrics creates a Prometheus implementation of es.Metrics.
func NewESMetrics(reg prometheus.Registerer) es.Metrics {
	m := &esMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecore_es_append_duration_seconds",
			Help:    "Event append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_es_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		replayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecore_es_replay_duration_seconds",
			Help:    "Aggregate replay latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_es_events_replayed_total",
			Help: "Total number of events folded during replays",
		}, []string{"aggregate_type"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecore_es_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecore_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecore_es_projection_duration_seconds",
			Help:    "Read model projection latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"model_type"}),

		projectionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_es_projections_applied_total",
			Help: "Total number of projection applications",
		}, []string{"model_type", "success"}),

		projectionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_es_projection_retries_total",
			Help: "Total number of projection retry attempts",
		}, []string{"model_type"}),

		projectionDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_es_projection_dead_letters_total",
			Help: "Total number of dead-lettered projections",
		}, []string{"model_type"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecore_es_publish_duration_seconds",
			Help:    "Event bus publish latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_es_publish_failures_total",
			Help: "Total number of failed bus publishes",
		}, []string{"aggregate_type"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.replayDuration,
		m.eventsReplayed,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.projectionDuration,
		m.projectionsApplied,
		m.projectionRetries,
		m.projectionDeadLettered,
		m.publishDuration,
		m.publishFailures,
	)
	return m
}

func (m *esMetrics) AppendDuration(aggType string) es.Timer {
	return newTimer(m.appendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) ReplayDuration(aggType string) es.Timer {
	return newTimer(m.replayDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsReplayed(aggType string, count int) {
	m.eventsReplayed.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) SnapshotLoadDuration(aggType string) es.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) es.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ProjectionDuration(modelType string) es.Timer {
	return newTimer(m.projectionDuration.WithLabelValues(modelType))
}

func (m *esMetrics) ProjectionApplied(modelType string, success bool) {
	m.projectionsApplied.WithLabelValues(modelType, boolLabel(success)).Inc()
}

func (m *esMetrics) ProjectionRetried(modelType string) {
	m.projectionRetries.WithLabelValues(modelType).Inc()
}

func (m *esMetrics) ProjectionDeadLettered(modelType string) {
	m.projectionDeadLettered.WithLabelValues(modelType).Inc()
}

func (m *esMetrics) PublishDuration(aggType string) es.Timer {
	return newTimer(m.publishDuration.WithLabelValues(aggType))
}

func (m *esMetrics) PublishFailed(aggType string) {
	m.publishFailures.WithLabelValues(aggType).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
