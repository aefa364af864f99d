package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	require.NotNil(t, m)

	timer := m.AppendDuration("Call")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended("Call", 5)
	m.ConcurrencyConflict("Call")

	timer = m.ReplayDuration("Call")
	timer.ObserveDuration()
	m.EventsReplayed("Call", 100)

	m.SnapshotLoadDuration("Call").ObserveDuration()
	m.SnapshotSaveDuration("Call").ObserveDuration()

	m.ProjectionDuration("call_summary").ObserveDuration()
	m.ProjectionApplied("call_summary", true)
	m.ProjectionApplied("call_summary", false)
	m.ProjectionRetried("call_summary")
	m.ProjectionDeadLettered("call_summary")

	m.PublishDuration("Call").ObserveDuration()
	m.PublishFailed("Call")

	mm := m.(*esMetrics)
	assert.Equal(t, float64(5), testutil.ToFloat64(mm.eventsAppended.WithLabelValues("Call")))
	assert.Equal(t, float64(1), testutil.ToFloat64(mm.concurrencyConflicts.WithLabelValues("Call")))
	assert.Equal(t, float64(100), testutil.ToFloat64(mm.eventsReplayed.WithLabelValues("Call")))
	assert.Equal(t, float64(1), testutil.ToFloat64(mm.projectionsApplied.WithLabelValues("call_summary", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(mm.projectionDeadLettered.WithLabelValues("call_summary")))
	assert.Equal(t, float64(1), testutil.ToFloat64(mm.publishFailures.WithLabelValues("Call")))
}

func TestNewESMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewESMetrics(reg)
	require.Panics(t, func() { _ = NewESMetrics(reg) })
}
