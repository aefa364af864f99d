package es

// Timer measures one operation; ObserveDuration records the elapsed time.
type Timer interface {
	ObserveDuration()
}

// Metrics is the instrumentation hook for the event sourcing core.
// Implementations must be safe for concurrent use; a Prometheus
// implementation lives in adapters/prometheus.
type Metrics interface {
	AppendDuration(aggType string) Timer
	EventsAppended(aggType string, count int)
	ConcurrencyConflict(aggType string)

	ReplayDuration(aggType string) Timer
	EventsReplayed(aggType string, count int)
	SnapshotLoadDuration(aggType string) Timer
	SnapshotSaveDuration(aggType string) Timer

	ProjectionDuration(modelType string) Timer
	ProjectionApplied(modelType string, success bool)
	ProjectionRetried(modelType string)
	ProjectionDeadLettered(modelType string)

	PublishDuration(aggType string) Timer
	PublishFailed(aggType string)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopMetrics struct{}

func (nopMetrics) AppendDuration(string) Timer       { return nopTimer{} }
func (nopMetrics) EventsAppended(string, int)        {}
func (nopMetrics) ConcurrencyConflict(string)        {}
func (nopMetrics) ReplayDuration(string) Timer       { return nopTimer{} }
func (nopMetrics) EventsReplayed(string, int)        {}
func (nopMetrics) SnapshotLoadDuration(string) Timer { return nopTimer{} }
func (nopMetrics) SnapshotSaveDuration(string) Timer { return nopTimer{} }
func (nopMetrics) ProjectionDuration(string) Timer   { return nopTimer{} }
func (nopMetrics) ProjectionApplied(string, bool)    {}
func (nopMetrics) ProjectionRetried(string)          {}
func (nopMetrics) ProjectionDeadLettered(string)     {}
func (nopMetrics) PublishDuration(string) Timer      { return nopTimer{} }
func (nopMetrics) PublishFailed(string)              {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
