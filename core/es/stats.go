package es

import "time"

// Statistics summarizes a tenant's event stream for the statistics API.
type Statistics struct {
	TotalEvents     uint64            `json:"total_events"`
	ByEventType     map[string]uint64 `json:"by_event_type"`
	ByAggregateType map[string]uint64 `json:"by_aggregate_type"`
	Aggregates      uint64            `json:"aggregates"`
	OldestRecorded  time.Time         `json:"oldest_recorded,omitempty"`
	NewestRecorded  time.Time         `json:"newest_recorded,omitempty"`

	seenAggregates map[string]struct{}
}

func NewStatistics() Statistics {
	return Statistics{
		ByEventType:     map[string]uint64{},
		ByAggregateType: map[string]uint64{},
		seenAggregates:  map[string]struct{}{},
	}
}

func (s *Statistics) observe(ev Event) {
	s.TotalEvents++
	s.ByEventType[ev.EventType]++
	s.ByAggregateType[ev.AggregateType]++
	if _, ok := s.seenAggregates[ev.AggregateID]; !ok {
		s.seenAggregates[ev.AggregateID] = struct{}{}
		s.Aggregates++
	}
	if s.OldestRecorded.IsZero() || ev.RecordedAt.Before(s.OldestRecorded) {
		s.OldestRecorded = ev.RecordedAt
	}
	if ev.RecordedAt.After(s.NewestRecorded) {
		s.NewestRecorded = ev.RecordedAt
	}
}

type statsOptions struct {
	aggregateType string
	from          time.Time
}

// StatsOption filters a statistics query.
type StatsOption func(*statsOptions)

// StatsForAggregateType restricts counting to one aggregate type.
func StatsForAggregateType(aggType string) StatsOption {
	return func(o *statsOptions) { o.aggregateType = aggType }
}

// StatsSince restricts counting to events recorded at or after t.
func StatsSince(t time.Time) StatsOption {
	return func(o *statsOptions) { o.from = t }
}

func newStatsOptions(opts ...StatsOption) statsOptions {
	var o statsOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StatsBounds resolves stats options for store implementations outside this
// package.
func StatsBounds(opts ...StatsOption) (aggregateType string, since time.Time) {
	o := newStatsOptions(opts...)
	return o.aggregateType, o.from
}

func (o statsOptions) matches(ev Event) bool {
	if o.aggregateType != "" && ev.AggregateType != o.aggregateType {
		return false
	}
	if !o.from.IsZero() && ev.RecordedAt.Before(o.from) {
		return false
	}
	return true
}
