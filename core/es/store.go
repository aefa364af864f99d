package es

import (
	"context"
	"encoding/json"
	"iter"
	"math"
	"time"
)

// AppendRequest carries everything a caller supplies for one append. The
// store assigns EventID, SequenceNumber, GlobalSeq and RecordedAt.
type AppendRequest struct {
	TenantID      string          `json:"tenant_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// ExpectedSequence, when non-nil, is an optimistic concurrency
	// precondition: the append succeeds only if the aggregate's current
	// last sequence equals *ExpectedSequence. A stale value fails with
	// ErrConcurrencyConflict and is never retried by the store.
	ExpectedSequence *uint64 `json:"expected_sequence,omitempty"`
}

func (r AppendRequest) validate() error {
	if r.TenantID == "" {
		return errEmpty("tenant id")
	}
	if r.AggregateID == "" {
		return errEmpty("aggregate id")
	}
	if r.AggregateType == "" {
		return errEmpty("aggregate type")
	}
	if r.EventType == "" {
		return errEmpty("event type")
	}
	if r.EventVersion < 1 {
		return errEmpty("positive event version")
	}
	return nil
}

// EventStore is the append-only, per-aggregate-ordered ledger of events.
// Implementations must be safe for concurrent use: appends to the same
// (tenant, aggregate) are linearized, appends to different aggregates
// proceed independently.
type EventStore interface {
	// Append durably commits one event, assigning the next gapless
	// sequence number for (TenantID, AggregateID). There are no partial
	// writes: an append either commits the full event or has no effect.
	Append(ctx context.Context, req AppendRequest) (Event, error)

	// Events returns the aggregate's events in strictly ascending
	// SequenceNumber order within the requested bounds. The sequence is
	// lazy and finite: it terminates at the latest sequence committed at
	// call time. Cancelling ctx ends iteration with ctx.Err().
	Events(ctx context.Context, tenantID, aggregateID string, opts ...RangeOption) iter.Seq2[Event, error]

	// EventsByType returns events of one type across all aggregates of a
	// tenant, ordered by RecordedAt.
	EventsByType(ctx context.Context, tenantID, eventType string, opts ...TimeRangeOption) iter.Seq2[Event, error]

	// LastSequence returns the aggregate's latest committed sequence
	// number, 0 if the aggregate has no events.
	LastSequence(ctx context.Context, tenantID, aggregateID string) (uint64, error)

	// SetExternalAnchorRef records an external immutability proof on an
	// already committed event. The event's business fields stay untouched.
	SetExternalAnchorRef(ctx context.Context, tenantID, eventID, ref string) error
}

// StatsProvider is implemented by stores that can answer aggregate
// statistics queries without a full scan by the caller.
type StatsProvider interface {
	Stats(ctx context.Context, tenantID string, opts ...StatsOption) (Statistics, error)
}

type rangeOptions struct {
	from uint64
	to   uint64
}

// RangeOption bounds a per-aggregate read.
type RangeOption func(*rangeOptions)

// FromSequence sets the inclusive lower sequence bound (default 1).
func FromSequence(seq uint64) RangeOption {
	return func(o *rangeOptions) { o.from = seq }
}

// ToSequence sets the inclusive upper sequence bound (default unbounded).
func ToSequence(seq uint64) RangeOption {
	return func(o *rangeOptions) { o.to = seq }
}

func newRangeOptions(opts ...RangeOption) rangeOptions {
	o := rangeOptions{from: 1, to: math.MaxUint64}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type timeRangeOptions struct {
	from time.Time
	to   time.Time
}

// TimeRangeOption bounds a cross-aggregate read by RecordedAt.
type TimeRangeOption func(*timeRangeOptions)

// RecordedSince sets the inclusive lower time bound.
func RecordedSince(t time.Time) TimeRangeOption {
	return func(o *timeRangeOptions) { o.from = t }
}

// RecordedUntil sets the exclusive upper time bound.
func RecordedUntil(t time.Time) TimeRangeOption {
	return func(o *timeRangeOptions) { o.to = t }
}

func newTimeRangeOptions(opts ...TimeRangeOption) timeRangeOptions {
	var o timeRangeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o timeRangeOptions) contains(t time.Time) bool {
	if !o.from.IsZero() && t.Before(o.from) {
		return false
	}
	if !o.to.IsZero() && !t.Before(o.to) {
		return false
	}
	return true
}

// SequenceBounds resolves range options to their inclusive bounds. Store
// implementations outside this package use it to translate options into
// queries.
func SequenceBounds(opts ...RangeOption) (from, to uint64) {
	o := newRangeOptions(opts...)
	return o.from, o.to
}

// TimeBounds resolves time range options to an inclusive lower and an
// exclusive upper bound; zero values mean unbounded.
func TimeBounds(opts ...TimeRangeOption) (since, until time.Time) {
	o := newTimeRangeOptions(opts...)
	return o.from, o.to
}

// CollectEvents drains an event sequence into a slice, stopping at the
// first error.
func CollectEvents(seq iter.Seq2[Event, error]) ([]Event, error) {
	var out []Event
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func errEmpty(what string) error {
	return &validationError{what: what}
}

type validationError struct{ what string }

func (e *validationError) Error() string { return "append requires a " + e.what }
func (e *validationError) Unwrap() error { return ErrSchemaValidation }
