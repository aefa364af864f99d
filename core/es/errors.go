package es

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict signals a lost sequence-number or read-model
	// version race. The caller should reread and retry the write.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorageUnavailable signals a durability-layer failure. Retriable
	// with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownEventType signals an event type with no registered schema
	// or reducer. A configuration error, never retried.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrUnknownAggregateType signals an aggregate type absent from the
	// registry. A configuration error, never retried.
	ErrUnknownAggregateType = errors.New("unknown aggregate type")

	// ErrSchemaValidation signals a payload that does not match the
	// declared event version's schema. Rejected at append, never stored.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrSequenceGap signals a missing sequence number in an aggregate's
	// stored history. Storage corruption; fatal, never silently repaired.
	ErrSequenceGap = errors.New("sequence gap detected")

	// ErrProjectionFailure signals a projection function that kept failing
	// after bounded retries. The event is dead-lettered, never dropped.
	ErrProjectionFailure = errors.New("projection failed")

	ErrAggregateNotFound = errors.New("aggregate not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrReadModelNotFound = errors.New("read model not found")
)

// ConcurrencyConflictError reports a stale expected-sequence precondition.
type ConcurrencyConflictError struct {
	TenantID    string
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s/%s: expected sequence %d, stream is at %d",
		e.TenantID, e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// SequenceGapError reports a hole found in an aggregate's event history.
type SequenceGapError struct {
	TenantID    string
	AggregateID string
	Expected    uint64
	Got         uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap on %s/%s: expected %d, got %d",
		e.TenantID, e.AggregateID, e.Expected, e.Got)
}

func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }

// ProjectionFailureError wraps the final error of an exhausted projection
// retry loop together with the dead-letter record id.
type ProjectionFailureError struct {
	ModelType    string
	ModelID      string
	Attempts     int
	DeadLetterID string
	Err          error
}

func (e *ProjectionFailureError) Error() string {
	return fmt.Sprintf("projection %s/%s failed after %d attempts (dead letter %s): %v",
		e.ModelType, e.ModelID, e.Attempts, e.DeadLetterID, e.Err)
}

func (e *ProjectionFailureError) Unwrap() error { return ErrProjectionFailure }
