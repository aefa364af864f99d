package es

import (
	"encoding/json"
	"fmt"
	"time"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Metadata carries side-channel data recorded alongside an event (source
// system, actor, IP, trace correlation). It is not part of the business
// payload and never participates in reducers.
type Metadata map[string]string

// Event is an immutable fact about one aggregate instance. Once committed,
// no field except ExternalAnchorRef is ever written again.
type Event struct {
	// EventID is globally unique and assigned by the store at append time.
	EventID string `json:"event_id"`
	// TenantID is the isolation boundary; every read and write is scoped
	// to exactly one tenant.
	TenantID string `json:"tenant_id"`
	// AggregateID identifies the owning aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// AggregateType names the aggregate's reducer family, e.g. "Call".
	AggregateType string `json:"aggregate_type"`
	// EventType is the past-tense name of the fact, e.g. "CallEnded".
	EventType string `json:"event_type"`
	// EventVersion is the schema version of Payload.
	EventVersion int `json:"event_version"`
	// SequenceNumber is gapless and 1-based within (TenantID, AggregateID),
	// assigned atomically by the store.
	SequenceNumber uint64 `json:"sequence_number"`
	// GlobalSeq is the store-wide commit sequence, used for subscription
	// checkpointing. It carries no per-aggregate meaning.
	GlobalSeq uint64 `json:"global_seq"`
	// Payload is the event-type specific data, opaque to the store.
	Payload json.RawMessage `json:"payload"`
	// Metadata is recorded as given; may be nil.
	Metadata Metadata `json:"metadata,omitempty"`
	// CausationID references the command or event that produced this event.
	CausationID string `json:"causation_id,omitempty"`
	// CorrelationID links the event to its originating request chain.
	CorrelationID string `json:"correlation_id,omitempty"`
	// RecordedAt is server-assigned at durable commit.
	RecordedAt time.Time `json:"recorded_at"`
	// ExternalAnchorRef optionally points at an external immutability proof.
	// It is set after the fact and never required for correctness.
	ExternalAnchorRef string `json:"external_anchor_ref,omitempty"`
}

// Validate checks the structural fields a committed event must carry.
func (e Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant id is empty")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("aggregate id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("aggregate type is empty")
	}
	if e.EventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if e.EventVersion < 1 {
		return fmt.Errorf("event version must be positive")
	}
	if e.SequenceNumber < 1 {
		return fmt.Errorf("sequence number must be positive")
	}
	if e.RecordedAt.IsZero() {
		return fmt.Errorf("recorded at is zero")
	}
	return nil
}
