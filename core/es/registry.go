package es

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Reducer folds one event into aggregate state. Reducers must be pure: no
// I/O, no clocks, no randomness. Replay determinism depends on it.
//
// State is the value returned by the aggregate's initial function or by the
// previous reducer call. Reducers may mutate a pointer state and return it.
type Reducer func(state any, ev Event) (any, error)

// Validator checks a payload against one schema version. It returns a plain
// error describing the mismatch; the registry wraps it in
// ErrSchemaValidation.
type Validator func(payload json.RawMessage) error

// StrictSchema returns a Validator that decodes the payload into T,
// rejecting unknown fields.
func StrictSchema[T any]() Validator {
	return func(payload json.RawMessage) error {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		var v T
		if err := dec.Decode(&v); err != nil {
			return err
		}
		return nil
	}
}

// AnySchema returns a Validator that only requires well-formed JSON.
func AnySchema() Validator {
	return func(payload json.RawMessage) error {
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		return nil
	}
}

type eventBinding struct {
	reduce  Reducer
	schemas map[int]Validator // event version -> validator
}

type aggregateConfig struct {
	initial func() any
	events  map[string]*eventBinding
	lenient bool
}

// Registry is the immutable configuration binding aggregate types to their
// initial state, reducers and payload schemas. It is built once at process
// start via RegistryBuilder and passed by reference into the store service
// and replayer; it is never mutated afterwards.
type Registry struct {
	aggregates map[string]*aggregateConfig
}

// RegistryBuilder collects aggregate and event registrations. Build checks
// the table exhaustively so missing reducers fail at startup, not in
// production.
type RegistryBuilder struct {
	aggregates map[string]*AggregateBuilder
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{aggregates: map[string]*AggregateBuilder{}}
}

// Aggregate registers an aggregate type. initial must return a fresh pointer
// to the zero state; snapshots are restored by unmarshalling into it.
// Registering the same type twice returns the existing builder.
func (b *RegistryBuilder) Aggregate(aggType string, initial func() any) *AggregateBuilder {
	if ab, ok := b.aggregates[aggType]; ok {
		return ab
	}
	ab := &AggregateBuilder{
		aggType: aggType,
		cfg: &aggregateConfig{
			initial: initial,
			events:  map[string]*eventBinding{},
		},
	}
	b.aggregates[aggType] = ab
	return ab
}

// Build freezes the registrations into a Registry. It fails if an aggregate
// has no initial function, if an event has a schema but no reducer, or if an
// event has a reducer but no schema version at all.
func (b *RegistryBuilder) Build() (*Registry, error) {
	r := &Registry{aggregates: map[string]*aggregateConfig{}}
	for aggType, ab := range b.aggregates {
		if ab.cfg.initial == nil {
			return nil, fmt.Errorf("aggregate %q: initial state function is required", aggType)
		}
		for eventType, binding := range ab.cfg.events {
			if binding.reduce == nil {
				return nil, fmt.Errorf("aggregate %q: event %q has a schema but no reducer", aggType, eventType)
			}
			if len(binding.schemas) == 0 {
				return nil, fmt.Errorf("aggregate %q: event %q has a reducer but no schema version", aggType, eventType)
			}
		}
		r.aggregates[aggType] = ab.cfg
	}
	return r, nil
}

// AggregateBuilder registers events for one aggregate type.
type AggregateBuilder struct {
	aggType string
	cfg     *aggregateConfig
}

// Event binds a reducer to an event type with a version-1 schema.
func (a *AggregateBuilder) Event(eventType string, v Validator, reduce Reducer) *AggregateBuilder {
	return a.EventVersion(eventType, 1, v, reduce)
}

// EventVersion binds a reducer and a schema for a specific payload version.
// The reducer is shared across versions; later calls for the same event type
// add schema versions and may leave reduce nil.
func (a *AggregateBuilder) EventVersion(eventType string, version int, v Validator, reduce Reducer) *AggregateBuilder {
	binding, ok := a.cfg.events[eventType]
	if !ok {
		binding = &eventBinding{schemas: map[int]Validator{}}
		a.cfg.events[eventType] = binding
	}
	if reduce != nil {
		binding.reduce = reduce
	}
	if v != nil {
		binding.schemas[version] = v
	}
	return a
}

// Lenient makes unknown event types fold as no-ops for this aggregate
// instead of failing replay with ErrUnknownEventType.
func (a *AggregateBuilder) Lenient() *AggregateBuilder {
	a.cfg.lenient = true
	return a
}

// InitialState returns a fresh zero state for the aggregate type.
func (r *Registry) InitialState(aggType string) (any, error) {
	cfg, ok := r.aggregates[aggType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, aggType)
	}
	return cfg.initial(), nil
}

// Reduce folds ev into state using the reducer registered for
// (ev.AggregateType, ev.EventType).
func (r *Registry) Reduce(state any, ev Event) (any, error) {
	cfg, ok := r.aggregates[ev.AggregateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, ev.AggregateType)
	}
	binding, ok := cfg.events[ev.EventType]
	if !ok {
		if cfg.lenient {
			return state, nil
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEventType, ev.AggregateType, ev.EventType)
	}
	return binding.reduce(state, ev)
}

// ValidatePayload checks payload against the schema declared for
// (aggType, eventType, version).
func (r *Registry) ValidatePayload(aggType, eventType string, version int, payload json.RawMessage) error {
	cfg, ok := r.aggregates[aggType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAggregateType, aggType)
	}
	binding, ok := cfg.events[eventType]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownEventType, aggType, eventType)
	}
	validate, ok := binding.schemas[version]
	if !ok {
		return fmt.Errorf("%w: %s/%s has no schema version %d", ErrSchemaValidation, aggType, eventType, version)
	}
	if err := validate(payload); err != nil {
		return fmt.Errorf("%w: %s/%s v%d: %v", ErrSchemaValidation, aggType, eventType, version, err)
	}
	return nil
}

// EventTypes enumerates all registered event type names, sorted.
func (r *Registry) EventTypes() []string {
	seen := map[string]struct{}{}
	for _, cfg := range r.aggregates {
		for eventType := range cfg.events {
			seen[eventType] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for eventType := range seen {
		out = append(out, eventType)
	}
	sort.Strings(out)
	return out
}

// AggregateTypes enumerates all registered aggregate type names, sorted.
func (r *Registry) AggregateTypes() []string {
	out := make([]string, 0, len(r.aggregates))
	for aggType := range r.aggregates {
		out = append(out, aggType)
	}
	sort.Strings(out)
	return out
}
