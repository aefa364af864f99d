package es

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// Shared fixtures for the package tests. The domain is a minimal call
// lifecycle: calls start, collect talk time and end.

type callState struct {
	Status   string `json:"status"`
	Caller   string `json:"caller"`
	Callee   string `json:"callee"`
	Duration int    `json:"duration_seconds"`
	Folded   int    `json:"folded"`
}

type callStartedPayload struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

type callEndedPayload struct {
	DurationSeconds int `json:"duration_seconds"`
}

func newCallRegistry(t *testing.T) *Registry {
	t.Helper()

	b := NewRegistryBuilder()
	b.Aggregate("Call", func() any { return &callState{} }).
		Event("CallStarted", StrictSchema[callStartedPayload](), func(state any, ev Event) (any, error) {
			s := state.(*callState)
			var p callStartedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, err
			}
			s.Status = "active"
			s.Caller = p.Caller
			s.Callee = p.Callee
			s.Folded++
			return s, nil
		}).
		Event("CallEnded", StrictSchema[callEndedPayload](), func(state any, ev Event) (any, error) {
			s := state.(*callState)
			var p callEndedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, err
			}
			s.Status = "ended"
			s.Duration += p.DurationSeconds
			s.Folded++
			return s, nil
		})

	r, err := b.Build()
	require.NoError(t, err)
	return r
}

func mustAppend(t *testing.T, store EventStore, tenantID, aggregateID, eventType string, payload any) Event {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	ev, err := store.Append(context.Background(), AppendRequest{
		TenantID:      tenantID,
		AggregateID:   aggregateID,
		AggregateType: "Call",
		EventType:     eventType,
		EventVersion:  1,
		Payload:       data,
	})
	require.NoError(t, err)
	return ev
}

func startCall(t *testing.T, store EventStore, tenantID, aggregateID string) Event {
	t.Helper()
	return mustAppend(t, store, tenantID, aggregateID, "CallStarted", callStartedPayload{
		Caller: "+4930111111", Callee: "+4930222222",
	})
}

func endCall(t *testing.T, store EventStore, tenantID, aggregateID string, seconds int) Event {
	t.Helper()
	return mustAppend(t, store, tenantID, aggregateID, "CallEnded", callEndedPayload{
		DurationSeconds: seconds,
	})
}
