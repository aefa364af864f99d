package es

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Snapshot is a point-in-time materialization of an aggregate's folded
// state. Snapshots only bound replay cost: deleting every snapshot for an
// aggregate never changes the result of a full replay.
type Snapshot struct {
	TenantID      string `json:"tenant_id"`
	AggregateID   string `json:"aggregate_id"`
	AggregateType string `json:"aggregate_type"`
	// StateData is the reducer's complete state as of ThroughSequence.
	StateData json.RawMessage `json:"state_data"`
	// ThroughSequence is the last event folded into StateData; replay
	// resumes at ThroughSequence+1. Never exceeds the aggregate's latest
	// committed sequence.
	ThroughSequence uint64    `json:"through_sequence"`
	CreatedAt       time.Time `json:"created_at"`
}

// SnapshotStore keeps the most recent snapshot per aggregate.
type SnapshotStore interface {
	// Save overwrites any prior snapshot for the aggregate.
	Save(ctx context.Context, snap Snapshot) error
	// GetLatest returns the aggregate's snapshot, or ErrSnapshotNotFound.
	GetLatest(ctx context.Context, tenantID, aggregateID string) (Snapshot, error)
	// Delete removes the aggregate's snapshot if present.
	Delete(ctx context.Context, tenantID, aggregateID string) error
}

// InMemorySnapshotStore keeps snapshots in a map.
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: map[string]Snapshot{}}
}

func (s *InMemorySnapshotStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[streamKey(snap.TenantID, snap.AggregateID)] = snap
	return nil
}

func (s *InMemorySnapshotStore) GetLatest(_ context.Context, tenantID, aggregateID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[streamKey(tenantID, aggregateID)]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *InMemorySnapshotStore) Delete(_ context.Context, tenantID, aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, streamKey(tenantID, aggregateID))
	return nil
}

var _ SnapshotStore = (*InMemorySnapshotStore)(nil)
