package es

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ReadModel is a denormalized, queryable projection keyed by an
// application-chosen identifier. Read models are derived data: any of them
// can be deleted and rebuilt from the ledger.
type ReadModel struct {
	ModelType string `json:"model_type"`
	ModelID   string `json:"model_id"`
	TenantID  string `json:"tenant_id"`
	// Data is the projection content, owned by the projection function.
	Data json.RawMessage `json:"data"`
	// Version increments on every successful update and carries the
	// compare-and-swap token for concurrent projectors.
	Version uint64 `json:"version"`
	// AggregateID is the aggregate whose events this model tracks; the
	// idempotence guard compares sequences only within it.
	AggregateID string `json:"aggregate_id"`
	// LastEventID / LastEventSequence identify the most recent event
	// folded into Data.
	LastEventID       string    `json:"last_event_id"`
	LastEventSequence uint64    `json:"last_event_sequence"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ReadModelStore persists read models with compare-and-swap semantics.
type ReadModelStore interface {
	// Get returns the model, or ErrReadModelNotFound.
	Get(ctx context.Context, tenantID, modelType, modelID string) (ReadModel, error)
	// Save persists rm if the stored version still equals
	// expectedVersion (0 meaning "must not exist"), otherwise fails with
	// ErrConcurrencyConflict. The write is atomic: a reader observes
	// either the previous model or the new one, never a mix.
	Save(ctx context.Context, rm ReadModel, expectedVersion uint64) error
	// List returns models of one type ordered by ModelID.
	List(ctx context.Context, tenantID, modelType string, limit, offset int) ([]ReadModel, error)
	// Delete removes a model; deleting an absent model is a no-op.
	Delete(ctx context.Context, tenantID, modelType, modelID string) error
}

// InMemoryReadModelStore keeps read models in a map.
type InMemoryReadModelStore struct {
	mu     sync.RWMutex
	models map[string]ReadModel // tenant/modelType/modelID
}

func NewInMemoryReadModelStore() *InMemoryReadModelStore {
	return &InMemoryReadModelStore{models: map[string]ReadModel{}}
}

func readModelKey(tenantID, modelType, modelID string) string {
	return tenantID + "/" + modelType + "/" + modelID
}

func (s *InMemoryReadModelStore) Get(_ context.Context, tenantID, modelType, modelID string) (ReadModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.models[readModelKey(tenantID, modelType, modelID)]
	if !ok {
		return ReadModel{}, ErrReadModelNotFound
	}
	return rm, nil
}

func (s *InMemoryReadModelStore) Save(_ context.Context, rm ReadModel, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := readModelKey(rm.TenantID, rm.ModelType, rm.ModelID)
	current, exists := s.models[key]
	switch {
	case !exists && expectedVersion != 0:
		return ErrConcurrencyConflict
	case exists && current.Version != expectedVersion:
		return ErrConcurrencyConflict
	}
	rm.Data = append(json.RawMessage(nil), rm.Data...)
	s.models[key] = rm
	return nil
}

func (s *InMemoryReadModelStore) List(_ context.Context, tenantID, modelType string, limit, offset int) ([]ReadModel, error) {
	s.mu.RLock()
	var out []ReadModel
	for _, rm := range s.models {
		if rm.TenantID == tenantID && rm.ModelType == modelType {
			out = append(out, rm)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryReadModelStore) Delete(_ context.Context, tenantID, modelType, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, readModelKey(tenantID, modelType, modelID))
	return nil
}

var _ ReadModelStore = (*InMemoryReadModelStore)(nil)
