package es

import (
	"context"
	"sync"
	"time"
)

// DeadLetter is the operator-visible record of a projection that kept
// failing after bounded retries. The event itself stays in the ledger; the
// dead letter only marks that one read model never absorbed it.
type DeadLetter struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ModelType string    `json:"model_type"`
	ModelID   string    `json:"model_id"`
	Event     Event     `json:"event"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// DeadLetterStore persists dead letters for operator inspection.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, tenantID string, limit, offset int) ([]DeadLetter, error)
}

// InMemoryDeadLetterStore keeps dead letters in order of arrival.
type InMemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters []DeadLetter
}

func NewInMemoryDeadLetterStore() *InMemoryDeadLetterStore {
	return &InMemoryDeadLetterStore{}
}

func (s *InMemoryDeadLetterStore) Add(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *InMemoryDeadLetterStore) List(_ context.Context, tenantID string, limit, offset int) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DeadLetter
	for _, dl := range s.letters {
		if dl.TenantID == tenantID {
			out = append(out, dl)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return append([]DeadLetter(nil), out...), nil
}

var _ DeadLetterStore = (*InMemoryDeadLetterStore)(nil)
