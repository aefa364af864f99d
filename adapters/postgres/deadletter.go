package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xpload/voicecore-events-go/core/es"
)

// DeadLetterStore persists projection dead letters for operator triage.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

func (s *DeadLetterStore) Add(ctx context.Context, dl es.DeadLetter) error {
	event, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter event: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, tenant_id, model_type, model_id, event, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, dl.ID, dl.TenantID, dl.ModelType, dl.ModelID, event, dl.Error, dl.Attempts, dl.FailedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert dead letter: %w", err))
	}
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, tenantID string, limit, offset int) ([]es.DeadLetter, error) {
	query := `
		SELECT id, tenant_id, model_type, model_id, event, error, attempts, failed_at
		FROM dead_letters
		WHERE tenant_id = $1
		ORDER BY failed_at, id
		OFFSET $2`
	args := []any{tenantID, offset}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $3"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []es.DeadLetter
	for rows.Next() {
		var (
			dl    es.DeadLetter
			event []byte
		)
		err := rows.Scan(&dl.ID, &dl.TenantID, &dl.ModelType, &dl.ModelID,
			&event, &dl.Error, &dl.Attempts, &dl.FailedAt)
		if err != nil {
			return nil, mapError(err)
		}
		if err := json.Unmarshal(event, &dl.Event); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter event: %w", err)
		}
		out = append(out, dl)
	}
	return out, mapError(rows.Err())
}

var _ es.DeadLetterStore = (*DeadLetterStore)(nil)
