package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xpload/voicecore-events-go/core/es"
)

// ReadModelStore persists read models with compare-and-swap on the version
// column. A lost race surfaces as es.ErrConcurrencyConflict, never as a
// silent overwrite.
type ReadModelStore struct {
	pool *pgxpool.Pool
}

func NewReadModelStore(pool *pgxpool.Pool) *ReadModelStore {
	return &ReadModelStore{pool: pool}
}

func (s *ReadModelStore) Get(ctx context.Context, tenantID, modelType, modelID string) (es.ReadModel, error) {
	var (
		rm      es.ReadModel
		version int64
		lastSeq int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, model_type, model_id, data, version,
			aggregate_id, last_event_id, last_event_sequence, updated_at
		FROM read_models
		WHERE tenant_id = $1 AND model_type = $2 AND model_id = $3
	`, tenantID, modelType, modelID).Scan(&rm.TenantID, &rm.ModelType, &rm.ModelID,
		&rm.Data, &version, &rm.AggregateID, &rm.LastEventID, &lastSeq, &rm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return es.ReadModel{}, es.ErrReadModelNotFound
	}
	if err != nil {
		return es.ReadModel{}, mapError(err)
	}
	rm.Version = uint64(version)
	rm.LastEventSequence = uint64(lastSeq)
	return rm, nil
}

func (s *ReadModelStore) Save(ctx context.Context, rm es.ReadModel, expectedVersion uint64) error {
	var tag pgconn.CommandTag
	var err error
	if expectedVersion == 0 {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO read_models (tenant_id, model_type, model_id, data, version,
				aggregate_id, last_event_id, last_event_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tenant_id, model_type, model_id) DO NOTHING
		`, rm.TenantID, rm.ModelType, rm.ModelID, rm.Data, int64(rm.Version),
			rm.AggregateID, rm.LastEventID, int64(rm.LastEventSequence), rm.UpdatedAt)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE read_models SET data = $4, version = $5, aggregate_id = $6,
				last_event_id = $7, last_event_sequence = $8, updated_at = $9
			WHERE tenant_id = $1 AND model_type = $2 AND model_id = $3
				AND version = $10
		`, rm.TenantID, rm.ModelType, rm.ModelID, rm.Data, int64(rm.Version),
			rm.AggregateID, rm.LastEventID, int64(rm.LastEventSequence), rm.UpdatedAt,
			int64(expectedVersion))
	}
	if err != nil {
		return mapError(fmt.Errorf("save read model: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return es.ErrConcurrencyConflict
	}
	return nil
}

func (s *ReadModelStore) List(ctx context.Context, tenantID, modelType string, limit, offset int) ([]es.ReadModel, error) {
	query := `
		SELECT tenant_id, model_type, model_id, data, version,
			aggregate_id, last_event_id, last_event_sequence, updated_at
		FROM read_models
		WHERE tenant_id = $1 AND model_type = $2
		ORDER BY model_id
		OFFSET $3`
	args := []any{tenantID, modelType, offset}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $4"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []es.ReadModel
	for rows.Next() {
		var (
			rm      es.ReadModel
			version int64
			lastSeq int64
		)
		err := rows.Scan(&rm.TenantID, &rm.ModelType, &rm.ModelID, &rm.Data, &version,
			&rm.AggregateID, &rm.LastEventID, &lastSeq, &rm.UpdatedAt)
		if err != nil {
			return nil, mapError(err)
		}
		rm.Version = uint64(version)
		rm.LastEventSequence = uint64(lastSeq)
		out = append(out, rm)
	}
	return out, mapError(rows.Err())
}

func (s *ReadModelStore) Delete(ctx context.Context, tenantID, modelType, modelID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM read_models WHERE tenant_id = $1 AND model_type = $2 AND model_id = $3`,
		tenantID, modelType, modelID)
	return mapError(err)
}

var _ es.ReadModelStore = (*ReadModelStore)(nil)
