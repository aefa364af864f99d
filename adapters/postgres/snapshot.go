package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xpload/voicecore-events-go/core/es"
)

// SnapshotStore keeps one snapshot per aggregate, newest wins.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

func (s *SnapshotStore) Save(ctx context.Context, snap es.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (tenant_id, aggregate_id, aggregate_type, state_data, through_sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, aggregate_id) DO UPDATE SET
			aggregate_type = EXCLUDED.aggregate_type,
			state_data = EXCLUDED.state_data,
			through_sequence = EXCLUDED.through_sequence,
			created_at = EXCLUDED.created_at
	`, snap.TenantID, snap.AggregateID, snap.AggregateType, snap.StateData,
		int64(snap.ThroughSequence), snap.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("save snapshot: %w", err))
	}
	return nil
}

func (s *SnapshotStore) GetLatest(ctx context.Context, tenantID, aggregateID string) (es.Snapshot, error) {
	var (
		snap    es.Snapshot
		through int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, aggregate_id, aggregate_type, state_data, through_sequence, created_at
		FROM snapshots
		WHERE tenant_id = $1 AND aggregate_id = $2
	`, tenantID, aggregateID).Scan(&snap.TenantID, &snap.AggregateID,
		&snap.AggregateType, &snap.StateData, &through, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return es.Snapshot{}, es.ErrSnapshotNotFound
	}
	if err != nil {
		return es.Snapshot{}, mapError(err)
	}
	snap.ThroughSequence = uint64(through)
	return snap, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, tenantID, aggregateID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE tenant_id = $1 AND aggregate_id = $2`,
		tenantID, aggregateID)
	return mapError(err)
}

var _ es.SnapshotStore = (*SnapshotStore)(nil)
