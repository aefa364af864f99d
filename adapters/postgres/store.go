// Package postgres backs the event sourcing interfaces with PostgreSQL.
// Appends serialize per aggregate via a transaction-scoped advisory lock,
// which sidesteps the FOR UPDATE limitation on aggregate queries and keeps
// sequence numbers gapless without a retry loop.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/xpload/voicecore-events-go/core/es"
)

const eventColumns = `event_id, tenant_id, aggregate_id, aggregate_type, event_type,
	event_version, sequence_number, global_seq, payload, metadata,
	causation_id, correlation_id, recorded_at, external_anchor_ref`

// Store implements es.EventStore and es.StatsProvider on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("store", "postgres"))
	return s
}

func (s *Store) Append(ctx context.Context, req es.AppendRequest) (es.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return es.Event{}, mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	// Advisory lock instead of FOR UPDATE on an aggregate: linearizes
	// appends per (tenant, aggregate) for the duration of the transaction.
	lockKey := req.TenantID + "/" + req.AggregateID
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return es.Event{}, mapError(fmt.Errorf("acquire advisory lock: %w", err))
	}

	var last int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0)
		FROM events
		WHERE tenant_id = $1 AND aggregate_id = $2
	`, req.TenantID, req.AggregateID).Scan(&last)
	if err != nil {
		return es.Event{}, mapError(fmt.Errorf("get last sequence: %w", err))
	}

	if req.ExpectedSequence != nil && *req.ExpectedSequence != uint64(last) {
		return es.Event{}, &es.ConcurrencyConflictError{
			TenantID:    req.TenantID,
			AggregateID: req.AggregateID,
			Expected:    *req.ExpectedSequence,
			Actual:      uint64(last),
		}
	}

	var metadata []byte
	if req.Metadata != nil {
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			return es.Event{}, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	ev := es.Event{
		EventID:        gonanoid.Must(),
		TenantID:       req.TenantID,
		AggregateID:    req.AggregateID,
		AggregateType:  req.AggregateType,
		EventType:      req.EventType,
		EventVersion:   req.EventVersion,
		SequenceNumber: uint64(last) + 1,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		CausationID:    req.CausationID,
		CorrelationID:  req.CorrelationID,
	}

	var globalSeq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO events (event_id, tenant_id, aggregate_id, aggregate_type, event_type,
			event_version, sequence_number, payload, metadata, causation_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING global_seq, recorded_at
	`, ev.EventID, ev.TenantID, ev.AggregateID, ev.AggregateType, ev.EventType,
		ev.EventVersion, int64(ev.SequenceNumber), ev.Payload, metadata,
		ev.CausationID, ev.CorrelationID).Scan(&globalSeq, &ev.RecordedAt)
	if err != nil {
		return es.Event{}, mapError(fmt.Errorf("insert event: %w", err))
	}
	ev.GlobalSeq = uint64(globalSeq)

	if err := tx.Commit(ctx); err != nil {
		return es.Event{}, mapError(fmt.Errorf("commit: %w", err))
	}

	if err := ev.Validate(); err != nil {
		return es.Event{}, fmt.Errorf("%w: %v", es.ErrSchemaValidation, err)
	}

	s.log.Debug("append",
		slog.Group("event",
			slog.String("tenant", ev.TenantID),
			slog.String("aggregate_id", ev.AggregateID),
			slog.String("type", ev.EventType),
			slog.Uint64("sequence", ev.SequenceNumber),
		),
	)
	return ev, nil
}

func (s *Store) Events(ctx context.Context, tenantID, aggregateID string, opts ...es.RangeOption) iter.Seq2[es.Event, error] {
	from, to := es.SequenceBounds(opts...)
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE tenant_id = $1 AND aggregate_id = $2
			AND sequence_number >= $3 AND sequence_number <= $4
		ORDER BY sequence_number
	`, tenantID, aggregateID, int64(min(from, 1<<62)), int64(min(to, 1<<62)))
}

func (s *Store) EventsByType(ctx context.Context, tenantID, eventType string, opts ...es.TimeRangeOption) iter.Seq2[es.Event, error] {
	since, until := es.TimeBounds(opts...)
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE tenant_id = $1 AND event_type = $2`
	args := []any{tenantID, eventType}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if !until.IsZero() {
		args = append(args, until)
		query += fmt.Sprintf(" AND recorded_at < $%d", len(args))
	}
	query += " ORDER BY recorded_at, global_seq"
	return s.queryEvents(ctx, query, args...)
}

// queryEvents streams rows lazily; the pool connection is held only while
// the caller keeps iterating.
func (s *Store) queryEvents(ctx context.Context, query string, args ...any) iter.Seq2[es.Event, error] {
	return func(yield func(es.Event, error) bool) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(es.Event{}, mapError(fmt.Errorf("query events: %w", err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				yield(es.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(es.Event{}, mapError(err))
		}
	}
}

func scanEvent(rows pgx.Rows) (es.Event, error) {
	var (
		ev        es.Event
		seq       int64
		globalSeq int64
		version   int32
		metadata  []byte
	)
	err := rows.Scan(&ev.EventID, &ev.TenantID, &ev.AggregateID, &ev.AggregateType,
		&ev.EventType, &version, &seq, &globalSeq, &ev.Payload, &metadata,
		&ev.CausationID, &ev.CorrelationID, &ev.RecordedAt, &ev.ExternalAnchorRef)
	if err != nil {
		return es.Event{}, mapError(fmt.Errorf("scan event: %w", err))
	}
	ev.EventVersion = int(version)
	ev.SequenceNumber = uint64(seq)
	ev.GlobalSeq = uint64(globalSeq)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return es.Event{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return ev, nil
}

func (s *Store) LastSequence(ctx context.Context, tenantID, aggregateID string) (uint64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0)
		FROM events
		WHERE tenant_id = $1 AND aggregate_id = $2
	`, tenantID, aggregateID).Scan(&last)
	if err != nil {
		return 0, mapError(err)
	}
	return uint64(last), nil
}

func (s *Store) SetExternalAnchorRef(ctx context.Context, tenantID, eventID, ref string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET external_anchor_ref = $3
		WHERE tenant_id = $1 AND event_id = $2
	`, tenantID, eventID, ref)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", eventID, es.ErrAggregateNotFound)
	}
	return nil
}

// Stats implements es.StatsProvider with aggregate queries instead of a
// full client-side scan.
func (s *Store) Stats(ctx context.Context, tenantID string, opts ...es.StatsOption) (es.Statistics, error) {
	aggType, since := es.StatsBounds(opts...)

	where := "tenant_id = $1"
	args := []any{tenantID}
	if aggType != "" {
		args = append(args, aggType)
		where += fmt.Sprintf(" AND aggregate_type = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		where += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}

	stats := es.NewStatistics()

	var (
		total, aggregates int64
		oldest, newest    *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT aggregate_id), MIN(recorded_at), MAX(recorded_at)
		FROM events WHERE `+where, args...).Scan(&total, &aggregates, &oldest, &newest)
	if err != nil {
		return es.Statistics{}, mapError(err)
	}
	stats.TotalEvents = uint64(total)
	stats.Aggregates = uint64(aggregates)
	if oldest != nil {
		stats.OldestRecorded = *oldest
	}
	if newest != nil {
		stats.NewestRecorded = *newest
	}

	if err := s.countBy(ctx, "event_type", where, args, stats.ByEventType); err != nil {
		return es.Statistics{}, err
	}
	if err := s.countBy(ctx, "aggregate_type", where, args, stats.ByAggregateType); err != nil {
		return es.Statistics{}, err
	}
	return stats, nil
}

func (s *Store) countBy(ctx context.Context, column, where string, args []any, into map[string]uint64) error {
	rows, err := s.pool.Query(ctx,
		"SELECT "+column+", COUNT(*) FROM events WHERE "+where+" GROUP BY "+column, args...)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return mapError(err)
		}
		into[key] = uint64(count)
	}
	return mapError(rows.Err())
}

// mapError folds driver failures into the error taxonomy: unique violations
// are concurrency conflicts, connection-level failures are retriable
// storage outages.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %v", es.ErrConcurrencyConflict, err)
		// connection exceptions, insufficient resources, shutdown
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57"):
			return fmt.Errorf("%w: %v", es.ErrStorageUnavailable, err)
		default:
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	// anything non-SQL that made it up here is a transport failure
	return fmt.Errorf("%w: %v", es.ErrStorageUnavailable, err)
}

var (
	_ es.EventStore    = (*Store)(nil)
	_ es.StatsProvider = (*Store)(nil)
)
