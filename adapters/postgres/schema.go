package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the complete DDL for the event sourcing tables. Idempotent, so
// Migrate can run at every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	global_seq          BIGSERIAL PRIMARY KEY,
	event_id            TEXT NOT NULL,
	tenant_id           TEXT NOT NULL,
	aggregate_id        TEXT NOT NULL,
	aggregate_type      TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	event_version       INTEGER NOT NULL,
	sequence_number     BIGINT NOT NULL,
	payload             JSONB NOT NULL,
	metadata            JSONB,
	causation_id        TEXT NOT NULL DEFAULT '',
	correlation_id      TEXT NOT NULL DEFAULT '',
	recorded_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	external_anchor_ref TEXT NOT NULL DEFAULT '',
	CONSTRAINT events_stream_seq UNIQUE (tenant_id, aggregate_id, sequence_number),
	CONSTRAINT events_tenant_event_id UNIQUE (tenant_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_events_by_type
	ON events (tenant_id, event_type, recorded_at);
CREATE INDEX IF NOT EXISTS idx_events_stream
	ON events (tenant_id, aggregate_id, sequence_number);

CREATE TABLE IF NOT EXISTS snapshots (
	tenant_id        TEXT NOT NULL,
	aggregate_id     TEXT NOT NULL,
	aggregate_type   TEXT NOT NULL,
	state_data       JSONB NOT NULL,
	through_sequence BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, aggregate_id)
);

CREATE TABLE IF NOT EXISTS read_models (
	tenant_id           TEXT NOT NULL,
	model_type          TEXT NOT NULL,
	model_id            TEXT NOT NULL,
	data                JSONB,
	version             BIGINT NOT NULL,
	aggregate_id        TEXT NOT NULL DEFAULT '',
	last_event_id       TEXT NOT NULL DEFAULT '',
	last_event_sequence BIGINT NOT NULL DEFAULT 0,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, model_type, model_id)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	model_type TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	event      JSONB NOT NULL,
	error      TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_tenant
	ON dead_letters (tenant_id, failed_at);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
