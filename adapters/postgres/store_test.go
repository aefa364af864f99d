//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xpload/voicecore-events-go/adapters/postgres"
	"github.com/xpload/voicecore-events-go/core/es"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("events_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	return pool
}

func appendCall(t *testing.T, store *postgres.Store, tenantID, aggregateID, eventType string, payload string) es.Event {
	t.Helper()
	ev, err := store.Append(context.Background(), es.AppendRequest{
		TenantID:      tenantID,
		AggregateID:   aggregateID,
		AggregateType: "Call",
		EventType:     eventType,
		EventVersion:  1,
		Payload:       json.RawMessage(payload),
	})
	require.NoError(t, err)
	return ev
}

func TestStore_AppendAndRead(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	ev1 := appendCall(t, store, "tenant-a", "call-1", "CallStarted", `{"caller":"a"}`)
	ev2 := appendCall(t, store, "tenant-a", "call-1", "CallEnded", `{"duration_seconds":9}`)

	require.Equal(t, uint64(1), ev1.SequenceNumber)
	require.Equal(t, uint64(2), ev2.SequenceNumber)
	require.Less(t, ev1.GlobalSeq, ev2.GlobalSeq)
	require.False(t, ev1.RecordedAt.IsZero())

	events, err := es.CollectEvents(store.Events(ctx, "tenant-a", "call-1"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, json.RawMessage(`{"caller": "a"}`), events[0].Payload)

	bounded, err := es.CollectEvents(store.Events(ctx, "tenant-a", "call-1", es.FromSequence(2)))
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	require.Equal(t, "CallEnded", bounded[0].EventType)

	last, err := store.LastSequence(ctx, "tenant-a", "call-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestStore_ConcurrentAppendsStayGapless(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	const (
		writers = 6
		each    = 10
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				appendCall(t, store, "tenant-a", "call-1", "CallEnded", `{"duration_seconds":1}`)
			}
		}()
	}
	wg.Wait()

	events, err := es.CollectEvents(store.Events(ctx, "tenant-a", "call-1"))
	require.NoError(t, err)
	require.Len(t, events, writers*each)
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.SequenceNumber)
	}
}

func TestStore_ExpectedSequenceConflict(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	appendCall(t, store, "tenant-a", "call-1", "CallStarted", `{}`)

	stale := uint64(0)
	_, err := store.Append(ctx, es.AppendRequest{
		TenantID:         "tenant-a",
		AggregateID:      "call-1",
		AggregateType:    "Call",
		EventType:        "CallEnded",
		EventVersion:     1,
		Payload:          json.RawMessage(`{}`),
		ExpectedSequence: &stale,
	})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	var conflict *es.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint64(1), conflict.Actual)
}

func TestStore_TenantIsolation(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	appendCall(t, store, "tenant-a", "call-1", "CallStarted", `{}`)
	appendCall(t, store, "tenant-b", "call-1", "CallStarted", `{}`)

	b, err := es.CollectEvents(store.Events(ctx, "tenant-b", "call-1"))
	require.NoError(t, err)
	require.Len(t, b, 1)
	require.Equal(t, uint64(1), b[0].SequenceNumber)
}

func TestStore_EventsByTypeAndStats(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	appendCall(t, store, "tenant-a", "call-1", "CallStarted", `{}`)
	appendCall(t, store, "tenant-a", "call-1", "CallEnded", `{"duration_seconds":5}`)
	appendCall(t, store, "tenant-a", "call-2", "CallStarted", `{}`)

	ended, err := es.CollectEvents(store.EventsByType(ctx, "tenant-a", "CallEnded"))
	require.NoError(t, err)
	require.Len(t, ended, 1)

	stats, err := store.Stats(ctx, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(3), stats.TotalEvents)
	require.Equal(t, uint64(2), stats.Aggregates)
	require.Equal(t, uint64(2), stats.ByEventType["CallStarted"])
}

func TestStore_SetExternalAnchorRef(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	ev := appendCall(t, store, "tenant-a", "call-1", "CallStarted", `{}`)

	require.NoError(t, store.SetExternalAnchorRef(ctx, "tenant-a", ev.EventID, "anchor://batch/1"))

	events, err := es.CollectEvents(store.Events(ctx, "tenant-a", "call-1"))
	require.NoError(t, err)
	require.Equal(t, "anchor://batch/1", events[0].ExternalAnchorRef)

	require.Error(t, store.SetExternalAnchorRef(ctx, "tenant-b", ev.EventID, "anchor://nope"))
}

func TestSnapshotStore_Upsert(t *testing.T) {
	pool := setupPool(t)
	snapshots := postgres.NewSnapshotStore(pool)
	ctx := context.Background()

	_, err := snapshots.GetLatest(ctx, "tenant-a", "call-1")
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	snap := es.Snapshot{
		TenantID:        "tenant-a",
		AggregateID:     "call-1",
		AggregateType:   "Call",
		StateData:       json.RawMessage(`{"status":"active"}`),
		ThroughSequence: 5,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, snapshots.Save(ctx, snap))

	snap.ThroughSequence = 10
	snap.StateData = json.RawMessage(`{"status":"ended"}`)
	require.NoError(t, snapshots.Save(ctx, snap))

	got, err := snapshots.GetLatest(ctx, "tenant-a", "call-1")
	require.NoError(t, err)
	require.Equal(t, uint64(10), got.ThroughSequence)

	require.NoError(t, snapshots.Delete(ctx, "tenant-a", "call-1"))
	_, err = snapshots.GetLatest(ctx, "tenant-a", "call-1")
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)
}

func TestReadModelStore_CAS(t *testing.T) {
	pool := setupPool(t)
	models := postgres.NewReadModelStore(pool)
	ctx := context.Background()

	rm := es.ReadModel{
		ModelType:         "call_summary",
		ModelID:           "call-1",
		TenantID:          "tenant-a",
		Data:              json.RawMessage(`{"total_seconds":5}`),
		Version:           1,
		AggregateID:       "call-1",
		LastEventSequence: 1,
		UpdatedAt:         time.Now().UTC(),
	}

	require.NoError(t, models.Save(ctx, rm, 0))
	require.ErrorIs(t, models.Save(ctx, rm, 0), es.ErrConcurrencyConflict)

	rm.Version = 2
	require.ErrorIs(t, models.Save(ctx, rm, 9), es.ErrConcurrencyConflict)
	require.NoError(t, models.Save(ctx, rm, 1))

	got, err := models.Get(ctx, "tenant-a", "call_summary", "call-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)

	require.NoError(t, models.Delete(ctx, "tenant-a", "call_summary", "call-1"))
	_, err = models.Get(ctx, "tenant-a", "call_summary", "call-1")
	require.ErrorIs(t, err, es.ErrReadModelNotFound)
}

func TestDeadLetterStore_AddAndList(t *testing.T) {
	pool := setupPool(t)
	letters := postgres.NewDeadLetterStore(pool)
	ctx := context.Background()

	dl := es.DeadLetter{
		ID:        "dl-1",
		TenantID:  "tenant-a",
		ModelType: "call_summary",
		ModelID:   "call-1",
		Event: es.Event{
			EventID: "ev-1", TenantID: "tenant-a", AggregateID: "call-1",
			AggregateType: "Call", EventType: "CallEnded", EventVersion: 1,
			SequenceNumber: 3, Payload: json.RawMessage(`{}`),
			RecordedAt: time.Now().UTC(),
		},
		Error:    "schema drift",
		Attempts: 3,
		FailedAt: time.Now().UTC(),
	}
	require.NoError(t, letters.Add(ctx, dl))

	got, err := letters.List(ctx, "tenant-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "dl-1", got[0].ID)
	require.Equal(t, "ev-1", got[0].Event.EventID)

	none, err := letters.List(ctx, "tenant-b", 10, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}
