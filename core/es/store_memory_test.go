package es

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_AppendAssignsSequences(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	ev1 := startCall(t, store, "tenant-a", "call-1")
	ev2 := endCall(t, store, "tenant-a", "call-1", 42)

	require.Equal(t, uint64(1), ev1.SequenceNumber)
	require.Equal(t, uint64(2), ev2.SequenceNumber)
	require.NotEqual(t, ev1.EventID, ev2.EventID)
	require.Less(t, ev1.GlobalSeq, ev2.GlobalSeq)
	require.False(t, ev1.RecordedAt.IsZero())

	last, err := store.LastSequence(context.Background(), "tenant-a", "call-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestInMemoryStore_AppendValidatesRequest(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	_, err := store.Append(context.Background(), AppendRequest{
		AggregateID:   "call-1",
		AggregateType: "Call",
		EventType:     "CallStarted",
		EventVersion:  1,
	})
	require.ErrorIs(t, err, ErrSchemaValidation)
}

func TestInMemoryStore_ConcurrentAppendsStayGapless(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	const (
		writers = 8
		each    = 25
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				endCall(t, store, "tenant-a", "call-1", 1)
			}
		}()
	}
	wg.Wait()

	events, err := CollectEvents(store.Events(context.Background(), "tenant-a", "call-1"))
	require.NoError(t, err)
	require.Len(t, events, writers*each)

	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.SequenceNumber, "sequence must be gapless and ascending")
	}
}

// Two writers race on the same expected sequence: exactly one commits, the
// loser fails fast and succeeds after rereading the stream head.
func TestInMemoryStore_ExpectedSequenceConflict(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	ctx := context.Background()

	startCall(t, store, "tenant-a", "call-1")

	expected := uint64(1)
	req := AppendRequest{
		TenantID:         "tenant-a",
		AggregateID:      "call-1",
		AggregateType:    "Call",
		EventType:        "CallEnded",
		EventVersion:     1,
		Payload:          []byte(`{"duration_seconds":10}`),
		ExpectedSequence: &expected,
	}

	_, err := store.Append(ctx, req)
	require.NoError(t, err)

	_, err = store.Append(ctx, req)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(1), conflict.Expected)
	assert.Equal(t, uint64(2), conflict.Actual)

	// refreshed expectation commits
	refreshed := uint64(2)
	req.ExpectedSequence = &refreshed
	ev, err := store.Append(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ev.SequenceNumber)
}

func TestInMemoryStore_TenantIsolation(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	ctx := context.Background()

	// same aggregate id in two tenants
	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 5)
	startCall(t, store, "tenant-b", "call-1")

	a, err := CollectEvents(store.Events(ctx, "tenant-a", "call-1"))
	require.NoError(t, err)
	b, err := CollectEvents(store.Events(ctx, "tenant-b", "call-1"))
	require.NoError(t, err)

	require.Len(t, a, 2)
	require.Len(t, b, 1)
	require.Equal(t, uint64(1), b[0].SequenceNumber, "tenants sequence independently")

	for _, ev := range a {
		require.Equal(t, "tenant-a", ev.TenantID)
	}
}

func TestInMemoryStore_RangedReads(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	ctx := context.Background()

	startCall(t, store, "tenant-a", "call-1")
	for i := 0; i < 4; i++ {
		endCall(t, store, "tenant-a", "call-1", i)
	}

	events, err := CollectEvents(store.Events(ctx, "tenant-a", "call-1", FromSequence(2), ToSequence(4)))
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(2), events[0].SequenceNumber)
	require.Equal(t, uint64(4), events[2].SequenceNumber)

	// empty range
	events, err = CollectEvents(store.Events(ctx, "tenant-a", "call-1", FromSequence(99)))
	require.NoError(t, err)
	require.Empty(t, events)

	// unknown aggregate reads as empty, not as an error
	events, err = CollectEvents(store.Events(ctx, "tenant-a", "no-such-call"))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestInMemoryStore_ReadCancellation(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CollectEvents(store.Events(ctx, "tenant-a", "call-1"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestInMemoryStore_EventsByType(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store := NewInMemoryStore(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	defer store.Close()
	ctx := context.Background()

	// ticks advance one minute per append
	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 10)
	startCall(t, store, "tenant-a", "call-2")
	endCall(t, store, "tenant-a", "call-2", 20)
	startCall(t, store, "tenant-b", "call-9")

	events, err := CollectEvents(store.EventsByType(ctx, "tenant-a", "CallEnded"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, events[0].RecordedAt.Before(events[1].RecordedAt))

	// upper bound is exclusive
	events, err = CollectEvents(store.EventsByType(ctx, "tenant-a", "CallEnded",
		RecordedSince(base.Add(2*time.Minute)),
		RecordedUntil(base.Add(4*time.Minute)),
	))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "call-1", events[0].AggregateID)
}

func TestInMemoryStore_SetExternalAnchorRef(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	ctx := context.Background()

	ev := startCall(t, store, "tenant-a", "call-1")

	require.NoError(t, store.SetExternalAnchorRef(ctx, "tenant-a", ev.EventID, "anchor://batch/77"))

	events, err := CollectEvents(store.Events(ctx, "tenant-a", "call-1"))
	require.NoError(t, err)
	require.Equal(t, "anchor://batch/77", events[0].ExternalAnchorRef)

	// anchors are tenant scoped
	err = store.SetExternalAnchorRef(ctx, "tenant-b", ev.EventID, "anchor://nope")
	require.Error(t, err)
}

func TestInMemoryStore_Stats(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 10)
	startCall(t, store, "tenant-a", "call-2")
	startCall(t, store, "tenant-b", "call-1")

	stats, err := store.Stats(context.Background(), "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), stats.TotalEvents)
	assert.Equal(t, uint64(2), stats.Aggregates)
	assert.Equal(t, uint64(2), stats.ByEventType["CallStarted"])
	assert.Equal(t, uint64(1), stats.ByEventType["CallEnded"])
	assert.Equal(t, uint64(3), stats.ByAggregateType["Call"])
	assert.False(t, stats.NewestRecorded.Before(stats.OldestRecorded))
}

func TestInMemoryStore_SubscribeLive(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, WithFilters(SubscribeFilter{TenantID: "tenant-a", EventType: "CallEnded"}))
	require.NoError(t, err)
	defer sub.Cancel()

	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 30)
	endCall(t, store, "tenant-b", "call-7", 99) // filtered out

	select {
	case ev := <-sub.Chan():
		require.Equal(t, "CallEnded", ev.EventType)
		require.Equal(t, "tenant-a", ev.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInMemoryStore_SubscribeDeliverAll(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	ctx := context.Background()

	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 30)

	sub, err := store.Subscribe(ctx, WithDeliverPolicy(DeliverAll))
	require.NoError(t, err)
	defer sub.Cancel()

	startCall(t, store, "tenant-a", "call-2")

	var global []uint64
	timeout := time.After(2 * time.Second)
	for len(global) < 3 {
		select {
		case ev := <-sub.Chan():
			global = append(global, ev.GlobalSeq)
		case <-timeout:
			t.Fatalf("got %d of 3 events", len(global))
		}
	}

	// backlog then live, each exactly once, in commit order
	require.Equal(t, []uint64{1, 2, 3}, global)
}

func TestInMemoryStore_AppendAfterClose(t *testing.T) {
	store := NewInMemoryStore()
	store.Close()

	_, err := store.Append(context.Background(), AppendRequest{
		TenantID:      "tenant-a",
		AggregateID:   "call-1",
		AggregateType: "Call",
		EventType:     "CallStarted",
		EventVersion:  1,
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrConcurrencyConflict))
}
