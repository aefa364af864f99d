package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturePublisher) Publish(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) published() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// flakyStore fails the first n appends with a transient storage error.
type flakyStore struct {
	EventStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return Event{}, fmt.Errorf("write ledger: %w", ErrStorageUnavailable)
	}
	return s.EventStore.Append(ctx, req)
}

func newTestService(t *testing.T, store EventStore, opts ...func(*ServiceConfig)) (*Service, *capturePublisher) {
	t.Helper()

	publisher := &capturePublisher{}
	cfg := ServiceConfig{
		Store:        store,
		Registry:     newCallRegistry(t),
		Publisher:    publisher,
		AppendRetry:  fastRetry(),
		PublishRetry: fastRetry(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, publisher
}

func TestService_RequiresStoreAndRegistry(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	require.Error(t, err)

	_, err = NewService(ServiceConfig{Store: NewInMemoryStore()})
	require.Error(t, err)
}

func TestService_AppendValidatesAgainstRegistry(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AppendRequest
		want error
	}{
		{
			name: "unknown aggregate type",
			req: AppendRequest{
				TenantID: "tenant-a", AggregateID: "x", AggregateType: "Invoice",
				EventType: "CallStarted", EventVersion: 1, Payload: []byte(`{}`),
			},
			want: ErrUnknownAggregateType,
		},
		{
			name: "unknown event type",
			req: AppendRequest{
				TenantID: "tenant-a", AggregateID: "x", AggregateType: "Call",
				EventType: "CallPaused", EventVersion: 1, Payload: []byte(`{}`),
			},
			want: ErrUnknownEventType,
		},
		{
			name: "schema violation",
			req: AppendRequest{
				TenantID: "tenant-a", AggregateID: "x", AggregateType: "Call",
				EventType: "CallStarted", EventVersion: 1, Payload: []byte(`{"bogus":1}`),
			},
			want: ErrSchemaValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Append(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	// nothing reached the ledger
	last, err := store.LastSequence(ctx, "tenant-a", "x")
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestService_AppendCommitsAndPublishes(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	svc, publisher := newTestService(t, store)
	ctx := context.Background()

	ev, err := svc.Append(ctx, AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallStarted", EventVersion: 1,
		Payload: []byte(`{"caller":"+4930111111","callee":"+4930222222"}`),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.SequenceNumber)

	require.Eventually(t, func() bool {
		return len(publisher.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, ev.EventID, publisher.published()[0].EventID)
}

func TestService_AppendRetriesTransientStorageFailure(t *testing.T) {
	inner := NewInMemoryStore()
	defer inner.Close()
	store := &flakyStore{EventStore: inner, failures: 1}
	svc, _ := newTestService(t, store)

	ev, err := svc.Append(context.Background(), AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallStarted", EventVersion: 1,
		Payload: []byte(`{"caller":"a","callee":"b"}`),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.SequenceNumber)
}

func TestService_AppendDoesNotRetryConflicts(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	startCall(t, store, "tenant-a", "call-1")

	stale := uint64(0)
	_, err := svc.Append(ctx, AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallEnded", EventVersion: 1,
		Payload:          []byte(`{"duration_seconds":1}`),
		ExpectedSequence: &stale,
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestService_FeedsProjectorPool(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	models := NewInMemoryReadModelStore()

	projector, err := NewProjector(ProjectorConfig{
		Store:  store,
		Models: models,
		Retry:  fastRetry(),
	})
	require.NoError(t, err)

	pool, err := NewProjectorPool(PoolConfig{
		Projector: projector,
		Bindings: []Binding{{
			ModelType: "call_summary",
			KeyFn:     func(ev Event) (string, bool) { return ev.AggregateID, true },
			Fn:        summarizeCall,
		}},
		Workers: 2,
	})
	require.NoError(t, err)

	svc, _ := newTestService(t, store, func(cfg *ServiceConfig) {
		cfg.Pool = pool
		cfg.Models = models
	})
	ctx := context.Background()

	_, err = svc.Append(ctx, AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallStarted", EventVersion: 1,
		Payload: []byte(`{"caller":"a","callee":"b"}`),
	})
	require.NoError(t, err)
	_, err = svc.Append(ctx, AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallEnded", EventVersion: 1,
		Payload: []byte(`{"duration_seconds":55}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rm, err := svc.ReadModel(ctx, "tenant-a", "call_summary", "call-1")
		return err == nil && rm.LastEventSequence == 2
	}, 2*time.Second, 10*time.Millisecond)

	rm, err := svc.ReadModel(ctx, "tenant-a", "call_summary", "call-1")
	require.NoError(t, err)

	var s callSummary
	require.NoError(t, json.Unmarshal(rm.Data, &s))
	require.Equal(t, "ended", s.Status)
	require.Equal(t, 55, s.TotalSeconds)
}

func TestService_BackgroundSnapshotTrigger(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	snapshots := NewInMemorySnapshotStore()

	replayer, err := NewReplayer(ReplayerConfig{
		Store:             store,
		Registry:          newCallRegistry(t),
		Snapshots:         snapshots,
		SnapshotThreshold: -1,
	})
	require.NoError(t, err)

	svc, _ := newTestService(t, store, func(cfg *ServiceConfig) {
		cfg.Replayer = replayer
		cfg.SnapshotThreshold = 3
	})
	ctx := context.Background()

	_, err = svc.Append(ctx, AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallStarted", EventVersion: 1,
		Payload: []byte(`{"caller":"a","callee":"b"}`),
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.Append(ctx, AppendRequest{
			TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
			EventType: "CallEnded", EventVersion: 1,
			Payload: []byte(`{"duration_seconds":1}`),
		})
		require.NoError(t, err)
	}

	// the fourth append (sequence 4) crosses the threshold and snapshots
	// through sequence 3 in the background
	require.Eventually(t, func() bool {
		snap, err := snapshots.GetLatest(ctx, "tenant-a", "call-1")
		return err == nil && snap.ThroughSequence == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_StateReplaysAggregate(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	replayer, err := NewReplayer(ReplayerConfig{
		Store:             store,
		Registry:          newCallRegistry(t),
		SnapshotThreshold: -1,
	})
	require.NoError(t, err)

	svc, _ := newTestService(t, store, func(cfg *ServiceConfig) {
		cfg.Replayer = replayer
	})
	ctx := context.Background()

	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 40)

	result, err := svc.State(ctx, "tenant-a", "call-1", "Call")
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.Sequence)
	require.Equal(t, 40, result.State.(*callState).Duration)
}

func TestService_Statistics(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	svc, _ := newTestService(t, store)

	startCall(t, store, "tenant-a", "call-1")
	endCall(t, store, "tenant-a", "call-1", 1)

	stats, err := svc.Statistics(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.TotalEvents)
}

func TestService_AppendAfterClose(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	svc, _ := newTestService(t, store)
	require.NoError(t, svc.Close())

	_, err := svc.Append(context.Background(), AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallStarted", EventVersion: 1,
		Payload: []byte(`{"caller":"a","callee":"b"}`),
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrConcurrencyConflict))
}

// gatedStore holds every append open until released, exposing the window
// between admission and post-commit fan-out.
type gatedStore struct {
	EventStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	close(s.entered)
	<-s.release
	return s.EventStore.Append(ctx, req)
}

func TestService_CloseWaitsForInflightAppend(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	gated := &gatedStore{
		EventStore: store,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	svc, publisher := newTestService(t, gated)

	appendDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				appendDone <- fmt.Errorf("append panicked: %v", r)
			}
		}()
		_, err := svc.Append(context.Background(), AppendRequest{
			TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
			EventType: "CallStarted", EventVersion: 1,
			Payload: []byte(`{"caller":"a","callee":"b"}`),
		})
		appendDone <- err
	}()
	<-gated.entered

	closeDone := make(chan struct{})
	go func() {
		_ = svc.Close()
		close(closeDone)
	}()

	// the append is mid-commit, Close must wait for it
	select {
	case <-closeDone:
		t.Fatal("Close returned with an append still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	require.NoError(t, <-appendDone)
	<-closeDone

	require.Len(t, publisher.published(), 1)
}
