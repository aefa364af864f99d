package es

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/xpload/voicecore-events-go/core/retry"
)

const defaultPublishQueueSize = 256

// ServiceConfig wires a Service. Store and Registry are required, the rest
// default to inert implementations.
type ServiceConfig struct {
	Log      *slog.Logger
	Store    EventStore
	Registry *Registry
	Replayer *Replayer
	// Projector serves read model rebuilds; optional.
	Projector *Projector
	// Pool receives every committed event for read model maintenance;
	// optional.
	Pool *ProjectorPool
	// Models backs the read model query surface; optional.
	Models ReadModelStore
	// DeadLetters backs the dead letter query surface; optional.
	DeadLetters DeadLetterStore
	// Publisher is the event bus boundary; defaults to NopPublisher.
	Publisher EventPublisher
	// AppendRetry governs retries of appends that fail with
	// ErrStorageUnavailable (default retry.Default()). Concurrency
	// conflicts are never retried here; resolving them needs a fresh
	// decision by the caller.
	AppendRetry retry.Policy
	// PublishRetry governs bus publish retries (default retry.Default()).
	PublishRetry retry.Policy
	// SnapshotThreshold triggers a background snapshot every N appended
	// events per aggregate (default DefaultSnapshotThreshold, negative
	// disables).
	SnapshotThreshold int
	// PublishQueueSize bounds the in-flight publish backlog (default 256).
	PublishQueueSize int
	Metrics          Metrics
}

// Service is the write-side front door: it validates appends against the
// registry, commits them through the store, then feeds the committed event
// to the bus publisher and the projector pool. Reads (replay, ranged event
// queries, read models, statistics) are thin passthroughs over the wired
// components.
type Service struct {
	log          *slog.Logger
	store        EventStore
	registry     *Registry
	replayer     *Replayer
	projector    *Projector
	pool         *ProjectorPool
	models       ReadModelStore
	deadLetters  DeadLetterStore
	publisher    EventPublisher
	appendRetry  retry.Policy
	publishRetry retry.Policy
	threshold    int
	metrics      Metrics

	publishCh chan Event
	publishWG sync.WaitGroup
	snapshots sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup // appends admitted before closed was set
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("service requires an event store")
	}
	if cfg.Registry == nil {
		return nil, errors.New("service requires a registry")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = NopPublisher{}
	}
	appendRetry := cfg.AppendRetry
	if appendRetry.MaxAttempts == 0 {
		appendRetry = retry.Default()
	}
	publishRetry := cfg.PublishRetry
	if publishRetry.MaxAttempts == 0 {
		publishRetry = retry.Default()
	}
	threshold := cfg.SnapshotThreshold
	if threshold == 0 {
		threshold = DefaultSnapshotThreshold
	}
	queueSize := cfg.PublishQueueSize
	if queueSize <= 0 {
		queueSize = defaultPublishQueueSize
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	s := &Service{
		log:          log.With(slog.String("component", "es_service")),
		store:        cfg.Store,
		registry:     cfg.Registry,
		replayer:     cfg.Replayer,
		projector:    cfg.Projector,
		pool:         cfg.Pool,
		models:       cfg.Models,
		deadLetters:  cfg.DeadLetters,
		publisher:    publisher,
		appendRetry:  appendRetry,
		publishRetry: publishRetry,
		threshold:    threshold,
		metrics:      metrics,
		publishCh:    make(chan Event, queueSize),
	}
	s.publishWG.Add(1)
	go s.publishLoop()
	return s, nil
}

// Append validates req against the registry and commits it. Transient
// storage failures are retried per the append policy; concurrency conflicts
// surface immediately as ErrConcurrencyConflict. After durable commit the
// event flows to the bus and to the projector pool asynchronously.
func (s *Service) Append(ctx context.Context, req AppendRequest) (Event, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Event{}, errors.New("service is closed")
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	if err := req.validate(); err != nil {
		return Event{}, err
	}
	if err := s.registry.ValidatePayload(req.AggregateType, req.EventType, req.EventVersion, req.Payload); err != nil {
		return Event{}, err
	}

	timer := s.metrics.AppendDuration(req.AggregateType)
	var ev Event
	err := retry.Do(ctx, s.appendRetry, func() error {
		var err error
		ev, err = s.store.Append(ctx, req)
		return err
	}, func(err error) bool {
		return errors.Is(err, ErrStorageUnavailable)
	})
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			s.metrics.ConcurrencyConflict(req.AggregateType)
		}
		return Event{}, err
	}
	s.metrics.EventsAppended(req.AggregateType, 1)

	select {
	case s.publishCh <- ev:
	case <-ctx.Done():
		// committed but not enqueued; the bus is at-least-once, a consumer
		// catching up from the ledger covers the miss
		s.log.Warn("publish enqueue abandoned",
			slog.String("event_id", ev.EventID),
			slog.Any("error", ctx.Err()),
		)
	}

	if s.pool != nil {
		if err := s.pool.Dispatch(ctx, ev); err != nil {
			s.log.Error("projection dispatch failed",
				slog.String("event_id", ev.EventID),
				slog.Any("error", err),
			)
		}
	}

	s.maybeSnapshot(ev)
	return ev, nil
}

// maybeSnapshot schedules a background snapshot once an aggregate has
// accumulated a threshold's worth of events past the last trigger point.
func (s *Service) maybeSnapshot(ev Event) {
	if s.replayer == nil || s.threshold <= 0 {
		return
	}
	n := uint64(s.threshold)
	if ev.SequenceNumber <= n || (ev.SequenceNumber-1)%n != 0 {
		return
	}
	through := ev.SequenceNumber - 1
	s.snapshots.Add(1)
	go func() {
		defer s.snapshots.Done()
		_, err := s.replayer.CreateSnapshot(context.Background(),
			ev.TenantID, ev.AggregateID, ev.AggregateType, ReplayTo(through))
		if err != nil {
			s.log.Warn("background snapshot failed",
				slog.String("tenant", ev.TenantID),
				slog.String("aggregate_id", ev.AggregateID),
				slog.Any("error", err),
			)
		}
	}()
}

func (s *Service) publishLoop() {
	defer s.publishWG.Done()
	ctx := context.Background()
	for ev := range s.publishCh {
		timer := s.metrics.PublishDuration(ev.AggregateType)
		err := retry.Do(ctx, s.publishRetry, func() error {
			return s.publisher.Publish(ctx, ev)
		}, nil)
		timer.ObserveDuration()
		if err != nil {
			s.metrics.PublishFailed(ev.AggregateType)
			s.log.Error("event publish failed",
				slog.String("event_id", ev.EventID),
				slog.String("event_type", ev.EventType),
				slog.Any("error", err),
			)
		}
	}
}

// State replays the aggregate into its current state.
func (s *Service) State(ctx context.Context, tenantID, aggregateID, aggregateType string, opts ...ReplayOption) (ReplayResult, error) {
	if s.replayer == nil {
		return ReplayResult{}, errors.New("no replayer configured")
	}
	return s.replayer.Replay(ctx, tenantID, aggregateID, aggregateType, opts...)
}

// CreateSnapshot forces a snapshot of the aggregate's current state.
func (s *Service) CreateSnapshot(ctx context.Context, tenantID, aggregateID, aggregateType string) (uint64, error) {
	if s.replayer == nil {
		return 0, errors.New("no replayer configured")
	}
	return s.replayer.CreateSnapshot(ctx, tenantID, aggregateID, aggregateType)
}

// Events streams one aggregate's events in sequence order.
func (s *Service) Events(ctx context.Context, tenantID, aggregateID string, opts ...RangeOption) iter.Seq2[Event, error] {
	return s.store.Events(ctx, tenantID, aggregateID, opts...)
}

// EventsByType streams a tenant's events of one type across aggregates.
func (s *Service) EventsByType(ctx context.Context, tenantID, eventType string, opts ...TimeRangeOption) iter.Seq2[Event, error] {
	return s.store.EventsByType(ctx, tenantID, eventType, opts...)
}

// LastSequence returns the aggregate's latest committed sequence number.
func (s *Service) LastSequence(ctx context.Context, tenantID, aggregateID string) (uint64, error) {
	return s.store.LastSequence(ctx, tenantID, aggregateID)
}

// SetExternalAnchorRef records an external anchor on a committed event.
func (s *Service) SetExternalAnchorRef(ctx context.Context, tenantID, eventID, ref string) error {
	return s.store.SetExternalAnchorRef(ctx, tenantID, eventID, ref)
}

// ReadModel returns one read model.
func (s *Service) ReadModel(ctx context.Context, tenantID, modelType, modelID string) (ReadModel, error) {
	if s.models == nil {
		return ReadModel{}, errors.New("no read model store configured")
	}
	return s.models.Get(ctx, tenantID, modelType, modelID)
}

// ReadModels lists read models of one type, ordered by model ID.
func (s *Service) ReadModels(ctx context.Context, tenantID, modelType string, limit, offset int) ([]ReadModel, error) {
	if s.models == nil {
		return nil, errors.New("no read model store configured")
	}
	return s.models.List(ctx, tenantID, modelType, limit, offset)
}

// RebuildReadModel drops a read model and refolds it from the aggregate's
// full history.
func (s *Service) RebuildReadModel(ctx context.Context, tenantID, modelType, modelID, aggregateID string, fn ProjectionFunc) (ReadModel, error) {
	if s.projector == nil {
		return ReadModel{}, errors.New("no projector configured")
	}
	return s.projector.Rebuild(ctx, tenantID, modelType, modelID, aggregateID, fn)
}

// DeadLetters lists a tenant's dead-lettered projections.
func (s *Service) DeadLetters(ctx context.Context, tenantID string, limit, offset int) ([]DeadLetter, error) {
	if s.deadLetters == nil {
		return nil, errors.New("no dead letter store configured")
	}
	return s.deadLetters.List(ctx, tenantID, limit, offset)
}

// Statistics summarizes a tenant's ledger. The store must implement
// StatsProvider.
func (s *Service) Statistics(ctx context.Context, tenantID string, opts ...StatsOption) (Statistics, error) {
	sp, ok := s.store.(StatsProvider)
	if !ok {
		return Statistics{}, fmt.Errorf("store %T does not provide statistics", s.store)
	}
	return sp.Stats(ctx, tenantID, opts...)
}

// EventTypes enumerates the registered event types.
func (s *Service) EventTypes() []string { return s.registry.EventTypes() }

// AggregateTypes enumerates the registered aggregate types.
func (s *Service) AggregateTypes() []string { return s.registry.AggregateTypes() }

// Close waits for in-flight appends, drains the publish backlog, waits for
// background snapshots and shuts the projector pool down. Appends after
// Close fail.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// No append admitted before closed was set may still be enqueueing
	// when the publish channel closes.
	s.inflight.Wait()

	close(s.publishCh)
	s.publishWG.Wait()
	s.snapshots.Wait()

	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}
