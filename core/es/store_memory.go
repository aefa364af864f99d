package es

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/xpload/voicecore-events-go/core/perkey"
)

// InMemoryStore is a correct, fully in-process EventStore for tests and
// development. Appends to one (tenant, aggregate) are serialized on a
// per-key lane; different aggregates run on independent lanes.
type InMemoryStore struct {
	log   *slog.Logger
	sched *perkey.Scheduler[string]

	mu        sync.RWMutex
	streams   map[string][]Event // streamKey -> events, ascending sequence
	byEventID map[string]eventLoc
	ledger    []Event // commit order
	subs      map[string]*memSubscription

	globalSeq atomic.Uint64
	now       func() time.Time
}

type eventLoc struct {
	stream string
	idx    int
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) InMemoryOption {
	return func(s *InMemoryStore) { s.log = log }
}

// WithClock overrides the RecordedAt clock.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) { s.now = now }
}

func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		log:       slog.Default(),
		sched:     perkey.New[string](),
		streams:   map[string][]Event{},
		byEventID: map[string]eventLoc{},
		subs:      map[string]*memSubscription{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("store", "memory"))
	return s
}

// Close shuts down the append lanes. Pending appends finish first.
func (s *InMemoryStore) Close() {
	s.sched.Close()
}

func streamKey(tenantID, aggregateID string) string {
	return tenantID + "/" + aggregateID
}

func (s *InMemoryStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	if err := req.validate(); err != nil {
		return Event{}, err
	}

	var committed Event
	key := streamKey(req.TenantID, req.AggregateID)
	err := s.sched.DoContext(ctx, key, func() error {
		s.mu.Lock()

		stream := s.streams[key]
		last := uint64(len(stream))
		if req.ExpectedSequence != nil && *req.ExpectedSequence != last {
			s.mu.Unlock()
			return &ConcurrencyConflictError{
				TenantID:    req.TenantID,
				AggregateID: req.AggregateID,
				Expected:    *req.ExpectedSequence,
				Actual:      last,
			}
		}

		ev := Event{
			EventID:        gonanoid.Must(),
			TenantID:       req.TenantID,
			AggregateID:    req.AggregateID,
			AggregateType:  req.AggregateType,
			EventType:      req.EventType,
			EventVersion:   req.EventVersion,
			SequenceNumber: last + 1,
			GlobalSeq:      s.globalSeq.Add(1),
			Payload:        append([]byte(nil), req.Payload...),
			Metadata:       req.Metadata,
			CausationID:    req.CausationID,
			CorrelationID:  req.CorrelationID,
			RecordedAt:     s.now(),
		}
		if err := ev.Validate(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
		}

		s.streams[key] = append(stream, ev)
		s.byEventID[req.TenantID+"/"+ev.EventID] = eventLoc{stream: key, idx: int(last)}
		s.ledger = append(s.ledger, ev)
		subs := make([]*memSubscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		for _, sub := range subs {
			sub.deliver(ev)
		}

		committed = ev

		s.log.Debug("append",
			slog.Group("event",
				slog.String("tenant", ev.TenantID),
				slog.String("aggregate_id", ev.AggregateID),
				slog.String("type", ev.EventType),
				slog.Uint64("sequence", ev.SequenceNumber),
			),
		)
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return committed, nil
}

func (s *InMemoryStore) Events(ctx context.Context, tenantID, aggregateID string, opts ...RangeOption) iter.Seq2[Event, error] {
	bounds := newRangeOptions(opts...)
	return func(yield func(Event, error) bool) {
		s.mu.RLock()
		stream := s.streams[streamKey(tenantID, aggregateID)]
		// bound at the latest committed sequence as of the call
		snapshot := make([]Event, len(stream))
		copy(snapshot, stream)
		s.mu.RUnlock()

		for _, ev := range snapshot {
			if ev.SequenceNumber < bounds.from || ev.SequenceNumber > bounds.to {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *InMemoryStore) EventsByType(ctx context.Context, tenantID, eventType string, opts ...TimeRangeOption) iter.Seq2[Event, error] {
	bounds := newTimeRangeOptions(opts...)
	return func(yield func(Event, error) bool) {
		s.mu.RLock()
		snapshot := make([]Event, len(s.ledger))
		copy(snapshot, s.ledger)
		s.mu.RUnlock()

		for _, ev := range snapshot {
			if ev.TenantID != tenantID || ev.EventType != eventType {
				continue
			}
			if !bounds.contains(ev.RecordedAt) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *InMemoryStore) LastSequence(_ context.Context, tenantID, aggregateID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[streamKey(tenantID, aggregateID)])), nil
}

func (s *InMemoryStore) SetExternalAnchorRef(_ context.Context, tenantID, eventID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.byEventID[tenantID+"/"+eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, ErrAggregateNotFound)
	}
	s.streams[loc.stream][loc.idx].ExternalAnchorRef = ref
	return nil
}

// Stats implements StatsProvider.
func (s *InMemoryStore) Stats(ctx context.Context, tenantID string, opts ...StatsOption) (Statistics, error) {
	filter := newStatsOptions(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := NewStatistics()
	for _, ev := range s.ledger {
		if err := ctx.Err(); err != nil {
			return Statistics{}, err
		}
		if ev.TenantID != tenantID {
			continue
		}
		if !filter.matches(ev) {
			continue
		}
		stats.observe(ev)
	}
	return stats, nil
}

// Subscribe implements a live feed over the in-memory ledger. Under
// DeliverAll the backlog is delivered first, in commit order, followed
// seamlessly by live events.
func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	options := newSubscribeOptions(opts...)

	sub := &memSubscription{
		filters: options.filters,
		in:      make(chan Event, options.buffer),
		out:     make(chan Event, options.buffer),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	var backlog []Event
	if options.policy == DeliverAll {
		for _, ev := range s.ledger {
			if ev.GlobalSeq < options.startGlobalSeq {
				continue
			}
			if matchFilters(ev, options.filters) {
				backlog = append(backlog, ev)
			}
		}
	}
	if len(backlog) > 0 {
		sub.seen = backlog[len(backlog)-1].GlobalSeq
	}
	id := gonanoid.Must()
	s.subs[id] = sub
	s.mu.Unlock()

	sub.cancel = func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}

	go sub.pump(backlog)
	context.AfterFunc(ctx, sub.Cancel)

	return sub, nil
}

type memSubscription struct {
	filters []SubscribeFilter
	in      chan Event
	out     chan Event
	done    chan struct{}
	once    sync.Once
	cancel  func()
	seen    uint64 // highest global seq in the backlog, skipped on the live path
}

func (m *memSubscription) Chan() <-chan Event { return m.out }

func (m *memSubscription) Cancel() {
	m.once.Do(func() {
		m.cancel()
		close(m.done)
	})
}

// deliver feeds a live event into the subscription. Called by the store
// outside its lock; blocks when the subscriber falls behind the buffer.
func (m *memSubscription) deliver(ev Event) {
	if !matchFilters(ev, m.filters) {
		return
	}
	select {
	case m.in <- ev:
	case <-m.done:
	}
}

func (m *memSubscription) pump(backlog []Event) {
	defer close(m.out)
	for _, ev := range backlog {
		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
	for {
		select {
		case ev := <-m.in:
			if ev.GlobalSeq <= m.seen {
				continue
			}
			select {
			case m.out <- ev:
			case <-m.done:
				return
			}
		case <-m.done:
			return
		}
	}
}

var _ EventStore = (*InMemoryStore)(nil)
var _ StatsProvider = (*InMemoryStore)(nil)
