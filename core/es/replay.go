package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// DefaultSnapshotThreshold is the number of events folded beyond the last
// snapshot before the replayer materializes a new one.
const DefaultSnapshotThreshold = 100

// ReplayResult is the outcome of one aggregate replay.
type ReplayResult struct {
	// State is the folded aggregate state. Concurrent replays of the same
	// aggregate may share one result, so callers must treat it as
	// read-only.
	State any
	// Sequence is the sequence number State reflects; 0 for an aggregate
	// with no events.
	Sequence uint64
	// Folded is the number of events folded beyond the snapshot.
	Folded int
	// FromSnapshot reports whether a snapshot seeded the replay.
	FromSnapshot bool
}

type replayOptions struct {
	to           uint64
	skipSnapshot bool
}

// ReplayOption tunes one replay.
type ReplayOption func(*replayOptions)

// ReplayTo bounds the replay at an inclusive upper sequence.
func ReplayTo(seq uint64) ReplayOption {
	return func(o *replayOptions) { o.to = seq }
}

// ReplaySkipSnapshot forces a full replay from sequence 1.
func ReplaySkipSnapshot() ReplayOption {
	return func(o *replayOptions) { o.skipSnapshot = true }
}

// ReplayerConfig wires a Replayer.
type ReplayerConfig struct {
	Log      *slog.Logger
	Store    EventStore
	Registry *Registry
	// Snapshots is optional; without it every replay starts at sequence 1.
	Snapshots SnapshotStore
	Codec     Codec
	// SnapshotThreshold is the fold count that triggers a new snapshot
	// (default DefaultSnapshotThreshold, negative disables).
	SnapshotThreshold int
	Metrics           Metrics
}

// Replayer reconstructs aggregate state by folding events through the
// registry's reducers, seeded by the latest snapshot when one exists.
// Replay is deterministic: the same event history always folds to the same
// state, which is why snapshot use can never change a result, only its
// cost. Concurrent replays of one aggregate are deduplicated via
// singleflight.
type Replayer struct {
	log       *slog.Logger
	store     EventStore
	registry  *Registry
	snapshots SnapshotStore
	codec     Codec
	threshold int
	metrics   Metrics
	group     singleflight.Group
}

func NewReplayer(cfg ReplayerConfig) (*Replayer, error) {
	if cfg.Store == nil {
		return nil, errors.New("replayer requires an event store")
	}
	if cfg.Registry == nil {
		return nil, errors.New("replayer requires a registry")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	threshold := cfg.SnapshotThreshold
	if threshold == 0 {
		threshold = DefaultSnapshotThreshold
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Replayer{
		log:       log.With(slog.String("component", "replayer")),
		store:     cfg.Store,
		registry:  cfg.Registry,
		snapshots: cfg.Snapshots,
		codec:     codec,
		threshold: threshold,
		metrics:   metrics,
	}, nil
}

// Replay folds the aggregate's history into its current state.
func (r *Replayer) Replay(ctx context.Context, tenantID, aggregateID, aggregateType string, opts ...ReplayOption) (ReplayResult, error) {
	options := replayOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	key := fmt.Sprintf("%s/%s/%s/%d/%t", tenantID, aggregateType, aggregateID, options.to, options.skipSnapshot)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.replay(ctx, tenantID, aggregateID, aggregateType, options)
	})
	if err != nil {
		return ReplayResult{}, err
	}
	return v.(ReplayResult), nil
}

func (r *Replayer) replay(ctx context.Context, tenantID, aggregateID, aggregateType string, options replayOptions) (ReplayResult, error) {
	defer r.metrics.ReplayDuration(aggregateType).ObserveDuration()

	state, err := r.registry.InitialState(aggregateType)
	if err != nil {
		return ReplayResult{}, err
	}

	var cursor uint64
	fromSnapshot := false

	if r.snapshots != nil && !options.skipSnapshot {
		loadTimer := r.metrics.SnapshotLoadDuration(aggregateType)
		snap, err := r.snapshots.GetLatest(ctx, tenantID, aggregateID)
		loadTimer.ObserveDuration()
		switch {
		case err == nil:
			usable := snap.AggregateType == aggregateType &&
				(options.to == 0 || snap.ThroughSequence <= options.to)
			if usable {
				if err := r.codec.Unmarshal(snap.StateData, state); err != nil {
					return ReplayResult{}, fmt.Errorf("restore snapshot for %s/%s: %w", tenantID, aggregateID, err)
				}
				cursor = snap.ThroughSequence
				fromSnapshot = true
			}
		case errors.Is(err, ErrSnapshotNotFound):
			// full replay
		default:
			return ReplayResult{}, err
		}
	}

	rangeOpts := []RangeOption{FromSequence(cursor + 1)}
	if options.to > 0 {
		rangeOpts = append(rangeOpts, ToSequence(options.to))
	}

	folded := 0
	for ev, err := range r.store.Events(ctx, tenantID, aggregateID, rangeOpts...) {
		if err != nil {
			return ReplayResult{}, err
		}
		if ev.SequenceNumber != cursor+1 {
			return ReplayResult{}, &SequenceGapError{
				TenantID:    tenantID,
				AggregateID: aggregateID,
				Expected:    cursor + 1,
				Got:         ev.SequenceNumber,
			}
		}
		state, err = r.registry.Reduce(state, ev)
		if err != nil {
			return ReplayResult{}, err
		}
		cursor = ev.SequenceNumber
		folded++
	}
	r.metrics.EventsReplayed(aggregateType, folded)

	result := ReplayResult{
		State:        state,
		Sequence:     cursor,
		Folded:       folded,
		FromSnapshot: fromSnapshot,
	}

	// Materialize a fresh snapshot when the fold ran long. Best effort;
	// correctness never depends on it.
	if r.snapshots != nil && r.threshold > 0 && folded >= r.threshold &&
		options.to == 0 && !options.skipSnapshot && cursor > 0 {
		if err := r.saveSnapshot(ctx, tenantID, aggregateID, aggregateType, result); err != nil {
			r.log.Warn("snapshot save failed",
				slog.String("tenant", tenantID),
				slog.String("aggregate_id", aggregateID),
				slog.Any("error", err),
			)
		}
	}

	return result, nil
}

// CreateSnapshot replays the aggregate and persists the folded state,
// returning the snapshot's ThroughSequence. An aggregate with no events
// yields (0, nil) and no snapshot.
func (r *Replayer) CreateSnapshot(ctx context.Context, tenantID, aggregateID, aggregateType string, opts ...ReplayOption) (uint64, error) {
	if r.snapshots == nil {
		return 0, errors.New("no snapshot store configured")
	}
	result, err := r.Replay(ctx, tenantID, aggregateID, aggregateType, opts...)
	if err != nil {
		return 0, err
	}
	if result.Sequence == 0 {
		return 0, nil
	}
	if err := r.saveSnapshot(ctx, tenantID, aggregateID, aggregateType, result); err != nil {
		return 0, err
	}
	return result.Sequence, nil
}

func (r *Replayer) saveSnapshot(ctx context.Context, tenantID, aggregateID, aggregateType string, result ReplayResult) error {
	data, err := r.codec.Marshal(result.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	defer r.metrics.SnapshotSaveDuration(aggregateType).ObserveDuration()
	err = r.snapshots.Save(ctx, Snapshot{
		TenantID:        tenantID,
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		StateData:       data,
		ThroughSequence: result.Sequence,
		CreatedAt:       nowUTC(),
	})
	if err != nil {
		return err
	}
	r.log.Debug("snapshot saved",
		slog.String("tenant", tenantID),
		slog.String("aggregate_id", aggregateID),
		slog.Uint64("through_sequence", result.Sequence),
	)
	return nil
}
