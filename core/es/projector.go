package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/xpload/voicecore-events-go/core/retry"
)

// ProjectionFunc folds one event into a read model's data. It must be
// deterministic and must not perform I/O; failures are retried a bounded
// number of times and then dead-lettered.
type ProjectionFunc func(current []byte, ev Event) ([]byte, error)

const defaultCASRetries = 5

// ProjectorConfig wires a Projector.
type ProjectorConfig struct {
	Log    *slog.Logger
	Models ReadModelStore
	// Store is the ledger the projector fills ordering gaps and rebuilds
	// from.
	Store       EventStore
	DeadLetters DeadLetterStore
	// Retry bounds re-application of a failing projection function
	// (default retry.Default()).
	Retry retry.Policy
	// CASRetries bounds the compare-and-swap loop against concurrent
	// projectors (default 5).
	CASRetries int
	Metrics    Metrics
}

// Projector maintains read models by folding committed events into them.
// Application is idempotent: re-delivering an event whose sequence the
// model has already absorbed is a no-op, so at-least-once delivery from the
// bus is safe. Events of the same aggregate are always applied in ascending
// sequence order; when one arrives early, the projector fills the gap from
// the ledger rather than applying out of order.
type Projector struct {
	log         *slog.Logger
	models      ReadModelStore
	store       EventStore
	deadLetters DeadLetterStore
	retry       retry.Policy
	casRetries  int
	metrics     Metrics
}

func NewProjector(cfg ProjectorConfig) (*Projector, error) {
	if cfg.Models == nil {
		return nil, errors.New("projector requires a read model store")
	}
	if cfg.Store == nil {
		return nil, errors.New("projector requires an event store")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	pol := cfg.Retry
	if pol.MaxAttempts == 0 {
		pol = retry.Default()
	}
	casRetries := cfg.CASRetries
	if casRetries == 0 {
		casRetries = defaultCASRetries
	}
	deadLetters := cfg.DeadLetters
	if deadLetters == nil {
		deadLetters = NewInMemoryDeadLetterStore()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Projector{
		log:         log.With(slog.String("component", "projector")),
		models:      cfg.Models,
		store:       cfg.Store,
		deadLetters: deadLetters,
		retry:       pol,
		casRetries:  casRetries,
		metrics:     metrics,
	}, nil
}

// Project folds ev into the (modelType, modelID) read model. Duplicate
// deliveries are no-ops; the update is persisted with a compare-and-swap on
// the model version and retried on conflict.
func (p *Projector) Project(ctx context.Context, modelType, modelID string, ev Event, fn ProjectionFunc) error {
	defer p.metrics.ProjectionDuration(modelType).ObserveDuration()

	for attempt := 1; attempt <= p.casRetries; attempt++ {
		rm, err := p.models.Get(ctx, ev.TenantID, modelType, modelID)
		if errors.Is(err, ErrReadModelNotFound) {
			rm = ReadModel{
				ModelType:   modelType,
				ModelID:     modelID,
				TenantID:    ev.TenantID,
				AggregateID: ev.AggregateID,
			}
		} else if err != nil {
			return err
		}

		// at-least-once defense: already absorbed sequences are no-ops
		if rm.AggregateID == ev.AggregateID && ev.SequenceNumber <= rm.LastEventSequence {
			p.log.Debug("duplicate delivery skipped",
				slog.String("model", modelType+"/"+modelID),
				slog.Uint64("sequence", ev.SequenceNumber),
			)
			return nil
		}

		pending, err := p.pendingEvents(ctx, rm, ev)
		if err != nil {
			return err
		}

		expectedVersion := rm.Version
		for _, pev := range pending {
			data, err := p.applyWithRetry(ctx, modelType, modelID, rm.Data, pev, fn)
			if err != nil {
				return err
			}
			rm.Data = data
			rm.Version++
			rm.LastEventID = pev.EventID
			rm.LastEventSequence = pev.SequenceNumber
			rm.UpdatedAt = nowUTC()
		}

		err = p.models.Save(ctx, rm, expectedVersion)
		if err == nil {
			p.metrics.ProjectionApplied(modelType, true)
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		// lost the CAS race; reread and go again
	}
	return fmt.Errorf("read model %s/%s: %w after %d attempts",
		modelType, modelID, ErrConcurrencyConflict, p.casRetries)
}

// pendingEvents returns the events to fold, in ascending sequence order.
// When ev arrived ahead of the model's cursor, the missing range is read
// back from the ledger so ordering within the aggregate is preserved.
func (p *Projector) pendingEvents(ctx context.Context, rm ReadModel, ev Event) ([]Event, error) {
	if rm.AggregateID != ev.AggregateID || ev.SequenceNumber == rm.LastEventSequence+1 {
		return []Event{ev}, nil
	}
	missing, err := CollectEvents(p.store.Events(
		ctx, ev.TenantID, ev.AggregateID,
		FromSequence(rm.LastEventSequence+1),
		ToSequence(ev.SequenceNumber-1),
	))
	if err != nil {
		return nil, err
	}
	return append(missing, ev), nil
}

func (p *Projector) applyWithRetry(ctx context.Context, modelType, modelID string, current []byte, ev Event, fn ProjectionFunc) ([]byte, error) {
	var (
		out      []byte
		attempts int
	)
	err := retry.Do(ctx, p.retry, func() error {
		attempts++
		var err error
		out, err = applyProjection(fn, current, ev)
		if err != nil {
			p.metrics.ProjectionRetried(modelType)
		}
		return err
	}, nil)
	if err == nil {
		return out, nil
	}

	dl := DeadLetter{
		ID:        gonanoid.Must(),
		TenantID:  ev.TenantID,
		ModelType: modelType,
		ModelID:   modelID,
		Event:     ev,
		Error:     err.Error(),
		Attempts:  attempts,
		FailedAt:  nowUTC(),
	}
	if dlErr := p.deadLetters.Add(ctx, dl); dlErr != nil {
		p.log.Error("dead letter store failed", slog.Any("error", dlErr))
	}
	p.metrics.ProjectionDeadLettered(modelType)
	p.metrics.ProjectionApplied(modelType, false)
	p.log.Error("projection dead-lettered",
		slog.String("model", modelType+"/"+modelID),
		slog.String("event_id", ev.EventID),
		slog.Int("attempts", attempts),
		slog.Any("error", err),
	)
	return nil, &ProjectionFailureError{
		ModelType:    modelType,
		ModelID:      modelID,
		Attempts:     attempts,
		DeadLetterID: dl.ID,
		Err:          err,
	}
}

// applyProjection isolates fn so a panicking projection surfaces as an
// error instead of taking the worker down.
func applyProjection(fn ProjectionFunc, current []byte, ev Event) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("projection panic: %v", r)
		}
	}()
	return fn(current, ev)
}

// Rebuild deletes the read model and replays the aggregate's full event
// history through fn from scratch. Used to recover from detected
// inconsistency or projection-logic changes.
func (p *Projector) Rebuild(ctx context.Context, tenantID, modelType, modelID, aggregateID string, fn ProjectionFunc) (ReadModel, error) {
	if err := p.models.Delete(ctx, tenantID, modelType, modelID); err != nil {
		return ReadModel{}, err
	}

	rm := ReadModel{
		ModelType:   modelType,
		ModelID:     modelID,
		TenantID:    tenantID,
		AggregateID: aggregateID,
	}
	for ev, err := range p.store.Events(ctx, tenantID, aggregateID) {
		if err != nil {
			return ReadModel{}, err
		}
		data, err := applyProjection(fn, rm.Data, ev)
		if err != nil {
			return ReadModel{}, fmt.Errorf("rebuild %s/%s at sequence %d: %w", modelType, modelID, ev.SequenceNumber, err)
		}
		rm.Data = data
		rm.Version++
		rm.LastEventID = ev.EventID
		rm.LastEventSequence = ev.SequenceNumber
		rm.UpdatedAt = nowUTC()
	}
	if rm.Version == 0 {
		return rm, nil
	}
	if err := p.models.Save(ctx, rm, 0); err != nil {
		return ReadModel{}, err
	}
	return rm, nil
}
