package es

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultPoolQueueSize = 256

// Binding routes events into one read model family.
type Binding struct {
	// ModelType names the read model family this binding maintains.
	ModelType string
	// KeyFn derives the target model ID from an event; ok=false means the
	// event is irrelevant to this model and is skipped.
	KeyFn func(ev Event) (modelID string, ok bool)
	Fn    ProjectionFunc
}

// PoolConfig wires a ProjectorPool.
type PoolConfig struct {
	Log       *slog.Logger
	Projector *Projector
	Bindings  []Binding
	// Workers is the number of projection goroutines (default GOMAXPROCS
	// is overkill here, default is 4).
	Workers int
	// QueueSize is the per-worker queue depth (default 256).
	QueueSize int
}

// ProjectorPool fans committed events out to the registered bindings on a
// bounded set of workers. Jobs are sharded onto workers by read model key,
// so updates to one model never run concurrently with each other while
// different models proceed in parallel.
type ProjectorPool struct {
	log       *slog.Logger
	projector *Projector
	bindings  []Binding

	queues []chan poolJob
	group  *errgroup.Group

	mu     sync.RWMutex
	closed bool
}

type poolJob struct {
	ev      Event
	binding Binding
	modelID string
}

// ErrPoolClosed is returned by Dispatch after Close.
var ErrPoolClosed = errors.New("projector pool is closed")

func NewProjectorPool(cfg PoolConfig) (*ProjectorPool, error) {
	if cfg.Projector == nil {
		return nil, errors.New("pool requires a projector")
	}
	for i, b := range cfg.Bindings {
		if b.ModelType == "" || b.KeyFn == nil || b.Fn == nil {
			return nil, fmt.Errorf("binding %d is incomplete", i)
		}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPoolQueueSize
	}

	p := &ProjectorPool{
		log:       log.With(slog.String("component", "projector_pool")),
		projector: cfg.Projector,
		bindings:  cfg.Bindings,
		queues:    make([]chan poolJob, workers),
		group:     &errgroup.Group{},
	}
	for i := range p.queues {
		queue := make(chan poolJob, queueSize)
		p.queues[i] = queue
		p.group.Go(func() error {
			p.work(queue)
			return nil
		})
	}
	return p, nil
}

// Dispatch hands a committed event to every binding that claims it. The
// call blocks only when a worker queue is full; projection itself runs
// asynchronously, failures end up in the dead letter store.
func (p *ProjectorPool) Dispatch(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	for _, b := range p.bindings {
		modelID, ok := b.KeyFn(ev)
		if !ok {
			continue
		}
		queue := p.queues[p.shard(ev.TenantID, b.ModelType, modelID)]
		select {
		case queue <- poolJob{ev: ev, binding: b, modelID: modelID}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *ProjectorPool) shard(tenantID, modelType, modelID string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(modelType))
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *ProjectorPool) work(queue <-chan poolJob) {
	ctx := context.Background()
	for job := range queue {
		err := p.projector.Project(ctx, job.binding.ModelType, job.modelID, job.ev, job.binding.Fn)
		if err != nil {
			var pfe *ProjectionFailureError
			if errors.As(err, &pfe) {
				// already dead-lettered and logged by the projector
				continue
			}
			p.log.Error("projection failed",
				slog.String("model", job.binding.ModelType+"/"+job.modelID),
				slog.String("event_id", job.ev.EventID),
				slog.Any("error", err),
			)
		}
	}
}

// Close stops accepting new work and drains the queues.
func (p *ProjectorPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, queue := range p.queues {
		close(queue)
	}
	return p.group.Wait()
}
