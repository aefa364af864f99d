// Package perkey serializes work per key while letting different keys run
// concurrently.
//
// The event store uses it to linearize appends per (tenant, aggregate) and
// the projector pool uses it to keep a single read model updated by one
// worker at a time. Work for different aggregates or read models never
// contends.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed scheduler.
var ErrClosed = errors.New("perkey: scheduler closed")

const defaultQueueSize = 64

type config struct {
	queueSize int
}

// Option configures a Scheduler.
type Option func(*config)

// WithQueueSize sets the per-key task queue size (default 64).
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// Scheduler executes submitted functions such that, for any key K, functions
// run sequentially in submission order. Functions for different keys run in
// parallel on independent goroutines.
type Scheduler[K comparable] struct {
	mu        sync.Mutex
	lanes     map[K]*lane
	closed    bool
	inflight  sync.WaitGroup
	queueSize int
}

type lane struct {
	queue chan *unit
}

type unit struct {
	fn   func() error
	done chan error
}

// New creates a Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := config{queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler[K]{
		lanes:     make(map[K]*lane),
		queueSize: cfg.queueSize,
	}
}

// Do runs fn for key, blocking until fn finishes, and returns fn's error.
// Calls for the same key execute one at a time in submission order.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is Do with cancellation. If ctx is cancelled while the caller
// waits to enqueue or waits for completion, the context error is returned.
// A unit that was already enqueued still executes; the caller just stops
// waiting for it.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.inflight.Add(1)
	ln := s.laneLocked(key)
	s.mu.Unlock()

	u := &unit{fn: fn, done: make(chan error, 1)}

	select {
	case ln.queue <- u:
	case <-ctx.Done():
		s.inflight.Done()
		return ctx.Err()
	}

	select {
	case err := <-u.done:
		s.inflight.Done()
		return err
	case <-ctx.Done():
		s.inflight.Done()
		return ctx.Err()
	}
}

// Close stops accepting new work and shuts down all lanes. Units already
// queued still execute; Close waits for in-flight submissions to finish
// enqueueing before closing lane channels.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// No submission may be mid-enqueue when lanes close.
	s.inflight.Wait()

	s.mu.Lock()
	for _, ln := range s.lanes {
		close(ln.queue)
	}
	s.lanes = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) laneLocked(key K) *lane {
	ln, ok := s.lanes[key]
	if ok {
		return ln
	}
	ln = &lane{queue: make(chan *unit, s.queueSize)}
	s.lanes[key] = ln
	go func() {
		for u := range ln.queue {
			u.done <- u.fn()
		}
	}()
	return ln
}
