package es

import "context"

// EventPublisher is the boundary to the downstream event bus. Publication
// happens after durable commit with at-least-once semantics; consumers
// deduplicate on EventID. A publisher must never mutate the event.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublishFunc adapts a function to the EventPublisher interface.
type PublishFunc func(ctx context.Context, ev Event) error

func (f PublishFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NopPublisher drops events. Used when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

var (
	_ EventPublisher = PublishFunc(nil)
	_ EventPublisher = NopPublisher{}
)
