package es

// SubscribeFilter restricts a subscription to matching events. Empty fields
// match everything.
type SubscribeFilter struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
}

func (f SubscribeFilter) matches(ev Event) bool {
	if f.TenantID != "" && ev.TenantID != f.TenantID {
		return false
	}
	if f.AggregateType != "" && ev.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && ev.AggregateID != f.AggregateID {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	return true
}

func matchFilters(ev Event, filters []SubscribeFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.matches(ev) {
			return true
		}
	}
	return false
}

// DeliverPolicy controls where a subscription starts.
type DeliverPolicy string

const (
	// DeliverAll replays history from StartGlobalSeq before going live.
	DeliverAll DeliverPolicy = "all"
	// DeliverNew delivers only events committed after subscribing.
	DeliverNew DeliverPolicy = "new"
)

type subscribeOptions struct {
	policy         DeliverPolicy
	filters        []SubscribeFilter
	startGlobalSeq uint64
	buffer         int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

// WithDeliverPolicy sets the deliver policy (default DeliverNew).
func WithDeliverPolicy(p DeliverPolicy) SubscribeOption {
	return func(o *subscribeOptions) { o.policy = p }
}

// WithFilters restricts delivery to events matching any of the filters.
func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(o *subscribeOptions) { o.filters = filters }
}

// WithStartGlobalSeq sets the first global sequence delivered under
// DeliverAll.
func WithStartGlobalSeq(seq uint64) SubscribeOption {
	return func(o *subscribeOptions) { o.startGlobalSeq = seq }
}

// WithSubscribeBuffer sets the subscription channel buffer (default 256).
func WithSubscribeBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func newSubscribeOptions(opts ...SubscribeOption) subscribeOptions {
	o := subscribeOptions{policy: DeliverNew, buffer: 256}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Subscription is a live feed of committed events.
type Subscription interface {
	// Chan delivers each aggregate's events in sequence order. Events of
	// different aggregates may arrive out of commit (GlobalSeq) order on
	// the live path; consumers needing global order must sort on GlobalSeq.
	Chan() <-chan Event
	// Cancel stops delivery and releases the subscription.
	Cancel()
}
