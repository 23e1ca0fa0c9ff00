// Package pubsub is the in-process subscription registry that fans out chat
// messages and chatroom lifecycle events to live connections.
//
// TOPICS:
// A topic is a plain string. Messages for room "N" go to "messages:N";
// lifecycle events for a user go to "chatroom-created:{id}" and friends.
// Topics exist only while someone is subscribed: the first Subscribe creates
// one, the last Unsubscribe removes it.
//
// DELIVERY:
// Publish never blocks on a consumer. Every subscription owns a bounded queue;
// if it is full when an event arrives, the subscriber is declared dead,
// removed from the topic and closed. A slow websocket client therefore loses
// its subscription instead of stalling the sender of a chat message.
//
// LOCKING:
// The topic map is guarded by an RWMutex; each topic has its own mutex over
// its subscriber set. Lock order is always registry → topic. Publish holds the
// topic lock for the whole delivery, so every subscriber sees the same
// snapshot and events on one topic arrive in publish order.
package pubsub

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription queue size.
const DefaultBuffer = 64

var (
	ErrSubscriptionClosed = errors.New("pubsub: subscription closed")
	ErrRegistryClosed     = errors.New("pubsub: registry closed")
	ErrEmptyTopic         = errors.New("pubsub: topic name is empty")
)

// Event is one published item. Payload is whatever the publisher attached,
// usually a model value that the transport encodes as JSON.
type Event struct {
	Topic   string    `json:"topic"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Option customises a Registry.
type Option func(*Registry)

// WithBuffer sets the per-subscription queue size. Values < 1 are ignored.
func WithBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now for stamping events.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps topics to their live subscriptions.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	buffer  int
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	nextID  atomic.Uint64
}

type topic struct {
	name string
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		topics: make(map[string]*topic),
		buffer: DefaultBuffer,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a new subscription on name, creating the topic if needed.
func (r *Registry) Subscribe(name string) (*Subscription, error) {
	if name == "" {
		return nil, ErrEmptyTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	t, ok := r.topics[name]
	if !ok {
		t = &topic{name: name, subs: make(map[uint64]*Subscription)}
		r.topics[name] = t
		r.metrics.topicAdded()
	}

	sub := &Subscription{
		id:       r.nextID.Add(1),
		topic:    name,
		events:   make(chan Event, r.buffer),
		done:     make(chan struct{}),
		registry: r,
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	r.metrics.subscriberAdded()
	return sub, nil
}

// Unsubscribe removes sub from its topic and closes it. It is idempotent and
// safe to call on a subscription the registry already dropped.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	if t, ok := r.topics[sub.topic]; ok {
		t.mu.Lock()
		_, present := t.subs[sub.id]
		delete(t.subs, sub.id)
		empty := len(t.subs) == 0
		t.mu.Unlock()

		if present {
			r.metrics.subscriberRemoved()
		}
		if empty {
			delete(r.topics, sub.topic)
			r.metrics.topicRemoved()
		}
	}
	r.mu.Unlock()

	sub.markClosed()
}

// Publish delivers ev to every current subscriber of name and returns how many
// received it. Publishing to a topic nobody listens on is a no-op. The event's
// Topic is set to name, and At is stamped if zero.
func (r *Registry) Publish(name string, ev Event) int {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return 0
	}
	t := r.topics[name]
	r.mu.RUnlock()

	r.metrics.published()

	if t == nil {
		return 0
	}

	ev.Topic = name
	if ev.At.IsZero() {
		ev.At = r.now()
	}

	var dead []*Subscription
	delivered := 0

	t.mu.Lock()
	for id, sub := range t.subs {
		if sub.isClosed() {
			delete(t.subs, id)
			dead = append(dead, sub)
			continue
		}
		select {
		case sub.events <- ev:
			delivered++
		default:
			delete(t.subs, id)
			dead = append(dead, sub)
		}
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	for _, sub := range dead {
		sub.markClosed()
		r.metrics.subscriberDropped()
		r.logger.Debug("dropped dead subscriber",
			slog.String("topic", name),
			slog.Uint64("subscription", sub.id),
		)
	}

	if empty {
		r.collect(t)
	}

	return delivered
}

// collect removes t from the map if it is still registered and still empty.
// Another goroutine may have subscribed since Publish released the topic lock.
func (r *Registry) collect(t *topic) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.topics[t.name] != t {
		return
	}
	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(r.topics, t.name)
		r.metrics.topicRemoved()
	}
}

// Close closes every subscription and rejects further subscribes. Pending
// Next calls return ErrSubscriptionClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	topics := r.topics
	r.topics = make(map[string]*topic)
	r.mu.Unlock()

	drained := 0
	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.markClosed()
			r.metrics.subscriberRemoved()
			drained++
		}
		t.mu.Unlock()
		r.metrics.topicRemoved()
	}

	r.logger.Info("subscription registry closed",
		slog.Int("topics", len(topics)),
		slog.Int("subscribers", drained),
	)
}

// Topics returns the names of all live topics, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribers returns the number of live subscriptions on name.
func (r *Registry) Subscribers(name string) int {
	r.mu.RLock()
	t := r.topics[name]
	r.mu.RUnlock()

	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
