package pubsub

import (
	"context"
	"sync"
)

// Subscription is one consumer's handle on a topic.
//
// Events are pulled with Next. The event channel is never closed; closure is
// signalled through Done so that a Publish racing with Close can never send on
// a closed channel.
type Subscription struct {
	id       uint64
	topic    string
	events   chan Event
	done     chan struct{}
	once     sync.Once
	registry *Registry
}

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Next blocks until an event arrives, the subscription is closed or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	// Checked first so a closed subscription never hands out a buffered event.
	if s.isClosed() {
		return Event{}, ErrSubscriptionClosed
	}

	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return Event{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.registry.Unsubscribe(s)
}

func (s *Subscription) markClosed() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
