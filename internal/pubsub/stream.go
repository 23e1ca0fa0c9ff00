package pubsub

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Stream merges several subscriptions into one ordered-per-topic feed.
//
// One goroutine per subscription forwards events into a shared unbuffered
// channel. The goroutines run in an errgroup: when any subscription dies (for
// example, dropped as too slow) or the parent context ends, the whole stream
// ends and every handle is unsubscribed, so no topic entry outlives it.
type Stream struct {
	subs   []*Subscription
	out    chan Event
	cancel context.CancelFunc
	ended  chan struct{}
	once   sync.Once
}

// NewStream starts forwarding from subs until ctx is done or Close is called.
func NewStream(ctx context.Context, subs ...*Subscription) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		subs:   subs,
		out:    make(chan Event),
		cancel: cancel,
		ended:  make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			for {
				ev, err := sub.Next(gctx)
				if err != nil {
					return err
				}
				select {
				case s.out <- ev:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	go func() {
		_ = g.Wait()
		for _, sub := range subs {
			sub.Close()
		}
		cancel()
		close(s.ended)
	}()

	return s
}

// Topics returns the topics the stream listens on.
func (s *Stream) Topics() []string {
	names := make([]string, len(s.subs))
	for i, sub := range s.subs {
		names[i] = sub.Topic()
	}
	return names
}

// Next returns the next event from any of the stream's topics. Once the stream
// has ended it returns ErrSubscriptionClosed.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.out:
		return ev, nil
	case <-s.ended:
		return Event{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Events exposes the merged feed for select loops. The channel is never
// closed; watch Done alongside it.
func (s *Stream) Events() <-chan Event { return s.out }

// Done is closed once every handle has been unsubscribed.
func (s *Stream) Done() <-chan struct{} { return s.ended }

// Close stops the stream and waits until every handle is unsubscribed.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
	<-s.ended
}
