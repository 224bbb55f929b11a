package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"DlcCoordinator/internal/event"
)

var (
	// ErrSubscriptionClosed is returned by Recv once the producer is gone.
	// It is fatal to the consumption loop; process supervision restarts.
	ErrSubscriptionClosed = errors.New("channel event subscription closed")

	// ErrLagged is returned by Recv when the subscriber fell behind and
	// events were dropped under back-pressure. The loop should log and
	// continue; stale shadow rows self-heal on the next full snapshot
	// lookup.
	ErrLagged = errors.New("channel event subscription lagged")
)

// LagError reports how many events a slow subscriber missed.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("channel event subscription lagged: skipped %d events", e.Skipped)
}

func (e *LagError) Unwrap() error { return ErrLagged }

// Subscription is a single consumer's bounded view of the engine's broadcast
// event stream. When the buffer is full, new events are dropped and counted;
// the next Recv reports the gap as a LagError before resuming delivery.
type Subscription struct {
	ch chan event.ChannelEvent

	mu      sync.Mutex
	skipped uint64
	closed  bool
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{ch: make(chan event.ChannelEvent, buffer)}
}

// Recv blocks until an event is available, the subscription lags, the
// subscription is closed, or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (event.ChannelEvent, error) {
	s.mu.Lock()
	if s.skipped > 0 {
		n := s.skipped
		s.skipped = 0
		s.mu.Unlock()
		return event.ChannelEvent{}, &LagError{Skipped: n}
	}
	s.mu.Unlock()

	select {
	case ev, ok := <-s.ch:
		if !ok {
			return event.ChannelEvent{}, ErrSubscriptionClosed
		}
		return ev, nil
	case <-ctx.Done():
		return event.ChannelEvent{}, ctx.Err()
	}
}

// publish delivers an event without ever blocking the producer. On a full
// buffer the event is dropped and the gap recorded.
func (s *Subscription) publish(ev event.ChannelEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.skipped++
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster fans channel events out to any number of subscriptions.
type Broadcaster struct {
	mu     sync.Mutex
	subs   []*Subscription
	buffer int
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to
// buffer events each.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{buffer: buffer}
}

// Subscribe registers a new subscription. Subscriptions on a closed
// broadcaster report ErrSubscriptionClosed immediately.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newSubscription(b.buffer)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers an event to every subscription, never blocking.
func (b *Broadcaster) Publish(ev event.ChannelEvent) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, sub := range subs {
		sub.publish(ev)
	}
}

// Close terminates all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
}
