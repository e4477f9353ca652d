// Package bustest provides an in-process bus for tests.
package bustest

import (
	"context"
	"sync"

	"github.com/edvin/aggregator/internal/bus"
)

// Broker is an in-memory pub/sub broker. Like Redis, it drops messages
// published to a channel nobody is subscribed to.
type Broker struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscription]struct{})}
}

func (b *Broker) NewSubscription(ctx context.Context) bus.Subscription {
	s := &subscription{
		broker:   b,
		channels: make(map[string]bool),
		msgs:     make(chan bus.Message, 1024),
		closed:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	var targets []*subscription
	for s := range b.subs {
		if s.subscribed(channel) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.msgs <- bus.Message{Channel: channel, Payload: payload}:
		case <-s.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns how many open subscriptions listen on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs {
		if s.subscribed(channel) {
			n++
		}
	}
	return n
}

type subscription struct {
	broker *Broker

	mu       sync.Mutex
	channels map[string]bool

	msgs      chan bus.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *subscription) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channel]
}

func (s *subscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		s.channels[c] = true
	}
	return nil
}

func (s *subscription) Receive(ctx context.Context) (bus.Message, error) {
	select {
	case <-s.closed:
		return bus.Message{}, bus.ErrClosed
	default:
	}
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return bus.Message{}, bus.ErrClosed
	case <-ctx.Done():
		return bus.Message{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	})
	return nil
}
