// Package bus is the publish/subscribe transport events arrive on. An
// endpoint is a channel name; producers publish CBOR envelopes to it.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription receives messages from the channels it is subscribed to.
// Messages published after Subscribe returns are retained until read, so a
// subscription can be filled before anyone starts receiving from it.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Subscriber creates subscriptions.
type Subscriber interface {
	NewSubscription(ctx context.Context) Subscription
}

// Publisher sends a payload to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
