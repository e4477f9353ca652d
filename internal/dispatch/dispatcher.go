// Package dispatch runs the receive loop of a subscription context and
// routes each message to the handler bound to its event type.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/aggregator/internal/bus"
	"github.com/edvin/aggregator/internal/codec"
	"github.com/edvin/aggregator/internal/store"
)

// Handler processes the events of one or more types.
type Handler interface {
	HandlesType(eventType string) bool
	Handle(ctx context.Context, env codec.Envelope) error
}

// receiveBackoff is how long the loop pauses after a transport error.
const receiveBackoff = 250 * time.Millisecond

// Dispatcher owns one subscription and the goroutine that drains it. Events
// are handled one at a time on that goroutine, in delivery order.
type Dispatcher struct {
	name   string
	sub    bus.Subscription
	logger zerolog.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	endpoints map[string]struct{}
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a dispatcher with an empty subscription.
func New(ctx context.Context, name string, subscriber bus.Subscriber, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		name:      name,
		sub:       subscriber.NewSubscription(ctx),
		logger:    logger.With().Str("component", "dispatcher").Str("dispatcher", name).Logger(),
		handlers:  make(map[string]Handler),
		endpoints: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Name returns the dispatcher name used in logs.
func (d *Dispatcher) Name() string { return d.name }

// Bind routes the given event types to h.
func (d *Dispatcher) Bind(h Handler, eventTypes ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range eventTypes {
		if !h.HandlesType(t) {
			return fmt.Errorf("dispatcher %s: handler %T does not handle %q", d.name, h, t)
		}
		if _, ok := d.handlers[t]; ok {
			return fmt.Errorf("dispatcher %s: event type %q already bound", d.name, t)
		}
		d.handlers[t] = h
	}
	return nil
}

// Connect subscribes to an endpoint. Messages published to it from now on
// are retained until the dispatcher is started. Connecting the same
// endpoint twice is a no-op.
func (d *Dispatcher) Connect(ctx context.Context, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return fmt.Errorf("dispatcher %s: %w", d.name, bus.ErrClosed)
	}
	if _, ok := d.endpoints[endpoint]; ok {
		return nil
	}
	if err := d.sub.Subscribe(ctx, endpoint); err != nil {
		return err
	}
	d.endpoints[endpoint] = struct{}{}
	d.logger.Info().Str("endpoint", endpoint).Msg("endpoint connected")
	return nil
}

// Endpoints returns the connected endpoints, sorted.
func (d *Dispatcher) Endpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.endpoints))
	for e := range d.endpoints {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Start launches the receive loop. Calling Start again has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.loop(loopCtx)
	d.logger.Info().Int("endpoints", len(d.endpoints)).Msg("receive loop started")
}

// Running reports whether the receive loop has been started and not stopped.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.stopped
}

// Stop closes the subscription and waits for the event being handled, if
// any, to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	started := d.started
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	if err := d.sub.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("close subscription")
	}
	if started {
		<-d.done
	} else {
		close(d.done)
	}
	d.logger.Info().Msg("receive loop stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		msg, err := d.sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return
			}
			d.logger.Error().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}
		// A handler started before shutdown runs to completion.
		d.Dispatch(context.WithoutCancel(ctx), msg)
	}
}

// Dispatch decodes one message and hands it to its handler. Failures are
// logged and counted; they never stop the loop.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.Message) {
	env, err := codec.DecodeEnvelope(msg.Payload)
	if err != nil {
		eventsTotal.WithLabelValues("unknown", resultMalformed).Inc()
		d.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("event dropped")
		return
	}

	d.mu.Lock()
	h, ok := d.handlers[env.Type]
	d.mu.Unlock()
	if !ok {
		eventsTotal.WithLabelValues(env.Type, resultUnhandled).Inc()
		d.logger.Debug().Str("type", env.Type).Str("channel", msg.Channel).Msg("no handler for event type")
		return
	}

	start := time.Now()
	err = h.Handle(ctx, env)
	eventDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())

	result := Classify(err)
	eventsTotal.WithLabelValues(env.Type, result).Inc()
	switch result {
	case resultDropped:
		d.logger.Warn().Err(err).Str("type", env.Type).Str("channel", msg.Channel).Msg("event dropped")
	case resultFailed:
		d.logger.Error().Err(err).Str("type", env.Type).Str("channel", msg.Channel).Msg("event handling failed")
	}
}

// Classify maps a handler error onto a result label. Resolution failures
// and malformed events affect only the event itself; a storage failure
// anywhere in the chain is reported as a failure.
func Classify(err error) string {
	var se *store.StorageError
	switch {
	case err == nil:
		return resultOK
	case errors.As(err, &se):
		return resultFailed
	case store.IsResolution(err), errors.Is(err, codec.ErrMalformed):
		return resultDropped
	default:
		return resultFailed
	}
}
