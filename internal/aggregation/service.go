// Package aggregation wires the ingestion pipeline: registration with the
// environment manager, the control message dispatcher and the run
// registry whose per-run dispatchers feed the event handlers.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/edvin/aggregator/internal/bus"
	"github.com/edvin/aggregator/internal/dispatch"
	"github.com/edvin/aggregator/internal/handler"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
	"github.com/edvin/aggregator/internal/tracker"
)

// ErrNotReady is reported by Ready until control messages are being
// received.
var ErrNotReady = errors.New("control receiver not started")

// Registrar announces the aggregator and returns the endpoints control
// messages are published on.
type Registrar interface {
	Register(ctx context.Context, instanceID, endpoint string) ([]string, error)
}

type Service struct {
	store           store.Store
	subscriber      bus.Subscriber
	registrar       Registrar
	instanceID      string
	controlEndpoint string
	logger          zerolog.Logger
	baseLogger      zerolog.Logger

	registry *tracker.Registry
	ready    atomic.Bool
}

func NewService(s store.Store, subscriber bus.Subscriber, registrar Registrar, instanceID, controlEndpoint string, logger zerolog.Logger) *Service {
	svc := &Service{
		store:           s,
		subscriber:      subscriber,
		registrar:       registrar,
		instanceID:      instanceID,
		controlEndpoint: controlEndpoint,
		logger:          logger.With().Str("component", "aggregation").Logger(),
		baseLogger:      logger,
	}
	svc.registry = tracker.NewRegistry(s, subscriber, svc.runHandlers, logger)
	return svc
}

func (s *Service) runHandlers(run *tracker.Run) []dispatch.Handler {
	return []dispatch.Handler{
		handler.NewSystemEvents(s.store, run, s.baseLogger),
		handler.NewModelEvents(s.store, run, s.baseLogger),
	}
}

// Registry exposes the run registry for status reporting.
func (s *Service) Registry() *tracker.Registry { return s.registry }

// Ready reports whether control messages are being received.
func (s *Service) Ready(context.Context) error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// Run registers with the environment manager, receives control messages
// until ctx is cancelled and then shuts the pipeline down. A failed
// registration is returned immediately.
func (s *Service) Run(ctx context.Context) error {
	publishers, err := s.registrar.Register(ctx, s.instanceID, s.controlEndpoint)
	if err != nil {
		s.registry.Close()
		return fmt.Errorf("register aggregator: %w", err)
	}
	s.logger.Info().
		Str("endpoint", s.controlEndpoint).
		Strs("publishers", publishers).
		Msg("registered with environment manager")

	control := dispatch.New(ctx, "control", s.subscriber, s.baseLogger)
	topology := handler.NewTopology(s.store, s.registry, s.baseLogger)
	if err := control.Bind(topology, model.TypeControlMessage); err != nil {
		control.Stop()
		s.registry.Close()
		return err
	}

	endpoints := append([]string{s.controlEndpoint}, publishers...)
	for _, ep := range endpoints {
		if err := control.Connect(ctx, ep); err != nil {
			control.Stop()
			s.registry.Close()
			return fmt.Errorf("connect control endpoint %s: %w", ep, err)
		}
	}

	control.Start(ctx)
	s.ready.Store(true)
	s.logger.Info().Strs("endpoints", control.Endpoints()).Msg("receiving control messages")

	<-ctx.Done()

	s.ready.Store(false)
	s.logger.Info().Msg("shutting down aggregation service")
	control.Stop()
	return s.registry.Close()
}
