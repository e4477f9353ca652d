package handler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/aggregator/internal/cache"
	"github.com/edvin/aggregator/internal/codec"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
)

// ModelEvents stores lifecycle, workload and utilisation events for one
// run. Every event names the component instance it belongs to; the
// instance and its ports and workers must have been registered by a
// control message first.
type ModelEvents struct {
	store  store.Store
	run    RunScope
	logger zerolog.Logger

	components *cache.Map[string, int64]
	instances  *cache.Map[instanceKey, int64]
	ports      *cache.Map[childKey, int64]
	workers    *cache.Map[childKey, int64]
}

type instanceKey struct {
	componentID int64
	ref         string
}

type childKey struct {
	instanceID int64
	name       string
}

func NewModelEvents(s store.Store, run RunScope, logger zerolog.Logger) *ModelEvents {
	return &ModelEvents{
		store:      s,
		run:        run,
		logger:     logger.With().Str("component", "model-handler").Int64("run_id", run.ID()).Logger(),
		components: cache.New[string, int64](),
		instances:  cache.New[instanceKey, int64](),
		ports:      cache.New[childKey, int64](),
		workers:    cache.New[childKey, int64](),
	}
}

func (h *ModelEvents) HandlesType(eventType string) bool {
	switch eventType {
	case model.TypeModelLifecycle, model.TypeModelWorkload, model.TypeModelUtilization:
		return true
	}
	return false
}

func (h *ModelEvents) Handle(ctx context.Context, env codec.Envelope) error {
	switch env.Type {
	case model.TypeModelLifecycle:
		var ev model.LifecycleEvent
		if err := codec.Decode(env, &ev); err != nil {
			return err
		}
		return h.ProcessLifecycle(ctx, ev)
	case model.TypeModelWorkload:
		var ev model.WorkloadEvent
		if err := codec.Decode(env, &ev); err != nil {
			return err
		}
		return h.ProcessWorkload(ctx, ev)
	case model.TypeModelUtilization:
		var ev model.UtilizationEvent
		if err := codec.Decode(env, &ev); err != nil {
			return err
		}
		return h.ProcessUtilization(ctx, ev)
	default:
		return fmt.Errorf("%w: model handler got %q", codec.ErrMalformed, env.Type)
	}
}

// ProcessLifecycle records a component transition, or a port transition
// when the event names a port.
func (h *ModelEvents) ProcessLifecycle(ctx context.Context, ev model.LifecycleEvent) error {
	if ev.Component == nil {
		return fmt.Errorf("%w: lifecycle %s without component", codec.ErrMalformed, ev.Type)
	}
	instanceID, err := h.instanceID(ctx, *ev.Component)
	if err != nil {
		return fmt.Errorf("lifecycle %s: %w", ev.Type, err)
	}

	if ev.Port == nil {
		_, err = h.store.Insert(ctx, "component_lifecycle_events",
			store.F("component_instance_id", instanceID),
			store.F("type", ev.Type),
			store.F("sample_time", ev.Info.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("lifecycle %s of %s: %w", ev.Type, ev.Component.Name, err)
		}
		return nil
	}

	portID, err := h.portID(ctx, instanceID, ev.Port.Name)
	if err != nil {
		return fmt.Errorf("lifecycle %s of port %s: %w", ev.Type, ev.Port.Name, err)
	}
	_, err = h.store.Insert(ctx, "port_lifecycle_events",
		store.F("port_id", portID),
		store.F("type", ev.Type),
		store.F("sample_time", ev.Info.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("lifecycle %s of port %s: %w", ev.Type, ev.Port.Name, err)
	}
	return nil
}

func (h *ModelEvents) ProcessWorkload(ctx context.Context, ev model.WorkloadEvent) error {
	instanceID, err := h.instanceID(ctx, ev.Component)
	if err != nil {
		return fmt.Errorf("workload %d: %w", ev.WorkloadID, err)
	}

	workerID, err := h.workers.Resolve(childKey{instanceID, ev.Worker.Name}, func() (int64, error) {
		return h.store.GetID(ctx, "worker_instances",
			store.F("component_instance_id", instanceID),
			store.F("name", ev.Worker.Name),
		)
	})
	if err != nil {
		return fmt.Errorf("workload %d on worker %s: %w", ev.WorkloadID, ev.Worker.Name, err)
	}

	_, err = h.store.Insert(ctx, "workload_events",
		store.F("worker_instance_id", workerID),
		store.F("workload_id", ev.WorkloadID),
		store.F("function_name", ev.Function),
		store.F("type", ev.Type),
		store.F("arguments", ev.Args),
		store.F("log_level", ev.LogLevel),
		store.F("sample_time", ev.Info.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("workload %d on worker %s: %w", ev.WorkloadID, ev.Worker.Name, err)
	}
	return nil
}

func (h *ModelEvents) ProcessUtilization(ctx context.Context, ev model.UtilizationEvent) error {
	instanceID, err := h.instanceID(ctx, ev.Component)
	if err != nil {
		return fmt.Errorf("port event %d: %w", ev.SequenceNum, err)
	}

	portID, err := h.portID(ctx, instanceID, ev.Port.Name)
	if err != nil {
		return fmt.Errorf("port event %d on %s: %w", ev.SequenceNum, ev.Port.Name, err)
	}

	_, err = h.store.Insert(ctx, "port_events",
		store.F("port_id", portID),
		store.F("sequence_num", ev.SequenceNum),
		store.F("type", ev.Type),
		store.F("message", ev.Message),
		store.F("sample_time", ev.Info.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("port event %d on %s: %w", ev.SequenceNum, ev.Port.Name, err)
	}
	return nil
}

// instanceID resolves a component reference through its type to the
// instance row. Instances are matched on their external id, or on their
// name when the agent assigned none.
func (h *ModelEvents) instanceID(ctx context.Context, ref model.ComponentRef) (int64, error) {
	componentID, err := h.components.Resolve(ref.Type, func() (int64, error) {
		return h.store.GetID(ctx, "components",
			store.F("name", ref.Type),
			store.F("experiment_run_id", h.run.ID()),
		)
	})
	if err != nil {
		return 0, fmt.Errorf("component %s: %w", ref.Type, err)
	}

	key := instanceKey{componentID, "name:" + ref.Name}
	match := store.F("name", ref.Name)
	if ref.ID != "" {
		key.ref = "id:" + ref.ID
		match = store.F("external_id", ref.ID)
	}
	id, err := h.instances.Resolve(key, func() (int64, error) {
		return h.store.GetID(ctx, "component_instances", store.F("component_id", componentID), match)
	})
	if err != nil {
		return 0, fmt.Errorf("component instance %s: %w", ref.Name, err)
	}
	return id, nil
}

func (h *ModelEvents) portID(ctx context.Context, instanceID int64, name string) (int64, error) {
	return h.ports.Resolve(childKey{instanceID, name}, func() (int64, error) {
		return h.store.GetID(ctx, "ports",
			store.F("component_instance_id", instanceID),
			store.F("name", name),
		)
	})
}
