// Package handler turns decoded events into identity store rows.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/aggregator/internal/codec"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
	"github.com/edvin/aggregator/internal/tracker"
)

// RunRegistry is the part of the run registry the topology handler drives.
type RunRegistry interface {
	RegisterExperimentRun(ctx context.Context, name, modelName string, ts time.Time) (tracker.RunInfo, error)
	FinishExperimentRun(ctx context.Context, experimentID int64, ts time.Time) error
	CurrentRun(name string) (tracker.RunInfo, bool)
	RegisterSystemEventProducer(ctx context.Context, experimentID int64, endpoint string) error
	RegisterModelEventProducer(ctx context.Context, experimentID int64, endpoint string) error
	AddNodeIDWithHostname(runID int64, hostname string, nodeID int64)
	StartExperimentLoggerReceivers(ctx context.Context, experimentID int64) error
}

// Topology registers the deployment tree carried by control messages.
type Topology struct {
	store    store.Store
	registry RunRegistry
	logger   zerolog.Logger
}

func NewTopology(s store.Store, registry RunRegistry, logger zerolog.Logger) *Topology {
	return &Topology{
		store:    s,
		registry: registry,
		logger:   logger.With().Str("component", "topology-handler").Logger(),
	}
}

func (h *Topology) HandlesType(eventType string) bool {
	return eventType == model.TypeControlMessage
}

func (h *Topology) Handle(ctx context.Context, env codec.Envelope) error {
	var msg model.ControlMessage
	if err := codec.Decode(env, &msg); err != nil {
		return err
	}
	return h.Process(ctx, msg)
}

// Process registers the run and every element of the message's tree. A
// failing subtree does not stop its siblings; all failures are joined.
func (h *Topology) Process(ctx context.Context, msg model.ControlMessage) error {
	if msg.Type == model.ControlTerminate {
		return h.terminate(ctx, msg)
	}

	run, err := h.registry.RegisterExperimentRun(ctx, msg.ExperimentName, msg.ModelName, msg.Timestamp)
	if err != nil {
		return err
	}

	var errs []error
	for _, n := range msg.Nodes {
		if err := h.processNode(ctx, run, n); err != nil {
			errs = append(errs, err)
		}
	}

	if err := h.registry.StartExperimentLoggerReceivers(ctx, run.ExperimentID); err != nil {
		errs = append(errs, err)
	}

	h.logger.Info().
		Str("experiment", msg.ExperimentName).
		Str("type", msg.Type).
		Int64("run_id", run.RunID).
		Int("nodes", len(msg.Nodes)).
		Int("errors", len(errs)).
		Msg("control message processed")

	return errors.Join(errs...)
}

func (h *Topology) terminate(ctx context.Context, msg model.ControlMessage) error {
	run, ok := h.registry.CurrentRun(msg.ExperimentName)
	if !ok {
		h.logger.Debug().Str("experiment", msg.ExperimentName).Msg("terminate for experiment that is not running")
		return nil
	}
	return h.registry.FinishExperimentRun(ctx, run.ExperimentID, msg.Timestamp)
}

func (h *Topology) processNode(ctx context.Context, run tracker.RunInfo, n model.Node) error {
	switch {
	case n.IsCluster():
		var errs []error
		for _, child := range n.Nodes {
			if err := h.processNode(ctx, run, child); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case n.IsHost():
		hostname := n.Info.Name
		// Nodes are unique by address within a run.
		if n.IPAddress == "" {
			return &MalformedTopologyError{Element: hostname, Reason: "host node without ip address"}
		}
		nodeID, err := h.store.InsertUnique(ctx, "nodes",
			[]store.Field{
				store.F("experiment_run_id", run.RunID),
				store.F("hostname", hostname),
				store.F("ip", n.IPAddress),
				store.F("external_id", n.Info.ID),
				store.F("kind", n.Kind),
			},
			"ip", "experiment_run_id",
		)
		if err != nil {
			return fmt.Errorf("register node %s: %w", hostname, err)
		}
		h.registry.AddNodeIDWithHostname(run.RunID, hostname, nodeID)

		var errs []error
		for _, c := range n.Containers {
			if err := h.processContainer(ctx, run, nodeID, c); err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", hostname, err))
			}
		}
		return errors.Join(errs...)

	default:
		h.logger.Warn().Str("node", n.Info.Name).Str("kind", n.Kind).Msg("unknown node kind skipped")
		return nil
	}
}

func (h *Topology) processContainer(ctx context.Context, run tracker.RunInfo, nodeID int64, c model.Container) error {
	containerID, err := h.store.InsertUnique(ctx, "containers",
		[]store.Field{
			store.F("node_id", nodeID),
			store.F("external_id", externalID(c.Info)),
			store.F("name", c.Info.Name),
			store.F("kind", c.Kind),
		},
		"node_id", "external_id",
	)
	if err != nil {
		return fmt.Errorf("register container %s: %w", c.Info.Name, err)
	}

	var errs []error
	for _, l := range c.Loggers {
		var err error
		switch l.Kind {
		case model.LoggerModel:
			err = h.registry.RegisterModelEventProducer(ctx, run.ExperimentID, l.Endpoint)
		case model.LoggerSystem:
			err = h.registry.RegisterSystemEventProducer(ctx, run.ExperimentID, l.Endpoint)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", c.Info.Name, err))
		}
	}

	for _, comp := range c.Components {
		if err := h.processComponent(ctx, run, containerID, comp); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", c.Info.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Topology) processComponent(ctx context.Context, run tracker.RunInfo, containerID int64, c model.Component) error {
	path, err := BuildLocation(c.Location, c.ReplicationIndices, c.Info.Name)
	if err != nil {
		return err
	}

	componentID, err := h.store.InsertUnique(ctx, "components",
		[]store.Field{
			store.F("name", typeName(c.Info)),
			store.F("experiment_run_id", run.RunID),
		},
		"name", "experiment_run_id",
	)
	if err != nil {
		return fmt.Errorf("register component %s: %w", typeName(c.Info), err)
	}

	instanceID, err := h.store.InsertUnique(ctx, "component_instances",
		[]store.Field{
			store.F("component_id", componentID),
			store.F("container_id", containerID),
			store.F("external_id", c.Info.ID),
			store.F("name", c.Info.Name),
			store.F("path", path),
		},
		"path", "component_id",
	)
	if err != nil {
		return fmt.Errorf("register component instance %s: %w", path, err)
	}

	var errs []error
	for _, p := range c.Ports {
		if err := h.processPort(ctx, instanceID, path, p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range c.Workers {
		if err := h.processWorker(ctx, run, instanceID, path, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Topology) processPort(ctx context.Context, instanceID int64, instancePath string, p model.Port) error {
	path := childPath(instancePath, p.Info.Name)
	_, err := h.store.InsertUnique(ctx, "ports",
		[]store.Field{
			store.F("component_instance_id", instanceID),
			store.F("external_id", p.Info.ID),
			store.F("name", p.Info.Name),
			store.F("path", path),
			store.F("kind", p.Kind),
			store.F("type", p.Info.Type),
			store.F("middleware", p.Middleware),
		},
		"name", "component_instance_id",
	)
	if err != nil {
		return fmt.Errorf("register port %s: %w", path, err)
	}
	return nil
}

func (h *Topology) processWorker(ctx context.Context, run tracker.RunInfo, instanceID int64, instancePath string, w model.Worker) error {
	workerID, err := h.store.InsertUnique(ctx, "workers",
		[]store.Field{
			store.F("name", typeName(w.Info)),
			store.F("experiment_run_id", run.RunID),
		},
		"name", "experiment_run_id",
	)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", typeName(w.Info), err)
	}

	path := childPath(instancePath, w.Info.Name)
	_, err = h.store.InsertUnique(ctx, "worker_instances",
		[]store.Field{
			store.F("worker_id", workerID),
			store.F("component_instance_id", instanceID),
			store.F("external_id", w.Info.ID),
			store.F("name", w.Info.Name),
			store.F("path", path),
		},
		"name", "component_instance_id",
	)
	if err != nil {
		return fmt.Errorf("register worker instance %s: %w", path, err)
	}
	return nil
}

// externalID falls back to the name for agents that do not assign ids.
func externalID(info model.EntityInfo) string {
	if info.ID != "" {
		return info.ID
	}
	return info.Name
}

func typeName(info model.EntityInfo) string {
	if info.Type != "" {
		return info.Type
	}
	return info.Name
}
