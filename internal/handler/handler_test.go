package handler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edvin/aggregator/internal/bus/bustest"
	"github.com/edvin/aggregator/internal/dispatch"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
	"github.com/edvin/aggregator/internal/store/storetest"
	"github.com/edvin/aggregator/internal/tracker"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.SQLite
	conn     *sql.DB
	broker   *bustest.Broker
	registry *tracker.Registry
	topology *Topology
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, conn := storetest.New(t)
	broker := bustest.NewBroker()
	registry := tracker.NewRegistry(s, broker, func(run *tracker.Run) []dispatch.Handler {
		return []dispatch.Handler{
			NewSystemEvents(s, run, zerolog.Nop()),
			NewModelEvents(s, run, zerolog.Nop()),
		}
	}, zerolog.Nop())
	t.Cleanup(func() { registry.Close() })

	return &fixture{
		store:    s,
		conn:     conn,
		broker:   broker,
		registry: registry,
		topology: NewTopology(s, registry, zerolog.Nop()),
	}
}

func (f *fixture) count(t *testing.T, table, where string, args ...any) int {
	t.Helper()
	return storetest.Count(t, f.conn, table, where, args...)
}

// deploy registers sampleMessage for experiment and returns its running run.
func (f *fixture) deploy(t *testing.T, experiment string) *tracker.Run {
	t.Helper()
	require.NoError(t, f.topology.Process(context.Background(), sampleMessage(experiment)))
	runID, ok := f.registry.GetCurrentRunID(experiment)
	require.True(t, ok)
	run, ok := f.registry.Run(runID)
	require.True(t, ok)
	return run
}

// sampleMessage is one host h1 running container c1 with a single
// component instance that has port p1 and worker w1.
func sampleMessage(experiment string) model.ControlMessage {
	return model.ControlMessage{
		Type:           model.ControlConfigure,
		ExperimentName: experiment,
		ModelName:      "pipeline",
		Timestamp:      t0,
		Nodes: []model.Node{{
			Info:      model.EntityInfo{Name: "h1", ID: "node-1"},
			Kind:      model.NodeHardware,
			IPAddress: "10.0.0.1",
			Containers: []model.Container{{
				Info: model.EntityInfo{Name: "c1", ID: "c1"},
				Kind: "docker",
				Loggers: []model.Logger{
					{Kind: model.LoggerModel, Endpoint: "model-" + experiment},
					{Kind: model.LoggerSystem, Endpoint: "sys-" + experiment},
				},
				Components: []model.Component{{
					Info:               model.EntityInfo{Name: "comp", ID: "comp-1", Type: "Comp"},
					Location:           []string{"top"},
					ReplicationIndices: []int{0},
					Ports: []model.Port{{
						Info: model.EntityInfo{Name: "p1", ID: "p1", Type: "int"},
						Kind: "out",
					}},
					Workers: []model.Worker{{
						Info: model.EntityInfo{Name: "w1", Type: "Worker"},
					}},
				}},
			}},
		}},
	}
}

func compRef() model.ComponentRef {
	return model.ComponentRef{ID: "comp-1", Name: "comp", Type: "Comp"}
}
