package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/aggregator/internal/codec"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
	"github.com/edvin/aggregator/internal/tracker"
)

func TestTopology_RegistersTree(t *testing.T) {
	f := newFixture(t)
	run := f.deploy(t, "exp")

	assert.Equal(t, 1, f.count(t, "experiments", "name = ? AND model_name = ?", "exp", "pipeline"))
	assert.Equal(t, 1, f.count(t, "experiment_runs", "id = ?", run.ID()))
	assert.Equal(t, 1, f.count(t, "nodes", "hostname = ? AND ip = ? AND experiment_run_id = ?", "h1", "10.0.0.1", run.ID()))
	assert.Equal(t, 1, f.count(t, "containers", "external_id = ? AND name = ?", "c1", "c1"))
	assert.Equal(t, 1, f.count(t, "components", "name = ? AND experiment_run_id = ?", "Comp", run.ID()))
	assert.Equal(t, 1, f.count(t, "component_instances", "path = ? AND external_id = ?", "top.0/comp", "comp-1"))
	assert.Equal(t, 1, f.count(t, "ports", "name = ? AND path = ? AND kind = ?", "p1", "top.0/comp/p1", "out"))
	assert.Equal(t, 1, f.count(t, "workers", "name = ? AND experiment_run_id = ?", "Worker", run.ID()))
	assert.Equal(t, 1, f.count(t, "worker_instances", "name = ? AND path = ?", "w1", "top.0/comp/w1"))

	nodeID, err := run.NodeIDFromHostname(context.Background(), "h1")
	require.NoError(t, err)
	assert.Positive(t, nodeID)

	runs := f.registry.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"model-exp"}, runs[0].Producers[tracker.ProducerModel])
	assert.Equal(t, []string{"sys-exp"}, runs[0].Producers[tracker.ProducerSystem])
	assert.Equal(t, 1, f.broker.Subscribers("model-exp"))
}

func TestTopology_ResendIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := sampleMessage("exp")

	require.NoError(t, f.topology.Process(ctx, msg))
	msg.Type = model.ControlStartup
	msg.Timestamp = t0.Add(time.Minute)
	require.NoError(t, f.topology.Process(ctx, msg))

	for _, table := range []string{
		"experiments", "experiment_runs", "nodes", "containers", "components",
		"component_instances", "ports", "workers", "worker_instances",
	} {
		assert.Equal(t, 1, f.count(t, table, ""), table)
	}
	assert.Equal(t, 1, f.broker.Subscribers("model-exp"))
}

func TestTopology_ClusterRecursion(t *testing.T) {
	f := newFixture(t)
	msg := model.ControlMessage{
		Type:           model.ControlConfigure,
		ExperimentName: "exp",
		Timestamp:      t0,
		Nodes: []model.Node{{
			Info: model.EntityInfo{Name: "rack"},
			Kind: model.NodeHardwareCluster,
			Nodes: []model.Node{
				{Info: model.EntityInfo{Name: "h1"}, Kind: model.NodeHardware, IPAddress: "10.0.0.1"},
				{
					Info: model.EntityInfo{Name: "swarm"},
					Kind: model.NodeDockerCluster,
					Nodes: []model.Node{
						{Info: model.EntityInfo{Name: "h2"}, Kind: model.NodeDocker, IPAddress: "10.0.0.2"},
					},
				},
				{Info: model.EntityInfo{Name: "fpga"}, Kind: "QUANTUM", IPAddress: "10.0.0.3"},
			},
		}},
	}

	require.NoError(t, f.topology.Process(context.Background(), msg))
	assert.Equal(t, 2, f.count(t, "nodes", ""))
	assert.Equal(t, 0, f.count(t, "nodes", "hostname = ?", "rack"))
	assert.Equal(t, 0, f.count(t, "nodes", "hostname = ?", "fpga"))
}

func TestTopology_MalformedSubtreeKeepsSiblings(t *testing.T) {
	f := newFixture(t)
	msg := sampleMessage("exp")
	comps := &msg.Nodes[0].Containers[0].Components
	*comps = append(*comps, model.Component{
		Info:               model.EntityInfo{Name: "broken", Type: "Comp"},
		Location:           []string{"top", "tx"},
		ReplicationIndices: []int{1},
		Ports:              []model.Port{{Info: model.EntityInfo{Name: "lost"}}},
	})

	err := f.topology.Process(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, codec.ErrMalformed)

	var mte *MalformedTopologyError
	require.ErrorAs(t, err, &mte)
	assert.Equal(t, "broken", mte.Element)

	assert.Equal(t, 1, f.count(t, "component_instances", ""))
	assert.Equal(t, 1, f.count(t, "ports", ""))
	assert.Equal(t, 0, f.count(t, "ports", "name = ?", "lost"))

	// The run is usable despite the failed subtree.
	_, running := f.registry.GetCurrentRunID("exp")
	assert.True(t, running)
}

func TestTopology_HostWithoutIPRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := sampleMessage("exp")
	for _, host := range []string{"h2", "h3"} {
		msg.Nodes = append(msg.Nodes, model.Node{
			Info: model.EntityInfo{Name: host},
			Kind: model.NodeHardware,
			Containers: []model.Container{{
				Info: model.EntityInfo{Name: "c-" + host, ID: "c-" + host},
			}},
		})
	}

	data, err := codec.Encode(model.TypeControlMessage, msg)
	require.NoError(t, err)
	env, err := codec.DecodeEnvelope(data)
	require.NoError(t, err)

	err = f.topology.Handle(ctx, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, codec.ErrMalformed)

	var mte *MalformedTopologyError
	require.ErrorAs(t, err, &mte)
	assert.Contains(t, []string{"h2", "h3"}, mte.Element)

	// h1 is registered; the address-less hosts are neither merged into it
	// nor given rows of their own.
	assert.Equal(t, 1, f.count(t, "nodes", ""))
	assert.Equal(t, 0, f.count(t, "nodes", "hostname IN (?, ?)", "h2", "h3"))
	assert.Equal(t, 1, f.count(t, "containers", ""))

	runID, ok := f.registry.GetCurrentRunID("exp")
	require.True(t, ok)
	run, ok := f.registry.Run(runID)
	require.True(t, ok)
	_, err = run.NodeIDFromHostname(ctx, "h2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = run.NodeIDFromHostname(ctx, "h1")
	assert.NoError(t, err)
}

func TestTopology_Terminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.deploy(t, "exp")

	require.NoError(t, f.topology.Process(ctx, model.ControlMessage{
		Type:           model.ControlTerminate,
		ExperimentName: "exp",
		Timestamp:      t0.Add(time.Hour),
	}))

	_, running := f.registry.GetCurrentRunID("exp")
	assert.False(t, running)
	assert.Equal(t, 1, f.count(t, "experiment_runs", "id = ? AND end_time IS NOT NULL", run.ID()))
	assert.Equal(t, 0, f.broker.Subscribers("model-exp"))

	// A second terminate has nothing to finish.
	require.NoError(t, f.topology.Process(ctx, model.ControlMessage{
		Type:           model.ControlTerminate,
		ExperimentName: "exp",
		Timestamp:      t0.Add(2 * time.Hour),
	}))

	// The next deployment is the next job.
	next := f.deploy(t, "exp")
	assert.Equal(t, run.JobNum()+1, next.JobNum())
	assert.Equal(t, 1, f.count(t, "nodes", "experiment_run_id = ?", next.ID()))
}

func TestTopology_Handle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.topology.HandlesType(model.TypeControlMessage))
	assert.False(t, f.topology.HandlesType(model.TypeSystemInfo))

	data, err := codec.Encode(model.TypeControlMessage, sampleMessage("exp"))
	require.NoError(t, err)
	env, err := codec.DecodeEnvelope(data)
	require.NoError(t, err)
	require.NoError(t, f.topology.Handle(ctx, env))
	assert.Equal(t, 1, f.count(t, "ports", ""))

	data, err = codec.Encode(model.TypeControlMessage, model.ControlMessage{Type: model.ControlConfigure})
	require.NoError(t, err)
	env, err = codec.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.ErrorIs(t, f.topology.Handle(ctx, env), codec.ErrMalformed)
}

func TestTopology_EventsAfterDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deploy(t, "exp")

	data, err := codec.Encode(model.TypeModelLifecycle, model.LifecycleEvent{
		Info:      model.EventInfo{Timestamp: t0.Add(time.Second), ExperimentName: "exp"},
		Type:      model.LifecycleActivated,
		Component: &model.ComponentRef{ID: "comp-1", Name: "comp", Type: "Comp"},
		Port:      &model.PortRef{Name: "p1"},
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, "model-exp", data))

	require.Eventually(t, func() bool {
		return f.count(t, "port_lifecycle_events", "type = ?", model.LifecycleActivated) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.count(t, "ports", ""))
	assert.Equal(t, 0, f.count(t, "component_lifecycle_events", ""))
}
