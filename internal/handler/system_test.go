package handler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/aggregator/internal/codec"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
)

func sampleInfo(hostname string) model.InfoEvent {
	return model.InfoEvent{
		Hostname:         hostname,
		Timestamp:        t0,
		OSName:           "linux",
		OSArch:           "amd64",
		CPUModel:         "EPYC",
		CPUFrequencyHz:   3_000_000_000,
		PhysicalMemoryKB: 64 << 20,
		FileSystems:      []model.FileSystemInfo{{Name: "/", Type: "ext4", SizeKB: 1 << 30}},
		Interfaces:       []model.InterfaceInfo{{Name: "eth0", MAC: "00:11:22:33:44:55", Speed: 1000}},
	}
}

func TestSystemEvents_InfoBeforeTopology(t *testing.T) {
	f := newFixture(t)
	run := f.deploy(t, "exp")
	h := NewSystemEvents(f.store, run, zerolog.Nop())

	err := h.ProcessInfo(context.Background(), sampleInfo("ghost"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, f.count(t, "hw_systems", ""))
}

func TestSystemEvents_InfoRegisteredOncePerRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.deploy(t, "exp")
	h := NewSystemEvents(f.store, run, zerolog.Nop())

	require.NoError(t, h.ProcessInfo(ctx, sampleInfo("h1")))
	assert.Equal(t, 1, f.count(t, "hw_systems", "os_name = ? AND cpu_model = ?", "linux", "EPYC"))
	assert.Equal(t, 1, f.count(t, "hw_filesystems", "name = ?", "/"))
	assert.Equal(t, 1, f.count(t, "hw_interfaces", "name = ? AND speed = ?", "eth0", 1000))

	// A resend for the same host is not written again.
	_, err := f.conn.Exec(`DELETE FROM hw_systems`)
	require.NoError(t, err)
	require.NoError(t, h.ProcessInfo(ctx, sampleInfo("h1")))
	assert.Equal(t, 0, f.count(t, "hw_systems", ""))
}

func TestSystemEvents_Status(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.deploy(t, "exp")
	h := NewSystemEvents(f.store, run, zerolog.Nop())
	require.NoError(t, h.ProcessInfo(ctx, sampleInfo("h1")))

	started := t0.Add(-time.Hour)
	ts := t0.Add(time.Minute)
	err := h.ProcessStatus(ctx, model.StatusEvent{
		Hostname:           "h1",
		Timestamp:          ts,
		CPUUtilization:     0.5,
		PhysMemUtilization: 0.25,
		Cores:              []model.CoreStatus{{ID: 0, Utilization: 0.4}, {ID: 1, Utilization: 0.6}},
		Interfaces:         []model.InterfaceStatus{{Name: "eth0", RxBytes: 100, TxBytes: 200}},
		FileSystems: []model.FileSystemStatus{
			{Name: "/", Utilization: 0.7},
			{Name: "/data", Utilization: 0.1},
		},
		ProcessInfo: []model.ProcessInfo{{PID: 42, Name: "worker", Args: "--fast", StartTime: started}},
		Processes: []model.ProcessStatus{
			{PID: 42, Name: "worker", StartTime: started, CPUTime: 1500 * time.Millisecond, ThreadCount: 4},
			{PID: 7, Name: "sidecar", StartTime: started, CPUTime: time.Second},
		},
	})

	// The unregistered filesystem is reported but does not block the rest.
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "/data")

	assert.Equal(t, 1, f.count(t, "hw_system_status", "hostname = ? AND cpu_utilization = ?", "h1", 0.5))
	assert.Equal(t, 2, f.count(t, "hw_cpu_status", ""))
	assert.Equal(t, 1, f.count(t, "hw_interface_status", "bytes_received = ? AND bytes_transmitted = ?", 100, 200))
	assert.Equal(t, 1, f.count(t, "hw_filesystem_status", ""))
	assert.Equal(t, 2, f.count(t, "hw_processes", ""))
	assert.Equal(t, 1, f.count(t, "hw_processes", "pid = ? AND args = ?", 42, "--fast"))
	assert.Equal(t, 1, f.count(t, "hw_process_status", "cpu_time_ms = ? AND thread_count = ?", 1500, 4))
	assert.Equal(t, 2, f.count(t, "hw_process_status", ""))
	assert.Equal(t, 1, f.count(t, "experiment_runs", "id = ? AND last_sample_time IS NOT NULL", run.ID()))

	// Processes are registered once however many samples mention them.
	require.NoError(t, h.ProcessStatus(ctx, model.StatusEvent{
		Hostname:  "h1",
		Timestamp: ts.Add(time.Minute),
		Processes: []model.ProcessStatus{{PID: 42, StartTime: started}},
	}))
	assert.Equal(t, 2, f.count(t, "hw_processes", ""))
	assert.Equal(t, 3, f.count(t, "hw_process_status", ""))
}

func TestSystemEvents_StatusBeforeTopology(t *testing.T) {
	f := newFixture(t)
	run := f.deploy(t, "exp")
	h := NewSystemEvents(f.store, run, zerolog.Nop())

	err := h.ProcessStatus(context.Background(), model.StatusEvent{Hostname: "ghost", Timestamp: t0})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, store.IsResolution(err))
	assert.Equal(t, 0, f.count(t, "hw_system_status", ""))
}

func TestSystemEvents_RunIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.deploy(t, "exp-a")
	b := f.deploy(t, "exp-b")

	ha := NewSystemEvents(f.store, a, zerolog.Nop())
	hb := NewSystemEvents(f.store, b, zerolog.Nop())
	require.NoError(t, ha.ProcessInfo(ctx, sampleInfo("h1")))
	require.NoError(t, hb.ProcessInfo(ctx, sampleInfo("h1")))
	assert.Equal(t, 2, f.count(t, "hw_systems", ""))

	nodeA, err := a.NodeIDFromHostname(ctx, "h1")
	require.NoError(t, err)
	nodeB, err := b.NodeIDFromHostname(ctx, "h1")
	require.NoError(t, err)
	require.NotEqual(t, nodeA, nodeB)

	require.NoError(t, hb.ProcessStatus(ctx, model.StatusEvent{Hostname: "h1", Timestamp: t0}))
	assert.Equal(t, 0, f.count(t, "hw_system_status", "node_id = ?", nodeA))
	assert.Equal(t, 1, f.count(t, "hw_system_status", "node_id = ?", nodeB))
}

func TestSystemEvents_Handle(t *testing.T) {
	f := newFixture(t)
	run := f.deploy(t, "exp")
	h := NewSystemEvents(f.store, run, zerolog.Nop())

	assert.True(t, h.HandlesType(model.TypeSystemInfo))
	assert.True(t, h.HandlesType(model.TypeSystemStatus))
	assert.False(t, h.HandlesType(model.TypeModelLifecycle))

	data, err := codec.Encode(model.TypeSystemStatus, model.StatusEvent{Timestamp: t0})
	require.NoError(t, err)
	env, err := codec.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Handle(context.Background(), env), codec.ErrMalformed)
}
