package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/aggregator/internal/cache"
	"github.com/edvin/aggregator/internal/codec"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
)

// RunScope is the run a per-run handler ingests into.
type RunScope interface {
	ID() int64
	NodeIDFromHostname(ctx context.Context, hostname string) (int64, error)
}

// SystemEvents stores host info and status samples for one run.
type SystemEvents struct {
	store  store.Store
	run    RunScope
	logger zerolog.Logger

	infoSeen    map[string]struct{}
	systems     *cache.Map[string, int64]
	interfaces  *cache.Map[string, int64]
	filesystems *cache.Map[string, int64]
	processes   *cache.Map[string, int64]
}

func NewSystemEvents(s store.Store, run RunScope, logger zerolog.Logger) *SystemEvents {
	return &SystemEvents{
		store:       s,
		run:         run,
		logger:      logger.With().Str("component", "system-handler").Int64("run_id", run.ID()).Logger(),
		infoSeen:    make(map[string]struct{}),
		systems:     cache.New[string, int64](),
		interfaces:  cache.New[string, int64](),
		filesystems: cache.New[string, int64](),
		processes:   cache.New[string, int64](),
	}
}

func (h *SystemEvents) HandlesType(eventType string) bool {
	return eventType == model.TypeSystemInfo || eventType == model.TypeSystemStatus
}

func (h *SystemEvents) Handle(ctx context.Context, env codec.Envelope) error {
	switch env.Type {
	case model.TypeSystemInfo:
		var ev model.InfoEvent
		if err := codec.Decode(env, &ev); err != nil {
			return err
		}
		return h.ProcessInfo(ctx, ev)
	case model.TypeSystemStatus:
		var ev model.StatusEvent
		if err := codec.Decode(env, &ev); err != nil {
			return err
		}
		return h.ProcessStatus(ctx, ev)
	default:
		return fmt.Errorf("%w: system handler got %q", codec.ErrMalformed, env.Type)
	}
}

func elementKey(hostname, name string) string {
	return hostname + "/" + name
}

func processKey(hostname string, pid int64, start time.Time) string {
	return hostname + "/" + strconv.FormatInt(pid, 10) + "_" + start.UTC().Format(time.RFC3339Nano)
}

// ProcessInfo registers a host's system, filesystems and interfaces. Info
// for a host already registered in this run is ignored.
func (h *SystemEvents) ProcessInfo(ctx context.Context, ev model.InfoEvent) error {
	if _, ok := h.infoSeen[ev.Hostname]; ok {
		return nil
	}

	nodeID, err := h.run.NodeIDFromHostname(ctx, ev.Hostname)
	if err != nil {
		return fmt.Errorf("info from %s: %w", ev.Hostname, err)
	}

	systemID, err := h.store.InsertUnique(ctx, "hw_systems",
		[]store.Field{
			store.F("node_id", nodeID),
			store.F("os_name", ev.OSName),
			store.F("os_arch", ev.OSArch),
			store.F("os_description", ev.OSDescription),
			store.F("os_version", ev.OSVersion),
			store.F("os_vendor", ev.OSVendor),
			store.F("os_vendor_name", ev.OSVendorName),
			store.F("cpu_model", ev.CPUModel),
			store.F("cpu_vendor", ev.CPUVendor),
			store.F("cpu_frequency_hz", ev.CPUFrequencyHz),
			store.F("physical_memory_kb", ev.PhysicalMemoryKB),
		},
		"node_id",
	)
	if err != nil {
		return fmt.Errorf("info from %s: %w", ev.Hostname, err)
	}
	h.systems.Store(ev.Hostname, systemID)

	var errs []error
	for _, fs := range ev.FileSystems {
		id, err := h.store.InsertUnique(ctx, "hw_filesystems",
			[]store.Field{
				store.F("node_id", nodeID),
				store.F("name", fs.Name),
				store.F("type", fs.Type),
				store.F("size_kb", fs.SizeKB),
			},
			"node_id", "name",
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("filesystem %s on %s: %w", fs.Name, ev.Hostname, err))
			continue
		}
		h.filesystems.Store(elementKey(ev.Hostname, fs.Name), id)
	}

	for _, iface := range ev.Interfaces {
		id, err := h.store.InsertUnique(ctx, "hw_interfaces",
			[]store.Field{
				store.F("node_id", nodeID),
				store.F("name", iface.Name),
				store.F("type", iface.Type),
				store.F("description", iface.Description),
				store.F("ipv4", iface.IPv4),
				store.F("ipv6", iface.IPv6),
				store.F("mac", iface.MAC),
				store.F("speed", iface.Speed),
			},
			"node_id", "name",
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("interface %s on %s: %w", iface.Name, ev.Hostname, err))
			continue
		}
		h.interfaces.Store(elementKey(ev.Hostname, iface.Name), id)
	}

	if len(errs) > 0 {
		// Not marked seen, so the agent's next resend completes it.
		return errors.Join(errs...)
	}
	h.infoSeen[ev.Hostname] = struct{}{}
	h.logger.Info().
		Str("hostname", ev.Hostname).
		Int64("system_id", systemID).
		Int("filesystems", len(ev.FileSystems)).
		Int("interfaces", len(ev.Interfaces)).
		Msg("system info registered")
	return nil
}

// ProcessStatus stores one status sample. The host must already be part of
// the run's topology. Elements whose info was never registered are skipped
// and reported in the returned error.
func (h *SystemEvents) ProcessStatus(ctx context.Context, ev model.StatusEvent) error {
	nodeID, err := h.run.NodeIDFromHostname(ctx, ev.Hostname)
	if err != nil {
		return fmt.Errorf("status from %s: %w", ev.Hostname, err)
	}
	ts := ev.Timestamp

	if _, err := h.store.Insert(ctx, "hw_system_status",
		store.F("node_id", nodeID),
		store.F("hostname", ev.Hostname),
		store.F("cpu_utilization", ev.CPUUtilization),
		store.F("phys_mem_utilization", ev.PhysMemUtilization),
		store.F("sample_time", ts),
	); err != nil {
		return fmt.Errorf("status from %s: %w", ev.Hostname, err)
	}

	var errs []error
	for _, core := range ev.Cores {
		if _, err := h.store.Insert(ctx, "hw_cpu_status",
			store.F("node_id", nodeID),
			store.F("hostname", ev.Hostname),
			store.F("core_id", core.ID),
			store.F("utilization", core.Utilization),
			store.F("sample_time", ts),
		); err != nil {
			errs = append(errs, fmt.Errorf("core %d on %s: %w", core.ID, ev.Hostname, err))
		}
	}

	for _, p := range ev.ProcessInfo {
		if _, err := h.registerProcess(ctx, nodeID, ev.Hostname, p); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range ev.Processes {
		if err := h.insertProcessStatus(ctx, nodeID, ev.Hostname, ts, p); err != nil {
			errs = append(errs, err)
		}
	}

	for _, iface := range ev.Interfaces {
		id, err := h.interfaces.Resolve(elementKey(ev.Hostname, iface.Name), func() (int64, error) {
			return h.store.GetID(ctx, "hw_interfaces", store.F("node_id", nodeID), store.F("name", iface.Name))
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("interface %s on %s: %w", iface.Name, ev.Hostname, err))
			continue
		}
		if _, err := h.store.Insert(ctx, "hw_interface_status",
			store.F("interface_id", id),
			store.F("hostname", ev.Hostname),
			store.F("packets_received", iface.RxPackets),
			store.F("bytes_received", iface.RxBytes),
			store.F("packets_transmitted", iface.TxPackets),
			store.F("bytes_transmitted", iface.TxBytes),
			store.F("sample_time", ts),
		); err != nil {
			errs = append(errs, fmt.Errorf("interface %s on %s: %w", iface.Name, ev.Hostname, err))
		}
	}

	for _, fs := range ev.FileSystems {
		id, err := h.filesystems.Resolve(elementKey(ev.Hostname, fs.Name), func() (int64, error) {
			return h.store.GetID(ctx, "hw_filesystems", store.F("node_id", nodeID), store.F("name", fs.Name))
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("filesystem %s on %s: %w", fs.Name, ev.Hostname, err))
			continue
		}
		if _, err := h.store.Insert(ctx, "hw_filesystem_status",
			store.F("filesystem_id", id),
			store.F("hostname", ev.Hostname),
			store.F("utilization", fs.Utilization),
			store.F("sample_time", ts),
		); err != nil {
			errs = append(errs, fmt.Errorf("filesystem %s on %s: %w", fs.Name, ev.Hostname, err))
		}
	}

	if err := h.store.UpdateByID(ctx, "experiment_runs", h.run.ID(), store.F("last_sample_time", ts)); err != nil {
		errs = append(errs, fmt.Errorf("last sample time: %w", err))
	}
	return errors.Join(errs...)
}

func (h *SystemEvents) registerProcess(ctx context.Context, nodeID int64, hostname string, p model.ProcessInfo) (int64, error) {
	key := processKey(hostname, p.PID, p.StartTime)
	if id, ok := h.processes.Lookup(key); ok {
		return id, nil
	}
	id, err := h.store.InsertUnique(ctx, "hw_processes",
		[]store.Field{
			store.F("node_id", nodeID),
			store.F("pid", p.PID),
			store.F("start_time", p.StartTime.UTC()),
			store.F("name", p.Name),
			store.F("args", p.Args),
			store.F("working_directory", p.WorkingDir),
		},
		"node_id", "pid", "start_time",
	)
	if err != nil {
		return 0, fmt.Errorf("process %d on %s: %w", p.PID, hostname, err)
	}
	h.processes.Store(key, id)
	return id, nil
}

func (h *SystemEvents) insertProcessStatus(ctx context.Context, nodeID int64, hostname string, ts time.Time, p model.ProcessStatus) error {
	// A process seen only in status samples is registered with what the
	// sample tells about it.
	id, err := h.registerProcess(ctx, nodeID, hostname, model.ProcessInfo{
		PID:       p.PID,
		Name:      p.Name,
		StartTime: p.StartTime,
	})
	if err != nil {
		return err
	}

	_, err = h.store.Insert(ctx, "hw_process_status",
		store.F("process_id", id),
		store.F("hostname", hostname),
		store.F("core_id", p.CPUCoreID),
		store.F("cpu_utilization", p.CPUUtilization),
		store.F("phys_mem_utilization", p.PhysMemUtilization),
		store.F("phys_mem_used_kb", p.PhysMemUsedKB),
		store.F("thread_count", p.ThreadCount),
		store.F("disk_read_kb", p.DiskReadKB),
		store.F("disk_written_kb", p.DiskWrittenKB),
		store.F("disk_total_kb", p.DiskTotalKB),
		store.F("cpu_time_ms", p.CPUTime.Milliseconds()),
		store.F("state", p.State),
		store.F("sample_time", ts),
	)
	if err != nil {
		return fmt.Errorf("process %d status on %s: %w", p.PID, hostname, err)
	}
	return nil
}
