package model

import "time"

// InfoEvent carries a host's static hardware and OS facts. Agents resend it
// periodically.
type InfoEvent struct {
	Hostname         string           `json:"hostname" validate:"required"`
	Timestamp        time.Time        `json:"timestamp" validate:"required"`
	OSName           string           `json:"os_name,omitempty"`
	OSArch           string           `json:"os_arch,omitempty"`
	OSDescription    string           `json:"os_description,omitempty"`
	OSVersion        string           `json:"os_version,omitempty"`
	OSVendor         string           `json:"os_vendor,omitempty"`
	OSVendorName     string           `json:"os_vendor_name,omitempty"`
	CPUModel         string           `json:"cpu_model,omitempty"`
	CPUVendor        string           `json:"cpu_vendor,omitempty"`
	CPUFrequencyHz   int64            `json:"cpu_frequency_hz,omitempty"`
	PhysicalMemoryKB int64            `json:"physical_memory_kb,omitempty"`
	FileSystems      []FileSystemInfo `json:"file_systems,omitempty" validate:"dive"`
	Interfaces       []InterfaceInfo  `json:"interfaces,omitempty" validate:"dive"`
}

type FileSystemInfo struct {
	Name   string `json:"name" validate:"required"`
	Type   string `json:"type,omitempty"`
	SizeKB int64  `json:"size_kb,omitempty"`
}

type InterfaceInfo struct {
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	IPv4        string `json:"ipv4,omitempty"`
	IPv6        string `json:"ipv6,omitempty"`
	MAC         string `json:"mac,omitempty"`
	Speed       int64  `json:"speed,omitempty"`
}

// StatusEvent is one utilisation sample of a host.
type StatusEvent struct {
	Hostname           string             `json:"hostname" validate:"required"`
	Timestamp          time.Time          `json:"timestamp" validate:"required"`
	CPUUtilization     float64            `json:"cpu_utilization"`
	PhysMemUtilization float64            `json:"phys_mem_utilization"`
	Cores              []CoreStatus       `json:"cores,omitempty"`
	Interfaces         []InterfaceStatus  `json:"interfaces,omitempty" validate:"dive"`
	FileSystems        []FileSystemStatus `json:"file_systems,omitempty" validate:"dive"`
	ProcessInfo        []ProcessInfo      `json:"process_info,omitempty" validate:"dive"`
	Processes          []ProcessStatus    `json:"processes,omitempty" validate:"dive"`
}

type CoreStatus struct {
	ID          int     `json:"id"`
	Utilization float64 `json:"utilization"`
}

type InterfaceStatus struct {
	Name      string `json:"name" validate:"required"`
	RxPackets int64  `json:"rx_packets"`
	RxBytes   int64  `json:"rx_bytes"`
	TxPackets int64  `json:"tx_packets"`
	TxBytes   int64  `json:"tx_bytes"`
}

type FileSystemStatus struct {
	Name        string  `json:"name" validate:"required"`
	Utilization float64 `json:"utilization"`
}

// ProcessInfo describes a process the first time the agent reports it.
type ProcessInfo struct {
	PID        int64     `json:"pid" validate:"required"`
	Name       string    `json:"name,omitempty"`
	Args       string    `json:"args,omitempty"`
	WorkingDir string    `json:"cwd,omitempty"`
	StartTime  time.Time `json:"start_time" validate:"required"`
}

type ProcessStatus struct {
	PID                int64         `json:"pid" validate:"required"`
	Name               string        `json:"name,omitempty"`
	StartTime          time.Time     `json:"start_time" validate:"required"`
	CPUCoreID          int           `json:"cpu_core_id"`
	CPUUtilization     float64       `json:"cpu_utilization"`
	PhysMemUtilization float64       `json:"phys_mem_utilization"`
	PhysMemUsedKB      int64         `json:"phys_mem_used_kb"`
	ThreadCount        int           `json:"thread_count"`
	DiskReadKB         int64         `json:"disk_read_kb"`
	DiskWrittenKB      int64         `json:"disk_written_kb"`
	DiskTotalKB        int64         `json:"disk_total_kb"`
	CPUTime            time.Duration `json:"cpu_time"`
	State              string        `json:"state,omitempty"`
}
