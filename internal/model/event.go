package model

// Event type tags carried in the envelope of every bus message.
const (
	TypeControlMessage   = "control_message"
	TypeSystemInfo       = "system.info"
	TypeSystemStatus     = "system.status"
	TypeModelLifecycle   = "model.lifecycle"
	TypeModelWorkload    = "model.workload"
	TypeModelUtilization = "model.utilization"
)

// SystemEventTypes are the tags a system event producer publishes.
var SystemEventTypes = []string{TypeSystemInfo, TypeSystemStatus}

// ModelEventTypes are the tags a model event producer publishes.
var ModelEventTypes = []string{TypeModelLifecycle, TypeModelWorkload, TypeModelUtilization}
