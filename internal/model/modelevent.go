package model

import "time"

// Lifecycle transitions.
const (
	LifecycleConfigured = "CONFIGURED"
	LifecycleActivated  = "ACTIVATED"
	LifecyclePassivated = "PASSIVATED"
	LifecycleTerminated = "TERMINATED"
)

// Workload event types.
const (
	WorkloadStarted  = "STARTED"
	WorkloadFinished = "FINISHED"
	WorkloadMessage  = "MESSAGE"
	WorkloadWarning  = "WARNING"
	WorkloadError    = "ERROR_EVENT"
)

// Port utilisation event types.
const (
	PortSent         = "SENT"
	PortReceived     = "RECEIVED"
	PortStartedFunc  = "STARTED_FUNC"
	PortFinishedFunc = "FINISHED_FUNC"
	PortIgnored      = "IGNORED"
	PortException    = "EXCEPTION"
	PortMessage      = "MESSAGE"
)

// EventInfo is the header every model event carries.
type EventInfo struct {
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	Hostname       string    `json:"hostname,omitempty"`
	ContainerID    string    `json:"container_id,omitempty"`
	ContainerName  string    `json:"container_name,omitempty"`
	ExperimentName string    `json:"experiment_name" validate:"required"`
}

// ComponentRef names a component instance. Type is the component type name.
type ComponentRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"required"`
}

type PortRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" validate:"required"`
	Type string `json:"type,omitempty"`
}

type WorkerRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" validate:"required"`
	Type string `json:"type,omitempty"`
}

// LifecycleEvent is a component transition, or a port transition when Port
// is set.
type LifecycleEvent struct {
	Info      EventInfo     `json:"info"`
	Type      string        `json:"type" validate:"required,oneof=CONFIGURED ACTIVATED PASSIVATED TERMINATED"`
	Component *ComponentRef `json:"component" validate:"required"`
	Port      *PortRef      `json:"port,omitempty"`
}

type WorkloadEvent struct {
	Info       EventInfo    `json:"info"`
	Component  ComponentRef `json:"component"`
	Worker     WorkerRef    `json:"worker"`
	WorkloadID int64        `json:"workload_id"`
	Function   string       `json:"function,omitempty"`
	Type       string       `json:"type" validate:"required"`
	Args       string       `json:"args,omitempty"`
	LogLevel   int          `json:"log_level"`
}

type UtilizationEvent struct {
	Info        EventInfo    `json:"info"`
	Component   ComponentRef `json:"component"`
	Port        PortRef      `json:"port"`
	SequenceNum int64        `json:"sequence_num"`
	Type        string       `json:"type" validate:"required"`
	Message     string       `json:"message,omitempty"`
}
