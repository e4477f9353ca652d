package model

import "time"

// Control message types.
const (
	ControlConfigure    = "CONFIGURE"
	ControlStartup      = "STARTUP"
	ControlActivate     = "ACTIVATE"
	ControlPassivate    = "PASSIVATE"
	ControlTerminate    = "TERMINATE"
	ControlSetAttribute = "SET_ATTRIBUTE"
)

// Node kinds. Cluster kinds only group child nodes.
const (
	NodeHardwareCluster = "HARDWARE_CLUSTER"
	NodeDockerCluster   = "DOCKER_CLUSTER"
	NodeHardware        = "HARDWARE_NODE"
	NodeDocker          = "DOCKER_NODE"
	NodeOpenCL          = "OPEN_CL"
)

// Logger kinds.
const (
	LoggerModel  = "MODEL"
	LoggerSystem = "SYSTEM"
)

// EntityInfo identifies a topology element as the deployment agent sees it.
type EntityInfo struct {
	Name string `json:"name" validate:"required"`
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// ControlMessage describes all or part of an experiment's deployment tree.
type ControlMessage struct {
	Type           string    `json:"type" validate:"required"`
	ExperimentName string    `json:"experiment_name" validate:"required"`
	ModelName      string    `json:"model_name,omitempty"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	Nodes          []Node    `json:"nodes,omitempty" validate:"dive"`
}

type Node struct {
	Info       EntityInfo  `json:"info"`
	Kind       string      `json:"kind" validate:"required"`
	IPAddress  string      `json:"ip_address,omitempty"`
	Nodes      []Node      `json:"nodes,omitempty" validate:"dive"`
	Containers []Container `json:"containers,omitempty" validate:"dive"`
}

// IsCluster reports whether the node only groups other nodes.
func (n Node) IsCluster() bool {
	return n.Kind == NodeHardwareCluster || n.Kind == NodeDockerCluster
}

// IsHost reports whether the node is a leaf host that owns containers.
func (n Node) IsHost() bool {
	switch n.Kind {
	case NodeHardware, NodeDocker, NodeOpenCL:
		return true
	}
	return false
}

type Container struct {
	Info       EntityInfo  `json:"info"`
	Kind       string      `json:"kind,omitempty"`
	Loggers    []Logger    `json:"loggers,omitempty" validate:"dive"`
	Components []Component `json:"components,omitempty" validate:"dive"`
}

// Logger is a telemetry producer running inside a container.
type Logger struct {
	Kind     string `json:"kind" validate:"required,oneof=MODEL SYSTEM"`
	Endpoint string `json:"endpoint" validate:"required"`
}

// Component is a placed component instance. Info.Type names the component
// type; Location and ReplicationIndices place it in the assembly hierarchy.
type Component struct {
	Info               EntityInfo `json:"info"`
	Location           []string   `json:"location,omitempty"`
	ReplicationIndices []int      `json:"replication_indices,omitempty"`
	Ports              []Port     `json:"ports,omitempty" validate:"dive"`
	Workers            []Worker   `json:"workers,omitempty" validate:"dive"`
}

type Port struct {
	Info       EntityInfo `json:"info"`
	Kind       string     `json:"kind,omitempty"`
	Middleware string     `json:"middleware,omitempty"`
}

type Worker struct {
	Info EntityInfo `json:"info"`
}
