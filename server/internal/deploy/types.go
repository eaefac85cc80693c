// Package deploy is the deployment executor (C10): it plans and drives
// creation/teardown of single containers and compose-like stacks, mirrored
// from the dependency-DAG planner in the original stack orchestrator and
// executed through shared/compose.Service for the direct path.
package deploy

// OperationType names one step in a deployment or rollback plan.
type OperationType string

const (
	OpCreateNetwork OperationType = "create_network"
	OpCreateVolume  OperationType = "create_volume"
	OpCreateService OperationType = "create_service"
	OpRemoveService OperationType = "remove_service"
	OpRemoveNetwork OperationType = "remove_network"
	OpRemoveVolume  OperationType = "remove_volume"
)

// Operation is one planned step. Name is the network/volume/service name;
// Group is populated on OpCreateService to say which dependency group
// (0-based) it belongs to, since services within a group run in parallel.
type Operation struct {
	Type  OperationType
	Name  string
	Group int
}

// ServiceSpec is the compose service shape the planner reasons over. It
// deliberately mirrors the fields the original compose_data test fixtures
// use rather than compose-go/v2's full ServiceConfig, so the planner stays
// testable with plain literals; ParseCompose (parse.go) fills it from YAML.
type ServiceSpec struct {
	Name        string
	Image       string
	DependsOn   []string
	Networks    []string
	Volumes     []string // "source:target" or "source:target:mode"
	Ports       []string // "host:container"
	Environment map[string]string
	HasBuild    bool
}

// NetworkSpec and VolumeSpec mirror the compose networks:/volumes: blocks.
type NetworkSpec struct {
	Name     string
	External bool
}

type VolumeSpec struct {
	Name     string
	External bool
}

// Stack is a fully parsed compose document (or a single-service stack, for
// plain container deployments).
type Stack struct {
	Services map[string]ServiceSpec
	Networks map[string]NetworkSpec
	Volumes  map[string]VolumeSpec
}

// ServiceMetadata is one row of stack_metadata recorded after a successful
// deployment, keyed by deployment_id so services of the same stack can be
// found together.
type ServiceMetadata struct {
	DeploymentID string
	HostID       string
	ServiceName  string
	ContainerID  string // composite host_id:short_id
}
