package deploy

import (
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is returned by ServiceGroups when depends_on forms a cycle.
type ErrCycle struct{ Services []string }

func (e ErrCycle) Error() string {
	sort.Strings(e.Services)
	return fmt.Sprintf("deploy: dependency cycle among services: %s", strings.Join(e.Services, ", "))
}

// ServiceGroups performs Kahn's-algorithm layering over depends_on: group 0
// holds every service with no unresolved dependency, group 1 holds every
// service whose dependencies are all satisfied by group 0, and so on.
// Services within a group have no ordering constraint between them.
func ServiceGroups(s Stack) ([][]string, error) {
	remaining := make(map[string][]string, len(s.Services))
	for name, svc := range s.Services {
		remaining[name] = append([]string(nil), svc.DependsOn...)
	}

	var groups [][]string
	satisfied := make(map[string]bool, len(s.Services))

	for len(remaining) > 0 {
		var group []string
		for name, deps := range remaining {
			ready := true
			for _, d := range deps {
				if !satisfied[d] {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, name)
			}
		}
		if len(group) == 0 {
			leftover := make([]string, 0, len(remaining))
			for name := range remaining {
				leftover = append(leftover, name)
			}
			return nil, ErrCycle{Services: leftover}
		}
		sort.Strings(group)
		groups = append(groups, group)
		for _, name := range group {
			satisfied[name] = true
			delete(remaining, name)
		}
	}
	return groups, nil
}

// StartOrder flattens ServiceGroups into dependency order (each service
// after everything it depends on).
func StartOrder(s Stack) ([]string, error) {
	groups, err := ServiceGroups(s)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, g := range groups {
		order = append(order, g...)
	}
	return order, nil
}

// StopOrder is the reverse of StartOrder: dependents stop before their
// dependencies.
func StopOrder(s Stack) ([]string, error) {
	start, err := StartOrder(s)
	if err != nil {
		return nil, err
	}
	stop := make([]string, len(start))
	for i, name := range start {
		stop[len(start)-1-i] = name
	}
	return stop, nil
}

// PlanDeployment produces the ordered operation list for §4.5's planning
// step: non-external networks, then named (non-external) volumes, then
// service groups in dependency order.
func PlanDeployment(s Stack) ([]Operation, error) {
	groups, err := ServiceGroups(s)
	if err != nil {
		return nil, err
	}

	var ops []Operation
	for _, name := range sortedNetworkNames(s) {
		if s.Networks[name].External {
			continue
		}
		ops = append(ops, Operation{Type: OpCreateNetwork, Name: name})
	}
	for _, name := range sortedVolumeNames(s) {
		if s.Volumes[name].External {
			continue
		}
		ops = append(ops, Operation{Type: OpCreateVolume, Name: name})
	}
	for gi, group := range groups {
		for _, name := range group {
			if s.Services[name].HasBuild {
				return nil, fmt.Errorf("deploy: service %q: build is not supported", name)
			}
			ops = append(ops, Operation{Type: OpCreateService, Name: name, Group: gi})
		}
	}
	return ops, nil
}

// PlanRollback removes created services in reverse dependency order, then
// created (non-external, since PlanDeployment never creates an external
// one) networks, then — only if removeVolumes is set — created volumes.
// External networks are never included in createdNetworks to begin with,
// so nothing further needs to exclude them here.
func PlanRollback(createdServices, createdNetworks, createdVolumes []string, removeVolumes bool) []Operation {
	var ops []Operation
	for i := len(createdServices) - 1; i >= 0; i-- {
		ops = append(ops, Operation{Type: OpRemoveService, Name: createdServices[i]})
	}
	for _, name := range createdNetworks {
		ops = append(ops, Operation{Type: OpRemoveNetwork, Name: name})
	}
	if removeVolumes {
		for _, name := range createdVolumes {
			ops = append(ops, Operation{Type: OpRemoveVolume, Name: name})
		}
	}
	return ops
}

// PlanStackRemoval plans a full teardown: every service, then every
// non-external network, then every non-external volume.
func PlanStackRemoval(s Stack) ([]Operation, error) {
	order, err := StopOrder(s)
	if err != nil {
		return nil, err
	}
	var ops []Operation
	for _, name := range order {
		ops = append(ops, Operation{Type: OpRemoveService, Name: name})
	}
	for _, name := range sortedNetworkNames(s) {
		if s.Networks[name].External {
			continue
		}
		ops = append(ops, Operation{Type: OpRemoveNetwork, Name: name})
	}
	for _, name := range sortedVolumeNames(s) {
		if s.Volumes[name].External {
			continue
		}
		ops = append(ops, Operation{Type: OpRemoveVolume, Name: name})
	}
	return ops, nil
}

// Phase is one of the four weighted stages a single service passes through.
type Phase string

const (
	PhasePull   Phase = "pull_image"
	PhaseCreate Phase = "creating"
	PhaseStart  Phase = "starting"
	PhaseHealth Phase = "health_check"
)

// phaseWeight is this phase's share of one service's total progress, per
// §4.5's pull=0-40, create=40-60, start=60-80, health=80-100 bands.
var phaseWeight = map[Phase]int{
	PhasePull:   40,
	PhaseCreate: 20,
	PhaseStart:  20,
	PhaseHealth: 20,
}

// CalculateProgress reports overall deployment progress across
// totalServices services, where completedServices have already finished
// and the current one is partway through phase at phasePercent (0-100).
// The in-progress service's contribution is just its current phase's
// weighted slice — it does not additionally credit phases already passed
// for that same service, matching the scheduling granularity the original
// stack orchestrator reports progress at.
func CalculateProgress(phase Phase, phasePercent, totalServices, completedServices int) int {
	if totalServices <= 0 {
		return 0
	}
	contribution := float64(phaseWeight[phase]) * float64(phasePercent) / 100
	overall := (float64(completedServices)*100 + contribution) / float64(totalServices)
	return int(overall + 0.5)
}

func sortedNetworkNames(s Stack) []string {
	names := make([]string, 0, len(s.Networks))
	for n := range s.Networks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedVolumeNames(s Stack) []string {
	names := make([]string, 0, len(s.Volumes))
	for n := range s.Volumes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CreateStackMetadata records one ServiceMetadata row per deployed service,
// composing each container id with hostID the way every other container
// reference in the store does.
func CreateStackMetadata(deploymentID, hostID string, services []string, containerIDs map[string]string) []ServiceMetadata {
	out := make([]ServiceMetadata, 0, len(services))
	for _, name := range services {
		out = append(out, ServiceMetadata{
			DeploymentID: deploymentID,
			HostID:       hostID,
			ServiceName:  name,
			ContainerID:  hostID + ":" + containerIDs[name],
		})
	}
	return out
}
