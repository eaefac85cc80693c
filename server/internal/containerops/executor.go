// Package containerops implements batch.Executor (C11): the per-container
// operations a batch job item runs, routed to either a directly connected
// engine's docker client or an agent command depending on the owning
// host's connection type, the same branch update.Executor and
// deploy.Executor already make for their own operations.
package containerops

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/coordinator"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/store"
	"github.com/dockmon/server/internal/update"
)

const agentCommandTimeout = 30 * time.Second

// HostLookup resolves the host owning a container.
type HostLookup interface {
	GetHost(hostID string) (*domain.Host, error)
}

// AgentLookup resolves the agent for an agent-backed host.
type AgentLookup interface {
	GetAgentByHostID(hostID string) (*domain.Agent, error)
}

// DockerClientFactory returns a docker client for a directly connected
// host, per engine.Factory.
type DockerClientFactory interface {
	ClientFor(host *domain.Host) (*dockerclient.Client, error)
}

// CoordinatorAPI is the subset of the coordinator container operations
// need to reach an agent-backed host.
type CoordinatorAPI interface {
	ExecuteCommand(ctx context.Context, agentID, command string, payload interface{}, timeout time.Duration) coordinator.Result
}

// Updater drives the actual update pipeline, shared with the single
// container update path so batch "update-containers" reuses it exactly.
type Updater interface {
	UpdateContainer(ctx context.Context, uc update.Context) *update.Result
}

// Executor implements batch.Executor.
type Executor struct {
	hosts    HostLookup
	agents   AgentLookup
	settings *store.Store
	dockerFn DockerClientFactory
	coord    CoordinatorAPI
	updater  Updater
	log      *logrus.Logger
}

func New(hosts HostLookup, agents AgentLookup, settings *store.Store, dockerFn DockerClientFactory, coord CoordinatorAPI, updater Updater, log *logrus.Logger) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{hosts: hosts, agents: agents, settings: settings, dockerFn: dockerFn, coord: coord, updater: updater, log: log}
}

func (e *Executor) resolve(hostID string) (*domain.Host, error) {
	host, err := e.hosts.GetHost(hostID)
	if err != nil {
		return nil, fmt.Errorf("containerops: resolving host: %w", err)
	}
	if host == nil {
		return nil, fmt.Errorf("containerops: host %s not found", hostID)
	}
	return host, nil
}

func (e *Executor) dispatchAgent(ctx context.Context, hostID, command string, payload map[string]interface{}) error {
	agent, err := e.agents.GetAgentByHostID(hostID)
	if err != nil {
		return fmt.Errorf("containerops: resolving agent: %w", err)
	}
	res := e.coord.ExecuteCommand(ctx, agent.ID, command, payload, agentCommandTimeout)
	if res.Error != nil {
		return res.Error
	}
	if res.TimedOut {
		return fmt.Errorf("containerops: %s timed out waiting for agent", command)
	}
	return nil
}

func (e *Executor) Start(ctx context.Context, hostID, shortID string) error {
	host, err := e.resolve(hostID)
	if err != nil {
		return err
	}
	if host.ConnectionType == domain.ConnectionAgent {
		return e.dispatchAgent(ctx, hostID, "container_start", map[string]interface{}{"container_id": shortID})
	}
	cli, err := e.dockerFn.ClientFor(host)
	if err != nil {
		return err
	}
	return cli.ContainerStart(ctx, shortID, container.StartOptions{})
}

func (e *Executor) Stop(ctx context.Context, hostID, shortID string) error {
	host, err := e.resolve(hostID)
	if err != nil {
		return err
	}
	if host.ConnectionType == domain.ConnectionAgent {
		return e.dispatchAgent(ctx, hostID, "container_stop", map[string]interface{}{"container_id": shortID})
	}
	cli, err := e.dockerFn.ClientFor(host)
	if err != nil {
		return err
	}
	return cli.ContainerStop(ctx, shortID, container.StopOptions{})
}

func (e *Executor) Restart(ctx context.Context, hostID, shortID string) error {
	host, err := e.resolve(hostID)
	if err != nil {
		return err
	}
	if host.ConnectionType == domain.ConnectionAgent {
		return e.dispatchAgent(ctx, hostID, "container_restart", map[string]interface{}{"container_id": shortID})
	}
	cli, err := e.dockerFn.ClientFor(host)
	if err != nil {
		return err
	}
	return cli.ContainerRestart(ctx, shortID, container.StopOptions{})
}

func (e *Executor) DeleteContainer(ctx context.Context, hostID, shortID string) error {
	host, err := e.resolve(hostID)
	if err != nil {
		return err
	}
	if host.ConnectionType == domain.ConnectionAgent {
		return e.dispatchAgent(ctx, hostID, "container_delete", map[string]interface{}{"container_id": shortID})
	}
	cli, err := e.dockerFn.ClientFor(host)
	if err != nil {
		return err
	}
	return cli.ContainerRemove(ctx, shortID, container.RemoveOptions{Force: true})
}

func (e *Executor) AddTags(ctx context.Context, hostID, shortID, name string, tags []string) error {
	containerID := hostID + ":" + shortID
	cs, err := e.settings.GetContainerSettings(containerID, hostID)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(cs.Tags))
	for _, t := range cs.Tags {
		existing[t] = true
	}
	for _, t := range tags {
		if !existing[t] {
			cs.Tags = append(cs.Tags, t)
			existing[t] = true
		}
	}
	cs.UpdatedAt = time.Now()
	return e.settings.SetContainerSettings(cs)
}

func (e *Executor) RemoveTags(ctx context.Context, hostID, shortID, name string, tags []string) error {
	containerID := hostID + ":" + shortID
	cs, err := e.settings.GetContainerSettings(containerID, hostID)
	if err != nil {
		return err
	}
	remove := make(map[string]bool, len(tags))
	for _, t := range tags {
		remove[t] = true
	}
	kept := cs.Tags[:0]
	for _, t := range cs.Tags {
		if !remove[t] {
			kept = append(kept, t)
		}
	}
	cs.Tags = kept
	cs.UpdatedAt = time.Now()
	return e.settings.SetContainerSettings(cs)
}

func (e *Executor) SetAutoRestart(ctx context.Context, hostID, shortID, name string, enabled bool) error {
	containerID := hostID + ":" + shortID
	cs, err := e.settings.GetContainerSettings(containerID, hostID)
	if err != nil {
		return err
	}
	cs.AutoRestart = enabled
	cs.UpdatedAt = time.Now()
	return e.settings.SetContainerSettings(cs)
}

func (e *Executor) SetAutoUpdate(ctx context.Context, hostID, shortID, name string, enabled bool, floatingTagMode domain.FloatingTagMode) error {
	containerID := hostID + ":" + shortID
	cs, err := e.settings.GetContainerSettings(containerID, hostID)
	if err != nil {
		return err
	}
	cs.AutoUpdate = enabled
	if floatingTagMode != "" {
		cs.FloatingTagMode = floatingTagMode
	}
	cs.UpdatedAt = time.Now()
	return e.settings.SetContainerSettings(cs)
}

func (e *Executor) SetDesiredState(ctx context.Context, hostID, shortID, name string, state domain.DesiredState) error {
	containerID := hostID + ":" + shortID
	cs, err := e.settings.GetContainerSettings(containerID, hostID)
	if err != nil {
		return err
	}
	cs.DesiredState = state
	cs.UpdatedAt = time.Now()
	return e.settings.SetContainerSettings(cs)
}

// CheckUpdates is the batch action for an on-demand update check of one
// container. It only verifies that the container's host resolves; it does
// not query a registry, refresh the stored update state, or queue the
// container for a re-scan.
func (e *Executor) CheckUpdates(ctx context.Context, hostID, shortID string) error {
	_, err := e.resolve(hostID)
	return err
}

func (e *Executor) UpdateContainer(ctx context.Context, hostID, shortID string) error {
	res := e.updater.UpdateContainer(ctx, update.Context{
		HostID: hostID, ContainerID: hostID + ":" + shortID, HealthTimeout: 60,
	})
	if !res.Success {
		return fmt.Errorf("containerops: update failed: %s", res.Error)
	}
	return nil
}
