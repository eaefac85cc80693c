// Package update is the update executor (C9): it drives one container
// update at a time per composite container id, choosing between the direct
// engine path (delegating to shared/update.Updater, which already
// implements §4.4.1's pull/backup/recreate/health-gate pipeline) and the
// agent path (a single command plus a coordinator-routed completion
// event), plus the agent self-update special case.
package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	sharedupdate "github.com/darthnorse/dockmon-shared/update"

	"github.com/dockmon/server/internal/coordinator"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

// agentUpdateBinaryName is the image/container name treated specially by
// the self-update flow, per §4.4.3.
const agentUpdateBinaryName = "dockmon-agent"

// HostLookup resolves the host owning a container update.
type HostLookup interface {
	GetHost(hostID string) (*domain.Host, error)
}

// AgentLookup resolves the agent for an agent-backed host.
type AgentLookup interface {
	GetAgentByHostID(hostID string) (*domain.Agent, error)
}

// Store persists per-container update/check state.
type Store interface {
	UpsertContainerUpdate(u *domain.ContainerUpdate) error
	GetContainerUpdate(containerID string) (*domain.ContainerUpdate, error)
}

// Emitter publishes update lifecycle events onto C6.
type Emitter interface {
	Emit(eventbus.Event)
}

// DockerClientFactory returns a docker client.Client for a direct
// (local/remote) host.
type DockerClientFactory interface {
	ClientFor(host *domain.Host) (*dockerclient.Client, error)
}

// CoordinatorAPI is the subset of the coordinator the executor needs.
type CoordinatorAPI interface {
	ExecuteCommand(ctx context.Context, agentID, command string, payload interface{}, timeout time.Duration) coordinator.Result
	BeginSelfUpdateWait(engineID, expectedVersion string, timeout time.Duration) <-chan bool
}

// Context is one update request, matching §4.4's UpdateContext.
type Context struct {
	HostID        string
	ContainerID   string // composite host_id:short_id
	ContainerName string
	NewImage      string
	StopTimeout   int
	HealthTimeout int
	RegistryAuth  *sharedupdate.RegistryAuth
}

// Result mirrors shared/update.UpdateResult's shape for the caller.
type Result struct {
	Success        bool
	OldContainerID string
	NewContainerID string
	RolledBack     bool
	Error          string
}

// Executor drives updates for both direct and agent-backed hosts.
type Executor struct {
	hosts    HostLookup
	agents   AgentLookup
	store    Store
	emitter  Emitter
	dockerFn DockerClientFactory
	coord    CoordinatorAPI
	log      *logrus.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan agentUpdateOutcome // keyed by container_id

	releaseChecksumURL string
	httpClient         *http.Client
}

type agentUpdateOutcome struct {
	newContainerID string
	err            string
}

// New constructs an Executor and subscribes it to the event bus so
// agent-path update_complete/update_failed events resolve pending futures.
func New(hosts HostLookup, agents AgentLookup, store Store, emitter Emitter, dockerFn DockerClientFactory, coord CoordinatorAPI, bus *eventbus.Bus, log *logrus.Logger) *Executor {
	e := &Executor{
		hosts: hosts, agents: agents, store: store, emitter: emitter, dockerFn: dockerFn, coord: coord, log: log,
		locks:      make(map[string]*sync.Mutex),
		pending:    make(map[string]chan agentUpdateOutcome),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	if bus != nil {
		bus.Subscribe(eventbus.UpdateCompleted, e.onAgentUpdateEvent)
		bus.Subscribe(eventbus.UpdateFailed, e.onAgentUpdateEvent)
	}
	return e
}

func (e *Executor) lockFor(containerID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	m, ok := e.locks[containerID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[containerID] = m
	}
	return m
}

// UpdateContainer runs the appropriate path for ctx.HostID's connection
// type, holding the per-container lock for the entire operation so at most
// one update per composite container id runs at a time.
func (e *Executor) UpdateContainer(ctx context.Context, uc Context) *Result {
	lock := e.lockFor(uc.ContainerID)
	lock.Lock()
	defer lock.Unlock()

	host, err := e.hosts.GetHost(uc.HostID)
	if err != nil {
		return &Result{Error: fmt.Sprintf("update: resolving host: %v", err)}
	}

	if host.ConnectionType == domain.ConnectionAgent && isAgentBinary(uc.NewImage) {
		return e.selfUpdate(ctx, host, uc)
	}
	if host.ConnectionType == domain.ConnectionAgent {
		return e.agentPathUpdate(ctx, host, uc)
	}
	return e.directPathUpdate(ctx, host, uc)
}

func isAgentBinary(image string) bool {
	if at := strings.Index(image, "@"); at != -1 {
		image = image[:at]
	}
	if colon := strings.LastIndex(image, ":"); colon != -1 && !strings.Contains(image[colon:], "/") {
		image = image[:colon]
	}
	return image != "" && (image == agentUpdateBinaryName || len(image) >= len(agentUpdateBinaryName) &&
		image[len(image)-len(agentUpdateBinaryName):] == agentUpdateBinaryName)
}

// directPathUpdate wraps shared/update.Updater, which already implements
// §4.4.1's inspect/pull/backup/recreate/health-gate pipeline end to end.
func (e *Executor) directPathUpdate(ctx context.Context, host *domain.Host, uc Context) *Result {
	cli, err := e.dockerFn.ClientFor(host)
	if err != nil {
		return &Result{Error: fmt.Sprintf("update: connecting to host: %v", err)}
	}

	e.emitter.Emit(eventbus.Event{Type: eventbus.UpdateStarted, HostID: host.ID, ScopeType: eventbus.ScopeContainer,
		ScopeID: uc.ContainerID, ScopeName: uc.ContainerName, Timestamp: time.Now()})

	lastProgress := -1
	opts := sharedupdate.UpdaterOptions{
		OnProgress: func(ev sharedupdate.ProgressEvent) {
			if ev.Progress < lastProgress {
				return // monotonic progress per §4.4's ordering invariant
			}
			lastProgress = ev.Progress
			e.emitter.Emit(eventbus.Event{Type: eventbus.UpdatePullCompleted, HostID: host.ID,
				ScopeType: eventbus.ScopeContainer, ScopeID: uc.ContainerID, ScopeName: uc.ContainerName,
				Data: map[string]interface{}{"stage": ev.Stage, "message": ev.Message, "progress": ev.Progress}})
		},
	}
	updater := sharedupdate.NewUpdater(cli, e.log, opts)

	res := updater.Update(ctx, sharedupdate.UpdateRequest{
		ContainerID: uc.ContainerID, NewImage: uc.NewImage, StopTimeout: uc.StopTimeout,
		HealthTimeout: uc.HealthTimeout, RegistryAuth: uc.RegistryAuth,
	})

	if res.Success {
		e.emitter.Emit(eventbus.Event{Type: eventbus.UpdateCompleted, HostID: host.ID, ScopeType: eventbus.ScopeContainer,
			ScopeID: uc.ContainerID, ScopeName: uc.ContainerName,
			Data: map[string]interface{}{"new_container_id": res.NewContainerID}})
	} else {
		e.emitter.Emit(eventbus.Event{Type: eventbus.UpdateFailed, HostID: host.ID, ScopeType: eventbus.ScopeContainer,
			ScopeID: uc.ContainerID, ScopeName: uc.ContainerName, Data: map[string]interface{}{"error": res.Error}})
		if res.RolledBack {
			e.emitter.Emit(eventbus.Event{Type: eventbus.RollbackCompleted, HostID: host.ID, ScopeType: eventbus.ScopeContainer,
				ScopeID: uc.ContainerID, ScopeName: uc.ContainerName})
		}
	}

	return &Result{Success: res.Success, OldContainerID: res.OldContainerID, NewContainerID: res.NewContainerID,
		RolledBack: res.RolledBack, Error: res.Error}
}

// agentPathUpdate implements §4.4.2: a single command, a pre-registered
// pending entry, and a wait on the coordinator-routed completion event.
func (e *Executor) agentPathUpdate(ctx context.Context, host *domain.Host, uc Context) *Result {
	agent, err := e.agents.GetAgentByHostID(host.ID)
	if err != nil {
		return &Result{Error: fmt.Sprintf("update: resolving agent: %v", err)}
	}

	outcomeCh := make(chan agentUpdateOutcome, 1)
	e.pendingMu.Lock()
	e.pending[uc.ContainerID] = outcomeCh
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, uc.ContainerID)
		e.pendingMu.Unlock()
	}()

	timeout := time.Duration(uc.HealthTimeout+60) * time.Second
	payload := map[string]interface{}{
		"container_id": uc.ContainerID, "new_image": uc.NewImage, "stop_timeout": uc.StopTimeout,
		"health_timeout": uc.HealthTimeout,
	}
	if uc.RegistryAuth != nil {
		payload["registry_auth"] = uc.RegistryAuth
	}

	res := e.coord.ExecuteCommand(ctx, agent.ID, "update_container", payload, 15*time.Second)
	if res.Error != nil {
		return &Result{Error: fmt.Sprintf("update: sending command to agent: %v", res.Error)}
	}

	select {
	case outcome := <-outcomeCh:
		if outcome.err != "" {
			return &Result{Error: outcome.err}
		}
		return &Result{Success: true, NewContainerID: outcome.newContainerID}
	case <-time.After(timeout):
		return &Result{Error: "update: timed out waiting for agent update_complete"}
	case <-ctx.Done():
		return &Result{Error: ctx.Err().Error()}
	}
}

// onAgentUpdateEvent resolves the pending agent-path update matching this
// event's scope id, if any is currently waiting.
func (e *Executor) onAgentUpdateEvent(ev eventbus.Event) {
	containerID, _ := ev.Data["container_id"].(string)
	if containerID == "" {
		containerID = ev.ScopeID
	}
	e.pendingMu.Lock()
	ch, ok := e.pending[containerID]
	e.pendingMu.Unlock()
	if !ok {
		return
	}
	outcome := agentUpdateOutcome{}
	if newID, ok := ev.Data["new_container_id"].(string); ok {
		outcome.newContainerID = newID
	}
	if errMsg, ok := ev.Data["error"].(string); ok {
		outcome.err = errMsg
	}
	select {
	case ch <- outcome:
	default:
	}
}

// selfUpdate implements §4.4.3: send the command, don't wait on the
// original socket, wait for the agent's reconnection with the new version.
func (e *Executor) selfUpdate(ctx context.Context, host *domain.Host, uc Context) *Result {
	agent, err := e.agents.GetAgentByHostID(host.ID)
	if err != nil {
		return &Result{Error: fmt.Sprintf("update: resolving agent: %v", err)}
	}

	checksum := e.fetchBinaryChecksum(ctx, uc.NewImage)

	waitCh := e.coord.BeginSelfUpdateWait(agent.EngineID, uc.NewImage, 5*time.Minute)

	payload := map[string]interface{}{"image_tag": uc.NewImage, "checksum": checksum}
	res := e.coord.ExecuteCommand(ctx, agent.ID, "self_update", payload, 15*time.Second)
	if res.Error != nil {
		return &Result{Error: fmt.Sprintf("update: sending self_update command: %v", res.Error)}
	}

	reconnected := <-waitCh
	if !reconnected {
		return &Result{Error: "update: agent did not reconnect with the expected version"}
	}

	updated := &domain.ContainerUpdate{ContainerID: uc.ContainerID, HostID: host.ID, CurrentImage: uc.NewImage, LastCheckedAt: time.Now()}
	if err := e.store.UpsertContainerUpdate(updated); err != nil && e.log != nil {
		e.log.WithError(err).Warn("update: persisting self-update result")
	}

	e.emitter.Emit(eventbus.Event{Type: eventbus.UpdateCompleted, HostID: host.ID, ScopeType: eventbus.ScopeContainer,
		ScopeID: uc.ContainerID, Data: map[string]interface{}{"self_update": true}})

	return &Result{Success: true, OldContainerID: uc.ContainerID, NewContainerID: uc.ContainerID}
}

// fetchBinaryChecksum is best-effort per §4.4.3's "optional binary
// checksum" - a failure here never blocks the update. The release registry
// serves a plain-text sha256sum file (hex digest, optionally followed by the
// filename) at <releaseChecksumURL>/<imageTag>.sha256; the agent is the one
// that downloads the binary and verifies it against this value, so the
// server's job here is only to fetch and forward the digest text.
func (e *Executor) fetchBinaryChecksum(ctx context.Context, imageTag string) string {
	if e.releaseChecksumURL == "" {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.releaseChecksumURL+"/"+imageTag+".sha256", nil)
	if err != nil {
		return ""
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SetReleaseChecksumURL configures the optional release registry base URL
// consulted by fetchBinaryChecksum.
func (e *Executor) SetReleaseChecksumURL(url string) {
	e.releaseChecksumURL = url
}
