package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	sharedcompose "github.com/darthnorse/dockmon-shared/compose"

	"github.com/dockmon/server/internal/coordinator"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

// HostLookup resolves the host owning a deployment.
type HostLookup interface {
	GetHost(hostID string) (*domain.Host, error)
}

// AgentLookup resolves the agent for an agent-backed host.
type AgentLookup interface {
	GetAgentByHostID(hostID string) (*domain.Agent, error)
}

// Store persists deployment lifecycle rows.
type Store interface {
	UpdateDeployment(d *domain.Deployment) error
	GetDeployment(id string) (*domain.Deployment, error)
}

// Emitter publishes deployment lifecycle events onto C6.
type Emitter interface {
	Emit(eventbus.Event)
}

// ComposeServiceFactory returns a shared/compose.Service bound to a host's
// docker client and wired to report progress through onProgress, mirroring
// update.DockerClientFactory's role for C9's direct path.
type ComposeServiceFactory interface {
	ServiceFor(host *domain.Host, onProgress sharedcompose.ProgressCallback) (*sharedcompose.Service, error)
}

// CoordinatorAPI is the subset of the coordinator the executor needs for
// agent-backed hosts.
type CoordinatorAPI interface {
	ExecuteCommand(ctx context.Context, agentID, command string, payload interface{}, timeout time.Duration) coordinator.Result
}

// Request is one deployment or teardown request, covering both single
// containers and full stacks (ComposeYAML holds a single-service document
// for the container case).
type Request struct {
	DeploymentID      string
	HostID            string
	ProjectName       string
	ComposeYAML       string
	Environment       map[string]string
	Profiles          []string
	WaitForHealthy    bool
	HealthTimeout     int
	RemoveVolumes     bool
	RollbackOnFailure bool
}

// Result mirrors shared/compose.DeployResult's shape for the caller, per
// §4.5's deployment_complete payload.
type Result struct {
	Success        bool
	PartialSuccess bool
	Services       map[string]sharedcompose.ServiceResult
	FailedServices []string
	Error          string
	RolledBack     bool
}

// Executor drives deployments and teardowns for both direct and
// agent-backed hosts, one operation per composite deployment id at a time.
type Executor struct {
	hosts     HostLookup
	agents    AgentLookup
	store     Store
	emitter   Emitter
	composeFn ComposeServiceFactory
	coord     CoordinatorAPI
	log       *logrus.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan agentDeployOutcome // keyed by deployment id
}

type agentDeployOutcome struct {
	success        bool
	partialSuccess bool
	failedServices []string
	errMsg         string
}

// New constructs an Executor and subscribes it to the event bus so
// agent-path deployment_complete events (already translated from the
// agent's own "event" frame by the coordinator) resolve pending futures.
func New(hosts HostLookup, agents AgentLookup, store Store, emitter Emitter, composeFn ComposeServiceFactory, coord CoordinatorAPI, bus *eventbus.Bus, log *logrus.Logger) *Executor {
	e := &Executor{
		hosts: hosts, agents: agents, store: store, emitter: emitter, composeFn: composeFn, coord: coord, log: log,
		locks:   make(map[string]*sync.Mutex),
		pending: make(map[string]chan agentDeployOutcome),
	}
	if bus != nil {
		bus.Subscribe(eventbus.DeploymentCompleted, e.onAgentDeployEvent)
	}
	return e
}

func (e *Executor) lockFor(deploymentID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	m, ok := e.locks[deploymentID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[deploymentID] = m
	}
	return m
}

// Deploy runs the appropriate path for req.HostID's connection type, holding
// a per-deployment-id lock for the duration of the operation. The compose
// document is validated against the planner (cycle/build: rejection) before
// any engine call is made.
func (e *Executor) Deploy(ctx context.Context, req Request) *Result {
	lock := e.lockFor(req.DeploymentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.planAndValidate(req.ComposeYAML); err != nil {
		return &Result{Error: err.Error()}
	}

	host, err := e.hosts.GetHost(req.HostID)
	if err != nil {
		return &Result{Error: fmt.Sprintf("deploy: resolving host: %v", err)}
	}

	if host.ConnectionType == domain.ConnectionAgent {
		return e.agentPathDeploy(ctx, host, req, "deploy_compose")
	}
	return e.directPathDeploy(ctx, host, req)
}

// Teardown mirrors Deploy but drives removal; agent path uses
// teardown_compose per §4.5's "Teardown mirrors the create command and
// must include the same profiles so the agent sees the full service set."
func (e *Executor) Teardown(ctx context.Context, req Request) *Result {
	lock := e.lockFor(req.DeploymentID)
	lock.Lock()
	defer lock.Unlock()

	host, err := e.hosts.GetHost(req.HostID)
	if err != nil {
		return &Result{Error: fmt.Sprintf("deploy: resolving host: %v", err)}
	}

	if host.ConnectionType == domain.ConnectionAgent {
		return e.agentPathDeploy(ctx, host, req, "teardown_compose")
	}
	return e.directPathTeardown(ctx, host, req)
}

// planAndValidate rejects a dependency cycle or an unsupported build:
// directive before any engine call, per §4.5's planning step 2/4.
func (e *Executor) planAndValidate(composeYAML string) (Stack, error) {
	stack, err := ParseCompose(composeYAML)
	if err != nil {
		return Stack{}, err
	}
	if _, err := PlanDeployment(stack); err != nil {
		return Stack{}, err
	}
	return stack, nil
}

// directPathDeploy delegates the actual orchestration to
// shared/compose.Service, which already implements pull/create/start/
// health-gate end to end via the real compose-go/v2 + docker/compose/v2
// libraries; this layer translates its progress callbacks and final result
// into C6 events and Deployment row updates, and drives rollback on
// failure when requested.
func (e *Executor) directPathDeploy(ctx context.Context, host *domain.Host, req Request) *Result {
	lastProgress := -1
	svc, err := e.composeFn.ServiceFor(host, func(ev sharedcompose.ProgressEvent) {
		if ev.Progress < lastProgress {
			return // monotonic progress per §5's ordering guarantee
		}
		lastProgress = ev.Progress
		e.persistStage(req.DeploymentID, ev)
		if len(ev.Layers) > 0 {
			e.emitter.Emit(eventbus.Event{Type: eventbus.DeploymentLayerProgress, HostID: host.ID,
				ScopeType: eventbus.ScopeHost, ScopeID: req.DeploymentID,
				Data: map[string]interface{}{"deployment_id": req.DeploymentID, "service": ev.Service,
					"layers": ev.Layers, "overall_progress": ev.OverallPercent}})
		}
		e.emitter.Emit(eventbus.Event{Type: eventbus.DeploymentProgress, HostID: host.ID,
			ScopeType: eventbus.ScopeHost, ScopeID: req.DeploymentID,
			Data: map[string]interface{}{"deployment_id": req.DeploymentID, "progress": ev.Progress,
				"stage": string(ev.Stage), "message": ev.Message}})
	})
	if err != nil {
		res := &Result{Error: fmt.Sprintf("deploy: connecting to host: %v", err)}
		e.emitAndPersist(host.ID, req.DeploymentID, res)
		return res
	}

	dr := svc.Deploy(ctx, sharedcompose.DeployRequest{
		DeploymentID: req.DeploymentID, ProjectName: req.ProjectName, ComposeYAML: req.ComposeYAML,
		Environment: req.Environment, Profiles: req.Profiles, Action: "up",
		WaitForHealthy: req.WaitForHealthy, HealthTimeout: req.HealthTimeout,
	})
	res := translateResult(dr)

	if !res.Success && req.RollbackOnFailure {
		svc.Teardown(ctx, sharedcompose.DeployRequest{
			DeploymentID: req.DeploymentID, ProjectName: req.ProjectName, ComposeYAML: req.ComposeYAML,
			Environment: req.Environment, Profiles: req.Profiles, RemoveVolumes: req.RemoveVolumes,
		})
		res.RolledBack = true
	}

	e.emitAndPersist(host.ID, req.DeploymentID, res)
	return res
}

func (e *Executor) directPathTeardown(ctx context.Context, host *domain.Host, req Request) *Result {
	svc, err := e.composeFn.ServiceFor(host, nil)
	if err != nil {
		res := &Result{Error: fmt.Sprintf("deploy: connecting to host: %v", err)}
		e.emitAndPersist(host.ID, req.DeploymentID, res)
		return res
	}
	dr := svc.Teardown(ctx, sharedcompose.DeployRequest{
		DeploymentID: req.DeploymentID, ProjectName: req.ProjectName, ComposeYAML: req.ComposeYAML,
		Environment: req.Environment, Profiles: req.Profiles, RemoveVolumes: req.RemoveVolumes,
	})
	res := translateResult(dr)
	e.emitAndPersist(host.ID, req.DeploymentID, res)
	return res
}

func translateResult(dr *sharedcompose.DeployResult) *Result {
	res := &Result{Success: dr.Success, PartialSuccess: dr.PartialSuccess, Services: dr.Services, FailedServices: dr.FailedServices}
	if dr.Error != nil {
		res.Error = dr.Error.Error()
	}
	return res
}

// persistStage updates the Deployment row's status/progress as execution
// moves between the four weighted phases.
func (e *Executor) persistStage(deploymentID string, ev sharedcompose.ProgressEvent) {
	d, err := e.store.GetDeployment(deploymentID)
	if err != nil || d == nil {
		return
	}
	d.ProgressPercent = ev.Progress
	d.CurrentStage = string(ev.Stage)
	d.Status = stageToStatus(ev.Stage, d.Status)
	if err := e.store.UpdateDeployment(d); err != nil && e.log != nil {
		e.log.WithError(err).Warn("deploy: persisting stage progress")
	}
}

func stageToStatus(stage sharedcompose.ProgressStage, current domain.DeploymentStatus) domain.DeploymentStatus {
	switch stage {
	case sharedcompose.StagePullingImage:
		return domain.DeployPullingImage
	case sharedcompose.StageCreatingNets, sharedcompose.StageCreatingVols, sharedcompose.StageCreating, sharedcompose.StageStarting:
		return domain.DeployExecuting
	case sharedcompose.StageHealthCheck:
		return domain.DeployWaitingForHealth
	case sharedcompose.StageCompleted:
		return domain.DeployCompleted
	case sharedcompose.StageFailed:
		return domain.DeployFailed
	default:
		return current
	}
}

// emitAndPersist emits deployment_complete and writes the deployment row's
// terminal state, used by the direct path where this layer owns both
// concerns. The agent path only persists (see agentPathDeploy) since the
// coordinator already emitted deployment_complete from the agent's own
// event frame before this layer's outcome channel fires.
func (e *Executor) emitAndPersist(hostID, deploymentID string, res *Result) {
	data := map[string]interface{}{"deployment_id": deploymentID, "success": res.Success}
	if res.Services != nil {
		data["services"] = res.Services
	}
	if res.PartialSuccess {
		data["partial_success"] = true
	}
	if len(res.FailedServices) > 0 {
		data["failed_services"] = res.FailedServices
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	e.emitter.Emit(eventbus.Event{Type: eventbus.DeploymentCompleted, HostID: hostID, ScopeType: eventbus.ScopeHost,
		ScopeID: deploymentID, Data: data})
	e.persistFinal(deploymentID, res)
}

func (e *Executor) persistFinal(deploymentID string, res *Result) {
	d, err := e.store.GetDeployment(deploymentID)
	if err != nil || d == nil {
		return
	}
	switch {
	case res.Success:
		d.Status = domain.DeployCompleted
	case res.RolledBack:
		d.Status = domain.DeployRolledBack
	default:
		d.Status = domain.DeployFailed
	}
	d.ProgressPercent = 100
	d.ErrorMessage = res.Error
	now := time.Now()
	d.CompletedAt = &now
	if err := e.store.UpdateDeployment(d); err != nil && e.log != nil {
		e.log.WithError(err).Warn("deploy: persisting final status")
	}
}

// agentPathDeploy implements the agent-path half of §4.5: the agent
// performs the entire create-or-teardown workflow and streams progress and
// a final deployment_complete event back through the coordinator, which
// this layer awaits via a pre-registered outcome channel.
func (e *Executor) agentPathDeploy(ctx context.Context, host *domain.Host, req Request, command string) *Result {
	agent, err := e.agents.GetAgentByHostID(host.ID)
	if err != nil {
		return &Result{Error: fmt.Sprintf("deploy: resolving agent: %v", err)}
	}

	outcomeCh := make(chan agentDeployOutcome, 1)
	e.pendingMu.Lock()
	e.pending[req.DeploymentID] = outcomeCh
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, req.DeploymentID)
		e.pendingMu.Unlock()
	}()

	payload := map[string]interface{}{
		"deployment_id": req.DeploymentID, "project_name": req.ProjectName, "compose_yaml": req.ComposeYAML,
		"environment": req.Environment, "profiles": req.Profiles, "wait_for_healthy": req.WaitForHealthy,
		"health_timeout": req.HealthTimeout, "remove_volumes": req.RemoveVolumes,
	}

	ackRes := e.coord.ExecuteCommand(ctx, agent.ID, command, payload, 15*time.Second)
	if ackRes.Error != nil {
		res := &Result{Error: fmt.Sprintf("deploy: sending command to agent: %v", ackRes.Error)}
		e.persistFinal(req.DeploymentID, res)
		return res
	}

	timeout := time.Duration(req.HealthTimeout+120) * time.Second
	select {
	case outcome := <-outcomeCh:
		res := &Result{Success: outcome.success, PartialSuccess: outcome.partialSuccess,
			FailedServices: outcome.failedServices, Error: outcome.errMsg}
		e.persistFinal(req.DeploymentID, res)
		return res
	case <-time.After(timeout):
		res := &Result{Error: "deploy: timed out waiting for agent deployment_complete"}
		e.persistFinal(req.DeploymentID, res)
		return res
	case <-ctx.Done():
		return &Result{Error: ctx.Err().Error()}
	}
}

// onAgentDeployEvent resolves the pending agent-path deployment matching
// this event's deployment id, if any is currently waiting. The event
// itself was already emitted onto C6 by the coordinator translating the
// agent's raw "event" frame, so this handler only ever reads Data - it
// never re-emits.
func (e *Executor) onAgentDeployEvent(ev eventbus.Event) {
	deploymentID, _ := ev.Data["deployment_id"].(string)
	if deploymentID == "" {
		deploymentID = ev.ScopeID
	}
	e.pendingMu.Lock()
	ch, ok := e.pending[deploymentID]
	e.pendingMu.Unlock()
	if !ok {
		return
	}
	outcome := agentDeployOutcome{}
	if success, ok := ev.Data["success"].(bool); ok {
		outcome.success = success
	}
	if partial, ok := ev.Data["partial_success"].(bool); ok {
		outcome.partialSuccess = partial
	}
	if errMsg, ok := ev.Data["error"].(string); ok {
		outcome.errMsg = errMsg
	}
	if failed, ok := ev.Data["failed_services"].([]interface{}); ok {
		for _, f := range failed {
			if s, ok := f.(string); ok {
				outcome.failedServices = append(outcome.failedServices, s)
			}
		}
	}
	select {
	case ch <- outcome:
	default:
	}
}
