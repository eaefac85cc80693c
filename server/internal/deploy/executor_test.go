package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/coordinator"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

type fakeHosts struct{ hosts map[string]*domain.Host }

func (f fakeHosts) GetHost(id string) (*domain.Host, error) { return f.hosts[id], nil }

type fakeAgents struct{ agents map[string]*domain.Agent }

func (f fakeAgents) GetAgentByHostID(hostID string) (*domain.Agent, error) { return f.agents[hostID], nil }

type fakeStore struct{ deployments map[string]*domain.Deployment }

func (f *fakeStore) UpdateDeployment(d *domain.Deployment) error {
	f.deployments[d.ID] = d
	return nil
}
func (f *fakeStore) GetDeployment(id string) (*domain.Deployment, error) { return f.deployments[id], nil }

type fakeEmitter struct{ events []eventbus.Event }

func (f *fakeEmitter) Emit(e eventbus.Event) { f.events = append(f.events, e) }

type fakeCoordinator struct {
	executeResult coordinator.Result
	executed      []string
}

func (f *fakeCoordinator) ExecuteCommand(ctx context.Context, agentID, command string, payload interface{}, timeout time.Duration) coordinator.Result {
	f.executed = append(f.executed, command)
	return f.executeResult
}

const sampleCompose = `
services:
  web:
    image: nginx:latest
    depends_on: [db]
  db:
    image: postgres:16
networks:
  default:
    external: false
`

func newAgentFixture() (*fakeHosts, *fakeAgents, *fakeStore) {
	hosts := &fakeHosts{hosts: map[string]*domain.Host{
		"h1": {ID: "h1", ConnectionType: domain.ConnectionAgent},
	}}
	agents := &fakeAgents{agents: map[string]*domain.Agent{
		"h1": {ID: "a1", HostID: "h1", EngineID: "eng-1"},
	}}
	store := &fakeStore{deployments: map[string]*domain.Deployment{
		"h1:dep1": {ID: "h1:dep1", HostID: "h1", Status: domain.DeployExecuting},
	}}
	return hosts, agents, store
}

func TestAgentPathDeployResolvesOnCompletionEvent(t *testing.T) {
	hosts, agents, store := newAgentFixture()
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	bus := eventbus.New(nil, nil, nil)
	e := New(hosts, agents, store, emitter, nil, coord, bus, nil)

	resultCh := make(chan *Result, 1)
	go func() {
		resultCh <- e.Deploy(context.Background(), Request{
			DeploymentID: "h1:dep1", HostID: "h1", ProjectName: "stack1", ComposeYAML: sampleCompose,
			WaitForHealthy: true, HealthTimeout: 1,
		})
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Emit(eventbus.Event{Type: eventbus.DeploymentCompleted, ScopeID: "h1:dep1",
		Data: map[string]interface{}{"deployment_id": "h1:dep1", "success": true}})

	select {
	case res := <-resultCh:
		require.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("deploy did not resolve")
	}
	assert.Contains(t, coord.executed, "deploy_compose")
	assert.Equal(t, domain.DeployCompleted, store.deployments["h1:dep1"].Status)
}

func TestAgentPathDeployPropagatesFailure(t *testing.T) {
	hosts, agents, store := newAgentFixture()
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	bus := eventbus.New(nil, nil, nil)
	e := New(hosts, agents, store, emitter, nil, coord, bus, nil)

	resultCh := make(chan *Result, 1)
	go func() {
		resultCh <- e.Deploy(context.Background(), Request{
			DeploymentID: "h1:dep1", HostID: "h1", ComposeYAML: sampleCompose, HealthTimeout: 1,
		})
	}()
	time.Sleep(20 * time.Millisecond)
	bus.Emit(eventbus.Event{Type: eventbus.DeploymentCompleted, ScopeID: "h1:dep1",
		Data: map[string]interface{}{"deployment_id": "h1:dep1", "success": false, "error": "service db unhealthy"}})

	res := <-resultCh
	assert.False(t, res.Success)
	assert.Equal(t, "service db unhealthy", res.Error)
	assert.Equal(t, domain.DeployFailed, store.deployments["h1:dep1"].Status)
}

func TestTeardownUsesTeardownComposeCommand(t *testing.T) {
	hosts, agents, store := newAgentFixture()
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	bus := eventbus.New(nil, nil, nil)
	e := New(hosts, agents, store, emitter, nil, coord, bus, nil)

	resultCh := make(chan *Result, 1)
	go func() {
		resultCh <- e.Teardown(context.Background(), Request{
			DeploymentID: "h1:dep1", HostID: "h1", ComposeYAML: sampleCompose, HealthTimeout: 1,
		})
	}()
	time.Sleep(20 * time.Millisecond)
	bus.Emit(eventbus.Event{Type: eventbus.DeploymentCompleted, ScopeID: "h1:dep1",
		Data: map[string]interface{}{"deployment_id": "h1:dep1", "success": true}})

	<-resultCh
	assert.Contains(t, coord.executed, "teardown_compose")
}

func TestDeployRejectsDependencyCycleBeforeDispatch(t *testing.T) {
	hosts, agents, store := newAgentFixture()
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	e := New(hosts, agents, store, emitter, nil, coord, nil, nil)

	cyclic := `
services:
  a:
    image: a
    depends_on: [b]
  b:
    image: b
    depends_on: [a]
`
	res := e.Deploy(context.Background(), Request{DeploymentID: "h1:dep2", HostID: "h1", ComposeYAML: cyclic})
	require.NotEmpty(t, res.Error)
	assert.Empty(t, coord.executed)
}

func TestDeployRejectsBuildDirective(t *testing.T) {
	hosts, agents, store := newAgentFixture()
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	e := New(hosts, agents, store, emitter, nil, coord, nil, nil)

	withBuild := `
services:
  app:
    build: .
`
	res := e.Deploy(context.Background(), Request{DeploymentID: "h1:dep3", HostID: "h1", ComposeYAML: withBuild})
	require.NotEmpty(t, res.Error)
	assert.Empty(t, coord.executed)
}

func TestDeploySerializesSameDeploymentID(t *testing.T) {
	hosts, agents, store := newAgentFixture()
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	e := New(hosts, agents, store, emitter, nil, coord, nil, nil)

	lock := e.lockFor("h1:dep1")
	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		lock.Lock()
		close(locked)
		<-release
		lock.Unlock()
	}()
	<-locked

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		e.lockFor("h1:dep1").Lock()
		close(done)
	}()
	<-started

	select {
	case <-done:
		t.Fatal("second deploy should not acquire the lock while the first holds it")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	<-done
}
