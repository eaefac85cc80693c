package update

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

type fakeStore struct{ updates map[string]*domain.ContainerUpdate }

func (f *fakeStore) UpsertContainerUpdate(u *domain.ContainerUpdate) error {
	f.updates[u.ContainerID] = u
	return nil
}
func (f *fakeStore) GetContainerUpdate(containerID string) (*domain.ContainerUpdate, error) {
	return f.updates[containerID], nil
}

type fakeEmitter struct{ events []eventbus.Event }

func (f *fakeEmitter) Emit(e eventbus.Event) { f.events = append(f.events, e) }

type fakeCoordinator struct {
	executeResult coordinator.Result
	selfUpdateCh  chan bool
	executed      []string
}

func (f *fakeCoordinator) ExecuteCommand(ctx context.Context, agentID, command string, payload interface{}, timeout time.Duration) coordinator.Result {
	f.executed = append(f.executed, command)
	return f.executeResult
}

func (f *fakeCoordinator) BeginSelfUpdateWait(engineID, expectedVersion string, timeout time.Duration) <-chan bool {
	return f.selfUpdateCh
}

func newAgentHostFixture() (*fakeHosts, *fakeAgents) {
	hosts := &fakeHosts{hosts: map[string]*domain.Host{
		"h1": {ID: "h1", ConnectionType: domain.ConnectionAgent},
	}}
	agents := &fakeAgents{agents: map[string]*domain.Agent{
		"h1": {ID: "a1", HostID: "h1", EngineID: "eng-1"},
	}}
	return hosts, agents
}

func TestAgentPathUpdateResolvesOnCompletionEvent(t *testing.T) {
	hosts, agents := newAgentHostFixture()
	store := &fakeStore{updates: map[string]*domain.ContainerUpdate{}}
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{executeResult: coordinator.Result{}}
	bus := eventbus.New(nil, nil, nil)

	e := New(hosts, agents, store, emitter, nil, coord, bus, nil)

	resultCh := make(chan *Result, 1)
	go func() {
		resultCh <- e.UpdateContainer(context.Background(), Context{
			HostID: "h1", ContainerID: "h1:c1", NewImage: "web:2", HealthTimeout: 1,
		})
	}()

	// Give the goroutine time to register its pending entry before the
	// completion event arrives, mirroring the coordinator's async dispatch.
	time.Sleep(20 * time.Millisecond)
	bus.Emit(eventbus.Event{Type: eventbus.UpdateCompleted, ScopeID: "h1:c1",
		Data: map[string]interface{}{"new_container_id": "c1-new"}})

	select {
	case res := <-resultCh:
		require.True(t, res.Success)
		assert.Equal(t, "c1-new", res.NewContainerID)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not resolve")
	}
	assert.Contains(t, coord.executed, "update_container")
}

func TestAgentPathUpdatePropagatesFailure(t *testing.T) {
	hosts, agents := newAgentHostFixture()
	store := &fakeStore{updates: map[string]*domain.ContainerUpdate{}}
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	bus := eventbus.New(nil, nil, nil)
	e := New(hosts, agents, store, emitter, nil, coord, bus, nil)

	resultCh := make(chan *Result, 1)
	go func() {
		resultCh <- e.UpdateContainer(context.Background(), Context{HostID: "h1", ContainerID: "h1:c1", NewImage: "web:2", HealthTimeout: 1})
	}()
	time.Sleep(20 * time.Millisecond)
	bus.Emit(eventbus.Event{Type: eventbus.UpdateFailed, ScopeID: "h1:c1",
		Data: map[string]interface{}{"error": "pull failed"}})

	res := <-resultCh
	assert.False(t, res.Success)
	assert.Equal(t, "pull failed", res.Error)
}

func TestSelfUpdateFailsWhenAgentDoesNotReconnect(t *testing.T) {
	hosts, agents := newAgentHostFixture()
	store := &fakeStore{updates: map[string]*domain.ContainerUpdate{}}
	emitter := &fakeEmitter{}
	selfUpdateCh := make(chan bool, 1)
	selfUpdateCh <- false
	coord := &fakeCoordinator{selfUpdateCh: selfUpdateCh}
	e := New(hosts, agents, store, emitter, nil, coord, nil, nil)

	res := e.UpdateContainer(context.Background(), Context{HostID: "h1", ContainerID: "h1:c1", NewImage: "dockmon-agent:2.0.0"})
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestSelfUpdateSucceedsAndPersistsImage(t *testing.T) {
	hosts, agents := newAgentHostFixture()
	store := &fakeStore{updates: map[string]*domain.ContainerUpdate{}}
	emitter := &fakeEmitter{}
	selfUpdateCh := make(chan bool, 1)
	selfUpdateCh <- true
	coord := &fakeCoordinator{selfUpdateCh: selfUpdateCh}
	e := New(hosts, agents, store, emitter, nil, coord, nil, nil)

	res := e.UpdateContainer(context.Background(), Context{HostID: "h1", ContainerID: "h1:c1", NewImage: "dockmon-agent:2.0.0"})
	require.True(t, res.Success)
	assert.Equal(t, "dockmon-agent:2.0.0", store.updates["h1:c1"].CurrentImage)
}

func TestIsAgentBinaryMatchesSuffix(t *testing.T) {
	assert.True(t, isAgentBinary("dockmon-agent"))
	assert.True(t, isAgentBinary("ghcr.io/darthnorse/dockmon-agent"))
	assert.False(t, isAgentBinary("nginx"))
	assert.False(t, isAgentBinary(""))
}

func TestUpdateContainerSerializesSameContainerID(t *testing.T) {
	hosts, agents := newAgentHostFixture()
	store := &fakeStore{updates: map[string]*domain.ContainerUpdate{}}
	emitter := &fakeEmitter{}
	coord := &fakeCoordinator{}
	bus := eventbus.New(nil, nil, nil)
	e := New(hosts, agents, store, emitter, nil, coord, bus, nil)

	lock := e.lockFor("h1:c1")
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
		e.lockFor("h1:c1").Lock()
		close(done)
	}()
	<-started

	select {
	case <-done:
		t.Fatal("second update should not acquire the lock while the first holds it")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	<-done
}
