package containerops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/coordinator"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/store"
	"github.com/dockmon/server/internal/update"
)

type fakeHosts struct{ hosts map[string]*domain.Host }

func (f fakeHosts) GetHost(id string) (*domain.Host, error) { return f.hosts[id], nil }

type fakeAgents struct{ agents map[string]*domain.Agent }

func (f fakeAgents) GetAgentByHostID(hostID string) (*domain.Agent, error) { return f.agents[hostID], nil }

type fakeCoordinator struct {
	executed []string
	result   coordinator.Result
}

func (f *fakeCoordinator) ExecuteCommand(ctx context.Context, agentID, command string, payload interface{}, timeout time.Duration) coordinator.Result {
	f.executed = append(f.executed, command)
	return f.result
}

type fakeUpdater struct {
	called bool
	result *update.Result
}

func (f *fakeUpdater) UpdateContainer(ctx context.Context, uc update.Context) *update.Result {
	f.called = true
	return f.result
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartRoutesToAgentForAgentBackedHost(t *testing.T) {
	hosts := fakeHosts{hosts: map[string]*domain.Host{"h1": {ID: "h1", ConnectionType: domain.ConnectionAgent}}}
	agents := fakeAgents{agents: map[string]*domain.Agent{"h1": {ID: "a1", HostID: "h1"}}}
	coord := &fakeCoordinator{}
	e := New(hosts, agents, newTestStore(t), nil, coord, nil, nil)

	err := e.Start(context.Background(), "h1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{"container_start"}, coord.executed)
}

func TestAddTagsThenRemoveTagsRoundTrips(t *testing.T) {
	hosts := fakeHosts{hosts: map[string]*domain.Host{"h1": {ID: "h1", ConnectionType: domain.ConnectionAgent}}}
	agents := fakeAgents{agents: map[string]*domain.Agent{}}
	st := newTestStore(t)
	e := New(hosts, agents, st, nil, &fakeCoordinator{}, nil, nil)

	require.NoError(t, e.AddTags(context.Background(), "h1", "abc123", "web", []string{"prod", "db"}))
	cs, err := st.GetContainerSettings("h1:abc123", "h1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prod", "db"}, cs.Tags)

	require.NoError(t, e.RemoveTags(context.Background(), "h1", "abc123", "web", []string{"db"}))
	cs, err = st.GetContainerSettings("h1:abc123", "h1")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod"}, cs.Tags)
}

func TestSetAutoUpdatePersistsFloatingTagMode(t *testing.T) {
	hosts := fakeHosts{hosts: map[string]*domain.Host{"h1": {ID: "h1", ConnectionType: domain.ConnectionAgent}}}
	st := newTestStore(t)
	e := New(hosts, fakeAgents{}, st, nil, &fakeCoordinator{}, nil, nil)

	require.NoError(t, e.SetAutoUpdate(context.Background(), "h1", "abc123", "web", true, domain.TagModeMinor))
	cs, err := st.GetContainerSettings("h1:abc123", "h1")
	require.NoError(t, err)
	assert.True(t, cs.AutoUpdate)
	assert.Equal(t, domain.TagModeMinor, cs.FloatingTagMode)
}

func TestUpdateContainerPropagatesUpdaterFailure(t *testing.T) {
	hosts := fakeHosts{hosts: map[string]*domain.Host{"h1": {ID: "h1", ConnectionType: domain.ConnectionAgent}}}
	upd := &fakeUpdater{result: &update.Result{Success: false, Error: "pull failed"}}
	e := New(hosts, fakeAgents{}, newTestStore(t), nil, &fakeCoordinator{}, upd, nil)

	err := e.UpdateContainer(context.Background(), "h1", "abc123")
	require.Error(t, err)
	assert.True(t, upd.called)
}
