package updatecheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
	"github.com/dockmon/server/internal/registry"
)

type fakeStore struct {
	rows     []*domain.ContainerUpdate
	settings domain.GlobalSettings
	upserted []*domain.ContainerUpdate
}

func (f *fakeStore) ListContainerUpdates(hostID string) ([]*domain.ContainerUpdate, error) {
	return f.rows, nil
}

func (f *fakeStore) UpsertContainerUpdate(u *domain.ContainerUpdate) error {
	f.upserted = append(f.upserted, u)
	return nil
}

func (f *fakeStore) GetGlobalSettings() (*domain.GlobalSettings, error) {
	return &f.settings, nil
}

type fakeResolver struct {
	tag    string
	digest string
}

func (f fakeResolver) ResolveTag(ctx context.Context, ref registry.Reference, mode domain.FloatingTagMode) (string, error) {
	if f.tag != "" {
		return f.tag, nil
	}
	return ref.Tag, nil
}

func (f fakeResolver) Digest(ctx context.Context, ref registry.Reference) (string, error) {
	return f.digest, nil
}

type captureEmitter struct {
	events []eventbus.Event
}

func (c *captureEmitter) Emit(ev eventbus.Event) { c.events = append(c.events, ev) }

func TestCheckAllFlagsMovedDigest(t *testing.T) {
	store := &fakeStore{rows: []*domain.ContainerUpdate{{
		ContainerID: "h1:abc", HostID: "h1", CurrentImage: "nginx:1.25",
		CurrentDigest: "sha256:old", FloatingTagMode: domain.TagModeExact,
	}}}
	emitter := &captureEmitter{}
	checker := New(store, nil, fakeResolver{digest: "sha256:new"}, emitter, "", nil)

	n := checker.CheckAll(context.Background())
	require.Equal(t, 1, n)
	require.Len(t, store.upserted, 1)
	require.True(t, store.upserted[0].UpdateAvailable)
	require.Equal(t, "sha256:new", store.upserted[0].LatestDigest)
	require.Equal(t, "nginx:1.25", store.upserted[0].LatestImage)

	require.Len(t, emitter.events, 1)
	require.Equal(t, eventbus.UpdateAvailable, emitter.events[0].Type)
	require.Equal(t, "h1:abc", emitter.events[0].ScopeID)
}

func TestCheckAllUnchangedDigestStaysQuiet(t *testing.T) {
	store := &fakeStore{rows: []*domain.ContainerUpdate{{
		ContainerID: "h1:abc", HostID: "h1", CurrentImage: "nginx:1.25",
		CurrentDigest: "sha256:same", FloatingTagMode: domain.TagModeExact,
	}}}
	emitter := &captureEmitter{}
	checker := New(store, nil, fakeResolver{digest: "sha256:same"}, emitter, "", nil)

	n := checker.CheckAll(context.Background())
	require.Zero(t, n)
	require.Len(t, store.upserted, 1) // last_checked_at still advances
	require.False(t, store.upserted[0].UpdateAvailable)
	require.Empty(t, emitter.events)
}

func TestCheckAllAlreadyAvailableDoesNotReEmit(t *testing.T) {
	store := &fakeStore{rows: []*domain.ContainerUpdate{{
		ContainerID: "h1:abc", HostID: "h1", CurrentImage: "nginx:1.25",
		CurrentDigest: "sha256:old", UpdateAvailable: true, FloatingTagMode: domain.TagModeExact,
	}}}
	emitter := &captureEmitter{}
	checker := New(store, nil, fakeResolver{digest: "sha256:new"}, emitter, "", nil)

	n := checker.CheckAll(context.Background())
	require.Zero(t, n)
	require.Empty(t, emitter.events)
}

func TestCheckAllSkipsComposeContainersWhenConfigured(t *testing.T) {
	store := &fakeStore{
		settings: domain.GlobalSettings{SkipComposeContainers: true},
		rows: []*domain.ContainerUpdate{
			{ContainerID: "h1:abc", HostID: "h1", CurrentImage: "nginx:1.25",
				CurrentDigest: "sha256:old", ComposeProject: "mystack"},
			{ContainerID: "h1:def", HostID: "h1", CurrentImage: "redis:7",
				CurrentDigest: "sha256:old", FloatingTagMode: domain.TagModeExact},
		},
	}
	emitter := &captureEmitter{}
	checker := New(store, nil, fakeResolver{digest: "sha256:new"}, emitter, "", nil)

	n := checker.CheckAll(context.Background())
	require.Equal(t, 1, n)
	require.Len(t, store.upserted, 1)
	require.Equal(t, "h1:def", store.upserted[0].ContainerID)
}

type fakeAgentStore struct {
	hosts  []*domain.Host
	agents map[string]*domain.Agent
}

func (f *fakeAgentStore) ListHosts() ([]*domain.Host, error) { return f.hosts, nil }

func (f *fakeAgentStore) GetAgentByHostID(hostID string) (*domain.Agent, error) {
	return f.agents[hostID], nil
}

func TestCheckAgentReleasesFlagsOutdatedAgents(t *testing.T) {
	release := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("2.3.0\n"))
	}))
	defer release.Close()

	agents := &fakeAgentStore{
		hosts: []*domain.Host{
			{ID: "h1", Name: "edge-1", ConnectionType: domain.ConnectionAgent},
			{ID: "h2", Name: "edge-2", ConnectionType: domain.ConnectionAgent},
			{ID: "h3", Name: "direct", ConnectionType: domain.ConnectionLocal},
		},
		agents: map[string]*domain.Agent{
			"h1": {ID: "a1", HostID: "h1", Version: "2.2.0"},
			"h2": {ID: "a2", HostID: "h2", Version: "2.3.0"},
		},
	}
	emitter := &captureEmitter{}
	checker := New(&fakeStore{}, agents, fakeResolver{}, emitter, release.URL, nil)

	checker.CheckAgentReleases(context.Background())

	require.Len(t, emitter.events, 1)
	require.Equal(t, "h1", emitter.events[0].HostID)
	require.Equal(t, "2.2.0", emitter.events[0].Data["current_version"])
	require.Equal(t, "2.3.0", emitter.events[0].Data["latest_version"])
}
