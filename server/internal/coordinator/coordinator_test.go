package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

type fakeStore struct {
	agents map[string]*domain.Agent
	hosts  map[string]*domain.Host
}

func newFakeStore() *fakeStore {
	return &fakeStore{agents: map[string]*domain.Agent{}, hosts: map[string]*domain.Host{}}
}

func (f *fakeStore) ConsumeRegistrationToken(token string, now time.Time) (*domain.RegistrationToken, error) {
	if token == "" {
		return nil, assertErr("empty token")
	}
	return &domain.RegistrationToken{Token: token, Used: true}, nil
}
func (f *fakeStore) GetHostByEngineID(engineID string) (*domain.Host, error) {
	for _, h := range f.hosts {
		if h.EngineID == engineID {
			return h, nil
		}
	}
	return nil, assertErr("not found")
}
func (f *fakeStore) MigrateHost(oldHostID, newHostID string) error {
	if h, ok := f.hosts[oldHostID]; ok {
		h.ReplacedByHostID = newHostID
	}
	return nil
}
func (f *fakeStore) CreateHost(h *domain.Host) error { f.hosts[h.ID] = h; return nil }
func (f *fakeStore) GetAgentByEngineID(engineID string) (*domain.Agent, error) {
	for _, a := range f.agents {
		if a.EngineID == engineID {
			return a, nil
		}
	}
	return nil, assertErr("not found")
}
func (f *fakeStore) UpsertAgent(a *domain.Agent) error { f.agents[a.ID] = a; return nil }
func (f *fakeStore) SetAgentStatus(agentID string, status domain.AgentStatus, lastSeenAt time.Time) error {
	if a, ok := f.agents[agentID]; ok {
		a.Status = status
	}
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeEmitter struct{ events []eventbus.Event }

func (f *fakeEmitter) Emit(e eventbus.Event) { f.events = append(f.events, e) }

func TestRegisterNewAgentCreatesHost(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	c := New(store, emitter, Options{}, nil)

	agent, host, err := c.register(nil, &connection{}, Frame{Type: "register", Token: "tok-1", EngineID: "eng-1", Version: "1.2.3", Hostname: "box-1"})
	require.NoError(t, err)
	assert.Equal(t, "eng-1", agent.EngineID)
	assert.Equal(t, host.ID, agent.HostID)
	assert.Equal(t, domain.ConnectionAgent, host.ConnectionType)
}

func TestRegisterRejectsEmptyToken(t *testing.T) {
	store := newFakeStore()
	c := New(store, &fakeEmitter{}, Options{}, nil)
	_, _, err := c.register(nil, &connection{}, Frame{Type: "register", EngineID: "eng-1"})
	assert.Error(t, err)
}

func TestSweepPendingExpiresOldCommands(t *testing.T) {
	c := New(newFakeStore(), &fakeEmitter{}, Options{MaxPendingAge: 10 * time.Millisecond}, nil)
	pc := &PendingCommand{CorrelationID: "corr-1", AgentID: "a1", StartedAt: time.Now().Add(-time.Hour), resultCh: make(chan Result, 1)}
	c.mu.Lock()
	c.pending["corr-1"] = pc
	c.mu.Unlock()

	c.sweepPending()

	select {
	case res := <-pc.resultCh:
		assert.True(t, res.TimedOut)
	default:
		t.Fatal("expected pending command to be resolved as timed out")
	}
}

func lifecycleOptions() Options {
	return Options{
		HeartbeatInterval: 10 * time.Millisecond,
		DegradedAfter:     30 * time.Millisecond,
		OfflineAfter:      100 * time.Millisecond,
		MaxPendingAge:     time.Minute,
		ReconnectWait:     time.Minute,
	}
}

func TestLifecycleMarksStaleConnectionDegraded(t *testing.T) {
	store := newFakeStore()
	store.agents["a1"] = &domain.Agent{ID: "a1", Status: domain.AgentOnline}
	store.agents["a2"] = &domain.Agent{ID: "a2", Status: domain.AgentOnline}
	c := New(store, &fakeEmitter{}, lifecycleOptions(), nil)

	c.mu.Lock()
	c.conns["a1"] = &connection{agentID: "a1", lastSeen: time.Now().Add(-time.Minute)} // heartbeats stale
	c.conns["a2"] = &connection{agentID: "a2", lastSeen: time.Now()}                   // fresh
	c.mu.Unlock()

	c.sweepLifecycle()

	assert.Equal(t, domain.AgentDegraded, store.agents["a1"].Status)
	assert.Equal(t, domain.AgentOnline, store.agents["a2"].Status)

	// A second sweep must not re-report the same stale connection.
	store.agents["a1"].Status = domain.AgentOnline
	c.sweepLifecycle()
	assert.Equal(t, domain.AgentOnline, store.agents["a1"].Status)
}

func TestLifecycleOfflineOnlyAfterGraceWindow(t *testing.T) {
	store := newFakeStore()
	store.agents["a1"] = &domain.Agent{ID: "a1", Status: domain.AgentOnline}
	store.agents["a2"] = &domain.Agent{ID: "a2", Status: domain.AgentOnline}
	c := New(store, &fakeEmitter{}, lifecycleOptions(), nil)

	c.mu.Lock()
	c.disconnects["a1"] = time.Now().Add(-time.Minute) // grace long expired
	c.disconnects["a2"] = time.Now()                   // just lost, still in grace
	c.mu.Unlock()

	c.sweepLifecycle()

	assert.Equal(t, domain.AgentOffline, store.agents["a1"].Status)
	assert.Equal(t, domain.AgentOnline, store.agents["a2"].Status)

	c.mu.Lock()
	_, a1Pending := c.disconnects["a1"]
	_, a2Pending := c.disconnects["a2"]
	c.mu.Unlock()
	assert.False(t, a1Pending, "expired grace entry should be removed")
	assert.True(t, a2Pending, "in-grace entry should remain pending")
}

func TestSelfUpdateReconnectResolvesOnMatchingVersion(t *testing.T) {
	c := New(newFakeStore(), &fakeEmitter{}, Options{}, nil)
	ch := c.BeginSelfUpdateWait("eng-1", "2.0.0", time.Minute)

	c.resolveReconnect("eng-1", "2.0.0")

	select {
	case ok := <-ch:
		assert.True(t, ok)
	default:
		t.Fatal("expected reconnect wait to resolve")
	}
}

func TestSelfUpdateReconnectSweepExpires(t *testing.T) {
	c := New(newFakeStore(), &fakeEmitter{}, Options{}, nil)
	c.mu.Lock()
	c.reconnects["eng-1"] = &pendingReconnect{engineID: "eng-1", expectedVersion: "2.0.0", deadline: time.Now().Add(-time.Second), resultCh: make(chan bool, 1)}
	c.mu.Unlock()

	c.sweepReconnects()

	c.mu.Lock()
	w := c.reconnects["eng-1"]
	c.mu.Unlock()
	assert.Nil(t, w)
}
