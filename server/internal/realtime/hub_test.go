package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/eventbus"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count never reached %d (now %d)", want, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	hub := New(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	first := dialHub(t, srv)
	defer first.Close()
	second := dialHub(t, srv)
	defer second.Close()
	waitForClients(t, hub, 2)

	hub.Broadcast("containers_update", map[string]interface{}{"host_id": "h1"})

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		require.Equal(t, "containers_update", env.Type)
		data, ok := env.Data.(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, "h1", data["host_id"])
	}
}

func TestBroadcastDropsDeadPeer(t *testing.T) {
	hub := New(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	alive := dialHub(t, srv)
	defer alive.Close()
	dead := dialHub(t, srv)
	waitForClients(t, hub, 2)

	dead.Close()
	waitForClients(t, hub, 1)

	// The surviving peer still gets broadcasts after the dead one is gone.
	hub.Broadcast("container_stats", map[string]interface{}{"n": float64(1)})
	env := readEnvelope(t, alive)
	require.Equal(t, "container_stats", env.Type)
	require.Equal(t, 1, hub.ClientCount())
}

func TestBindBusForwardsProgressAndNotifications(t *testing.T) {
	hub := New(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	bus := eventbus.New(nil, nil, nil)
	hub.BindBus(bus)

	conn := dialHub(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	bus.Emit(eventbus.Event{
		Type:    eventbus.DeploymentProgress,
		ScopeID: "h1:deadbeef",
		Data:    map[string]interface{}{"deployment_id": "h1:deadbeef", "progress": 40},
	})
	env := readEnvelope(t, conn)
	require.Equal(t, "deployment_progress", env.Type)
	data := env.Data.(map[string]interface{})
	require.Equal(t, "h1:deadbeef", data["deployment_id"])

	bus.Emit(eventbus.Event{
		Type:      eventbus.ContainerDied,
		ScopeType: eventbus.ScopeContainer,
		ScopeID:   "h1:cafe",
		ScopeName: "web",
		HostID:    "h1",
	})
	env = readEnvelope(t, conn)
	require.Equal(t, "event_notification", env.Type)
	data = env.Data.(map[string]interface{})
	require.Equal(t, "container_died", data["event_type"])
	require.Equal(t, "web", data["scope_name"])
}
