package coordinator

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/darthnorse/dockmon-agent/pkg/registration"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

// TestAgentRegistrationWireFormat drives a real Coordinator over a real
// WebSocket connection using agent/pkg/registration.Request - the exact
// struct a dockmon-agent process marshals in websocket.go's register() -
// instead of a hand-built frame that could drift from what an agent
// actually sends. This is the real C8 protocol counterpart, not a mock.
func TestAgentRegistrationWireFormat(t *testing.T) {
	store := newFakeStore()
	bus := eventbus.New(nil, nil, nil)
	coord := New(store, bus, Options{}, nil)

	srv := httptest.NewServer(coord)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req := registration.Request{
		Type:          "register",
		Token:         "seed-token",
		EngineID:      "engine-integration-1",
		Hostname:      "docker-host-1",
		Version:       "2.3.0",
		ProtoVersion:  "1",
		Capabilities:  registration.Capabilities(false, true),
		AgentOS:       "linux",
		AgentArch:     "amd64",
		OSType:        "linux",
		OSVersion:     "Ubuntu 22.04.3 LTS",
		KernelVersion: "5.15.0-88-generic",
		DockerVersion: "24.0.6",
		TotalMemory:   8 << 30,
		NumCPUs:       4,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, respData, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp registration.Response
	require.NoError(t, json.Unmarshal(respData, &resp))
	require.Equal(t, "register_ack", resp.Type)
	require.NotEmpty(t, resp.AgentID)
	require.NotEmpty(t, resp.HostID)

	require.Len(t, store.hosts, 1)
	for _, h := range store.hosts {
		require.Equal(t, domain.ConnectionAgent, h.ConnectionType)
		require.Equal(t, "docker-host-1", h.Name)
	}
}
