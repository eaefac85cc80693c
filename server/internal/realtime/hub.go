// Package realtime is the UI-facing half of the WebSocket surface: a hub
// of browser connections that receives C6 events and pushes them out as
// {type, data} envelopes. The broadcast discipline follows the shared-
// resource policy: the peer set is copied under the lock, sends happen
// without it, and any peer that errors on send is dropped as disconnected
// rather than queued.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/eventbus"
)

// Envelope is the UI wire format: every message is {type, data}.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// client is one connected UI peer. gorilla/websocket forbids concurrent
// writers, so each client serializes its own sends.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub owns the set of live UI connections.
type Hub struct {
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs a Hub.
func New(log *logrus.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and holds it in the peer set until it
// closes. Inbound messages from the UI are drained and discarded — the UI
// channel is push-only; commands arrive over the HTTP API.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("realtime: upgrade failed")
		}
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.remove(c)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Broadcast sends one envelope to every connected peer. Peers that error
// on send are treated as disconnected and removed; nothing is queued or
// retried.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	h.mu.Lock()
	peers := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		peers = append(peers, c)
	}
	h.mu.Unlock()

	env := Envelope{Type: msgType, Data: data}
	for _, c := range peers {
		if err := c.send(env); err != nil {
			h.remove(c)
			c.conn.Close()
			if h.log != nil {
				h.log.WithError(err).Debug("realtime: dropped peer on send error")
			}
		}
	}
}

// ClientCount reports how many peers are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// passthroughTypes are bus events whose Data is forwarded under a UI type
// of the same meaning, keyed by the envelope type the UI expects.
var passthroughTypes = map[eventbus.Type]string{
	eventbus.DeploymentProgress:      "deployment_progress",
	eventbus.DeploymentLayerProgress: "deployment_layer_progress",
	eventbus.DeploymentCompleted:     "deployment_complete",
	eventbus.UpdatePullCompleted:     "container_update_layer_progress",
	eventbus.Type("batch_job_update"):  "batch_job_update",
	eventbus.Type("batch_item_update"): "batch_item_update",
}

// notificationTypes are the taxonomy events surfaced to the UI as
// event_notification envelopes.
var notificationTypes = []eventbus.Type{
	eventbus.UpdateAvailable, eventbus.UpdateStarted, eventbus.BackupCreated,
	eventbus.UpdateCompleted, eventbus.UpdateFailed, eventbus.UpdateSkippedValidation,
	eventbus.RollbackCompleted,
	eventbus.ContainerStarted, eventbus.ContainerStopped, eventbus.ContainerRestarted,
	eventbus.ContainerDied, eventbus.ContainerDeleted, eventbus.ContainerHealthChanged,
	eventbus.HostConnected, eventbus.HostDisconnected, eventbus.HostMigrated,
	eventbus.SystemStartup, eventbus.SystemShutdown,
	eventbus.BatchJobStarted, eventbus.BatchJobCompleted, eventbus.BatchJobFailed,
}

// BindBus subscribes the hub to every event the UI consumes. Progress and
// batch events pass their Data through under the UI's own envelope types;
// the rest of the taxonomy arrives as event_notification.
func (h *Hub) BindBus(bus *eventbus.Bus) {
	for busType, uiType := range passthroughTypes {
		uiType := uiType
		bus.Subscribe(busType, func(ev eventbus.Event) {
			h.Broadcast(uiType, ev.Data)
		})
	}
	for _, t := range notificationTypes {
		bus.Subscribe(t, func(ev eventbus.Event) {
			h.Broadcast("event_notification", map[string]interface{}{
				"event_type": string(ev.Type),
				"scope_type": string(ev.ScopeType),
				"scope_id":   ev.ScopeID,
				"scope_name": ev.ScopeName,
				"host_id":    ev.HostID,
				"host_name":  ev.HostName,
				"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339),
				"data":       ev.Data,
			})
		})
	}
}
