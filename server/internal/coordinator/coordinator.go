// Package coordinator is the agent coordinator (C8): it accepts long-lived
// WebSocket connections from dockmon-agent processes, handles the
// registration handshake, tracks online/degraded/offline lifecycle, and
// routes commands to agents keyed by correlation id. Grounded on the
// agent-side client's connection/read-loop/ping pattern
// (agent/internal/client/websocket.go), mirrored server-side.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	ConsumeRegistrationToken(token string, now time.Time) (*domain.RegistrationToken, error)
	GetHostByEngineID(engineID string) (*domain.Host, error)
	MigrateHost(oldHostID, newHostID string) error
	CreateHost(h *domain.Host) error
	GetAgentByEngineID(engineID string) (*domain.Agent, error)
	UpsertAgent(a *domain.Agent) error
	SetAgentStatus(agentID string, status domain.AgentStatus, lastSeenAt time.Time) error
}

// Emitter publishes onto the event bus (C6).
type Emitter interface {
	Emit(eventbus.Event)
}

// Frame is the wire envelope. Registration frames are flat (token,
// engine_id, ... at the top level, mirroring the agent's register message);
// command/event frames additionally carry correlation_id and payload.
type Frame struct {
	Type          string          `json:"type"`
	Token         string          `json:"token,omitempty"`
	EngineID      string          `json:"engine_id,omitempty"`
	Version       string          `json:"version,omitempty"`
	ProtoVersion  string          `json:"proto_version,omitempty"`
	Capabilities  map[string]bool `json:"capabilities,omitempty"`
	AgentOS       string          `json:"agent_os,omitempty"`
	AgentArch     string          `json:"agent_arch,omitempty"`
	Hostname      string          `json:"hostname,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	HostID        string          `json:"host_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Command       string          `json:"command,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`

	// System information carried on registration frames only, matching
	// agent/pkg/registration.Request's optional fields one-for-one.
	OSType          string `json:"os_type,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	DockerVersion   string `json:"docker_version,omitempty"`
	DaemonStartedAt string `json:"daemon_started_at,omitempty"`
	TotalMemory     int64  `json:"total_memory,omitempty"`
	NumCPUs         int    `json:"num_cpus,omitempty"`
	HostIP          string `json:"host_ip,omitempty"`
}

// PendingCommand is an in-flight execute_command awaiting a response, per
// §6's "garbage-collected after resolve/reject or when older than a
// configurable max age" description.
type PendingCommand struct {
	CorrelationID string
	AgentID       string
	StartedAt     time.Time
	resultCh      chan Result
}

// Result is what execute_command returns to its caller.
type Result struct {
	Payload json.RawMessage
	Error   error
	TimedOut bool
}

// connection is one agent's live WebSocket, with a write mutex since
// gorilla/websocket forbids concurrent writers on one connection.
// lastSeen and degraded are guarded by the Coordinator's mutex, not the
// write mutex: they belong to the lifecycle sweep, not the writer.
type connection struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	agentID  string
	engineID string

	lastSeen time.Time
	degraded bool
}

func (c *connection) send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("coordinator: encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Options configures heartbeat and command timing.
type Options struct {
	HeartbeatInterval time.Duration
	DegradedAfter     time.Duration
	OfflineAfter      time.Duration
	MaxPendingAge     time.Duration
	ReconnectWait     time.Duration
}

func defaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		DegradedAfter:     90 * time.Second,
		OfflineAfter:      300 * time.Second,
		MaxPendingAge:     10 * time.Minute,
		ReconnectWait:     2 * time.Minute,
	}
}

// pendingReconnect is armed by BeginSelfUpdateWait and resolved the next
// time an agent with the expected engine_id registers with the expected
// version.
type pendingReconnect struct {
	engineID        string
	expectedVersion string
	deadline        time.Time
	resultCh        chan bool
}

// Coordinator owns every live agent connection and the command/event
// routing between them and the rest of the control plane.
type Coordinator struct {
	store   Store
	emitter Emitter
	opts    Options
	log     *logrus.Logger

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[string]*connection        // agentID -> connection
	pending     map[string]*PendingCommand    // correlationID -> pending
	pendingByAgent map[string][]string        // agentID -> []correlationID
	reconnects  map[string]*pendingReconnect  // engineID -> waiter
	disconnects map[string]time.Time          // agentID -> socket-loss instant, pending the offline grace window

	stopSweep chan struct{}
}

// New constructs a Coordinator. opts may be the zero value, in which case
// sane defaults apply.
func New(store Store, emitter Emitter, opts Options, log *logrus.Logger) *Coordinator {
	if opts.HeartbeatInterval == 0 {
		opts = defaultOptions()
	}
	return &Coordinator{
		store:          store,
		emitter:        emitter,
		opts:           opts,
		log:            log,
		upgrader:       websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		conns:          make(map[string]*connection),
		pending:        make(map[string]*PendingCommand),
		pendingByAgent: make(map[string][]string),
		reconnects:     make(map[string]*pendingReconnect),
		disconnects:    make(map[string]time.Time),
		stopSweep:      make(chan struct{}),
	}
}

// Run starts the pending-command and lifecycle sweepers; it blocks until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepPending()
			c.sweepReconnects()
			c.sweepLifecycle()
		}
	}
}

// ServeHTTP upgrades the connection and runs the per-agent read loop until
// disconnect.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Error("coordinator: upgrade failed")
		}
		return
	}
	c.handleConn(r.Context(), conn)
}

func (c *Coordinator) handleConn(ctx context.Context, wsConn *websocket.Conn) {
	defer wsConn.Close()

	var data []byte
	var err error
	wsConn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err = wsConn.ReadMessage()
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("coordinator: no registration frame received")
		}
		return
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "register" {
		c.sendRaw(wsConn, Frame{Type: "auth_error", Error: "first frame must be register"})
		return
	}

	conn := &connection{conn: wsConn}
	agent, host, ackErr := c.register(ctx, conn, frame)
	if ackErr != nil {
		c.sendRaw(wsConn, Frame{Type: "auth_error", Error: ackErr.Error()})
		return
	}

	conn.agentID = agent.ID
	conn.engineID = agent.EngineID

	c.mu.Lock()
	conn.lastSeen = time.Now()
	c.conns[agent.ID] = conn
	delete(c.disconnects, agent.ID) // reconnected before the offline grace ran out
	c.mu.Unlock()

	if err := conn.send(Frame{Type: "register_ack", AgentID: agent.ID, HostID: host.ID}); err != nil && c.log != nil {
		c.log.WithError(err).Warn("coordinator: failed to send register_ack")
	}

	c.resolveReconnect(agent.EngineID, agent.Version)

	defer func() {
		c.mu.Lock()
		if current, ok := c.conns[agent.ID]; ok && current == conn {
			delete(c.conns, agent.ID)
			c.disconnects[agent.ID] = time.Now()
		}
		correlations := c.pendingByAgent[agent.ID]
		delete(c.pendingByAgent, agent.ID)
		c.mu.Unlock()
		c.failPending(correlations, fmt.Errorf("coordinator: agent disconnected"))
	}()

	// The read deadline outlives the degraded threshold on purpose: a
	// stale-but-open socket must stay observable as degraded (the lifecycle
	// sweep's job), and only a socket silent for the full offline window is
	// treated as lost.
	wsConn.SetReadDeadline(time.Now().Add(c.opts.OfflineAfter))
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		wsConn.SetReadDeadline(time.Now().Add(c.opts.OfflineAfter))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		c.dispatch(agent, f, conn)
	}
}

func (c *Coordinator) sendRaw(conn *websocket.Conn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.TextMessage, data)
	conn.SetWriteDeadline(time.Time{})
}

// register implements the §4.3 handshake.
func (c *Coordinator) register(ctx context.Context, conn *connection, f Frame) (*domain.Agent, *domain.Host, error) {
	if f.Token == "" {
		return nil, nil, fmt.Errorf("missing registration token")
	}
	if _, err := c.store.ConsumeRegistrationToken(f.Token, time.Now()); err != nil {
		return nil, nil, fmt.Errorf("registration token rejected: %w", err)
	}

	if f.OSType != "" && c.log != nil {
		c.log.WithFields(logrus.Fields{
			"engine_id":      f.EngineID,
			"os_type":        f.OSType,
			"os_version":     f.OSVersion,
			"kernel_version": f.KernelVersion,
			"docker_version": f.DockerVersion,
			"total_memory":   f.TotalMemory,
			"num_cpus":       f.NumCPUs,
		}).Info("coordinator: agent system information")
	}

	existing, err := c.store.GetAgentByEngineID(f.EngineID)
	var agent *domain.Agent
	if err == nil {
		existing.Version = f.Version
		existing.ProtoVersion = f.ProtoVersion
		existing.Capabilities = f.Capabilities
		existing.AgentOS = f.AgentOS
		existing.AgentArch = f.AgentArch
		existing.Status = domain.AgentOnline
		existing.LastSeenAt = time.Now()
		agent = existing
	} else {
		agent = &domain.Agent{
			ID: uuid.NewString(), EngineID: f.EngineID, Version: f.Version, ProtoVersion: f.ProtoVersion,
			Capabilities: f.Capabilities, AgentOS: f.AgentOS, AgentArch: f.AgentArch,
			Status: domain.AgentOnline, LastSeenAt: time.Now(),
		}
	}

	var host *domain.Host
	if remoteHost, err := c.store.GetHostByEngineID(f.EngineID); err == nil {
		newHostID := remoteHost.ID
		if agent.HostID == "" {
			newHostID = uuid.NewString()
		} else {
			newHostID = agent.HostID
		}
		if newHostID != remoteHost.ID {
			if err := c.store.MigrateHost(remoteHost.ID, newHostID); err != nil {
				return nil, nil, fmt.Errorf("host migration failed: %w", err)
			}
			newHost := &domain.Host{ID: newHostID, Name: remoteHost.Name, URL: remoteHost.URL,
				ConnectionType: domain.ConnectionAgent, EngineID: f.EngineID, CreatedAt: time.Now()}
			if err := c.store.CreateHost(newHost); err != nil {
				return nil, nil, fmt.Errorf("creating migrated host: %w", err)
			}
			host = newHost
			c.emitter.Emit(eventbus.Event{Type: eventbus.HostMigrated, ScopeType: eventbus.ScopeHost,
				ScopeID: newHostID, HostID: newHostID, Data: map[string]interface{}{"old_host_id": remoteHost.ID}})
		} else {
			host = remoteHost
		}
	} else if agent.HostID != "" {
		host = &domain.Host{ID: agent.HostID, EngineID: f.EngineID}
	} else {
		hostName := f.Hostname
		if hostName == "" {
			hostName = f.EngineID
		}
		host = &domain.Host{ID: uuid.NewString(), Name: hostName, ConnectionType: domain.ConnectionAgent,
			EngineID: f.EngineID, CreatedAt: time.Now()}
		if err := c.store.CreateHost(host); err != nil {
			return nil, nil, fmt.Errorf("creating host: %w", err)
		}
	}
	agent.HostID = host.ID

	if err := c.store.UpsertAgent(agent); err != nil {
		return nil, nil, fmt.Errorf("persisting agent: %w", err)
	}

	return agent, host, nil
}

func (c *Coordinator) dispatch(agent *domain.Agent, f Frame, conn *connection) {
	// Any frame proves the socket alive; only a ping additionally restores
	// a degraded agent to online.
	c.mu.Lock()
	conn.lastSeen = time.Now()
	wasDegraded := conn.degraded
	if f.Type == "ping" {
		conn.degraded = false
	}
	c.mu.Unlock()

	switch f.Type {
	case "ping":
		if wasDegraded && c.log != nil {
			c.log.WithField("agent_id", agent.ID).Info("coordinator: agent recovered from degraded")
		}
		c.store.SetAgentStatus(agent.ID, domain.AgentOnline, time.Now())
		conn.send(Frame{Type: "pong"})
	case "command_response":
		c.resolvePending(f.CorrelationID, Result{Payload: f.Payload})
	case "event":
		c.emitter.Emit(eventbus.Event{
			Type: eventbus.Type(f.EventType), HostID: agent.HostID, Timestamp: time.Now(),
			Data: decodePayload(f.Payload),
		})
	case "progress":
		c.emitter.Emit(eventbus.Event{
			Type: eventbus.Type("progress"), HostID: agent.HostID, Timestamp: time.Now(),
			Data: decodePayload(f.Payload),
		})
	}
}

func decodePayload(raw json.RawMessage) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	json.Unmarshal(raw, &out)
	return out
}

// ExecuteCommand implements §4.3's execute_command public operation.
func (c *Coordinator) ExecuteCommand(ctx context.Context, agentID, command string, payload interface{}, timeout time.Duration) Result {
	c.mu.Lock()
	conn, ok := c.conns[agentID]
	c.mu.Unlock()
	if !ok {
		return Result{Error: fmt.Errorf("coordinator: agent %s is not online", agentID)}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Result{Error: fmt.Errorf("coordinator: encoding command payload: %w", err)}
	}

	correlationID := uuid.NewString()
	pc := &PendingCommand{CorrelationID: correlationID, AgentID: agentID, StartedAt: time.Now(), resultCh: make(chan Result, 1)}

	c.mu.Lock()
	c.pending[correlationID] = pc
	c.pendingByAgent[agentID] = append(c.pendingByAgent[agentID], correlationID)
	c.mu.Unlock()

	if err := conn.send(Frame{Type: "command", Command: command, CorrelationID: correlationID, Payload: payloadJSON}); err != nil {
		c.removePending(correlationID)
		return Result{Error: fmt.Errorf("coordinator: sending command: %w", err)}
	}

	select {
	case res := <-pc.resultCh:
		return res
	case <-time.After(timeout):
		c.removePending(correlationID)
		return Result{TimedOut: true, Error: fmt.Errorf("coordinator: command %s timed out", command)}
	case <-ctx.Done():
		c.removePending(correlationID)
		return Result{Error: ctx.Err()}
	}
}

func (c *Coordinator) resolvePending(correlationID string, res Result) {
	c.mu.Lock()
	pc, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
	if ok {
		pc.resultCh <- res
	}
}

func (c *Coordinator) removePending(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

func (c *Coordinator) failPending(correlationIDs []string, err error) {
	c.mu.Lock()
	var pcs []*PendingCommand
	for _, id := range correlationIDs {
		if pc, ok := c.pending[id]; ok {
			pcs = append(pcs, pc)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, pc := range pcs {
		pc.resultCh <- Result{Error: err}
	}
}

// sweepPending expires any pending command older than MaxPendingAge,
// resolving it as a timeout rather than leaving it to be garbage-collected
// silently (§9's sweeper requirement).
func (c *Coordinator) sweepPending() {
	cutoff := time.Now().Add(-c.opts.MaxPendingAge)
	c.mu.Lock()
	var stale []*PendingCommand
	for id, pc := range c.pending {
		if pc.StartedAt.Before(cutoff) {
			stale = append(stale, pc)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, pc := range stale {
		pc.resultCh <- Result{TimedOut: true, Error: fmt.Errorf("coordinator: pending command exceeded max age")}
	}
}

// sweepLifecycle drives the §4.3 agent state machine: a live socket whose
// last frame is older than DegradedAfter (the missed-heartbeat window,
// heartbeat_interval x 3 by default) transitions online->degraded; a lost
// socket transitions to offline only once the OfflineAfter grace window has
// elapsed without a reconnection, so a flapping agent doesn't thrash
// between online and offline on every blip.
func (c *Coordinator) sweepLifecycle() {
	now := time.Now()

	type staleConn struct {
		agentID  string
		lastSeen time.Time
	}

	c.mu.Lock()
	var degraded []staleConn
	for agentID, conn := range c.conns {
		if !conn.degraded && now.Sub(conn.lastSeen) >= c.opts.DegradedAfter {
			conn.degraded = true
			degraded = append(degraded, staleConn{agentID: agentID, lastSeen: conn.lastSeen})
		}
	}
	var offline []string
	for agentID, lostAt := range c.disconnects {
		if now.Sub(lostAt) >= c.opts.OfflineAfter {
			offline = append(offline, agentID)
			delete(c.disconnects, agentID)
		}
	}
	c.mu.Unlock()

	for _, sc := range degraded {
		if c.log != nil {
			c.log.WithField("agent_id", sc.agentID).Warn("coordinator: agent heartbeats stale, marking degraded")
		}
		c.store.SetAgentStatus(sc.agentID, domain.AgentDegraded, sc.lastSeen)
	}
	for _, agentID := range offline {
		if c.log != nil {
			c.log.WithField("agent_id", agentID).Warn("coordinator: agent did not reconnect within grace window, marking offline")
		}
		c.store.SetAgentStatus(agentID, domain.AgentOffline, now)
	}
}

// BeginSelfUpdateWait registers a waiter for the reconnection that follows a
// self_update command, per §4.3: "waits for reconnection - a new WebSocket
// from the same engine_id within a configurable timeout whose register
// reports the expected new version."
func (c *Coordinator) BeginSelfUpdateWait(engineID, expectedVersion string, timeout time.Duration) <-chan bool {
	resultCh := make(chan bool, 1)
	c.mu.Lock()
	c.reconnects[engineID] = &pendingReconnect{
		engineID: engineID, expectedVersion: expectedVersion,
		deadline: time.Now().Add(timeout), resultCh: resultCh,
	}
	c.mu.Unlock()
	return resultCh
}

func (c *Coordinator) resolveReconnect(engineID, version string) {
	c.mu.Lock()
	w, ok := c.reconnects[engineID]
	if ok {
		delete(c.reconnects, engineID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	w.resultCh <- (version == w.expectedVersion)
}

func (c *Coordinator) sweepReconnects() {
	now := time.Now()
	c.mu.Lock()
	var expired []*pendingReconnect
	for id, w := range c.reconnects {
		if now.After(w.deadline) {
			expired = append(expired, w)
			delete(c.reconnects, id)
		}
	}
	c.mu.Unlock()
	for _, w := range expired {
		w.resultCh <- false
	}
}

// IsOnline reports whether agentID currently holds a live connection.
func (c *Coordinator) IsOnline(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conns[agentID]
	return ok
}
