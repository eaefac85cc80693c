// Package registration defines the exact flat JSON envelope the agent sends
// when it first dials the coordinator, and the flat response it expects
// back. It is split out from internal/client/websocket.go so the wire
// format has one exported definition instead of being re-derived from a
// map[string]interface{} literal — the coordinator (a separate module) can
// now depend on the same struct a real agent marshals, instead of a
// hand-maintained mirror that could silently drift.
package registration

// Request is the registration frame sent as the first message on a new
// connection. The backend historically expected a flat JSON object rather
// than the Message envelope used for everything after registration, so this
// type is intentionally not wrapped in types.Message.
type Request struct {
	Type         string          `json:"type"`
	Token        string          `json:"token"`
	EngineID     string          `json:"engine_id"`
	Hostname     string          `json:"hostname,omitempty"`
	Version      string          `json:"version"`
	ProtoVersion string          `json:"proto_version"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	AgentOS      string          `json:"agent_os,omitempty"`
	AgentArch    string          `json:"agent_arch,omitempty"`

	// System information, populated when the agent can reach the Docker
	// daemon and/or host /proc; omitted otherwise (see websocket.go's
	// register(), which logs a warning and proceeds without it).
	OSType          string `json:"os_type,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	DockerVersion   string `json:"docker_version,omitempty"`
	DaemonStartedAt string `json:"daemon_started_at,omitempty"`
	TotalMemory     int64  `json:"total_memory,omitempty"`
	NumCPUs         int    `json:"num_cpus,omitempty"`
	HostIP          string `json:"host_ip,omitempty"`
}

// Response is the flat registration reply. A successful registration sets
// AgentID/HostID; a rejected one sets Type to "auth_error" and Error.
type Response struct {
	Type           string `json:"type,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	HostID         string `json:"host_id,omitempty"`
	PermanentToken string `json:"permanent_token,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Capabilities lists the standard capability flags a fully-featured agent
// advertises, matching websocket.go's register().
func Capabilities(selfUpdateCapable, composeCapable bool) map[string]bool {
	return map[string]bool{
		"container_operations": true,
		"container_updates":    true,
		"event_streaming":      true,
		"stats_collection":     true,
		"self_update":          selfUpdateCapable,
		"compose_deployments":  composeCapable,
		"shell_access":         true,
	}
}
