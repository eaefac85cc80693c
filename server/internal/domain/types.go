// Package domain holds the persisted and in-memory entity shapes shared
// across the control-plane components (C1-C12). Field names and invariants
// mirror the data model: one durable store, composite ids shaped
// "{host_id}:{short_id}" for anything keyed per (host, container|deployment).
package domain

import "time"

// ConnectionType is how the control plane reaches a host's engine.
type ConnectionType string

const (
	ConnectionLocal  ConnectionType = "local"
	ConnectionRemote ConnectionType = "remote"
	ConnectionAgent  ConnectionType = "agent"
)

// Host is a monitored Docker/Podman engine.
type Host struct {
	ID               string
	Name             string
	URL              string
	ConnectionType   ConnectionType
	EngineID         string // unique among live hosts
	ReplacedByHostID string // set when this host was migrated to an agent-backed host
	TLSMaterial      *TLSMaterial
	CreatedBy        string
	CreatedAt        time.Time
}

// TLSMaterial holds mTLS client credentials for a remote engine.
type TLSMaterial struct {
	CACert string
	Cert   string
	Key    string
}

// AgentStatus is the coordinator-observed lifecycle state of an agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDegraded AgentStatus = "degraded"
)

// Agent is a registered dockmon-agent process.
type Agent struct {
	ID           string
	HostID       string // unique
	EngineID     string // unique
	Version      string
	ProtoVersion string
	Capabilities map[string]bool
	Status       AgentStatus
	LastSeenAt   time.Time
	AgentOS      string
	AgentArch    string
}

// RegistrationToken is single-use and expires 15 minutes after creation.
type RegistrationToken struct {
	Token         string
	CreatedByUser string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Used          bool
	UsedAt        *time.Time
}

const RegistrationTokenTTL = 15 * time.Minute

// Expired reports whether the token has passed its expiry instant.
func (t *RegistrationToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AlertScope is what kind of entity an AlertRule's selectors target.
type AlertScope string

const (
	ScopeHost      AlertScope = "host"
	ScopeContainer AlertScope = "container"
	ScopeGroup     AlertScope = "group"
)

// Severity is the set spec.md's data model defines for AlertRule.
//
// validator.py (the Python original) additionally allows "error"; this
// repository follows spec.md and maps event severity "error" onto
// SeverityCritical at the point events are classified (see
// server/internal/alerts/classify.go).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule is a user-defined condition over metrics or events.
type AlertRule struct {
	ID       string
	Name     string
	Scope    AlertScope
	Kind     string
	Severity Severity
	Enabled  bool

	// Metric-driven fields. A rule is metric-driven iff Metric != "".
	Metric               string
	Operator             string
	Threshold            *float64
	ClearThreshold       *float64
	DurationSeconds      int
	ClearDurationSeconds int
	Occurrences          int

	// Event-driven / shared timing fields.
	GraceSeconds                 int
	CooldownSeconds              int
	NotificationActiveDelaySec   int
	NotificationCooldownSeconds  int // current field; see DESIGN.md open-question 2

	HostSelector      map[string]string
	ContainerSelector map[string]string
	Labels            map[string]string
	NotifyChannels    []string
	DependsOn         []string

	Version   int
	CreatedAt time.Time
}

// IsMetricDriven reports whether the rule evaluates a numeric metric rather
// than a discrete event.
func (r *AlertRule) IsMetricDriven() bool {
	return r.Metric != ""
}

// EffectiveCooldownSeconds resolves the precedence between the two cooldown
// fields: NotificationCooldownSeconds wins when it is set (> 0), otherwise
// CooldownSeconds applies. GraceSeconds plays no part here; the engine uses
// it as a grace window after rule creation.
func (r *AlertRule) EffectiveCooldownSeconds() int {
	if r.NotificationCooldownSeconds > 0 {
		return r.NotificationCooldownSeconds
	}
	return r.CooldownSeconds
}

// AlertState is the lifecycle of a single Alert row.
type AlertState string

const (
	AlertOpen      AlertState = "open"
	AlertClearing  AlertState = "clearing"
	AlertResolved  AlertState = "resolved"
)

// Alert is a single deduplicated, possibly-recurring condition instance.
type Alert struct {
	ID             string
	DedupKey       string
	RuleID         string
	RuleVersion    int
	ScopeType      AlertScope
	ScopeID        string
	HostID         string
	Kind           string
	Severity       Severity
	State          AlertState
	FirstSeen      time.Time
	LastSeen       time.Time
	Occurrences    int
	CurrentValue   *float64
	Threshold      *float64
	ClearStartedAt *time.Time
	ResolvedAt     *time.Time
	ResolvedReason string
	RuleSnapshot   []byte // JSON
}

// MakeDedupKey is the pure function spec.md's "dedup key stability" property
// requires: same inputs always produce the same key.
func MakeDedupKey(ruleID, kind, scopeType, scopeID string) string {
	return ruleID + "|" + kind + "|" + scopeType + ":" + scopeID
}

// Sample is one metric observation held in a RuleRuntime's sliding window.
type Sample struct {
	At    time.Time
	Value float64
}

// RuleRuntime is the per-(rule,scope) working state the alert engine keeps
// while a rule is actively being evaluated. Retained only while relevant:
// store/alerts.go's PruneIdleRuntime deletes entries with a zero breach
// count and no samples.
type RuleRuntime struct {
	RuleID          string
	ScopeType       AlertScope
	ScopeID         string
	WindowStart     time.Time
	Samples         []Sample
	BreachCount     int
	BreachStartedAt *time.Time
	ClearStartedAt  *time.Time
	LastEvalAt      time.Time
}

// RuntimeKey is how RuleRuntime entries are addressed, matching §4.2's
// "rule_id|scope_type:scope_id" lookup key.
func RuntimeKey(ruleID string, scopeType AlertScope, scopeID string) string {
	return ruleID + "|" + string(scopeType) + ":" + scopeID
}

// FloatingTagMode controls how ContainerUpdate resolves the "latest" tag.
type FloatingTagMode string

const (
	TagModeExact FloatingTagMode = "exact"
	TagModeMinor FloatingTagMode = "minor"
	TagModeMajor FloatingTagMode = "major"
	TagModeLatest FloatingTagMode = "latest"
)

// ContainerUpdate tracks the latest known image/digest for one container.
// At most one row exists per composite ContainerID.
type ContainerUpdate struct {
	ContainerID     string // composite: {host_id}:{short_id}
	HostID          string
	CurrentImage    string
	CurrentDigest   string
	LatestImage     string
	LatestDigest    string
	UpdateAvailable bool
	FloatingTagMode FloatingTagMode
	RegistryURL     string
	Platform        string
	ComposeProject  string // non-empty when the container is compose-managed
	LastCheckedAt   time.Time
}

// GlobalSettings is the singleton settings row (id=1): app version,
// app-wide defaults, and the timezone offset the scheduler converts
// wall-clock targets with.
type GlobalSettings struct {
	AppVersion               string
	TimezoneOffsetMinutes    int
	SkipComposeContainers    bool
	EventSuppressionPatterns []string
}

// RegistryCredential is one stored {username, password} pair keyed by
// registry host. Password is decrypted in memory only; at rest it is
// vault-encrypted.
type RegistryCredential struct {
	RegistryHost string
	Username     string
	Password     string
	CreatedAt    time.Time
}

// DeploymentType distinguishes a single-container deployment from a stack.
type DeploymentType string

const (
	DeploymentContainer DeploymentType = "container"
	DeploymentStack     DeploymentType = "stack"
)

// DeploymentStatus is the lifecycle of a Deployment row.
type DeploymentStatus string

const (
	DeployPlanning         DeploymentStatus = "planning"
	DeployPending          DeploymentStatus = "pending"
	DeployPullingImage     DeploymentStatus = "pulling_image"
	DeployExecuting        DeploymentStatus = "executing"
	DeployWaitingForHealth DeploymentStatus = "waiting_for_health"
	DeployCompleted        DeploymentStatus = "completed"
	DeployFailed           DeploymentStatus = "failed"
	DeployRolledBack       DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further transition occurs from this status,
// per the glossary's "terminal state" definition (completed/failed/
// rolled_back, plus planning since nothing has executed yet).
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeployCompleted, DeployFailed, DeployRolledBack, DeployPlanning:
		return true
	default:
		return false
	}
}

// Deployment is a single or stack-level orchestration run.
type Deployment struct {
	ID               string // composite
	HostID           string
	DeploymentType   DeploymentType
	Name             string
	Status           DeploymentStatus
	Definition       []byte // JSON (compose doc or single-container spec)
	ProgressPercent  int
	CurrentStage     string
	ErrorMessage     string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Committed        bool
	RollbackOnFailure bool
}

// CanDelete implements the deletion-gating rule from §4.5.
func (d *Deployment) CanDelete() bool {
	return d.Status.Terminal()
}

// ChannelType is the tagged-sum discriminator for NotificationChannel.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelPushover ChannelType = "pushover"
	ChannelGotify   ChannelType = "gotify"
	ChannelNtfy     ChannelType = "ntfy"
	ChannelSMTP     ChannelType = "smtp"
	ChannelWebhook  ChannelType = "webhook"
)

// NotificationChannel is a configured destination for alert notifications.
type NotificationChannel struct {
	ID      string
	Type    ChannelType
	Name    string
	Config  map[string]string // variant-specific, opaque to the dispatcher core
	Enabled bool
}

// Group, GroupPermission, User, ApiKey model capability-based authorization.
type Group struct {
	ID   string
	Name string
}

type GroupPermission struct {
	GroupID    string
	Capability string
	Allowed    bool
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	GroupIDs     []string
}

type ApiKey struct {
	ID        string
	Prefix    string // first 20 chars, stored for lookup
	HashedKey string // SHA-256 of the full key
	UserID    string
	GroupIDs  []string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// AuditLog is an append-only audit trail row.
type AuditLog struct {
	ID         string
	Who        string
	When       time.Time
	Action     string
	EntityType string
	EntityID   string
	Details    string
	IP         string
	UserAgent  string
}

// BatchAction enumerates the operations a batch job item can run (C11).
type BatchAction string

const (
	BatchActionStart           BatchAction = "start"
	BatchActionStop            BatchAction = "stop"
	BatchActionRestart         BatchAction = "restart"
	BatchActionAddTags         BatchAction = "add-tags"
	BatchActionRemoveTags      BatchAction = "remove-tags"
	BatchActionSetAutoRestart  BatchAction = "set-auto-restart"
	BatchActionSetAutoUpdate   BatchAction = "set-auto-update"
	BatchActionSetDesiredState BatchAction = "set-desired-state"
	BatchActionCheckUpdates    BatchAction = "check-updates"
	BatchActionDeleteContainers BatchAction = "delete-containers"
	BatchActionUpdateContainers BatchAction = "update-containers"
)

type BatchJobStatus string

const (
	BatchJobQueued    BatchJobStatus = "queued"
	BatchJobRunning   BatchJobStatus = "running"
	BatchJobCompleted BatchJobStatus = "completed"
	BatchJobPartial   BatchJobStatus = "partial"
	BatchJobFailed    BatchJobStatus = "failed"
)

type BatchItemStatus string

const (
	BatchItemQueued  BatchItemStatus = "queued"
	BatchItemRunning BatchItemStatus = "running"
	BatchItemSuccess BatchItemStatus = "success"
	BatchItemError   BatchItemStatus = "error"
	BatchItemSkipped BatchItemStatus = "skipped"
)

// DesiredState mirrors the container's desired-run-state knob exposed by
// set-desired-state.
type DesiredState string

const (
	DesiredStateUnspecified DesiredState = "unspecified"
	DesiredStateShouldRun   DesiredState = "should_run"
	DesiredStateOnDemand    DesiredState = "on_demand"
)

// BatchJob is the parent record for one bulk action across containers.
type BatchJob struct {
	ID             string
	UserID         string
	Scope          string // "container" only, for now
	Action         BatchAction
	Params         map[string]interface{}
	Status         BatchJobStatus
	TotalItems     int
	CompletedItems int
	SuccessItems   int
	ErrorItems     int
	SkippedItems   int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// BatchJobItem is one container's unit of work within a BatchJob.
type BatchJobItem struct {
	ID            string
	JobID         string
	ContainerID   string // composite host_id:short_id
	ContainerName string
	HostID        string
	HostName      string
	Status        BatchItemStatus
	Message       string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}
