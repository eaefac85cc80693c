// Package eventbus is the in-process publish/subscribe surface described in
// spec.md §4.1, grounded on original_source/backend/event_bus.py: emit()
// performs three best-effort, isolated steps in order — log, alert
// evaluation, subscriber fan-out — and never lets one step's failure block
// the others.
package eventbus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type is one of the stable event taxonomy strings from spec.md §4.1.
type Type string

const (
	UpdateAvailable          Type = "update_available"
	UpdateStarted            Type = "update_started"
	UpdatePullCompleted      Type = "update_pull_completed"
	BackupCreated            Type = "backup_created"
	UpdateCompleted          Type = "update_completed"
	UpdateFailed             Type = "update_failed"
	UpdateSkippedValidation  Type = "update_skipped_validation"
	RollbackCompleted        Type = "rollback_completed"
	ContainerStarted         Type = "container_started"
	ContainerStopped         Type = "container_stopped"
	ContainerRestarted       Type = "container_restarted"
	ContainerDied            Type = "container_died"
	ContainerDeleted         Type = "container_deleted"
	ContainerHealthChanged   Type = "container_health_changed"
	HostConnected            Type = "host_connected"
	HostDisconnected         Type = "host_disconnected"
	HostMigrated             Type = "host_migrated"
	SystemStartup            Type = "system_startup"
	SystemShutdown           Type = "system_shutdown"
	BatchJobStarted          Type = "batch_job_started"
	BatchJobCompleted        Type = "batch_job_completed"
	BatchJobFailed           Type = "batch_job_failed"
	DeploymentProgress       Type = "deployment_progress"
	DeploymentLayerProgress  Type = "deployment_layer_progress"
	DeploymentCompleted      Type = "deployment_complete"
)

// ScopeKind mirrors domain.AlertScope without importing domain, keeping the
// bus dependency-free of the store/alert packages that consume it.
type ScopeKind string

const (
	ScopeHost      ScopeKind = "host"
	ScopeContainer ScopeKind = "container"
)

// AlertKind is the event-class mapping alert rules match against, per
// §4.1's "kind mapped to one of state_change|action_taken|connection|
// disconnection|error|info".
type AlertKind string

const (
	KindStateChange   AlertKind = "state_change"
	KindActionTaken   AlertKind = "action_taken"
	KindConnection    AlertKind = "connection"
	KindDisconnection AlertKind = "disconnection"
	KindError         AlertKind = "error"
	KindInfo          AlertKind = "info"
)

// eventAlertKind mirrors event_bus.py's EventType -> alert_event_type map.
var eventAlertKind = map[Type]AlertKind{
	UpdateAvailable:         KindInfo,
	UpdateStarted:           KindActionTaken,
	UpdatePullCompleted:     KindActionTaken,
	BackupCreated:           KindActionTaken,
	UpdateCompleted:         KindActionTaken,
	UpdateFailed:            KindError,
	UpdateSkippedValidation: KindInfo,
	RollbackCompleted:       KindActionTaken,
	ContainerStarted:        KindStateChange,
	ContainerStopped:        KindStateChange,
	ContainerRestarted:      KindStateChange,
	ContainerDied:           KindStateChange,
	ContainerDeleted:        KindStateChange,
	ContainerHealthChanged:  KindStateChange,
	HostConnected:           KindConnection,
	HostDisconnected:        KindDisconnection,
	HostMigrated:            KindInfo,
	SystemStartup:           KindInfo,
	SystemShutdown:          KindInfo,
	BatchJobStarted:         KindInfo,
	BatchJobCompleted:       KindInfo,
	BatchJobFailed:          KindError,
}

// Event is one domain occurrence passed through Emit.
type Event struct {
	Type      Type
	ScopeType ScopeKind
	ScopeID   string
	ScopeName string
	HostID    string
	HostName  string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Handler receives events a subscriber registered for.
type Handler func(Event)

// EventLogger persists a derived log row for every emitted event (C1).
type EventLogger interface {
	LogEvent(Event)
}

// AlertEvaluator is C7's event entry point, invoked once per emit.
type AlertEvaluator interface {
	HandleContainerEvent(ev Event)
	HandleHostEvent(ev Event)
}

// Bus is the process-wide event bus. Only this component is a genuine
// singleton in the source (spec.md §9); everything else is constructor
// injected.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Handler
	logger      EventLogger
	alerts      AlertEvaluator
	log         *logrus.Logger
}

// New constructs a Bus. logger and alerts may be nil during startup before
// those components are wired; Emit tolerates either being absent.
func New(log *logrus.Logger, logger EventLogger, alerts AlertEvaluator) *Bus {
	return &Bus{
		subscribers: make(map[Type][]Handler),
		logger:      logger,
		alerts:      alerts,
		log:         log,
	}
}

// SetEventLogger wires the logging step after construction, for the common
// startup order where the store depends on the bus for its own wiring too.
func (b *Bus) SetEventLogger(logger EventLogger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// SetAlertEvaluator wires the alert-evaluation step after construction.
func (b *Bus) SetAlertEvaluator(alerts AlertEvaluator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = alerts
}

// Subscribe registers handler for type events. Idempotent in the sense that
// each call appends a distinct handler; callers wanting at-most-once
// registration should guard with their own flag the way a one-shot
// subscription would.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
}

// Unsubscribe removes a previously registered handler. Comparing function
// values isn't supported by Go, so subscribers that need to unsubscribe
// should keep the returned token from SubscribeToken instead of calling this
// directly with a closure they can't identify again.
type Token struct {
	t   Type
	idx int
}

// SubscribeToken registers handler and returns a Token that can later be
// passed to Unsubscribe.
func (b *Bus) SubscribeToken(t Type, h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
	return Token{t: t, idx: len(b.subscribers[t]) - 1}
}

// Unsubscribe removes the handler identified by tok, replacing it with a
// nil no-op rather than resizing the slice so other tokens stay valid.
func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.subscribers[tok.t]
	if tok.idx >= 0 && tok.idx < len(handlers) {
		handlers[tok.idx] = nil
	}
}

// Emit runs the three-step pipeline synchronously to completion. Each step
// is isolated: a panic or error in one never prevents the others.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// Step 1: log.
	b.safeStep("log", func() {
		b.mu.RLock()
		logger := b.logger
		b.mu.RUnlock()
		if logger != nil {
			logger.LogEvent(ev)
		}
	})

	// Step 2: alert evaluation.
	b.safeStep("alert_evaluation", func() {
		b.mu.RLock()
		alerts := b.alerts
		b.mu.RUnlock()
		if alerts == nil {
			return
		}
		switch ev.ScopeType {
		case ScopeContainer:
			alerts.HandleContainerEvent(ev)
		case ScopeHost:
			alerts.HandleHostEvent(ev)
		}
	})

	// Step 3: subscriber fan-out. Each handler is isolated from the others.
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[ev.Type]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		handler := h
		b.safeStep("subscriber", func() { handler(ev) })
	}
}

// safeStep runs fn, recovering a panic and logging both panics and the
// absence of a recover (there is none here, this just documents that fn
// itself is expected to return errors via logging, not via panic in the
// normal case).
func (b *Bus) safeStep(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.WithFields(logrus.Fields{"step": step, "panic": r}).Error("event bus step failed")
			}
		}
	}()
	fn()
}

// AlertKindFor returns the alert-engine event class for a taxonomy type.
// Unmapped types (progress streams, batch item chatter) report false and
// are not subject to alert evaluation, mirroring event_bus.py's
// alert_event_type_map lookup, which skips evaluation for anything absent
// from the map.
func AlertKindFor(t Type) (AlertKind, bool) {
	k, ok := eventAlertKind[t]
	return k, ok
}
