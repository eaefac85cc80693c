package alerts

import (
	"github.com/dockmon/server/internal/eventbus"
)

// EventBusAdapter implements eventbus.AlertEvaluator over an Engine,
// translating the bus's Event shape into the engine's EvalContext/event
// entry point (§4.1 step 2: "dispatch to the alert engine via the
// {container, host} entry points with the event's kind mapped to one of
// state_change|action_taken|connection|disconnection|error|info"). Rules
// are authored against the mapped class, not the concrete taxonomy type:
// a rule with kind "state_change" fires for container_died, and an event
// type absent from the map skips evaluation entirely.
type EventBusAdapter struct {
	Engine *Engine
}

func (a *EventBusAdapter) HandleContainerEvent(ev eventbus.Event) {
	kind, ok := eventbus.AlertKindFor(ev.Type)
	if !ok {
		return
	}
	a.Engine.EvaluateEvent(string(kind), EvalContext{
		ScopeType: "container",
		ScopeID:   ev.ScopeID,
		HostID:    ev.HostID,
		Name:      ev.ScopeName,
		Labels:    stringMapFromData(ev.Data),
	}, ev.Data)
}

func (a *EventBusAdapter) HandleHostEvent(ev eventbus.Event) {
	kind, ok := eventbus.AlertKindFor(ev.Type)
	if !ok {
		return
	}
	a.Engine.EvaluateEvent(string(kind), EvalContext{
		ScopeType: "host",
		ScopeID:   ev.ScopeID,
		HostID:    ev.HostID,
		Name:      ev.HostName,
	}, ev.Data)
}

func stringMapFromData(data map[string]interface{}) map[string]string {
	if data == nil {
		return nil
	}
	labels, ok := data["labels"].(map[string]string)
	if !ok {
		return nil
	}
	return labels
}
