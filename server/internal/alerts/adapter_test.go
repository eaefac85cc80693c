package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

// The adapter translates concrete taxonomy types into the mapped event
// class before the engine sees them: a rule authored with
// kind="state_change" fires for a container_died bus event.
func TestAdapterMapsTaxonomyTypeToEventClass(t *testing.T) {
	rule := &domain.AlertRule{
		ID: "r-sc", Scope: domain.ScopeContainer, Kind: "state_change",
		Severity: domain.SeverityCritical, Enabled: true,
	}
	rules := &fakeRuleProvider{rules: []*domain.AlertRule{rule}}
	alertStore := newFakeAlertStore()
	now := time.Now()
	engine := NewEngine(rules, newFakeRuntimeStore(), alertStore, &fakeNotifier{}, func() time.Time { return now }, nil)
	adapter := &EventBusAdapter{Engine: engine}

	adapter.HandleContainerEvent(eventbus.Event{
		Type: eventbus.ContainerDied, ScopeType: eventbus.ScopeContainer,
		ScopeID: "c1", ScopeName: "web", HostID: "h1",
	})

	dedupKey := domain.MakeDedupKey("r-sc", "state_change", string(domain.ScopeContainer), "c1")
	alert, ok := alertStore.GetActive(dedupKey)
	require.True(t, ok)
	assert.Equal(t, "state_change", alert.Kind)
}

func TestAdapterSkipsUnmappedEventTypes(t *testing.T) {
	// A rule naming the concrete type directly can never fire: evaluation
	// only ever sees mapped classes, and unmapped types skip it entirely.
	rule := &domain.AlertRule{
		ID: "r-raw", Scope: domain.ScopeContainer, Kind: "deployment_progress",
		Severity: domain.SeverityInfo, Enabled: true,
	}
	rules := &fakeRuleProvider{rules: []*domain.AlertRule{rule}}
	alertStore := newFakeAlertStore()
	engine := NewEngine(rules, newFakeRuntimeStore(), alertStore, &fakeNotifier{}, time.Now, nil)
	adapter := &EventBusAdapter{Engine: engine}

	adapter.HandleContainerEvent(eventbus.Event{
		Type: eventbus.DeploymentProgress, ScopeType: eventbus.ScopeContainer, ScopeID: "c1",
	})

	dedupKey := domain.MakeDedupKey("r-raw", "deployment_progress", string(domain.ScopeContainer), "c1")
	_, ok := alertStore.GetActive(dedupKey)
	assert.False(t, ok)
}
