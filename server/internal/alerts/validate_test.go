package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dockmon/server/internal/domain"
)

func baseRule() *domain.AlertRule {
	return &domain.AlertRule{
		ID: "abc", Name: "test", Scope: domain.ScopeContainer, Kind: "cpu_high",
		Severity: domain.SeverityWarning, Enabled: true,
	}
}

func TestValidateRule_RejectsDangerousRegex(t *testing.T) {
	r := baseRule()
	r.ContainerSelector = map[string]string{"name": ".*.*.*"}
	err := ValidateRule(r)
	assert.Error(t, err)
}

func TestValidateRule_AcceptsSafeRegex(t *testing.T) {
	r := baseRule()
	r.ContainerSelector = map[string]string{"name": "^web-.*$"}
	assert.NoError(t, ValidateRule(r))
}

func TestValidateRule_ClearThresholdMustOpposeOperator(t *testing.T) {
	r := baseRule()
	r.Metric = "docker_cpu_workload_pct"
	r.Operator = ">="
	th := 90.0
	r.Threshold = &th
	bad := 95.0
	r.ClearThreshold = &bad
	assert.Error(t, ValidateRule(r))

	good := 80.0
	r.ClearThreshold = &good
	assert.NoError(t, ValidateRule(r))
}

func TestValidateRule_DurationsOutOfRange(t *testing.T) {
	r := baseRule()
	r.DurationSeconds = 86401
	assert.Error(t, ValidateRule(r))
}

func TestValidateRule_OccurrencesOutOfRange(t *testing.T) {
	r := baseRule()
	r.Occurrences = 101
	assert.Error(t, ValidateRule(r))
}

func TestValidateRule_DependsOnNoSelfReference(t *testing.T) {
	r := baseRule()
	r.DependsOn = []string{"abc"}
	assert.Error(t, ValidateRule(r))
}

func TestValidateRule_SeverityExcludesError(t *testing.T) {
	r := baseRule()
	r.Severity = domain.Severity("error")
	assert.Error(t, ValidateRule(r))
}

func TestValidateRule_UnknownNotificationChannelRejected(t *testing.T) {
	r := baseRule()
	r.NotifyChannels = []string{"carrier_pigeon"}
	assert.Error(t, ValidateRule(r))
}
