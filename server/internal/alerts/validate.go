// Package alerts implements the alert engine (C7): rule validation, metric
// and event evaluation, deduplication, grace/cooldown/clear-duration
// lifecycle. Validation constants and ordering are ported from
// original_source/backend/alerts/validator.py.
package alerts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dockmon/server/internal/domain"
)

const (
	maxThresholdPercentage = 100
	minThreshold           = 0
	minDurationSeconds     = 1
	maxDurationSeconds     = 86400
	minOccurrences         = 1
	maxOccurrences         = 100
	maxSelectorSizeBytes   = 10000
	maxLabelsSizeBytes     = 5000
	maxDependencies        = 5
)

var validScopes = map[domain.AlertScope]bool{
	domain.ScopeHost:      true,
	domain.ScopeContainer: true,
	domain.ScopeGroup:     true,
}

var validSeverities = map[domain.Severity]bool{
	domain.SeverityInfo:     true,
	domain.SeverityWarning:  true,
	domain.SeverityCritical: true,
}

var validOperators = map[string]bool{
	">=": true, "<=": true, "==": true, ">": true, "<": true, "!=": true,
}

var validNotificationChannels = map[string]bool{
	"slack": true, "discord": true, "telegram": true, "pushover": true,
	"gotify": true, "ntfy": true, "smtp": true, "webhook": true,
}

var percentageMetrics = map[string]bool{
	"docker_cpu_workload_pct": true,
	"docker_mem_workload_pct": true,
	"disk_free_pct":           true,
	"disk_used_pct":           true,
}

var countMetrics = map[string]bool{
	"unhealthy_count": true,
	"restart_count":   true,
	"container_count": true,
}

const maxUnhealthyCount = 1000

// dangerousRegexSubstrings are catastrophic-backtracking shapes rejected by
// literal substring containment, exactly as validator.py checks them (not a
// structural regex analysis).
var dangerousRegexSubstrings = []string{
	".*.*.*", ".+.+.+", "(.*)*", "(.+)+", "(.*)+", "(.+)*",
}

var kindPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidationError reports a single bad-input condition, surfaced to HTTP
// callers as 4xx per spec.md §7.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateRule runs every sub-validator in the order validator.py defines:
// required fields, scope, kind, severity, threshold, durations, occurrences,
// selectors, notifications, dependencies.
func ValidateRule(r *domain.AlertRule) error {
	if err := validateRequired(r); err != nil {
		return err
	}
	if err := validateScope(r); err != nil {
		return err
	}
	if err := validateKind(r); err != nil {
		return err
	}
	if err := validateSeverity(r); err != nil {
		return err
	}
	if err := validateThreshold(r); err != nil {
		return err
	}
	if err := validateDurations(r); err != nil {
		return err
	}
	if err := validateOccurrences(r); err != nil {
		return err
	}
	if err := validateSelectors(r); err != nil {
		return err
	}
	if err := validateNotifications(r); err != nil {
		return err
	}
	if err := validateDependencies(r); err != nil {
		return err
	}
	return nil
}

func validateRequired(r *domain.AlertRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fieldErr("name", "is required")
	}
	if r.Scope == "" {
		return fieldErr("scope", "is required")
	}
	if r.Kind == "" {
		return fieldErr("kind", "is required")
	}
	if r.Severity == "" {
		return fieldErr("severity", "is required")
	}
	return nil
}

func validateScope(r *domain.AlertRule) error {
	if !validScopes[r.Scope] {
		return fieldErr("scope", "must be one of host, container, group")
	}
	return nil
}

func validateKind(r *domain.AlertRule) error {
	if !kindPattern.MatchString(r.Kind) {
		return fieldErr("kind", "must match ^[a-z0-9_]+$")
	}
	return nil
}

func validateSeverity(r *domain.AlertRule) error {
	if !validSeverities[r.Severity] {
		return fieldErr("severity", "must be one of info, warning, critical")
	}
	return nil
}

func validateThreshold(r *domain.AlertRule) error {
	if r.Metric == "" {
		return nil // event-driven rule, no threshold required
	}
	if !validOperators[r.Operator] {
		return fieldErr("operator", "must be one of >=, <=, ==, >, <, !=")
	}
	if r.Threshold == nil {
		return fieldErr("threshold", "is required for metric-driven rules")
	}

	if percentageMetrics[r.Metric] {
		if *r.Threshold < minThreshold || *r.Threshold > maxThresholdPercentage {
			return fieldErr("threshold", "must be between 0 and 100 for %s", r.Metric)
		}
		if r.ClearThreshold != nil && (*r.ClearThreshold < minThreshold || *r.ClearThreshold > maxThresholdPercentage) {
			return fieldErr("clear_threshold", "must be between 0 and 100 for %s", r.Metric)
		}
	} else if countMetrics[r.Metric] {
		if *r.Threshold < 0 || *r.Threshold > maxUnhealthyCount {
			return fieldErr("threshold", "must be between 0 and %d for %s", maxUnhealthyCount, r.Metric)
		}
	}

	if r.ClearThreshold != nil {
		if err := validateClearThresholdSide(r.Operator, *r.Threshold, *r.ClearThreshold); err != nil {
			return err
		}
	}

	return nil
}

// validateClearThresholdSide enforces "clear_threshold on the opposite side
// of threshold relative to operator" (spec.md §3 AlertRule invariants).
func validateClearThresholdSide(operator string, threshold, clear float64) error {
	switch operator {
	case ">=", ">":
		if clear >= threshold {
			return fieldErr("clear_threshold", "must be less than threshold for operator %s", operator)
		}
	case "<=", "<":
		if clear <= threshold {
			return fieldErr("clear_threshold", "must be greater than threshold for operator %s", operator)
		}
	}
	return nil
}

func validateDurations(r *domain.AlertRule) error {
	durations := map[string]int{
		"duration_seconds":              r.DurationSeconds,
		"clear_duration_seconds":        r.ClearDurationSeconds,
		"grace_seconds":                 r.GraceSeconds,
		"cooldown_seconds":              r.CooldownSeconds,
		"notification_active_delay_sec": r.NotificationActiveDelaySec,
		"notification_cooldown_seconds": r.NotificationCooldownSeconds,
	}
	for field, v := range durations {
		if v < 0 || v > maxDurationSeconds {
			return fieldErr(field, "must be between 0 and %d", maxDurationSeconds)
		}
	}
	return nil
}

func validateOccurrences(r *domain.AlertRule) error {
	if r.Occurrences == 0 {
		return nil // unset defaults applied by callers before persistence
	}
	if r.Occurrences < minOccurrences || r.Occurrences > maxOccurrences {
		return fieldErr("occurrences", "must be between %d and %d", minOccurrences, maxOccurrences)
	}
	return nil
}

func validateSelectors(r *domain.AlertRule) error {
	if err := checkSelectorSize("host_selector", r.HostSelector, maxSelectorSizeBytes); err != nil {
		return err
	}
	if err := checkSelectorSize("container_selector", r.ContainerSelector, maxSelectorSizeBytes); err != nil {
		return err
	}
	if err := checkSelectorSize("labels", r.Labels, maxLabelsSizeBytes); err != nil {
		return err
	}

	for _, sel := range []map[string]string{r.HostSelector, r.ContainerSelector} {
		for _, pattern := range sel {
			if err := checkRegexSafety(pattern); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkSelectorSize(field string, m map[string]string, maxBytes int) error {
	if len(m) == 0 {
		return nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return fieldErr(field, "is not JSON-serializable: %v", err)
	}
	if len(encoded) > maxBytes {
		return fieldErr(field, "exceeds %d byte limit", maxBytes)
	}
	return nil
}

// checkRegexSafety rejects catastrophic-backtracking shapes (by literal
// substring containment, matching validator.py) and anything that fails to
// compile.
func checkRegexSafety(pattern string) error {
	for _, bad := range dangerousRegexSubstrings {
		if strings.Contains(pattern, bad) {
			return fieldErr("selector", "pattern %q contains a catastrophic-backtracking shape", pattern)
		}
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fieldErr("selector", "pattern %q does not compile: %v", pattern, err)
	}
	return nil
}

func validateNotifications(r *domain.AlertRule) error {
	if len(r.NotifyChannels) > 10 {
		return fieldErr("notify_channels", "must not exceed 10 channels")
	}
	for _, ch := range r.NotifyChannels {
		if !validNotificationChannels[ch] {
			return fieldErr("notify_channels", "unknown channel type %q", ch)
		}
	}
	return nil
}

func validateDependencies(r *domain.AlertRule) error {
	if len(r.DependsOn) > maxDependencies {
		return fieldErr("depends_on", "must not exceed %d dependencies", maxDependencies)
	}
	for _, dep := range r.DependsOn {
		if dep == r.ID {
			return fieldErr("depends_on", "rule cannot depend on itself")
		}
		if !kindPattern.MatchString(dep) {
			return fieldErr("depends_on", "dependency id %q must match ^[a-z0-9_]+$", dep)
		}
	}
	return nil
}
