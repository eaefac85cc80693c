package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dockmon/server/internal/domain"
)

// --- AlertRule ---

func (s *Store) CreateAlertRule(r *domain.AlertRule) error {
	ctx, cancel := s.ctx()
	defer cancel()
	hostSel, _ := json.Marshal(r.HostSelector)
	containerSel, _ := json.Marshal(r.ContainerSelector)
	labels, _ := json.Marshal(r.Labels)
	channels, _ := json.Marshal(r.NotifyChannels)
	dependsOn, _ := json.Marshal(r.DependsOn)

	_, err := s.execCtx(ctx, `INSERT INTO alert_rules
		(id, name, scope, kind, severity, enabled, metric, operator, threshold, clear_threshold,
		 duration_seconds, clear_duration_seconds, occurrences, grace_seconds, cooldown_seconds,
		 notification_cooldown_seconds, host_selector, container_selector, labels, notify_channels,
		 depends_on, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Scope), r.Kind, string(r.Severity), boolToInt(r.Enabled), nullableString(r.Metric),
		nullableString(r.Operator), r.Threshold, r.ClearThreshold, r.DurationSeconds, r.ClearDurationSeconds,
		r.Occurrences, r.GraceSeconds, r.CooldownSeconds, r.NotificationCooldownSeconds,
		string(hostSel), string(containerSel), string(labels), string(channels), string(dependsOn),
		r.Version, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: creating alert rule: %w", err)
	}
	return nil
}

func (s *Store) UpdateAlertRule(r *domain.AlertRule) error {
	ctx, cancel := s.ctx()
	defer cancel()
	hostSel, _ := json.Marshal(r.HostSelector)
	containerSel, _ := json.Marshal(r.ContainerSelector)
	labels, _ := json.Marshal(r.Labels)
	channels, _ := json.Marshal(r.NotifyChannels)
	dependsOn, _ := json.Marshal(r.DependsOn)

	_, err := s.execCtx(ctx, `UPDATE alert_rules SET name=?, scope=?, kind=?, severity=?, enabled=?, metric=?,
		operator=?, threshold=?, clear_threshold=?, duration_seconds=?, clear_duration_seconds=?, occurrences=?,
		grace_seconds=?, cooldown_seconds=?, notification_cooldown_seconds=?, host_selector=?, container_selector=?,
		labels=?, notify_channels=?, depends_on=?, version=? WHERE id=?`,
		r.Name, string(r.Scope), r.Kind, string(r.Severity), boolToInt(r.Enabled), nullableString(r.Metric),
		nullableString(r.Operator), r.Threshold, r.ClearThreshold, r.DurationSeconds, r.ClearDurationSeconds,
		r.Occurrences, r.GraceSeconds, r.CooldownSeconds, r.NotificationCooldownSeconds,
		string(hostSel), string(containerSel), string(labels), string(channels), string(dependsOn), r.Version, r.ID)
	if err != nil {
		return fmt.Errorf("store: updating alert rule: %w", err)
	}
	return nil
}

func (s *Store) DeleteAlertRule(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	return err
}

func (s *Store) GetAlertRule(id string) (*domain.AlertRule, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, alertRuleSelect+` WHERE id = ?`, id)
	return scanAlertRule(row)
}

// RulesForScope implements alerts.RuleProvider: every enabled rule whose
// scope matches, the evaluation engine applies its own selector logic on
// top of this result.
func (s *Store) RulesForScope(scope domain.AlertScope) []*domain.AlertRule {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, alertRuleSelect+` WHERE scope = ? AND enabled = 1`, string(scope))
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Error("store: listing rules for scope")
		}
		return nil
	}
	defer rows.Close()

	var out []*domain.AlertRule
	for rows.Next() {
		r, err := scanAlertRuleRows(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) ListAlertRules() ([]*domain.AlertRule, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, alertRuleSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: listing alert rules: %w", err)
	}
	defer rows.Close()
	var out []*domain.AlertRule
	for rows.Next() {
		r, err := scanAlertRuleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const alertRuleSelect = `SELECT id, name, scope, kind, severity, enabled, metric, operator, threshold, clear_threshold,
	duration_seconds, clear_duration_seconds, occurrences, grace_seconds, cooldown_seconds,
	notification_cooldown_seconds, host_selector, container_selector, labels, notify_channels,
	depends_on, version, created_at FROM alert_rules`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlertRule(row *sql.Row) (*domain.AlertRule, error) {
	return scanAlertRuleGeneric(row)
}

func scanAlertRuleRows(rows *sql.Rows) (*domain.AlertRule, error) {
	return scanAlertRuleGeneric(rows)
}

func scanAlertRuleGeneric(sc rowScanner) (*domain.AlertRule, error) {
	var r domain.AlertRule
	var enabled int
	var metric, operator sql.NullString
	var threshold, clearThreshold sql.NullFloat64
	var hostSel, containerSel, labels, channels, dependsOn string
	var createdAt string

	if err := sc.Scan(&r.ID, &r.Name, &r.Scope, &r.Kind, &r.Severity, &enabled, &metric, &operator,
		&threshold, &clearThreshold, &r.DurationSeconds, &r.ClearDurationSeconds, &r.Occurrences,
		&r.GraceSeconds, &r.CooldownSeconds, &r.NotificationCooldownSeconds, &hostSel, &containerSel,
		&labels, &channels, &dependsOn, &r.Version, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning alert rule: %w", err)
	}
	r.Enabled = enabled != 0
	r.Metric = metric.String
	r.Operator = operator.String
	if threshold.Valid {
		v := threshold.Float64
		r.Threshold = &v
	}
	if clearThreshold.Valid {
		v := clearThreshold.Float64
		r.ClearThreshold = &v
	}
	json.Unmarshal([]byte(hostSel), &r.HostSelector)
	json.Unmarshal([]byte(containerSel), &r.ContainerSelector)
	json.Unmarshal([]byte(labels), &r.Labels)
	json.Unmarshal([]byte(channels), &r.NotifyChannels)
	json.Unmarshal([]byte(dependsOn), &r.DependsOn)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// --- Alert (evaluation lifecycle rows) ---

func (s *Store) GetActive(dedupKey string) (*domain.Alert, bool) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE dedup_key = ? AND state IN ('open','clearing') LIMIT 1`, dedupKey)
	a, err := scanAlert(row)
	if err != nil {
		return nil, false
	}
	return a, true
}

func (s *Store) Create(a *domain.Alert) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO alerts
		(id, dedup_key, rule_id, rule_version, scope_type, scope_id, host_id, kind, severity, state,
		 first_seen, last_seen, occurrences, current_value, threshold, clear_started_at, resolved_at,
		 resolved_reason, rule_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DedupKey, a.RuleID, a.RuleVersion, string(a.ScopeType), a.ScopeID, nullableString(a.HostID),
		a.Kind, string(a.Severity), string(a.State), formatTime(a.FirstSeen), formatTime(a.LastSeen),
		a.Occurrences, a.CurrentValue, a.Threshold, formatTimePtr(a.ClearStartedAt), formatTimePtr(a.ResolvedAt),
		nullableString(a.ResolvedReason), a.RuleSnapshot)
	if err != nil {
		return fmt.Errorf("store: creating alert: %w", err)
	}
	return nil
}

func (s *Store) Update(a *domain.Alert) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `UPDATE alerts SET state=?, last_seen=?, occurrences=?, current_value=?,
		clear_started_at=?, resolved_at=?, resolved_reason=? WHERE id=?`,
		string(a.State), formatTime(a.LastSeen), a.Occurrences, a.CurrentValue,
		formatTimePtr(a.ClearStartedAt), formatTimePtr(a.ResolvedAt), nullableString(a.ResolvedReason), a.ID)
	if err != nil {
		return fmt.Errorf("store: updating alert: %w", err)
	}
	return nil
}

func (s *Store) ListAlerts(state domain.AlertState) ([]*domain.Alert, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	query := alertSelect
	var rows *sql.Rows
	var err error
	if state != "" {
		query += ` WHERE state = ? ORDER BY last_seen DESC`
		rows, err = s.db.QueryContext(ctx, query, string(state))
	} else {
		query += ` ORDER BY last_seen DESC`
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("store: listing alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := scanAlertRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeResolvedAlertsOlderThan implements C12's "purging of resolved alerts
// older than N days" job.
func (s *Store) PurgeResolvedAlertsOlderThan(cutoffRFC3339 string) (int64, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.execCtx(ctx, `DELETE FROM alerts WHERE state = 'resolved' AND resolved_at < ?`, cutoffRFC3339)
	if err != nil {
		return 0, fmt.Errorf("store: purging resolved alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const alertSelect = `SELECT id, dedup_key, rule_id, rule_version, scope_type, scope_id, host_id, kind, severity,
	state, first_seen, last_seen, occurrences, current_value, threshold, clear_started_at, resolved_at,
	resolved_reason, rule_snapshot FROM alerts`

func scanAlert(row *sql.Row) (*domain.Alert, error) { return scanAlertGeneric(row) }
func scanAlertRows(rows *sql.Rows) (*domain.Alert, error) { return scanAlertGeneric(rows) }

func scanAlertGeneric(sc rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var hostID sql.NullString
	var currentValue, threshold sql.NullFloat64
	var clearStarted, resolvedAt, resolvedReason sql.NullString
	var firstSeen, lastSeen string
	var snapshot sql.NullString

	if err := sc.Scan(&a.ID, &a.DedupKey, &a.RuleID, &a.RuleVersion, &a.ScopeType, &a.ScopeID, &hostID,
		&a.Kind, &a.Severity, &a.State, &firstSeen, &lastSeen, &a.Occurrences, &currentValue, &threshold,
		&clearStarted, &resolvedAt, &resolvedReason, &snapshot); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning alert: %w", err)
	}
	a.HostID = hostID.String
	a.FirstSeen = parseTime(firstSeen)
	a.LastSeen = parseTime(lastSeen)
	if currentValue.Valid {
		v := currentValue.Float64
		a.CurrentValue = &v
	}
	if threshold.Valid {
		v := threshold.Float64
		a.Threshold = &v
	}
	if clearStarted.Valid && clearStarted.String != "" {
		t := parseTime(clearStarted.String)
		a.ClearStartedAt = &t
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		t := parseTime(resolvedAt.String)
		a.ResolvedAt = &t
	}
	a.ResolvedReason = resolvedReason.String
	if snapshot.Valid {
		a.RuleSnapshot = []byte(snapshot.String)
	}
	return &a, nil
}

// --- RuleRuntime ---

func (s *Store) Get(key string) (*domain.RuleRuntime, bool) {
	ruleID, scopeType, scopeID, ok := splitRuntimeKey(key)
	if !ok {
		return nil, false
	}
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT rule_id, scope_type, scope_id, window_start, samples,
		breach_count, breach_started_at, clear_started_at, last_eval_at FROM rule_runtime
		WHERE rule_id = ? AND scope_type = ? AND scope_id = ?`, ruleID, scopeType, scopeID)

	var rt domain.RuleRuntime
	var windowStart, samplesJSON, breachStarted, clearStarted, lastEval sql.NullString
	if err := row.Scan(&rt.RuleID, &rt.ScopeType, &rt.ScopeID, &windowStart, &samplesJSON, &rt.BreachCount,
		&breachStarted, &clearStarted, &lastEval); err != nil {
		return nil, false
	}
	if windowStart.Valid {
		rt.WindowStart = parseTime(windowStart.String)
	}
	if samplesJSON.Valid {
		json.Unmarshal([]byte(samplesJSON.String), &rt.Samples)
	}
	if breachStarted.Valid && breachStarted.String != "" {
		t := parseTime(breachStarted.String)
		rt.BreachStartedAt = &t
	}
	if clearStarted.Valid && clearStarted.String != "" {
		t := parseTime(clearStarted.String)
		rt.ClearStartedAt = &t
	}
	if lastEval.Valid {
		rt.LastEvalAt = parseTime(lastEval.String)
	}
	return &rt, true
}

func (s *Store) Save(rt *domain.RuleRuntime) {
	ctx, cancel := s.ctx()
	defer cancel()
	samples, _ := json.Marshal(rt.Samples)
	_, err := s.execCtx(ctx, `INSERT INTO rule_runtime
		(rule_id, scope_type, scope_id, window_start, samples, breach_count, breach_started_at, clear_started_at, last_eval_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, scope_type, scope_id) DO UPDATE SET
			window_start=excluded.window_start, samples=excluded.samples, breach_count=excluded.breach_count,
			breach_started_at=excluded.breach_started_at, clear_started_at=excluded.clear_started_at,
			last_eval_at=excluded.last_eval_at`,
		rt.RuleID, string(rt.ScopeType), rt.ScopeID, formatTime(rt.WindowStart), string(samples), rt.BreachCount,
		formatTimePtr(rt.BreachStartedAt), formatTimePtr(rt.ClearStartedAt), formatTime(rt.LastEvalAt))
	if err != nil && s.log != nil {
		s.log.WithError(err).Error("store: saving rule runtime")
	}
}

// PruneIdleRuntime removes rule_runtime rows with a zero breach count and no
// samples. Alerts are not consulted: a row is removed even while an alert
// for its dedup key is still open.
func (s *Store) PruneIdleRuntime() error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM rule_runtime WHERE breach_count = 0 AND (samples IS NULL OR samples = '' OR samples = '[]')`)
	return err
}

func splitRuntimeKey(key string) (ruleID, scopeType, scopeID string, ok bool) {
	// key shape: "ruleID|scopeType:scopeID" (domain.RuntimeKey)
	pipe := indexByte(key, '|')
	if pipe < 0 {
		return "", "", "", false
	}
	ruleID = key[:pipe]
	rest := key[pipe+1:]
	colon := indexByte(rest, ':')
	if colon < 0 {
		return "", "", "", false
	}
	return ruleID, rest[:colon], rest[colon+1:], true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
