package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

func (s *Store) AppendAuditLog(a *domain.AuditLog) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO audit_log (id, who, happened_at, action, entity_type, entity_id, details, ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullableString(a.Who), formatTime(a.When), a.Action, nullableString(a.EntityType),
		nullableString(a.EntityID), nullableString(a.Details), nullableString(a.IP), nullableString(a.UserAgent))
	if err != nil {
		return fmt.Errorf("store: appending audit log: %w", err)
	}
	return nil
}

// PurgeEventLogOlderThan deletes system-generated event rows (the ones
// LogEvent writes) older than the cutoff, implementing C12's cached-event
// purge job. User-initiated audit rows are kept — only the "system" actor's
// event mirror is subject to retention.
func (s *Store) PurgeEventLogOlderThan(cutoff time.Time) (int64, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.execCtx(ctx, `DELETE FROM audit_log WHERE who = 'system' AND happened_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: purging event log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ListAuditLog(entityType, entityID string, limit int) ([]*domain.AuditLog, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, who, happened_at, action, entity_type, entity_id, details, ip, user_agent FROM audit_log`
	args := []interface{}{}
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
		if entityID != "" {
			query += ` AND entity_id = ?`
			args = append(args, entityID)
		}
	}
	query += ` ORDER BY happened_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing audit log: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		var who, entType, entID, details, ip, ua sql.NullString
		var happenedAt string
		if err := rows.Scan(&a.ID, &who, &happenedAt, &a.Action, &entType, &entID, &details, &ip, &ua); err != nil {
			return nil, fmt.Errorf("store: scanning audit log row: %w", err)
		}
		a.Who = who.String
		a.When = parseTime(happenedAt)
		a.EntityType = entType.String
		a.EntityID = entID.String
		a.Details = details.String
		a.IP = ip.String
		a.UserAgent = ua.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LogEvent implements eventbus.EventLogger: every emitted event becomes one
// audit row, translated into a human-readable action/details pair the way
// original_source's event_bus.py derives its stored "message" field from
// the event type and payload.
func (s *Store) LogEvent(e eventbus.Event) {
	details, _ := json.Marshal(e.Data)
	entry := &domain.AuditLog{
		ID:         uuid.NewString(),
		Who:        "system",
		When:       e.Timestamp,
		Action:     string(e.Type),
		EntityType: string(e.ScopeType),
		EntityID:   e.ScopeID,
		Details:    string(details),
	}
	if err := s.AppendAuditLog(entry); err != nil && s.log != nil {
		s.log.WithError(err).Error("store: logging event to audit trail")
	}
}
