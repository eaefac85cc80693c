package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dockmon/server/internal/domain"
)

func (s *Store) CreateHost(h *domain.Host) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO docker_hosts
		(id, name, url, connection_type, engine_id, replaced_by_host_id, tls_ca_cert, tls_cert, tls_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.URL, string(h.ConnectionType), nullableString(h.EngineID), nullableString(h.ReplacedByHostID),
		tlsField(h, "ca"), tlsField(h, "cert"), tlsField(h, "key"), h.CreatedBy, formatTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: creating host: %w", err)
	}
	return nil
}

func tlsField(h *domain.Host, which string) interface{} {
	if h.TLSMaterial == nil {
		return nil
	}
	switch which {
	case "ca":
		return h.TLSMaterial.CACert
	case "cert":
		return h.TLSMaterial.Cert
	default:
		return h.TLSMaterial.Key
	}
}

func (s *Store) GetHost(id string) (*domain.Host, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, name, url, connection_type, engine_id, replaced_by_host_id,
		tls_ca_cert, tls_cert, tls_key, created_by, created_at FROM docker_hosts WHERE id = ?`, id)
	return scanHost(row)
}

// GetHostByEngineID finds the live (non-migrated) host for engine_id, used
// by the coordinator's registration handshake to detect a pre-existing
// "remote" host that needs migrating to this agent.
func (s *Store) GetHostByEngineID(engineID string) (*domain.Host, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, name, url, connection_type, engine_id, replaced_by_host_id,
		tls_ca_cert, tls_cert, tls_key, created_by, created_at FROM docker_hosts
		WHERE engine_id = ? AND replaced_by_host_id IS NULL`, engineID)
	return scanHost(row)
}

func scanHost(row *sql.Row) (*domain.Host, error) {
	var h domain.Host
	var engineID, replacedBy, ca, cert, key sql.NullString
	var createdAt string
	if err := row.Scan(&h.ID, &h.Name, &h.URL, &h.ConnectionType, &engineID, &replacedBy, &ca, &cert, &key, &h.CreatedBy, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning host: %w", err)
	}
	h.EngineID = engineID.String
	h.ReplacedByHostID = replacedBy.String
	if ca.Valid || cert.Valid || key.Valid {
		h.TLSMaterial = &domain.TLSMaterial{CACert: ca.String, Cert: cert.String, Key: key.String}
	}
	h.CreatedAt = parseTime(createdAt)
	return &h, nil
}

func (s *Store) ListHosts() ([]*domain.Host, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, connection_type, engine_id, replaced_by_host_id,
		tls_ca_cert, tls_cert, tls_key, created_by, created_at FROM docker_hosts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: listing hosts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Host
	for rows.Next() {
		var h domain.Host
		var engineID, replacedBy, ca, cert, key sql.NullString
		var createdAt string
		if err := rows.Scan(&h.ID, &h.Name, &h.URL, &h.ConnectionType, &engineID, &replacedBy, &ca, &cert, &key, &h.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scanning host row: %w", err)
		}
		h.EngineID = engineID.String
		h.ReplacedByHostID = replacedBy.String
		if ca.Valid || cert.Valid || key.Valid {
			h.TLSMaterial = &domain.TLSMaterial{CACert: ca.String, Cert: cert.String, Key: key.String}
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *Store) DeleteHost(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM docker_hosts WHERE id = ?`, id)
	return err
}

// MigrateHost implements §3's host migration: the old host's
// replaced_by_host_id is set to the new host's id, so readers keyed on the
// old host id can resolve forward to the new one, while the old host's
// engine_id-uniqueness constraint releases (the partial unique index only
// applies while replaced_by_host_id is NULL).
func (s *Store) MigrateHost(oldHostID, newHostID string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.execCtx(ctx, `UPDATE docker_hosts SET replaced_by_host_id = ? WHERE id = ?`, newHostID, oldHostID)
	if err != nil {
		return fmt.Errorf("store: migrating host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound
	}
	return nil
}

// --- Agents ---

func (s *Store) UpsertAgent(a *domain.Agent) error {
	ctx, cancel := s.ctx()
	defer cancel()
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("store: marshaling capabilities: %w", err)
	}
	_, err = s.execCtx(ctx, `INSERT INTO agents (id, host_id, engine_id, version, proto_version, capabilities, status, last_seen_at, agent_os, agent_arch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(engine_id) DO UPDATE SET
			host_id=excluded.host_id, version=excluded.version, proto_version=excluded.proto_version,
			capabilities=excluded.capabilities, status=excluded.status, last_seen_at=excluded.last_seen_at,
			agent_os=excluded.agent_os, agent_arch=excluded.agent_arch`,
		a.ID, a.HostID, a.EngineID, a.Version, a.ProtoVersion, string(caps), string(a.Status), formatTime(a.LastSeenAt), a.AgentOS, a.AgentArch)
	if err != nil {
		return fmt.Errorf("store: upserting agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgentByEngineID(engineID string) (*domain.Agent, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, host_id, engine_id, version, proto_version, capabilities, status, last_seen_at, agent_os, agent_arch
		FROM agents WHERE engine_id = ?`, engineID)
	return scanAgent(row)
}

func (s *Store) GetAgentByHostID(hostID string) (*domain.Agent, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, host_id, engine_id, version, proto_version, capabilities, status, last_seen_at, agent_os, agent_arch
		FROM agents WHERE host_id = ?`, hostID)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*domain.Agent, error) {
	var a domain.Agent
	var caps string
	var lastSeen sql.NullString
	if err := row.Scan(&a.ID, &a.HostID, &a.EngineID, &a.Version, &a.ProtoVersion, &caps, &a.Status, &lastSeen, &a.AgentOS, &a.AgentArch); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning agent: %w", err)
	}
	if caps != "" {
		json.Unmarshal([]byte(caps), &a.Capabilities)
	}
	if lastSeen.Valid {
		a.LastSeenAt = parseTime(lastSeen.String)
	}
	return &a, nil
}

func (s *Store) SetAgentStatus(agentID string, status domain.AgentStatus, lastSeenAt time.Time) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `UPDATE agents SET status = ?, last_seen_at = ? WHERE id = ?`, string(status), formatTime(lastSeenAt), agentID)
	return err
}

// --- Registration tokens ---

func (s *Store) CreateRegistrationToken(t *domain.RegistrationToken) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO registration_tokens (token, created_by_user, created_at, expires_at, used, used_at)
		VALUES (?, ?, ?, ?, 0, NULL)`, t.Token, t.CreatedByUser, formatTime(t.CreatedAt), formatTime(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("store: creating registration token: %w", err)
	}
	return nil
}

// ConsumeRegistrationToken atomically checks and marks a token used in one
// statement, so two concurrent register frames racing on the same token
// can't both succeed (the spec.md "retry with the same token fails with
// ConflictError" invariant).
func (s *Store) ConsumeRegistrationToken(token string, now time.Time) (*domain.RegistrationToken, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT token, created_by_user, created_at, expires_at, used, used_at
		FROM registration_tokens WHERE token = ?`, token)
	var t domain.RegistrationToken
	var createdAt, expiresAt string
	var used int
	var usedAt sql.NullString
	if err := row.Scan(&t.Token, &t.CreatedByUser, &createdAt, &expiresAt, &used, &usedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: reading registration token: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.ExpiresAt = parseTime(expiresAt)
	t.Used = used != 0
	if usedAt.Valid {
		ts := parseTime(usedAt.String)
		t.UsedAt = &ts
	}

	if t.Used {
		return &t, fmt.Errorf("store: registration token already used")
	}
	if t.Expired(now) {
		return &t, fmt.Errorf("store: registration token expired")
	}

	res, err := s.execCtx(ctx, `UPDATE registration_tokens SET used = 1, used_at = ? WHERE token = ? AND used = 0`, formatTime(now), token)
	if err != nil {
		return &t, fmt.Errorf("store: consuming registration token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &t, fmt.Errorf("store: registration token already used")
	}
	t.Used = true
	t.UsedAt = &now
	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
