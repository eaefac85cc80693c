package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dockmon/server/internal/domain"
)

// --- Users ---

func (s *Store) CreateUser(u *domain.User) error {
	ctx, cancel := s.ctx()
	defer cancel()
	groups, _ := json.Marshal(u.GroupIDs)
	_, err := s.execCtx(ctx, `INSERT INTO users (id, username, password_hash, group_ids) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, string(groups))
	if err != nil {
		return fmt.Errorf("store: creating user: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(u *domain.User) error {
	ctx, cancel := s.ctx()
	defer cancel()
	groups, _ := json.Marshal(u.GroupIDs)
	_, err := s.execCtx(ctx, `UPDATE users SET username=?, password_hash=?, group_ids=? WHERE id=?`,
		u.Username, u.PasswordHash, string(groups), u.ID)
	return err
}

func (s *Store) DeleteUser(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (s *Store) GetUser(id string) (*domain.User, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, group_ids FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(username string) (*domain.User, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, group_ids FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var groups sql.NullString
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &groups); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning user: %w", err)
	}
	if groups.Valid {
		json.Unmarshal([]byte(groups.String), &u.GroupIDs)
	}
	return &u, nil
}

// --- Groups & permissions ---

func (s *Store) CreateGroup(g *domain.Group) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO custom_groups (id, name) VALUES (?, ?)`, g.ID, g.Name)
	return err
}

func (s *Store) DeleteGroup(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM custom_groups WHERE id = ?`, id)
	return err
}

func (s *Store) ListGroups() ([]*domain.Group, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM custom_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing groups: %w", err)
	}
	defer rows.Close()
	var out []*domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *Store) SetGroupPermission(p *domain.GroupPermission) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO group_permissions (group_id, capability, allowed) VALUES (?, ?, ?)
		ON CONFLICT(group_id, capability) DO UPDATE SET allowed=excluded.allowed`,
		p.GroupID, p.Capability, boolToInt(p.Allowed))
	if err != nil {
		return fmt.Errorf("store: setting group permission: %w", err)
	}
	return nil
}

func (s *Store) PermissionsForGroups(groupIDs []string) ([]*domain.GroupPermission, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := s.ctx()
	defer cancel()
	query, args := inClause(`SELECT group_id, capability, allowed FROM group_permissions WHERE group_id IN (%s)`, groupIDs)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: loading group permissions: %w", err)
	}
	defer rows.Close()
	var out []*domain.GroupPermission
	for rows.Next() {
		var p domain.GroupPermission
		var allowed int
		if err := rows.Scan(&p.GroupID, &p.Capability, &allowed); err != nil {
			return nil, err
		}
		p.Allowed = allowed != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// HasCapability resolves a user's group memberships to a single allow/deny
// decision for capability, per §7's group-permission model: any matching
// group granting the capability is sufficient, explicit denial is not
// expressible (absence means denied).
func (s *Store) HasCapability(groupIDs []string, capability string) (bool, error) {
	perms, err := s.PermissionsForGroups(groupIDs)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Capability == capability && p.Allowed {
			return true, nil
		}
	}
	return false, nil
}

func inClause(query string, ids []string) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return fmt.Sprintf(query, placeholders), args
}

// --- API keys ---

const apiKeyPrefixLen = 20

// GenerateApiKey mints a key shaped "dockmon_<base64url(24 bytes)>" and
// returns the full key (shown to the caller exactly once), the 20-char
// prefix, and the SHA-256 hex of the full key. Only the latter two are
// ever persisted.
func GenerateApiKey() (fullKey, prefix, hashedKey string, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("store: generating api key: %w", err)
	}
	fullKey = "dockmon_" + base64.RawURLEncoding.EncodeToString(raw)
	prefix = fullKey[:apiKeyPrefixLen]
	sum := sha256.Sum256([]byte(fullKey))
	hashedKey = hex.EncodeToString(sum[:])
	return fullKey, prefix, hashedKey, nil
}

// VerifyApiKey resolves a presented bearer key to its row, comparing the
// stored SHA-256 in constant time. Unknown, mismatched, and revoked keys
// all fail identically.
func (s *Store) VerifyApiKey(fullKey string) (*domain.ApiKey, error) {
	if len(fullKey) < apiKeyPrefixLen || !strings.HasPrefix(fullKey, "dockmon_") {
		return nil, errNotFound
	}
	k, err := s.GetApiKeyByPrefix(fullKey[:apiKeyPrefixLen])
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(fullKey))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(k.HashedKey)) != 1 {
		return nil, errNotFound
	}
	if k.RevokedAt != nil {
		return nil, errNotFound
	}
	return k, nil
}

func (s *Store) CreateApiKey(k *domain.ApiKey) error {
	ctx, cancel := s.ctx()
	defer cancel()
	groups, _ := json.Marshal(k.GroupIDs)
	_, err := s.execCtx(ctx, `INSERT INTO api_keys (id, prefix, hashed_key, user_id, group_ids, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Prefix, k.HashedKey, k.UserID, string(groups), formatTime(k.CreatedAt), formatTimePtr(k.RevokedAt))
	if err != nil {
		return fmt.Errorf("store: creating api key: %w", err)
	}
	return nil
}

func (s *Store) GetApiKeyByPrefix(prefix string) (*domain.ApiKey, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, prefix, hashed_key, user_id, group_ids, created_at, revoked_at
		FROM api_keys WHERE prefix = ?`, prefix)
	var k domain.ApiKey
	var groups sql.NullString
	var createdAt string
	var revokedAt sql.NullString
	if err := row.Scan(&k.ID, &k.Prefix, &k.HashedKey, &k.UserID, &groups, &createdAt, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning api key: %w", err)
	}
	if groups.Valid {
		json.Unmarshal([]byte(groups.String), &k.GroupIDs)
	}
	k.CreatedAt = parseTime(createdAt)
	if revokedAt.Valid && revokedAt.String != "" {
		t := parseTime(revokedAt.String)
		k.RevokedAt = &t
	}
	return &k, nil
}

// RevokeApiKey marks a key revoked. Idempotent: revoking an already-revoked
// key succeeds without touching its original revocation time, so no second
// audit state change occurs. The boolean reports whether this call changed
// anything.
func (s *Store) RevokeApiKey(id string, revokedAt time.Time) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.execCtx(ctx, `UPDATE api_keys SET revoked_at = ?
		WHERE id = ? AND (revoked_at IS NULL OR revoked_at = '')`, formatTime(revokedAt), id)
	if err != nil {
		return false, fmt.Errorf("store: revoking api key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
