package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dockmon/server/internal/domain"
)

// GetGlobalSettings reads the singleton settings row (id=1). The row is
// seeded by the initial migration, so a miss here means the database is
// corrupt rather than merely empty.
func (s *Store) GetGlobalSettings() (*domain.GlobalSettings, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT app_version, timezone_offset_minutes, skip_compose_containers,
		event_suppression_patterns FROM global_settings WHERE id = 1`)

	var gs domain.GlobalSettings
	var appVersion, patterns sql.NullString
	var skipCompose int
	if err := row.Scan(&appVersion, &gs.TimezoneOffsetMinutes, &skipCompose, &patterns); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: reading global settings: %w", err)
	}
	gs.AppVersion = appVersion.String
	gs.SkipComposeContainers = skipCompose != 0
	if patterns.Valid && patterns.String != "" {
		if err := json.Unmarshal([]byte(patterns.String), &gs.EventSuppressionPatterns); err != nil {
			return nil, fmt.Errorf("store: decoding event suppression patterns: %w", err)
		}
	}
	return &gs, nil
}

// UpdateGlobalSettings writes the singleton settings row.
func (s *Store) UpdateGlobalSettings(gs *domain.GlobalSettings) error {
	patterns, err := json.Marshal(gs.EventSuppressionPatterns)
	if err != nil {
		return fmt.Errorf("store: encoding event suppression patterns: %w", err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.execCtx(ctx, `UPDATE global_settings SET app_version = ?, timezone_offset_minutes = ?,
		skip_compose_containers = ?, event_suppression_patterns = ? WHERE id = 1`,
		gs.AppVersion, gs.TimezoneOffsetMinutes, boolToInt(gs.SkipComposeContainers), string(patterns))
	if err != nil {
		return fmt.Errorf("store: updating global settings: %w", err)
	}
	return nil
}

// UpsertRegistryCredential stores one {username, password} pair keyed by
// registry host. The password is encrypted with the channel crypter (the
// vault) before it touches the database; a nil crypter stores it as-is,
// used only by tests.
func (s *Store) UpsertRegistryCredential(c *domain.RegistryCredential) error {
	password := c.Password
	if s.crypter != nil {
		enc, err := s.crypter.Encrypt(password)
		if err != nil {
			return fmt.Errorf("store: encrypting registry password: %w", err)
		}
		password = enc
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO registry_credentials (registry_host, username, password_encrypted, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(registry_host) DO UPDATE SET
			username=excluded.username, password_encrypted=excluded.password_encrypted`,
		c.RegistryHost, c.Username, password, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("store: upserting registry credential: %w", err)
	}
	return nil
}

// DeleteRegistryCredential removes a stored credential.
func (s *Store) DeleteRegistryCredential(registryHost string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM registry_credentials WHERE registry_host = ?`, registryHost)
	return err
}

// RegistryCredentialsFor returns the decrypted credential pair for a
// registry host. A miss is not an error — anonymous pulls are normal, so
// the boolean distinguishes "no credential stored" from a real failure.
func (s *Store) RegistryCredentialsFor(registryHost string) (username, password string, ok bool, err error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT username, password_encrypted FROM registry_credentials
		WHERE registry_host = ?`, registryHost)

	var encrypted string
	if err := row.Scan(&username, &encrypted); err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("store: reading registry credential: %w", err)
	}

	password = encrypted
	if s.crypter != nil {
		dec, err := s.crypter.Decrypt(encrypted)
		if err != nil {
			return "", "", false, fmt.Errorf("store: decrypting registry password: %w", err)
		}
		password = dec
	}
	return username, password, true, nil
}
