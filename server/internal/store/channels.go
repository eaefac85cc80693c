package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dockmon/server/internal/domain"
)

// secretConfigKeys lists the per-channel config keys that hold material
// worth encrypting at rest, mirroring update_checker.py's pattern of
// decrypting only the password column rather than the whole credential row.
var secretConfigKeys = map[domain.ChannelType][]string{
	domain.ChannelTelegram: {"bot_token"},
	domain.ChannelDiscord:  {"webhook_url"},
	domain.ChannelSlack:    {"webhook_url"},
	domain.ChannelPushover: {"api_token"},
	domain.ChannelGotify:   {"app_token"},
	domain.ChannelNtfy:     {"access_token"},
	domain.ChannelSMTP:     {"password"},
	domain.ChannelWebhook:  {"headers_authorization"},
}

// channelCrypter abstracts the vault so store doesn't import it directly
// (avoids a store->vault->store import cycle risk and keeps store testable
// without a real master key).
type channelCrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

// SetChannelCrypter installs the vault used to encrypt/decrypt
// NotificationChannel config secrets. Nil leaves secrets stored in plain
// text, used by tests that don't care about encryption.
func (s *Store) SetChannelCrypter(c channelCrypter) {
	s.crypter = c
}

func (s *Store) encryptChannelConfig(ch *domain.NotificationChannel) (map[string]string, error) {
	out := make(map[string]string, len(ch.Config))
	for k, v := range ch.Config {
		out[k] = v
	}
	if s.crypter == nil {
		return out, nil
	}
	for _, key := range secretConfigKeys[ch.Type] {
		if v, ok := out[key]; ok && v != "" {
			enc, err := s.crypter.Encrypt(v)
			if err != nil {
				return nil, fmt.Errorf("store: encrypting %s config: %w", key, err)
			}
			out[key] = enc
		}
	}
	return out, nil
}

func (s *Store) decryptChannelConfig(ch *domain.NotificationChannel) {
	if s.crypter == nil {
		return
	}
	for _, key := range secretConfigKeys[ch.Type] {
		if v, ok := ch.Config[key]; ok && v != "" {
			if dec, err := s.crypter.Decrypt(v); err == nil {
				ch.Config[key] = dec
			}
		}
	}
}

func (s *Store) CreateNotificationChannel(ch *domain.NotificationChannel) error {
	cfg, err := s.encryptChannelConfig(ch)
	if err != nil {
		return err
	}
	cfgJSON, _ := json.Marshal(cfg)

	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.execCtx(ctx, `INSERT INTO notification_channels (id, type, name, config, enabled)
		VALUES (?, ?, ?, ?, ?)`, ch.ID, string(ch.Type), ch.Name, string(cfgJSON), boolToInt(ch.Enabled))
	if err != nil {
		return fmt.Errorf("store: creating notification channel: %w", err)
	}
	return nil
}

func (s *Store) UpdateNotificationChannel(ch *domain.NotificationChannel) error {
	cfg, err := s.encryptChannelConfig(ch)
	if err != nil {
		return err
	}
	cfgJSON, _ := json.Marshal(cfg)

	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.execCtx(ctx, `UPDATE notification_channels SET type=?, name=?, config=?, enabled=? WHERE id=?`,
		string(ch.Type), ch.Name, string(cfgJSON), boolToInt(ch.Enabled), ch.ID)
	if err != nil {
		return fmt.Errorf("store: updating notification channel: %w", err)
	}
	return nil
}

func (s *Store) DeleteNotificationChannel(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM notification_channels WHERE id = ?`, id)
	return err
}

func (s *Store) GetNotificationChannel(id string) (*domain.NotificationChannel, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, notificationChannelSelect+` WHERE id = ?`, id)
	ch, err := scanNotificationChannel(row)
	if err != nil {
		return nil, err
	}
	s.decryptChannelConfig(ch)
	return ch, nil
}

func (s *Store) ListNotificationChannels() ([]*domain.NotificationChannel, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, notificationChannelSelect)
	if err != nil {
		return nil, fmt.Errorf("store: listing notification channels: %w", err)
	}
	defer rows.Close()

	var out []*domain.NotificationChannel
	for rows.Next() {
		ch, err := scanNotificationChannelRows(rows)
		if err != nil {
			return nil, err
		}
		s.decryptChannelConfig(ch)
		out = append(out, ch)
	}
	return out, rows.Err()
}

const notificationChannelSelect = `SELECT id, type, name, config, enabled FROM notification_channels`

func scanNotificationChannel(row *sql.Row) (*domain.NotificationChannel, error) {
	return scanNotificationChannelGeneric(row)
}
func scanNotificationChannelRows(rows *sql.Rows) (*domain.NotificationChannel, error) {
	return scanNotificationChannelGeneric(rows)
}

func scanNotificationChannelGeneric(sc rowScanner) (*domain.NotificationChannel, error) {
	var ch domain.NotificationChannel
	var cfgJSON sql.NullString
	var enabled int
	if err := sc.Scan(&ch.ID, &ch.Type, &ch.Name, &cfgJSON, &enabled); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning notification channel: %w", err)
	}
	ch.Enabled = enabled != 0
	ch.Config = map[string]string{}
	if cfgJSON.Valid {
		json.Unmarshal([]byte(cfgJSON.String), &ch.Config)
	}
	return &ch, nil
}
