package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dockmon/server/internal/domain"
)

// ContainerSettings is the operator-set state batch actions read and
// write for a container: tags, auto-restart/auto-update policy, and
// desired run state. It is addressed by the composite host_id:short_id id
// used throughout the batch and update packages.
type ContainerSettings struct {
	ContainerID     string
	HostID          string
	Tags            []string
	AutoRestart     bool
	AutoUpdate      bool
	FloatingTagMode domain.FloatingTagMode
	DesiredState    domain.DesiredState
	UpdatedAt       time.Time
}

func defaultContainerSettings(containerID, hostID string) *ContainerSettings {
	return &ContainerSettings{
		ContainerID:     containerID,
		HostID:          hostID,
		FloatingTagMode: domain.TagModeExact,
		DesiredState:    domain.DesiredStateUnspecified,
	}
}

const containerSettingsSelect = `SELECT container_id, host_id, tags, auto_restart, auto_update, floating_tag_mode, desired_state, updated_at FROM container_settings`

func scanContainerSettings(row *sql.Row) (*ContainerSettings, error) {
	var cs ContainerSettings
	var tagsJSON sql.NullString
	var updatedAt string
	if err := row.Scan(&cs.ContainerID, &cs.HostID, &tagsJSON, &cs.AutoRestart, &cs.AutoUpdate,
		&cs.FloatingTagMode, &cs.DesiredState, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &cs.Tags); err != nil {
			return nil, fmt.Errorf("store: decoding container tags: %w", err)
		}
	}
	cs.UpdatedAt = parseTime(updatedAt)
	return &cs, nil
}

// GetContainerSettings returns the stored settings for a container, or
// the zero-value defaults if none have been set yet.
func (s *Store) GetContainerSettings(containerID, hostID string) (*ContainerSettings, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, containerSettingsSelect+` WHERE container_id = ?`, containerID)
	cs, err := scanContainerSettings(row)
	if err != nil {
		return nil, fmt.Errorf("store: reading container settings: %w", err)
	}
	if cs == nil {
		return defaultContainerSettings(containerID, hostID), nil
	}
	return cs, nil
}

// SetContainerSettings persists cs, creating the row if it doesn't already
// exist. Callers should have read-modify-written through
// GetContainerSettings first so unrelated fields aren't clobbered.
func (s *Store) SetContainerSettings(cs *ContainerSettings) error {
	tagsJSON, err := json.Marshal(cs.Tags)
	if err != nil {
		return fmt.Errorf("store: encoding container tags: %w", err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err = s.execCtx(ctx, `INSERT INTO container_settings
		(container_id, host_id, tags, auto_restart, auto_update, floating_tag_mode, desired_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			host_id=excluded.host_id, tags=excluded.tags, auto_restart=excluded.auto_restart,
			auto_update=excluded.auto_update, floating_tag_mode=excluded.floating_tag_mode,
			desired_state=excluded.desired_state, updated_at=excluded.updated_at`,
		cs.ContainerID, cs.HostID, string(tagsJSON), boolToInt(cs.AutoRestart), boolToInt(cs.AutoUpdate),
		string(cs.FloatingTagMode), string(cs.DesiredState), formatTime(cs.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upserting container settings: %w", err)
	}
	return nil
}
