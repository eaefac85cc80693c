package store

import (
	"database/sql"
	"fmt"

	"github.com/dockmon/server/internal/domain"
)

func (s *Store) UpsertContainerUpdate(u *domain.ContainerUpdate) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO container_updates
		(container_id, host_id, current_image, current_digest, latest_image, latest_digest,
		 update_available, floating_tag_mode, registry_url, platform, compose_project, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			host_id=excluded.host_id, current_image=excluded.current_image, current_digest=excluded.current_digest,
			latest_image=excluded.latest_image, latest_digest=excluded.latest_digest,
			update_available=excluded.update_available, floating_tag_mode=excluded.floating_tag_mode,
			registry_url=excluded.registry_url, platform=excluded.platform,
			compose_project=excluded.compose_project, last_checked_at=excluded.last_checked_at`,
		u.ContainerID, u.HostID, u.CurrentImage, u.CurrentDigest, u.LatestImage, u.LatestDigest,
		boolToInt(u.UpdateAvailable), string(u.FloatingTagMode), nullableString(u.RegistryURL),
		nullableString(u.Platform), nullableString(u.ComposeProject), formatTime(u.LastCheckedAt))
	if err != nil {
		return fmt.Errorf("store: upserting container update: %w", err)
	}
	return nil
}

func (s *Store) GetContainerUpdate(containerID string) (*domain.ContainerUpdate, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, containerUpdateSelect+` WHERE container_id = ?`, containerID)
	return scanContainerUpdate(row)
}

func (s *Store) ListContainerUpdates(hostID string) ([]*domain.ContainerUpdate, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	query := containerUpdateSelect
	var rows *sql.Rows
	var err error
	if hostID != "" {
		rows, err = s.db.QueryContext(ctx, query+` WHERE host_id = ?`, hostID)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("store: listing container updates: %w", err)
	}
	defer rows.Close()

	var out []*domain.ContainerUpdate
	for rows.Next() {
		u, err := scanContainerUpdateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteContainerUpdate(containerID string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM container_updates WHERE container_id = ?`, containerID)
	return err
}

const containerUpdateSelect = `SELECT container_id, host_id, current_image, current_digest, latest_image,
	latest_digest, update_available, floating_tag_mode, registry_url, platform, compose_project, last_checked_at
	FROM container_updates`

func scanContainerUpdate(row *sql.Row) (*domain.ContainerUpdate, error) { return scanContainerUpdateGeneric(row) }
func scanContainerUpdateRows(rows *sql.Rows) (*domain.ContainerUpdate, error) { return scanContainerUpdateGeneric(rows) }

func scanContainerUpdateGeneric(sc rowScanner) (*domain.ContainerUpdate, error) {
	var u domain.ContainerUpdate
	var currentDigest, latestImage, latestDigest, registryURL, platform, composeProject sql.NullString
	var available int
	var lastChecked sql.NullString

	if err := sc.Scan(&u.ContainerID, &u.HostID, &u.CurrentImage, &currentDigest, &latestImage, &latestDigest,
		&available, &u.FloatingTagMode, &registryURL, &platform, &composeProject, &lastChecked); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning container update: %w", err)
	}
	u.CurrentDigest = currentDigest.String
	u.LatestImage = latestImage.String
	u.LatestDigest = latestDigest.String
	u.RegistryURL = registryURL.String
	u.Platform = platform.String
	u.ComposeProject = composeProject.String
	u.UpdateAvailable = available != 0
	if lastChecked.Valid {
		u.LastCheckedAt = parseTime(lastChecked.String)
	}
	return &u, nil
}
