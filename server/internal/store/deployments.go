package store

import (
	"database/sql"
	"fmt"

	"github.com/dockmon/server/internal/domain"
)

func (s *Store) CreateDeployment(d *domain.Deployment) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `INSERT INTO deployments
		(id, host_id, deployment_type, name, status, definition, progress_percent, current_stage,
		 error_message, started_at, completed_at, committed, rollback_on_failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.HostID, string(d.DeploymentType), d.Name, string(d.Status), d.Definition, d.ProgressPercent,
		nullableString(d.CurrentStage), nullableString(d.ErrorMessage), formatTimePtr(d.StartedAt),
		formatTimePtr(d.CompletedAt), boolToInt(d.Committed), boolToInt(d.RollbackOnFailure))
	if err != nil {
		return fmt.Errorf("store: creating deployment: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeployment(d *domain.Deployment) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `UPDATE deployments SET status=?, progress_percent=?, current_stage=?,
		error_message=?, started_at=?, completed_at=?, committed=? WHERE id=?`,
		string(d.Status), d.ProgressPercent, nullableString(d.CurrentStage), nullableString(d.ErrorMessage),
		formatTimePtr(d.StartedAt), formatTimePtr(d.CompletedAt), boolToInt(d.Committed), d.ID)
	if err != nil {
		return fmt.Errorf("store: updating deployment: %w", err)
	}
	return nil
}

func (s *Store) GetDeployment(id string) (*domain.Deployment, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, deploymentSelect+` WHERE id = ?`, id)
	return scanDeployment(row)
}

func (s *Store) ListDeployments(hostID string) ([]*domain.Deployment, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var rows *sql.Rows
	var err error
	if hostID != "" {
		rows, err = s.db.QueryContext(ctx, deploymentSelect+` WHERE host_id = ?`, hostID)
	} else {
		rows, err = s.db.QueryContext(ctx, deploymentSelect)
	}
	if err != nil {
		return nil, fmt.Errorf("store: listing deployments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Deployment
	for rows.Next() {
		d, err := scanDeploymentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDeployment enforces Deployment.CanDelete(): the caller must check it
// before calling (the store layer doesn't re-derive domain rules).
func (s *Store) DeleteDeployment(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	return err
}

const deploymentSelect = `SELECT id, host_id, deployment_type, name, status, definition, progress_percent,
	current_stage, error_message, started_at, completed_at, committed, rollback_on_failure FROM deployments`

func scanDeployment(row *sql.Row) (*domain.Deployment, error) { return scanDeploymentGeneric(row) }
func scanDeploymentRows(rows *sql.Rows) (*domain.Deployment, error) { return scanDeploymentGeneric(rows) }

func scanDeploymentGeneric(sc rowScanner) (*domain.Deployment, error) {
	var d domain.Deployment
	var definition []byte
	var currentStage, errorMessage, startedAt, completedAt sql.NullString
	var committed, rollback int

	if err := sc.Scan(&d.ID, &d.HostID, &d.DeploymentType, &d.Name, &d.Status, &definition, &d.ProgressPercent,
		&currentStage, &errorMessage, &startedAt, &completedAt, &committed, &rollback); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("store: scanning deployment: %w", err)
	}
	d.Definition = definition
	d.CurrentStage = currentStage.String
	d.ErrorMessage = errorMessage.String
	if startedAt.Valid && startedAt.String != "" {
		t := parseTime(startedAt.String)
		d.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		d.CompletedAt = &t
	}
	d.Committed = committed != 0
	d.RollbackOnFailure = rollback != 0
	return &d, nil
}
