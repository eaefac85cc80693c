package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dockmon/server/internal/domain"
)

// CreateJob implements batch.Store: it persists the parent job row and
// every item row in one transaction, so a reader never observes a job with
// a partial item set.
func (s *Store) CreateJob(job *domain.BatchJob, items []*domain.BatchJobItem) error {
	ctx, cancel := s.ctx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning batch job transaction: %w", err)
	}
	defer tx.Rollback()

	params, _ := json.Marshal(job.Params)
	if _, err := tx.ExecContext(ctx, `INSERT INTO batch_jobs
		(id, user_id, scope, action, params, status, total_items, completed_items, success_items,
		 error_items, skipped_items, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullableString(job.UserID), job.Scope, string(job.Action), string(params), string(job.Status),
		job.TotalItems, job.CompletedItems, job.SuccessItems, job.ErrorItems, job.SkippedItems,
		formatTime(job.CreatedAt), formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt)); err != nil {
		return fmt.Errorf("store: creating batch job: %w", err)
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_job_items
			(id, job_id, container_id, container_name, host_id, host_name, status, message, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.JobID, item.ContainerID, item.ContainerName, item.HostID, item.HostName,
			string(item.Status), nullableString(item.Message), formatTimePtr(item.StartedAt), formatTimePtr(item.CompletedAt)); err != nil {
			return fmt.Errorf("store: creating batch job item: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) UpdateJob(job *domain.BatchJob) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `UPDATE batch_jobs SET status=?, completed_items=?, success_items=?, error_items=?,
		skipped_items=?, started_at=?, completed_at=? WHERE id=?`,
		string(job.Status), job.CompletedItems, job.SuccessItems, job.ErrorItems, job.SkippedItems,
		formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt), job.ID)
	if err != nil {
		return fmt.Errorf("store: updating batch job: %w", err)
	}
	return nil
}

func (s *Store) UpdateItem(item *domain.BatchJobItem) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.execCtx(ctx, `UPDATE batch_job_items SET status=?, message=?, started_at=?, completed_at=? WHERE id=?`,
		string(item.Status), nullableString(item.Message), formatTimePtr(item.StartedAt), formatTimePtr(item.CompletedAt), item.ID)
	if err != nil {
		return fmt.Errorf("store: updating batch job item: %w", err)
	}
	return nil
}

func (s *Store) GetJob(jobID string) (*domain.BatchJob, []*domain.BatchJobItem, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, scope, action, params, status, total_items,
		completed_items, success_items, error_items, skipped_items, created_at, started_at, completed_at
		FROM batch_jobs WHERE id = ?`, jobID)

	var job domain.BatchJob
	var userID sql.NullString
	var params sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&job.ID, &userID, &job.Scope, &job.Action, &params, &job.Status, &job.TotalItems,
		&job.CompletedItems, &job.SuccessItems, &job.ErrorItems, &job.SkippedItems, &createdAt, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, errNotFound
		}
		return nil, nil, fmt.Errorf("store: scanning batch job: %w", err)
	}
	job.UserID = userID.String
	if params.Valid {
		json.Unmarshal([]byte(params.String), &job.Params)
	}
	job.CreatedAt = parseTime(createdAt)
	if startedAt.Valid && startedAt.String != "" {
		t := parseTime(startedAt.String)
		job.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		job.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, container_id, container_name, host_id, host_name,
		status, message, started_at, completed_at FROM batch_job_items WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: listing batch job items: %w", err)
	}
	defer rows.Close()

	var items []*domain.BatchJobItem
	for rows.Next() {
		var item domain.BatchJobItem
		var containerName, hostName, message, itemStarted, itemCompleted sql.NullString
		if err := rows.Scan(&item.ID, &item.JobID, &item.ContainerID, &containerName, &item.HostID, &hostName,
			&item.Status, &message, &itemStarted, &itemCompleted); err != nil {
			return nil, nil, fmt.Errorf("store: scanning batch job item: %w", err)
		}
		item.ContainerName = containerName.String
		item.HostName = hostName.String
		item.Message = message.String
		if itemStarted.Valid && itemStarted.String != "" {
			t := parseTime(itemStarted.String)
			item.StartedAt = &t
		}
		if itemCompleted.Valid && itemCompleted.String != "" {
			t := parseTime(itemCompleted.String)
			item.CompletedAt = &t
		}
		items = append(items, &item)
	}
	return &job, items, rows.Err()
}
