// Package batch runs bulk container actions with per-host concurrency caps
// (C11), ported from original_source/backend/batch_manager.py's
// BatchJobManager.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/domain"
)

// Store persists jobs and items. Implementations must release any DB
// session/transaction before Manager broadcasts an update - the Python
// original's comment "session is now closed, safe for WebSocket broadcast"
// applies here too: broadcasting while holding a write lock risks blocking
// other handlers on the same store.
type Store interface {
	CreateJob(job *domain.BatchJob, items []*domain.BatchJobItem) error
	UpdateJob(job *domain.BatchJob) error
	UpdateItem(item *domain.BatchJobItem) error
	GetJob(jobID string) (*domain.BatchJob, []*domain.BatchJobItem, error)
}

// ContainerView is the subset of container state batch actions need for
// idempotency checks.
type ContainerView struct {
	HostID   string
	HostName string
	ShortID  string
	Name     string
	State    string
}

// ContainerLookup resolves current container state. AllContainers spans
// every known host (used to build the id -> container map at job creation);
// Containers is scoped to one host (used for the idempotency re-check
// immediately before executing an action).
type ContainerLookup interface {
	AllContainers() ([]ContainerView, error)
	Containers(hostID string) ([]ContainerView, error)
}

// Executor performs the actual per-container operation. Each method is
// expected to route to either the local Docker engine or an agent command,
// depending on the host's connection type - that routing lives below this
// interface, not in Manager.
type Executor interface {
	Start(ctx context.Context, hostID, shortID string) error
	Stop(ctx context.Context, hostID, shortID string) error
	Restart(ctx context.Context, hostID, shortID string) error
	AddTags(ctx context.Context, hostID, shortID, name string, tags []string) error
	RemoveTags(ctx context.Context, hostID, shortID, name string, tags []string) error
	SetAutoRestart(ctx context.Context, hostID, shortID, name string, enabled bool) error
	SetAutoUpdate(ctx context.Context, hostID, shortID, name string, enabled bool, floatingTagMode domain.FloatingTagMode) error
	SetDesiredState(ctx context.Context, hostID, shortID, name string, state domain.DesiredState) error
	CheckUpdates(ctx context.Context, hostID, shortID string) error
	DeleteContainer(ctx context.Context, hostID, shortID string) error
	UpdateContainer(ctx context.Context, hostID, shortID string) error
}

// Emitter publishes batch_job_update / batch_item_update events onto the
// control plane's event bus (C6).
type Emitter interface {
	Emit(eventType string, data map[string]interface{})
}

const defaultPerHostConcurrency = 5

// Manager schedules and runs batch jobs.
type Manager struct {
	store      Store
	lookup     ContainerLookup
	executor   Executor
	emitter    Emitter
	log        *logrus.Logger
	perHostCap int

	mu    sync.Mutex
	sems  map[string]chan struct{}
	clock func() time.Time
}

func New(store Store, lookup ContainerLookup, executor Executor, emitter Emitter, perHostCap int, log *logrus.Logger) *Manager {
	if perHostCap <= 0 {
		perHostCap = defaultPerHostConcurrency
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		store:      store,
		lookup:     lookup,
		executor:   executor,
		emitter:    emitter,
		perHostCap: perHostCap,
		log:        log,
		sems:       make(map[string]chan struct{}),
		clock:      time.Now,
	}
}

func (m *Manager) semaphoreFor(hostID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.sems[hostID]
	if !ok {
		sem = make(chan struct{}, m.perHostCap)
		m.sems[hostID] = sem
	}
	return sem
}

// CreateJob resolves containerIDs (composite host_id:short_id strings)
// against the current fleet, persists the job and its items, and starts
// processing in the background. It returns the job id immediately; the job
// runs to completion asynchronously.
func (m *Manager) CreateJob(ctx context.Context, userID string, action domain.BatchAction, containerIDs []string, params map[string]interface{}) (string, error) {
	all, err := m.lookup.AllContainers()
	if err != nil {
		return "", fmt.Errorf("batch: listing containers: %w", err)
	}
	byComposite := make(map[string]ContainerView, len(all))
	for _, c := range all {
		byComposite[c.HostID+":"+c.ShortID] = c
	}

	jobID := "job_" + uuid.NewString()[:12]
	job := &domain.BatchJob{
		ID:         jobID,
		UserID:     userID,
		Scope:      "container",
		Action:     action,
		Params:     params,
		Status:     domain.BatchJobQueued,
		TotalItems: len(containerIDs),
		CreatedAt:  m.clock(),
	}

	items := make([]*domain.BatchJobItem, 0, len(containerIDs))
	for _, id := range containerIDs {
		c, ok := byComposite[id]
		if !ok {
			m.log.WithField("container_id", id).Warn("batch: container not found, skipping")
			continue
		}
		items = append(items, &domain.BatchJobItem{
			ID:            uuid.NewString(),
			JobID:         jobID,
			ContainerID:   c.ShortID,
			ContainerName: c.Name,
			HostID:        c.HostID,
			HostName:      c.HostName,
			Status:        domain.BatchItemQueued,
		})
	}
	job.TotalItems = len(items)

	if err := m.store.CreateJob(job, items); err != nil {
		return "", fmt.Errorf("batch: creating job: %w", err)
	}
	m.log.WithFields(logrus.Fields{"job_id": jobID, "action": action, "items": len(items)}).Info("batch job created")

	go m.processJob(ctx, jobID)

	return jobID, nil
}

func (m *Manager) processJob(ctx context.Context, jobID string) {
	job, items, err := m.store.GetJob(jobID)
	if err != nil || job == nil {
		m.log.WithError(err).WithField("job_id", jobID).Error("batch: job not found for processing")
		return
	}

	startedAt := m.clock()
	job.Status = domain.BatchJobRunning
	job.StartedAt = &startedAt
	if err := m.store.UpdateJob(job); err != nil {
		m.log.WithError(err).Error("batch: persisting job start")
	}
	m.broadcastJobUpdate(jobID, string(domain.BatchJobRunning), "")

	var wg sync.WaitGroup
	for _, item := range items {
		if item.Status != domain.BatchItemQueued {
			continue
		}
		wg.Add(1)
		go func(it *domain.BatchJobItem) {
			defer wg.Done()
			m.processItem(ctx, job, it)
		}(item)
	}
	wg.Wait()

	job, _, err = m.store.GetJob(jobID)
	if err != nil || job == nil {
		m.log.WithError(err).Error("batch: job vanished after processing")
		return
	}
	completedAt := m.clock()
	job.CompletedAt = &completedAt
	switch {
	case job.ErrorItems > 0 && job.SuccessItems > 0:
		job.Status = domain.BatchJobPartial
	case job.ErrorItems > 0:
		job.Status = domain.BatchJobFailed
	default:
		job.Status = domain.BatchJobCompleted
	}
	if err := m.store.UpdateJob(job); err != nil {
		m.log.WithError(err).Error("batch: persisting job completion")
	}
	// Store write is committed above; broadcast only after it returns, so a
	// slow subscriber never holds the store's write path open.
	m.broadcastJobUpdate(jobID, string(job.Status), "")
	m.log.WithFields(logrus.Fields{"job_id": jobID, "status": job.Status}).Info("batch job finished")
}

func (m *Manager) processItem(ctx context.Context, job *domain.BatchJob, item *domain.BatchJobItem) {
	sem := m.semaphoreFor(item.HostID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		m.finishItem(job, item, domain.BatchItemError, "cancelled")
		return
	}
	defer func() { <-sem }()

	startedAt := m.clock()
	item.Status = domain.BatchItemRunning
	item.StartedAt = &startedAt
	if err := m.store.UpdateItem(item); err != nil {
		m.log.WithError(err).Error("batch: persisting item start")
	}
	m.broadcastItemUpdate(job.ID, item.ID, string(domain.BatchItemRunning), "")

	status, message := m.executeAction(ctx, job, item)
	m.finishItem(job, item, status, message)
}

func (m *Manager) finishItem(job *domain.BatchJob, item *domain.BatchJobItem, status domain.BatchItemStatus, message string) {
	completedAt := m.clock()
	item.Status = status
	item.Message = message
	item.CompletedAt = &completedAt
	if err := m.store.UpdateItem(item); err != nil {
		m.log.WithError(err).Error("batch: persisting item result")
	}

	m.mu.Lock()
	j, _, err := m.store.GetJob(job.ID)
	if err == nil && j != nil {
		j.CompletedItems++
		switch status {
		case domain.BatchItemSuccess:
			j.SuccessItems++
		case domain.BatchItemError:
			j.ErrorItems++
		case domain.BatchItemSkipped:
			j.SkippedItems++
		}
		if err := m.store.UpdateJob(j); err != nil {
			m.log.WithError(err).Error("batch: persisting job counters")
		}
	}
	m.mu.Unlock()

	m.broadcastItemUpdate(job.ID, item.ID, string(status), message)
}

// executeAction runs one item's idempotency check and underlying operation.
// It never returns an error to the caller; failures are reported in-band as
// {status: error, message}.
func (m *Manager) executeAction(ctx context.Context, job *domain.BatchJob, item *domain.BatchJobItem) (domain.BatchItemStatus, string) {
	current, err := m.lookup.Containers(item.HostID)
	if err != nil {
		return domain.BatchItemError, err.Error()
	}
	var container *ContainerView
	for i := range current {
		if current[i].ShortID == item.ContainerID {
			container = &current[i]
			break
		}
	}
	if container == nil {
		return domain.BatchItemError, "Container not found"
	}

	switch job.Action {
	case domain.BatchActionStart:
		if container.State == "running" {
			return domain.BatchItemSkipped, "Already running"
		}
		if err := m.executor.Start(ctx, item.HostID, item.ContainerID); err != nil {
			return domain.BatchItemError, err.Error()
		}
		return domain.BatchItemSuccess, "Started successfully"

	case domain.BatchActionStop:
		if container.State == "exited" || container.State == "stopped" || container.State == "created" {
			return domain.BatchItemSkipped, "Already stopped"
		}
		if err := m.executor.Stop(ctx, item.HostID, item.ContainerID); err != nil {
			return domain.BatchItemError, err.Error()
		}
		return domain.BatchItemSuccess, "Stopped successfully"

	case domain.BatchActionRestart:
		if err := m.executor.Restart(ctx, item.HostID, item.ContainerID); err != nil {
			return domain.BatchItemError, err.Error()
		}
		return domain.BatchItemSuccess, "Restarted successfully"

	case domain.BatchActionAddTags, domain.BatchActionRemoveTags:
		tags, ok := stringSlice(job.Params, "tags")
		if !ok || len(tags) == 0 {
			return domain.BatchItemError, "Missing tags parameter"
		}
		var err error
		if job.Action == domain.BatchActionAddTags {
			err = m.executor.AddTags(ctx, item.HostID, item.ContainerID, item.ContainerName, tags)
		} else {
			err = m.executor.RemoveTags(ctx, item.HostID, item.ContainerID, item.ContainerName, tags)
		}
		if err != nil {
			return domain.BatchItemError, err.Error()
		}
		verb := "Added"
		if job.Action == domain.BatchActionRemoveTags {
			verb = "Removed"
		}
		return domain.BatchItemSuccess, fmt.Sprintf("%s %d tag(s)", verb, len(tags))

	case domain.BatchActionSetAutoRestart:
		enabled, ok := boolParam(job.Params, "enabled")
		if !ok {
			return domain.BatchItemError, "Missing enabled parameter"
		}
		if err := m.executor.SetAutoRestart(ctx, item.HostID, item.ContainerID, item.ContainerName, enabled); err != nil {
			return domain.BatchItemError, err.Error()
		}
		return domain.BatchItemSuccess, autoToggleMessage("Auto-restart", enabled)

	case domain.BatchActionSetAutoUpdate:
		enabled, ok := boolParam(job.Params, "enabled")
		if !ok {
			return domain.BatchItemError, "Missing enabled parameter"
		}
		mode := domain.FloatingTagMode("exact")
		if raw, ok := job.Params["floating_tag_mode"].(string); ok && raw != "" {
			mode = domain.FloatingTagMode(raw)
		}
		if !validFloatingTagMode(mode) {
			return domain.BatchItemError, fmt.Sprintf("Invalid floating_tag_mode: %s", mode)
		}
		if err := m.executor.SetAutoUpdate(ctx, item.HostID, item.ContainerID, item.ContainerName, enabled, mode); err != nil {
			return domain.BatchItemError, err.Error()
		}
		msg := autoToggleMessage("Auto-update", enabled)
		if enabled {
			msg += fmt.Sprintf(" (%s mode)", mode)
		}
		return domain.BatchItemSuccess, msg

	case domain.BatchActionSetDesiredState:
		raw, ok := job.Params["desired_state"].(string)
		if !ok || raw == "" {
			return domain.BatchItemError, "Missing desired_state parameter"
		}
		state := domain.DesiredState(raw)
		if !validDesiredState(state) {
			return domain.BatchItemError, fmt.Sprintf("Invalid desired_state: %s", raw)
		}
		if err := m.executor.SetDesiredState(ctx, item.HostID, item.ContainerID, item.ContainerName, state); err != nil {
			return domain.BatchItemError, err.Error()
		}
		label := "On-Demand"
		if state == domain.DesiredStateShouldRun {
			label = "Should Run"
		}
		return domain.BatchItemSuccess, fmt.Sprintf("Desired state set to %s", label)

	case domain.BatchActionCheckUpdates:
		if err := m.executor.CheckUpdates(ctx, item.HostID, item.ContainerID); err != nil {
			return domain.BatchItemError, err.Error()
		}
		return domain.BatchItemSuccess, "Update check complete"

	case domain.BatchActionDeleteContainers:
		if err := m.executor.DeleteContainer(ctx, item.HostID, item.ContainerID); err != nil {
			return domain.BatchItemError, err.Error()
		}
		return domain.BatchItemSuccess, "Deleted successfully"

	case domain.BatchActionUpdateContainers:
		if err := m.executor.UpdateContainer(ctx, item.HostID, item.ContainerID); err != nil {
			return domain.BatchItemError, err.Error()
		}
		return domain.BatchItemSuccess, "Update started"

	default:
		return domain.BatchItemError, fmt.Sprintf("Unknown action: %s", job.Action)
	}
}

func (m *Manager) broadcastJobUpdate(jobID, status, message string) {
	job, _, err := m.store.GetJob(jobID)
	if err != nil || job == nil {
		m.emitter.Emit("batch_job_update", map[string]interface{}{"job_id": jobID, "status": status, "message": message})
		return
	}
	data := map[string]interface{}{
		"job_id":          jobID,
		"status":          status,
		"message":         message,
		"total_items":     job.TotalItems,
		"completed_items": job.CompletedItems,
		"success_items":   job.SuccessItems,
		"error_items":     job.ErrorItems,
		"skipped_items":   job.SkippedItems,
	}
	if job.StartedAt != nil {
		data["started_at"] = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		data["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	m.emitter.Emit("batch_job_update", data)
}

func (m *Manager) broadcastItemUpdate(jobID, itemID, status, message string) {
	m.emitter.Emit("batch_item_update", map[string]interface{}{
		"job_id":  jobID,
		"item_id": itemID,
		"status":  status,
		"message": message,
	})
}

func stringSlice(params map[string]interface{}, key string) ([]string, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func boolParam(params map[string]interface{}, key string) (bool, bool) {
	raw, ok := params[key]
	if !ok {
		return false, false
	}
	b, ok := raw.(bool)
	return b, ok
}

func autoToggleMessage(label string, enabled bool) string {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return fmt.Sprintf("%s %s", label, state)
}

func validFloatingTagMode(mode domain.FloatingTagMode) bool {
	switch mode {
	case "exact", "minor", "major", "latest":
		return true
	default:
		return false
	}
}

func validDesiredState(s domain.DesiredState) bool {
	switch s {
	case domain.DesiredStateShouldRun, domain.DesiredStateOnDemand, domain.DesiredStateUnspecified:
		return true
	default:
		return false
	}
}
