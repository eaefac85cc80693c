package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
)

type fakeStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.BatchJob
	items map[string][]*domain.BatchJobItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*domain.BatchJob{}, items: map[string][]*domain.BatchJobItem{}}
}

func (s *fakeStore) CreateJob(job *domain.BatchJob, items []*domain.BatchJobItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.items[job.ID] = items
	return nil
}

func (s *fakeStore) UpdateJob(job *domain.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) UpdateItem(item *domain.BatchJobItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items[item.JobID] {
		if it.ID == item.ID {
			*it = *item
		}
	}
	return nil
}

func (s *fakeStore) GetJob(jobID string) (*domain.BatchJob, []*domain.BatchJobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, nil
	}
	jobCopy := *j
	return &jobCopy, s.items[jobID], nil
}

type fakeLookup struct {
	all        []ContainerView
	perHost    map[string][]ContainerView
}

func (l *fakeLookup) AllContainers() ([]ContainerView, error) { return l.all, nil }
func (l *fakeLookup) Containers(hostID string) ([]ContainerView, error) {
	return l.perHost[hostID], nil
}

type trackingExecutor struct {
	mu         sync.Mutex
	maxInFlight map[string]int
	inFlight    map[string]int
}

func newTrackingExecutor() *trackingExecutor {
	return &trackingExecutor{maxInFlight: map[string]int{}, inFlight: map[string]int{}}
}

func (e *trackingExecutor) enter(hostID string) {
	e.mu.Lock()
	e.inFlight[hostID]++
	if e.inFlight[hostID] > e.maxInFlight[hostID] {
		e.maxInFlight[hostID] = e.inFlight[hostID]
	}
	e.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
}

func (e *trackingExecutor) leave(hostID string) {
	e.mu.Lock()
	e.inFlight[hostID]--
	e.mu.Unlock()
}

func (e *trackingExecutor) Start(ctx context.Context, hostID, shortID string) error {
	e.enter(hostID)
	defer e.leave(hostID)
	return nil
}
func (e *trackingExecutor) Stop(ctx context.Context, hostID, shortID string) error { return nil }
func (e *trackingExecutor) Restart(ctx context.Context, hostID, shortID string) error {
	return nil
}
func (e *trackingExecutor) AddTags(ctx context.Context, hostID, shortID, name string, tags []string) error {
	return nil
}
func (e *trackingExecutor) RemoveTags(ctx context.Context, hostID, shortID, name string, tags []string) error {
	return nil
}
func (e *trackingExecutor) SetAutoRestart(ctx context.Context, hostID, shortID, name string, enabled bool) error {
	return nil
}
func (e *trackingExecutor) SetAutoUpdate(ctx context.Context, hostID, shortID, name string, enabled bool, mode domain.FloatingTagMode) error {
	return nil
}
func (e *trackingExecutor) SetDesiredState(ctx context.Context, hostID, shortID, name string, state domain.DesiredState) error {
	return nil
}
func (e *trackingExecutor) CheckUpdates(ctx context.Context, hostID, shortID string) error {
	return nil
}
func (e *trackingExecutor) DeleteContainer(ctx context.Context, hostID, shortID string) error {
	return nil
}
func (e *trackingExecutor) UpdateContainer(ctx context.Context, hostID, shortID string) error {
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(eventType string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func waitForJob(t *testing.T, store *fakeStore, jobID string, terminal map[domain.BatchJobStatus]bool) *domain.BatchJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _, _ := store.GetJob(jobID)
		if job != nil && terminal[job.Status] {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return nil
}

func TestCreateJob_ConcurrencyCappedPerHost(t *testing.T) {
	var containers []ContainerView
	perHost := map[string][]ContainerView{}
	for i := 0; i < 12; i++ {
		c := ContainerView{HostID: "h1", ShortID: "c" + string(rune('a'+i)), Name: "svc", State: "exited"}
		containers = append(containers, c)
		perHost["h1"] = append(perHost["h1"], c)
	}
	lookup := &fakeLookup{all: containers, perHost: perHost}
	store := newFakeStore()
	executor := newTrackingExecutor()
	emitter := &recordingEmitter{}
	mgr := New(store, lookup, executor, emitter, 5, nil)

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.HostID+":"+c.ShortID)
	}

	jobID, err := mgr.CreateJob(context.Background(), "u1", domain.BatchActionStart, ids, nil)
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, map[domain.BatchJobStatus]bool{
		domain.BatchJobCompleted: true, domain.BatchJobPartial: true, domain.BatchJobFailed: true,
	})

	assert.Equal(t, domain.BatchJobCompleted, job.Status)
	assert.Equal(t, 12, job.SuccessItems)
	assert.LessOrEqual(t, executor.maxInFlight["h1"], 5, "per-host semaphore must cap concurrency at 5")
}

func TestCreateJob_IdempotentStartSkipsRunning(t *testing.T) {
	containers := []ContainerView{{HostID: "h1", ShortID: "c1", Name: "web", State: "running"}}
	lookup := &fakeLookup{all: containers, perHost: map[string][]ContainerView{"h1": containers}}
	store := newFakeStore()
	executor := newTrackingExecutor()
	emitter := &recordingEmitter{}
	mgr := New(store, lookup, executor, emitter, 5, nil)

	jobID, err := mgr.CreateJob(context.Background(), "u1", domain.BatchActionStart, []string{"h1:c1"}, nil)
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, map[domain.BatchJobStatus]bool{
		domain.BatchJobCompleted: true, domain.BatchJobPartial: true, domain.BatchJobFailed: true,
	})
	assert.Equal(t, 1, job.SkippedItems)
	assert.Equal(t, 0, job.SuccessItems)
}

func TestCreateJob_UnknownContainerIDSkippedAtCreation(t *testing.T) {
	containers := []ContainerView{{HostID: "h1", ShortID: "c1", Name: "web", State: "exited"}}
	lookup := &fakeLookup{all: containers, perHost: map[string][]ContainerView{"h1": containers}}
	store := newFakeStore()
	executor := newTrackingExecutor()
	emitter := &recordingEmitter{}
	mgr := New(store, lookup, executor, emitter, 5, nil)

	jobID, err := mgr.CreateJob(context.Background(), "u1", domain.BatchActionStart, []string{"h1:c1", "h1:missing"}, nil)
	require.NoError(t, err)

	job, items, _ := store.GetJob(jobID)
	assert.Equal(t, 1, job.TotalItems)
	assert.Len(t, items, 1)
}

func TestCreateJob_MissingTagsParamErrorsItem(t *testing.T) {
	containers := []ContainerView{{HostID: "h1", ShortID: "c1", Name: "web", State: "running"}}
	lookup := &fakeLookup{all: containers, perHost: map[string][]ContainerView{"h1": containers}}
	store := newFakeStore()
	executor := newTrackingExecutor()
	emitter := &recordingEmitter{}
	mgr := New(store, lookup, executor, emitter, 5, nil)

	jobID, err := mgr.CreateJob(context.Background(), "u1", domain.BatchActionAddTags, []string{"h1:c1"}, nil)
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, map[domain.BatchJobStatus]bool{
		domain.BatchJobCompleted: true, domain.BatchJobPartial: true, domain.BatchJobFailed: true,
	})
	assert.Equal(t, domain.BatchJobFailed, job.Status)
	assert.Equal(t, 1, job.ErrorItems)
}
