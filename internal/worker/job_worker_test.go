package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"activity-tracker/internal/bitbucket"
	"activity-tracker/internal/cache"
	"activity-tracker/internal/config"
	"activity-tracker/internal/errs"
	"activity-tracker/internal/jobs"
	"activity-tracker/internal/models"
	"activity-tracker/internal/queue"
	"activity-tracker/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient serves canned remote responses; hooks let tests interfere
// mid-run.
type stubClient struct {
	mu          sync.Mutex
	prCalls     int
	onPullReqs  func()
	mainCommits []bitbucket.CommitInfo
}

func (c *stubClient) ListRepositories(context.Context, string) ([]bitbucket.RepositoryInfo, error) {
	return nil, nil
}

func (c *stubClient) PullRequests(context.Context, string, []string, time.Time, int) ([]bitbucket.PullRequestInfo, error) {
	c.mu.Lock()
	c.prCalls++
	hook := c.onPullReqs
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil, nil
}

func (c *stubClient) PullRequestCommits(context.Context, string, int64, int) ([]bitbucket.CommitInfo, error) {
	return nil, nil
}

func (c *stubClient) BranchCommits(_ context.Context, _ string, branch string, _ time.Time, _ int) ([]bitbucket.CommitInfo, error) {
	if branch != "main" {
		return nil, errs.NewRemoteAPIError(404, "/commits/"+branch, "branch not found", nil)
	}
	return c.mainCommits, nil
}

func (c *stubClient) AuthorCommits(context.Context, string, string, time.Time, int) ([]bitbucket.CommitInfo, error) {
	return nil, nil
}

func (c *stubClient) CurrentUser(context.Context) (*bitbucket.UserInfo, error) {
	return &bitbucket.UserInfo{Username: "tester"}, nil
}

// stubStore is the minimal in-memory Store the refresh needs
type stubStore struct {
	mu            sync.Mutex
	repos         map[string]*models.Repository
	nextRepoID    int64
	commits       int
	candidates    []string
	candidatesErr error
}

func newStubStore(candidates ...string) *stubStore {
	return &stubStore{repos: map[string]*models.Repository{}, candidates: candidates}
}

func (s *stubStore) UpsertRepository(_ context.Context, repo *models.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.repos[repo.FullName]; ok {
		repo.ID = existing.ID
	} else {
		s.nextRepoID++
		repo.ID = s.nextRepoID
	}
	clone := *repo
	s.repos[repo.FullName] = &clone
	return nil
}

func (s *stubStore) GetRepositoryByFullName(_ context.Context, fullName string) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[fullName]
	if !ok {
		return nil, nil
	}
	clone := *repo
	return &clone, nil
}

func (s *stubStore) ListRepositories(context.Context) ([]*models.Repository, error) { return nil, nil }

func (s *stubStore) CandidateRepositories(context.Context, int) ([]string, error) {
	return s.candidates, s.candidatesErr
}

func (s *stubStore) DeactivateMissing(context.Context, string, []string) (int64, error) {
	return 0, nil
}

func (s *stubStore) UpsertCommit(_ context.Context, _ int64, _ *models.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func (s *stubStore) UpsertPullRequest(context.Context, int64, *models.PullRequest) error { return nil }

func (s *stubStore) NeedsRefresh(context.Context, []string, int, time.Duration) (bool, error) {
	return false, nil
}

func (s *stubStore) ReadLocal(context.Context, int, []string, string) ([]models.ActivityRecord, error) {
	return nil, nil
}

func (s *stubStore) Close() error { return nil }

// memQueue mirrors the postgres queue semantics in memory
type memQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (q *memQueue) Enqueue(job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = queue.JobStatusPending
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Dequeue() (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.Status == queue.JobStatusPending {
			job.Status = queue.JobStatusRunning
			return job, nil
		}
	}
	return nil, nil
}

func (q *memQueue) Complete(jobID string) error { return q.setStatus(jobID, queue.JobStatusComplete) }

func (q *memQueue) Fail(jobID string, _ error) error { return q.setStatus(jobID, queue.JobStatusFailed) }

func (q *memQueue) Release(jobID string) error { return q.setStatus(jobID, queue.JobStatusPending) }

func (q *memQueue) Remove(jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.jobs {
		if job.ID == jobID && job.Status == queue.JobStatusPending {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) setStatus(jobID string, status queue.JobStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.ID == jobID {
			job.Status = status
		}
	}
	return nil
}

func (q *memQueue) statusOf(jobID string) queue.JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.ID == jobID {
			return job.Status
		}
	}
	return ""
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Bitbucket.Workspace = "acme"
	cfg.Refresh = config.RefreshConfig{
		MaxRepositories: 10,
		MaxPages:        5,
		TimeBudget:      time.Minute,
		SyncTimeBudget:  time.Second,
		StaleAfter:      30 * time.Minute,
		Workers:         1,
	}
	cfg.Cache = config.CacheConfig{ActivityTTL: time.Minute, JobTTL: time.Hour}
	return cfg
}

type harness struct {
	svc     *service.Service
	queue   *memQueue
	tracker *jobs.Tracker
	worker  *JobWorker
}

func newHarness(client service.RemoteClient, store service.Store) *harness {
	q := &memQueue{}
	tracker := jobs.NewTracker(time.Hour)
	svc := service.New(client, store, tracker, q, cache.NewResponseCache(time.Minute), testConfig(), zerolog.Nop())
	w := NewJobWorker(q, svc, tracker, zerolog.Nop())
	return &harness{svc: svc, queue: q, tracker: tracker, worker: w}
}

func commitOnMain(hash string) bitbucket.CommitInfo {
	date := time.Now().UTC()
	return bitbucket.CommitInfo{
		Hash:    hash,
		Message: "change " + hash,
		Date:    &date,
		Author:  &bitbucket.CommitAuthor{Raw: "Jane Doe <jane@example.com>"},
	}
}

func TestProcessNextJob_CompletedWithSummary(t *testing.T) {
	client := &stubClient{mainCommits: []bitbucket.CommitInfo{commitOnMain("abc123")}}
	store := newStubStore("acme/api")
	h := newHarness(client, store)

	rec, err := h.svc.StartRefreshJob(models.RefreshParams{MaxDays: 7})
	require.NoError(t, err)

	require.NoError(t, h.worker.processNextJob(context.Background()))

	got, err := h.tracker.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Contains(t, got.Message, "synced 1 commits")
	assert.Equal(t, queue.JobStatusComplete, h.queue.statusOf(rec.ID))
	assert.Equal(t, 1, store.commits)
}

func TestProcessNextJob_FailureCapturesMessage(t *testing.T) {
	store := newStubStore()
	store.candidatesErr = errors.New("connection refused")
	h := newHarness(&stubClient{}, store)

	rec, err := h.svc.StartRefreshJob(models.RefreshParams{MaxDays: 7})
	require.NoError(t, err)

	require.NoError(t, h.worker.processNextJob(context.Background()))

	got, err := h.tracker.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.Message, "connection refused")
	assert.Equal(t, queue.JobStatusFailed, h.queue.statusOf(rec.ID))
}

func TestProcessNextJob_CancelledMidRunEndsCancelled(t *testing.T) {
	client := &stubClient{}
	h := newHarness(client, newStubStore("acme/api", "acme/web"))

	rec, err := h.svc.StartRefreshJob(models.RefreshParams{MaxDays: 7})
	require.NoError(t, err)

	// cancel while the first repository is being fetched; the run must wind
	// down at the next checkpoint
	client.onPullReqs = func() {
		_, _ = h.tracker.Cancel(rec.ID)
	}

	require.NoError(t, h.worker.processNextJob(context.Background()))

	got, err := h.tracker.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, got.Status)
	assert.Equal(t, queue.JobStatusComplete, h.queue.statusOf(rec.ID))
	assert.Equal(t, 1, client.prCalls)
}

func TestProcessNextJob_CancelledBeforePickupNeverRuns(t *testing.T) {
	client := &stubClient{}
	h := newHarness(client, newStubStore("acme/api"))

	rec, err := h.svc.StartRefreshJob(models.RefreshParams{MaxDays: 7})
	require.NoError(t, err)

	cancelled, err := h.svc.CancelJob(rec.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, cancelled.Status)

	// CancelJob already removed the pending row; a stale claim must still
	// resolve without running
	require.NoError(t, h.queue.Enqueue(&queue.Job{ID: rec.ID, Payload: mustPayload(t)}))
	require.NoError(t, h.worker.processNextJob(context.Background()))

	got, err := h.tracker.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, got.Status)
	assert.Equal(t, queue.JobStatusComplete, h.queue.statusOf(rec.ID))
	assert.Equal(t, 0, client.prCalls)
}

func TestProcessNextJob_ShutdownReleasesJob(t *testing.T) {
	h := newHarness(&stubClient{}, newStubStore("acme/api"))

	rec, err := h.svc.StartRefreshJob(models.RefreshParams{MaxDays: 7})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.worker.processNextJob(ctx))

	// back to pending for the next start, and not marked failed
	assert.Equal(t, queue.JobStatusPending, h.queue.statusOf(rec.ID))
	got, err := h.tracker.Get(rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, jobs.StatusFailed, got.Status)
}

func TestProcessNextJob_EmptyQueue(t *testing.T) {
	h := newHarness(&stubClient{}, newStubStore())
	assert.NoError(t, h.worker.processNextJob(context.Background()))
}

func TestProcessNextJob_MalformedPayloadFailsJob(t *testing.T) {
	h := newHarness(&stubClient{}, newStubStore())

	job := &queue.Job{ID: "broken", Payload: json.RawMessage(`{`)}
	require.NoError(t, h.queue.Enqueue(job))

	require.NoError(t, h.worker.processNextJob(context.Background()))
	assert.Equal(t, queue.JobStatusFailed, h.queue.statusOf("broken"))
}

func mustPayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(queue.RefreshPayload{Params: models.RefreshParams{MaxDays: 7}})
	require.NoError(t, err)
	return raw
}
