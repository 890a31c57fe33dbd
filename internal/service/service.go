// Package service provides the core business logic for the activity tracker:
// the refresh orchestration against the remote API, the reconciling writes
// into the store and the cached read path.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"activity-tracker/internal/bitbucket"
	"activity-tracker/internal/cache"
	"activity-tracker/internal/config"
	"activity-tracker/internal/errs"
	"activity-tracker/internal/extract"
	"activity-tracker/internal/jobs"
	"activity-tracker/internal/models"
	"activity-tracker/internal/queue"

	"github.com/rs/zerolog"
)

const jobStatusPath = "/api/v1/refresh/"

// ProgressFunc receives human-readable progress messages during a refresh
type ProgressFunc func(message string)

// RefreshSummary reports what one refresh run accomplished. Commits counts
// distinct hashes, not store writes.
type RefreshSummary struct {
	ReposProcessed int  `json:"repos_processed"`
	ReposSkipped   int  `json:"repos_skipped"`
	Commits        int  `json:"commits"`
	PullRequests   int  `json:"pull_requests"`
	Truncated      bool `json:"truncated"`
}

func (r RefreshSummary) String() string {
	msg := fmt.Sprintf("synced %d commits and %d pull requests across %d repositories",
		r.Commits, r.PullRequests, r.ReposProcessed)
	if r.ReposSkipped > 0 {
		msg += fmt.Sprintf(" (%d skipped)", r.ReposSkipped)
	}
	if r.Truncated {
		msg += ", stopped at time budget"
	}
	return msg
}

// Service handles the core business logic
type Service struct {
	client  RemoteClient
	store   Store
	tracker *jobs.Tracker
	queue   queue.Queue
	cache   *cache.ResponseCache
	cfg     *config.Config
	log     zerolog.Logger
}

// New creates a new service instance
func New(client RemoteClient, store Store, tracker *jobs.Tracker, q queue.Queue, rc *cache.ResponseCache, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		client:  client,
		store:   store,
		tracker: tracker,
		queue:   q,
		cache:   rc,
		cfg:     cfg,
		log:     log,
	}
}

// Close closes the service and its resources
func (s *Service) Close() error {
	return s.store.Close()
}

// Refresh runs one full fetch pass: pull requests first, then their commits,
// then main-branch commits, then the author-wide sweep when an author filter
// is set. A repository that fails is logged and skipped; partial results
// already written stay. The run stops early, without error, when the time
// budget runs out, and returns ErrCancelled when the token fires.
func (s *Service) Refresh(ctx context.Context, params models.RefreshParams, token *jobs.Token, progress ProgressFunc) (RefreshSummary, error) {
	if progress == nil {
		progress = func(string) {}
	}

	now := time.Now().UTC()
	since := params.Since(now)
	deadline := now.Add(s.cfg.Refresh.TimeBudget)
	summary := RefreshSummary{}

	targets, err := s.refreshTargets(ctx, params)
	if err != nil {
		return summary, err
	}
	if len(targets) == 0 {
		progress("no repositories to refresh")
		return summary, nil
	}

	for i, fullName := range targets {
		if err := checkpoint(ctx, token); err != nil {
			return summary, err
		}
		if time.Now().After(deadline) {
			summary.Truncated = true
			s.log.Warn().
				Str("repository", fullName).
				Int("remaining", len(targets)-i).
				Msg("Refresh time budget exhausted")
			break
		}

		progress(fmt.Sprintf("fetching %s (%d/%d)", fullName, i+1, len(targets)))

		phase := repoPhase{fullName: fullName, index: i + 1, total: len(targets), progress: progress}
		commits, prs, err := s.refreshRepository(ctx, token, phase, since, params.Author)
		if errors.Is(err, errs.ErrCancelled) || ctx.Err() != nil {
			summary.Commits += commits
			summary.PullRequests += prs
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			return summary, errs.ErrCancelled
		}
		if err != nil {
			summary.ReposSkipped++
			s.log.Warn().Err(err).Str("repository", fullName).Msg("Skipping repository after fetch failure")
			continue
		}

		summary.ReposProcessed++
		summary.Commits += commits
		summary.PullRequests += prs
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// New data invalidates every assembled response.
	s.cache.Purge()

	progress(summary.String())
	s.log.Info().
		Int("commits", summary.Commits).
		Int("pull_requests", summary.PullRequests).
		Int("repos_processed", summary.ReposProcessed).
		Int("repos_skipped", summary.ReposSkipped).
		Bool("truncated", summary.Truncated).
		Msg("Refresh finished")
	return summary, nil
}

// refreshTargets resolves which repositories this run covers: the requested
// subset when given, otherwise the stored priority list, discovering
// repositories from the remote on a cold start.
func (s *Service) refreshTargets(ctx context.Context, params models.RefreshParams) ([]string, error) {
	limit := s.cfg.Refresh.MaxRepositories

	if len(params.Repositories) > 0 {
		targets := params.Repositories
		if len(targets) > limit {
			targets = targets[:limit]
		}
		return targets, nil
	}

	targets, err := s.store.CandidateRepositories(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		return targets, nil
	}

	if _, _, err := s.SyncRepositories(ctx); err != nil {
		return nil, err
	}
	return s.store.CandidateRepositories(ctx, limit)
}

// repoPhase carries one repository's position in the run plus the progress
// sink its sub-phases report into.
type repoPhase struct {
	fullName string
	index    int
	total    int
	progress ProgressFunc
}

func (p repoPhase) report(format string, args ...interface{}) {
	prefix := fmt.Sprintf("%s (%d/%d): ", p.fullName, p.index, p.total)
	p.progress(prefix + fmt.Sprintf(format, args...))
}

// refreshRepository fetches one repository's activity in phase order and
// reconciles it into the store, reporting progress after every sub-phase.
// Commits are counted once per hash no matter how many phases see them.
func (s *Service) refreshRepository(ctx context.Context, token *jobs.Token, phase repoPhase, since time.Time, author string) (int, int, error) {
	fullName := phase.fullName

	repo, err := s.ensureRepository(ctx, fullName)
	if err != nil {
		return 0, 0, err
	}

	maxPages := s.cfg.Refresh.MaxPages
	seen := map[string]bool{}
	countCommit := func(hash string) {
		seen[hash] = true
	}

	prs, err := s.client.PullRequests(ctx, fullName, models.AllPRStates, since, maxPages)
	if err != nil {
		return 0, 0, err
	}

	for _, info := range prs {
		pr := pullRequestFromInfo(info)
		if err := s.store.UpsertPullRequest(ctx, repo.ID, &pr); err != nil {
			return len(seen), 0, err
		}
	}
	phase.report("%d pull requests", len(prs))

	for _, info := range prs {
		if err := checkpoint(ctx, token); err != nil {
			return len(seen), len(prs), err
		}

		prCommits, err := s.client.PullRequestCommits(ctx, fullName, info.ID, maxPages)
		if err != nil {
			return len(seen), len(prs), err
		}

		// The PR's source branch is the most specific attribution we have;
		// the message is only consulted when the branch is missing.
		branch := info.SourceBranch()
		if branch == "" {
			branch = extract.BranchFromPRTitle(info.Title)
		}
		prID := info.ID
		for _, ci := range prCommits {
			if ci.Date != nil && ci.Date.Before(since) {
				continue
			}
			commit := commitFromInfo(ci, branch, &prID)
			if err := s.store.UpsertCommit(ctx, repo.ID, &commit); err != nil {
				return len(seen), len(prs), err
			}
			countCommit(ci.Hash)
		}
	}
	phase.report("%d commits after pull request commits", len(seen))

	for _, branch := range models.GenericBranches {
		if err := checkpoint(ctx, token); err != nil {
			return len(seen), len(prs), err
		}

		branchCommits, err := s.client.BranchCommits(ctx, fullName, branch, since, maxPages)
		if err != nil {
			if isNotFoundStatus(err) {
				continue
			}
			return len(seen), len(prs), err
		}

		for _, ci := range branchCommits {
			commit := commitFromInfo(ci, branch, nil)
			// A merge commit on an integration branch usually names the
			// feature branch it merged; prefer that over the generic name.
			if extracted := extract.BranchFromMessage(ci.Message); extracted != "" && !models.IsGenericBranch(extracted) {
				commit.Branch = extracted
			}
			if err := s.store.UpsertCommit(ctx, repo.ID, &commit); err != nil {
				return len(seen), len(prs), err
			}
			countCommit(ci.Hash)
		}
	}
	phase.report("%d commits after integration branches", len(seen))

	if author != "" {
		if err := checkpoint(ctx, token); err != nil {
			return len(seen), len(prs), err
		}

		authorCommits, err := s.client.AuthorCommits(ctx, fullName, author, since, maxPages)
		if err != nil {
			return len(seen), len(prs), err
		}

		for _, ci := range authorCommits {
			// The server-side author filter is approximate; drop anything
			// that does not actually match.
			if !models.AuthorMatches(author, ci.AuthorRaw(), ci.Username()) {
				continue
			}
			branch := extract.BranchFromMessage(ci.Message)
			commit := commitFromInfo(ci, branch, nil)
			if err := s.store.UpsertCommit(ctx, repo.ID, &commit); err != nil {
				return len(seen), len(prs), err
			}
			countCommit(ci.Hash)
		}
		phase.report("%d commits after author sweep", len(seen))
	}

	return len(seen), len(prs), nil
}

// GetActivity serves the activity feed. A fresh cache entry wins outright.
// Otherwise local data is served, stale data triggers a background refresh,
// and an empty store is refreshed inline when it fits the synchronous
// budget, falling back to a background job when it does not.
func (s *Service) GetActivity(ctx context.Context, params models.RefreshParams, force bool) (models.ActivityResult, error) {
	if !force {
		if res, ok := s.cache.Get(params); ok {
			return res, nil
		}
	}

	needs := force
	if !needs {
		n, err := s.store.NeedsRefresh(ctx, params.Repositories, params.MaxDays, s.cfg.Refresh.StaleAfter)
		if err != nil {
			return models.ActivityResult{}, err
		}
		needs = n
	}

	records, err := s.store.ReadLocal(ctx, params.MaxDays, params.Repositories, params.Author)
	if err != nil {
		return models.ActivityResult{}, err
	}

	if !needs {
		return s.cacheAndReturn(params, records), nil
	}

	if len(records) > 0 && !force {
		// Serve what we have, refresh behind the response.
		rec, err := s.StartRefreshJob(params)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to start background refresh")
			return models.ActivityResult{Records: records}, nil
		}
		return models.ActivityResult{
			Records:   records,
			JobID:     rec.ID,
			StatusURL: jobStatusPath + rec.ID,
		}, nil
	}

	// Nothing usable locally: refresh inline, bounded so the request does
	// not hang on a slow remote.
	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.Refresh.SyncTimeBudget)
	defer cancel()

	if _, err := s.Refresh(syncCtx, params, nil, nil); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || syncCtx.Err() != nil {
			rec, jobErr := s.StartRefreshJob(params)
			if jobErr != nil {
				return models.ActivityResult{}, jobErr
			}
			return models.ActivityResult{
				Records:   records,
				JobID:     rec.ID,
				StatusURL: jobStatusPath + rec.ID,
			}, nil
		}
		return models.ActivityResult{}, err
	}

	records, err = s.store.ReadLocal(ctx, params.MaxDays, params.Repositories, params.Author)
	if err != nil {
		return models.ActivityResult{}, err
	}
	return s.cacheAndReturn(params, records), nil
}

func (s *Service) cacheAndReturn(params models.RefreshParams, records []models.ActivityRecord) models.ActivityResult {
	res := models.ActivityResult{Records: records}
	s.cache.Set(params, res)
	res.ExpiresAt = time.Now().Add(s.cfg.Cache.ActivityTTL)
	return res
}

// StartRefreshJob registers a tracked job and enqueues it for a worker
func (s *Service) StartRefreshJob(params models.RefreshParams) (jobs.Record, error) {
	rec := s.tracker.Create(params)

	payload, err := json.Marshal(queue.RefreshPayload{Params: params})
	if err != nil {
		return jobs.Record{}, err
	}
	if err := s.queue.Enqueue(&queue.Job{ID: rec.ID, Payload: payload}); err != nil {
		_ = s.tracker.Fail(rec.ID, "failed to enqueue: "+err.Error())
		return jobs.Record{}, err
	}

	s.log.Info().Str("job_id", rec.ID).Msg("Refresh job enqueued")
	return rec, nil
}

// GetJobStatus returns one job's status
func (s *Service) GetJobStatus(jobID string) (jobs.Record, error) {
	return s.tracker.Get(jobID)
}

// GetLatestJobStatus returns the most recently updated job's status
func (s *Service) GetLatestJobStatus() (jobs.Record, error) {
	return s.tracker.Latest()
}

// CancelJob cancels a queued or running job. A queued job is also removed
// from the queue so no worker picks it up; a running one winds down at its
// next checkpoint.
func (s *Service) CancelJob(jobID string) (jobs.Record, error) {
	rec, err := s.tracker.Cancel(jobID)
	if err != nil {
		return rec, err
	}
	if _, err := s.queue.Remove(jobID); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to remove cancelled job from queue")
	}
	return rec, nil
}

// ListRepositories returns the locally known active repositories
func (s *Service) ListRepositories(ctx context.Context) ([]*models.Repository, error) {
	return s.store.ListRepositories(ctx)
}

// TestAuthentication verifies the configured credentials against the remote
func (s *Service) TestAuthentication(ctx context.Context) (*bitbucket.UserInfo, error) {
	return s.client.CurrentUser(ctx)
}

// ClearCache drops every cached response and returns how many were live
func (s *Service) ClearCache() int {
	n := s.cache.Len()
	s.cache.Purge()
	s.log.Info().Int("entries", n).Msg("Response cache cleared")
	return n
}

// SyncRepositories reconciles the workspace's repository list: every remote
// repository is upserted and locally known repositories missing from the
// remote are deactivated. Returns how many were synced and deactivated.
func (s *Service) SyncRepositories(ctx context.Context) (int, int64, error) {
	workspace := s.cfg.Bitbucket.Workspace

	infos, err := s.client.ListRepositories(ctx, workspace)
	if err != nil {
		return 0, 0, err
	}

	seen := make([]string, 0, len(infos))
	for _, info := range infos {
		repo := repositoryFromInfo(info, workspace)
		if err := s.store.UpsertRepository(ctx, &repo); err != nil {
			return len(seen), 0, err
		}
		seen = append(seen, repo.FullName)
	}

	deactivated, err := s.store.DeactivateMissing(ctx, workspace, seen)
	if err != nil {
		return len(seen), 0, err
	}

	s.log.Info().
		Int("synced", len(seen)).
		Int64("deactivated", deactivated).
		Str("workspace", workspace).
		Msg("Repository list synced")
	return len(seen), deactivated, nil
}

// SyncCommits fetches main-branch commits for a single repository. Unlike
// the orchestrated refresh, errors surface directly; this is the debugging
// path.
func (s *Service) SyncCommits(ctx context.Context, fullName string, maxDays int) (int, error) {
	repo, err := s.ensureRepository(ctx, fullName)
	if err != nil {
		return 0, err
	}

	since := time.Now().UTC().AddDate(0, 0, -maxDays)
	count := 0
	for _, branch := range models.GenericBranches {
		commits, err := s.client.BranchCommits(ctx, fullName, branch, since, s.cfg.Refresh.MaxPages)
		if err != nil {
			if isNotFoundStatus(err) {
				continue
			}
			return count, err
		}
		for _, ci := range commits {
			commit := commitFromInfo(ci, branch, nil)
			if extracted := extract.BranchFromMessage(ci.Message); extracted != "" && !models.IsGenericBranch(extracted) {
				commit.Branch = extracted
			}
			if err := s.store.UpsertCommit(ctx, repo.ID, &commit); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// SyncPullRequests fetches pull requests for a single repository, errors
// surfacing directly.
func (s *Service) SyncPullRequests(ctx context.Context, fullName string, maxDays int) (int, error) {
	repo, err := s.ensureRepository(ctx, fullName)
	if err != nil {
		return 0, err
	}

	since := time.Now().UTC().AddDate(0, 0, -maxDays)
	prs, err := s.client.PullRequests(ctx, fullName, models.AllPRStates, since, s.cfg.Refresh.MaxPages)
	if err != nil {
		return 0, err
	}

	for _, info := range prs {
		pr := pullRequestFromInfo(info)
		if err := s.store.UpsertPullRequest(ctx, repo.ID, &pr); err != nil {
			return 0, err
		}
	}
	return len(prs), nil
}

// ensureRepository returns the stored repository row, creating a minimal
// active one when the repository is being fetched for the first time.
func (s *Service) ensureRepository(ctx context.Context, fullName string) (*models.Repository, error) {
	repo, err := s.store.GetRepositoryByFullName(ctx, fullName)
	if err != nil {
		return nil, err
	}
	if repo != nil {
		return repo, nil
	}

	workspace, name, err := splitFullName(fullName)
	if err != nil {
		return nil, err
	}
	repo = &models.Repository{
		Workspace: workspace,
		Name:      name,
		FullName:  fullName,
		IsActive:  true,
	}
	if err := s.store.UpsertRepository(ctx, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

func splitFullName(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.NewValidationError("repository", "must be in workspace/name form: "+fullName)
	}
	return parts[0], parts[1], nil
}

// checkpoint is the cooperative cancellation point: context first, then the
// job's token.
func checkpoint(ctx context.Context, token *jobs.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token.Cancelled() {
		return errs.ErrCancelled
	}
	return nil
}

func isNotFoundStatus(err error) bool {
	var apiErr *errs.RemoteAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

func repositoryFromInfo(info bitbucket.RepositoryInfo, workspace string) models.Repository {
	if info.Workspace != nil && info.Workspace.Slug != "" {
		workspace = info.Workspace.Slug
	}
	fullName := info.FullName
	if fullName == "" {
		fullName = workspace + "/" + info.Slug
	}
	repo := models.Repository{
		Workspace:       workspace,
		Name:            info.Slug,
		FullName:        fullName,
		Language:        info.Language,
		IsActive:        true,
		RemoteUpdatedOn: info.UpdatedOn,
	}
	if info.IsPrivate != nil {
		repo.IsPrivate = *info.IsPrivate
	}
	return repo
}

func pullRequestFromInfo(info bitbucket.PullRequestInfo) models.PullRequest {
	pr := models.PullRequest{
		RemoteID:          info.ID,
		Title:             info.Title,
		Author:            info.AuthorName(),
		State:             info.State,
		SourceBranch:      info.SourceBranch(),
		DestinationBranch: info.DestinationBranch(),
	}
	if pr.SourceBranch == "" {
		pr.SourceBranch = extract.BranchFromPRTitle(info.Title)
	}
	if ticket := extract.Ticket(info.Title); ticket != "" {
		pr.Ticket = &ticket
	}
	if info.CreatedOn != nil {
		pr.CreatedOn = *info.CreatedOn
	}
	if info.UpdatedOn != nil {
		pr.UpdatedOn = *info.UpdatedOn
	} else {
		pr.UpdatedOn = pr.CreatedOn
	}
	return pr
}

func commitFromInfo(info bitbucket.CommitInfo, branch string, prID *int64) models.Commit {
	commit := models.Commit{
		Hash:      info.Hash,
		Message:   info.Message,
		AuthorRaw: info.AuthorRaw(),
		Branch:    branch,
	}
	if username := info.Username(); username != "" {
		commit.AuthorUsername = &username
	}
	if ticket := extract.Ticket(info.Message); ticket != "" {
		commit.Ticket = &ticket
	}
	if prID != nil {
		id := *prID
		commit.PullRequestID = &id
	}
	if info.Date != nil {
		commit.CommitDate = *info.Date
	} else {
		commit.CommitDate = time.Now().UTC()
	}
	return commit
}
