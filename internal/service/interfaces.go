package service

import (
	"context"
	"time"

	"activity-tracker/internal/bitbucket"
	"activity-tracker/internal/models"
)

// RemoteClient defines the interface for remote API operations
type RemoteClient interface {
	ListRepositories(ctx context.Context, workspace string) ([]bitbucket.RepositoryInfo, error)
	PullRequests(ctx context.Context, fullName string, states []string, since time.Time, maxPages int) ([]bitbucket.PullRequestInfo, error)
	PullRequestCommits(ctx context.Context, fullName string, prID int64, maxPages int) ([]bitbucket.CommitInfo, error)
	BranchCommits(ctx context.Context, fullName, branch string, since time.Time, maxPages int) ([]bitbucket.CommitInfo, error)
	AuthorCommits(ctx context.Context, fullName, author string, since time.Time, maxPages int) ([]bitbucket.CommitInfo, error)
	CurrentUser(ctx context.Context) (*bitbucket.UserInfo, error)
}

// Store defines the interface for local persistence operations
type Store interface {
	UpsertRepository(ctx context.Context, repo *models.Repository) error
	GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error)
	ListRepositories(ctx context.Context) ([]*models.Repository, error)
	CandidateRepositories(ctx context.Context, limit int) ([]string, error)
	DeactivateMissing(ctx context.Context, workspace string, seen []string) (int64, error)
	UpsertCommit(ctx context.Context, repositoryID int64, commit *models.Commit) error
	UpsertPullRequest(ctx context.Context, repositoryID int64, pr *models.PullRequest) error
	NeedsRefresh(ctx context.Context, repositories []string, maxDays int, staleAfter time.Duration) (bool, error)
	ReadLocal(ctx context.Context, maxDays int, repositories []string, author string) ([]models.ActivityRecord, error)
	Close() error
}
