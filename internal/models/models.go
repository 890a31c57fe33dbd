package models

import (
	"encoding/json"
	"time"
)

// Repository represents a tracked remote repository
type Repository struct {
	ID              int64      `json:"id" db:"id"`
	Workspace       string     `json:"workspace" db:"workspace"`
	Name            string     `json:"name" db:"name"`
	FullName        string     `json:"full_name" db:"full_name"`
	Language        *string    `json:"language,omitempty" db:"language"`
	IsPrivate       bool       `json:"is_private" db:"is_private"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	RemoteUpdatedOn *time.Time `json:"remote_updated_on,omitempty" db:"remote_updated_on"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Commit represents a commit stored locally. Identity is (repository, hash);
// re-fetching the same hash updates the row in place.
type Commit struct {
	ID             int64           `json:"id" db:"id"`
	RepositoryID   int64           `json:"repository_id" db:"repository_id"`
	Hash           string          `json:"hash" db:"hash"`
	Message        string          `json:"message" db:"message"`
	AuthorRaw      string          `json:"author_raw" db:"author_raw"`
	AuthorUsername *string         `json:"author_username,omitempty" db:"author_username"`
	Ticket         *string         `json:"ticket,omitempty" db:"ticket"`
	Branch         string          `json:"branch" db:"branch"`
	PullRequestID  *int64          `json:"pull_request_id,omitempty" db:"pull_request_id"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CommitDate     time.Time       `json:"commit_date" db:"commit_date"`
	LastFetchedAt  time.Time       `json:"last_fetched_at" db:"last_fetched_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Pull request states as reported by the remote API. MERGED, DECLINED and
// SUPERSEDED are terminal; OPEN is the only non-terminal state.
const (
	PRStateOpen       = "OPEN"
	PRStateMerged     = "MERGED"
	PRStateDeclined   = "DECLINED"
	PRStateSuperseded = "SUPERSEDED"
)

// AllPRStates lists every pull request state the refresh queries for
var AllPRStates = []string{PRStateOpen, PRStateMerged, PRStateDeclined, PRStateSuperseded}

// PullRequest represents a pull request stored locally, keyed by
// (repository, remote id).
type PullRequest struct {
	ID                int64           `json:"id" db:"id"`
	RepositoryID      int64           `json:"repository_id" db:"repository_id"`
	RemoteID          int64           `json:"remote_id" db:"remote_id"`
	Title             string          `json:"title" db:"title"`
	Author            string          `json:"author" db:"author"`
	State             string          `json:"state" db:"state"`
	Ticket            *string         `json:"ticket,omitempty" db:"ticket"`
	SourceBranch      string          `json:"source_branch" db:"source_branch"`
	DestinationBranch string          `json:"destination_branch" db:"destination_branch"`
	Metadata          json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedOn         time.Time       `json:"created_on" db:"created_on"`
	UpdatedOn         time.Time       `json:"updated_on" db:"updated_on"`
	LastFetchedAt     time.Time       `json:"last_fetched_at" db:"last_fetched_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Activity record kinds
const (
	ActivityKindCommit      = "commit"
	ActivityKindPullRequest = "pull_request"
)

// ActivityRecord is one merged entry of the activity feed: either a commit or
// a pull request, tagged by kind and carrying its natural date for ordering.
type ActivityRecord struct {
	Kind       string    `json:"kind"`
	Repository string    `json:"repository"`
	Date       time.Time `json:"date"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Branch     string    `json:"branch,omitempty"`
	Ticket     *string   `json:"ticket,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	RemoteID   int64     `json:"remote_id,omitempty"`
	State      string    `json:"state,omitempty"`
}

// RefreshParams is the requested parameter snapshot of one refresh: day
// window, optional repository subset and optional author filter.
type RefreshParams struct {
	MaxDays      int      `json:"max_days"`
	Repositories []string `json:"repositories,omitempty"`
	Author       string   `json:"author,omitempty"`
}

// Since returns the inclusive lower bound of the refresh window
func (p RefreshParams) Since(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.MaxDays).Truncate(24 * time.Hour)
}

// ActivityResult is what the read path returns: the merged records plus
// caching and background-job bookkeeping.
type ActivityResult struct {
	Records   []ActivityRecord `json:"records"`
	Cached    bool             `json:"cached"`
	ExpiresAt time.Time        `json:"expires_at"`
	JobID     string           `json:"job_id,omitempty"`
	StatusURL string           `json:"status_url,omitempty"`
}
