package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"activity-tracker/internal/errs"
	"activity-tracker/internal/models"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the local persistence layer: repositories, commits and pull
// requests, reconciled by upserts keyed on natural identity.
type Store struct {
	db *sql.DB
}

// New opens a postgres connection, applies pending migrations and returns
// the store.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for collaborators sharing it (queue)
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies all pending schema migrations
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// UpsertRepository inserts or updates a repository keyed by full_name. The
// row's id and created_at are filled back into repo.
func (s *Store) UpsertRepository(ctx context.Context, repo *models.Repository) error {
	query := `
		INSERT INTO repositories (
			workspace, name, full_name, language, is_private, is_active, remote_updated_on
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (full_name) DO UPDATE SET
			workspace = EXCLUDED.workspace,
			name = EXCLUDED.name,
			language = EXCLUDED.language,
			is_private = EXCLUDED.is_private,
			is_active = EXCLUDED.is_active,
			remote_updated_on = EXCLUDED.remote_updated_on,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		repo.Workspace, repo.Name, repo.FullName, repo.Language,
		repo.IsPrivate, repo.IsActive, repo.RemoteUpdatedOn,
	).Scan(&repo.ID, &repo.CreatedAt)
	if err != nil {
		return errs.NewStoreError("UpsertRepository", err)
	}
	return nil
}

// GetRepositoryByFullName retrieves a repository, or nil when absent
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error) {
	query := `
		SELECT id, workspace, name, full_name, language, is_private, is_active,
		       remote_updated_on, created_at, updated_at
		FROM repositories WHERE full_name = $1`

	repo := &models.Repository{}
	err := s.db.QueryRowContext(ctx, query, fullName).Scan(
		&repo.ID, &repo.Workspace, &repo.Name, &repo.FullName,
		&repo.Language, &repo.IsPrivate, &repo.IsActive,
		&repo.RemoteUpdatedOn, &repo.CreatedAt, &repo.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewStoreError("GetRepositoryByFullName", err)
	}
	return repo, nil
}

// ListRepositories returns active repositories, most recently updated on the
// remote first.
func (s *Store) ListRepositories(ctx context.Context) ([]*models.Repository, error) {
	query := `
		SELECT id, workspace, name, full_name, language, is_private, is_active,
		       remote_updated_on, created_at, updated_at
		FROM repositories
		WHERE is_active
		ORDER BY remote_updated_on DESC NULLS LAST, full_name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errs.NewStoreError("ListRepositories", err)
	}
	defer rows.Close()

	var repos []*models.Repository
	for rows.Next() {
		repo := &models.Repository{}
		if err := rows.Scan(
			&repo.ID, &repo.Workspace, &repo.Name, &repo.FullName,
			&repo.Language, &repo.IsPrivate, &repo.IsActive,
			&repo.RemoteUpdatedOn, &repo.CreatedAt, &repo.UpdatedAt,
		); err != nil {
			return nil, errs.NewStoreError("ListRepositories", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// CandidateRepositories returns up to limit active repository full names in
// priority order (most recent remote activity first). This is the internal
// priority list the orchestrator iterates when no subset is requested.
func (s *Store) CandidateRepositories(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT full_name FROM repositories
		WHERE is_active
		ORDER BY remote_updated_on DESC NULLS LAST, full_name
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errs.NewStoreError("CandidateRepositories", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.NewStoreError("CandidateRepositories", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeactivateMissing soft-deactivates repositories in the workspace that are
// absent from the seen list. Rows are never deleted while commits or pull
// requests reference them.
func (s *Store) DeactivateMissing(ctx context.Context, workspace string, seen []string) (int64, error) {
	query := `
		UPDATE repositories SET is_active = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE workspace = $1 AND is_active AND NOT (full_name = ANY($2))`

	result, err := s.db.ExecContext(ctx, query, workspace, pq.Array(seen))
	if err != nil {
		return 0, errs.NewStoreError("DeactivateMissing", err)
	}
	return result.RowsAffected()
}

// UpsertCommit inserts or updates a commit keyed by (repository, hash). On
// conflict every mutable field is refreshed except created_at, and the
// branch column is guarded: a specific feature branch already recorded is
// never replaced by a generic integration branch.
func (s *Store) UpsertCommit(ctx context.Context, repositoryID int64, commit *models.Commit) error {
	query := `
		INSERT INTO commits (
			repository_id, hash, message, author_raw, author_username, ticket,
			branch, pull_request_id, metadata, commit_date, last_fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (repository_id, hash) DO UPDATE SET
			message = EXCLUDED.message,
			author_raw = EXCLUDED.author_raw,
			author_username = COALESCE(EXCLUDED.author_username, commits.author_username),
			ticket = COALESCE(EXCLUDED.ticket, commits.ticket),
			branch = CASE
				WHEN EXCLUDED.branch = '' THEN commits.branch
				WHEN commits.branch <> ''
					AND commits.branch <> ALL($12::text[])
					AND EXCLUDED.branch = ANY($12::text[])
				THEN commits.branch
				ELSE EXCLUDED.branch
			END,
			pull_request_id = COALESCE(EXCLUDED.pull_request_id, commits.pull_request_id),
			metadata = COALESCE(EXCLUDED.metadata, commits.metadata),
			commit_date = EXCLUDED.commit_date,
			last_fetched_at = EXCLUDED.last_fetched_at
		RETURNING id, created_at`

	lastFetched := commit.LastFetchedAt
	if lastFetched.IsZero() {
		lastFetched = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, query,
		repositoryID, commit.Hash, commit.Message, commit.AuthorRaw,
		commit.AuthorUsername, commit.Ticket, commit.Branch,
		commit.PullRequestID, nullableJSON(commit.Metadata),
		commit.CommitDate, lastFetched, pq.Array(models.GenericBranches),
	).Scan(&commit.ID, &commit.CreatedAt)
	if err != nil {
		return errs.NewStoreError("UpsertCommit", err)
	}
	commit.RepositoryID = repositoryID
	return nil
}

// GetCommitByHash retrieves one commit, or nil when absent
func (s *Store) GetCommitByHash(ctx context.Context, repositoryID int64, hash string) (*models.Commit, error) {
	query := `
		SELECT id, repository_id, hash, message, author_raw, author_username,
		       ticket, branch, pull_request_id, metadata, commit_date,
		       last_fetched_at, created_at
		FROM commits WHERE repository_id = $1 AND hash = $2`

	commit := &models.Commit{}
	err := s.db.QueryRowContext(ctx, query, repositoryID, hash).Scan(
		&commit.ID, &commit.RepositoryID, &commit.Hash, &commit.Message,
		&commit.AuthorRaw, &commit.AuthorUsername, &commit.Ticket,
		&commit.Branch, &commit.PullRequestID, &commit.Metadata,
		&commit.CommitDate, &commit.LastFetchedAt, &commit.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewStoreError("GetCommitByHash", err)
	}
	return commit, nil
}

// UpsertPullRequest inserts or updates a pull request keyed by
// (repository, remote_id) with the same merge discipline as commits.
func (s *Store) UpsertPullRequest(ctx context.Context, repositoryID int64, pr *models.PullRequest) error {
	query := `
		INSERT INTO pull_requests (
			repository_id, remote_id, title, author, state, ticket,
			source_branch, destination_branch, metadata, created_on,
			updated_on, last_fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (repository_id, remote_id) DO UPDATE SET
			title = EXCLUDED.title,
			author = EXCLUDED.author,
			state = EXCLUDED.state,
			ticket = COALESCE(EXCLUDED.ticket, pull_requests.ticket),
			source_branch = EXCLUDED.source_branch,
			destination_branch = EXCLUDED.destination_branch,
			metadata = COALESCE(EXCLUDED.metadata, pull_requests.metadata),
			created_on = EXCLUDED.created_on,
			updated_on = EXCLUDED.updated_on,
			last_fetched_at = EXCLUDED.last_fetched_at
		RETURNING id, created_at`

	lastFetched := pr.LastFetchedAt
	if lastFetched.IsZero() {
		lastFetched = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, query,
		repositoryID, pr.RemoteID, pr.Title, pr.Author, pr.State,
		pr.Ticket, pr.SourceBranch, pr.DestinationBranch,
		nullableJSON(pr.Metadata), pr.CreatedOn, pr.UpdatedOn, lastFetched,
	).Scan(&pr.ID, &pr.CreatedAt)
	if err != nil {
		return errs.NewStoreError("UpsertPullRequest", err)
	}
	pr.RepositoryID = repositoryID
	return nil
}

// NeedsRefresh reports whether the targeted repositories require a remote
// fetch: true when no targeted repository exists, when any of them has no
// activity at all inside the window (cold start), or when the most recent
// commit fetch is older than staleAfter.
func (s *Store) NeedsRefresh(ctx context.Context, repositories []string, maxDays int, staleAfter time.Duration) (bool, error) {
	since := time.Now().UTC().AddDate(0, 0, -maxDays)
	subset := pq.Array(normalizeSubset(repositories))

	query := `
		SELECT r.full_name,
		       (SELECT COUNT(*) FROM commits c
		        WHERE c.repository_id = r.id AND c.commit_date >= $2),
		       (SELECT COUNT(*) FROM pull_requests p
		        WHERE p.repository_id = r.id AND p.updated_on >= $2)
		FROM repositories r
		WHERE r.is_active AND (cardinality($1::text[]) = 0 OR r.full_name = ANY($1))`

	rows, err := s.db.QueryContext(ctx, query, subset, since)
	if err != nil {
		return false, errs.NewStoreError("NeedsRefresh", err)
	}
	defer rows.Close()

	matched := false
	coldStart := false
	for rows.Next() {
		var fullName string
		var commitCount, prCount int
		if err := rows.Scan(&fullName, &commitCount, &prCount); err != nil {
			return false, errs.NewStoreError("NeedsRefresh", err)
		}
		matched = true
		if commitCount == 0 && prCount == 0 {
			coldStart = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, errs.NewStoreError("NeedsRefresh", err)
	}

	// No matching repository at all forces a discovery attempt.
	if !matched || coldStart {
		return true, nil
	}

	var lastFetched sql.NullTime
	staleQuery := `
		SELECT MAX(c.last_fetched_at)
		FROM commits c
		JOIN repositories r ON r.id = c.repository_id
		WHERE r.is_active AND (cardinality($1::text[]) = 0 OR r.full_name = ANY($1))`
	if err := s.db.QueryRowContext(ctx, staleQuery, subset).Scan(&lastFetched); err != nil {
		return false, errs.NewStoreError("NeedsRefresh", err)
	}
	if !lastFetched.Valid {
		return true, nil
	}
	return time.Since(lastFetched.Time) > staleAfter, nil
}

// ReadLocal returns the merged commit and pull request activity inside the
// window, filtered by author, newest first by each record's natural date.
func (s *Store) ReadLocal(ctx context.Context, maxDays int, repositories []string, author string) ([]models.ActivityRecord, error) {
	since := time.Now().UTC().AddDate(0, 0, -maxDays)
	subset := pq.Array(normalizeSubset(repositories))

	commitQuery := `
		SELECT r.full_name, c.hash, c.message, c.author_raw, c.author_username,
		       c.ticket, c.branch, c.commit_date
		FROM commits c
		JOIN repositories r ON r.id = c.repository_id
		WHERE c.commit_date >= $2
		  AND (cardinality($1::text[]) = 0 OR r.full_name = ANY($1))
		ORDER BY c.commit_date DESC`

	rows, err := s.db.QueryContext(ctx, commitQuery, subset, since)
	if err != nil {
		return nil, errs.NewStoreError("ReadLocal", err)
	}
	defer rows.Close()

	records := []models.ActivityRecord{}
	for rows.Next() {
		var (
			rec      models.ActivityRecord
			message  string
			username sql.NullString
			ticket   sql.NullString
		)
		if err := rows.Scan(&rec.Repository, &rec.Hash, &message,
			&rec.Author, &username, &ticket, &rec.Branch, &rec.Date); err != nil {
			return nil, errs.NewStoreError("ReadLocal", err)
		}
		if !models.AuthorMatches(author, rec.Author, username.String) {
			continue
		}
		rec.Kind = models.ActivityKindCommit
		rec.Title = firstLine(message)
		if ticket.Valid {
			t := ticket.String
			rec.Ticket = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStoreError("ReadLocal", err)
	}

	prQuery := `
		SELECT r.full_name, p.remote_id, p.title, p.author, p.state,
		       p.ticket, p.source_branch, p.updated_on
		FROM pull_requests p
		JOIN repositories r ON r.id = p.repository_id
		WHERE p.updated_on >= $2
		  AND (cardinality($1::text[]) = 0 OR r.full_name = ANY($1))
		ORDER BY p.updated_on DESC`

	prRows, err := s.db.QueryContext(ctx, prQuery, subset, since)
	if err != nil {
		return nil, errs.NewStoreError("ReadLocal", err)
	}
	defer prRows.Close()

	for prRows.Next() {
		var (
			rec    models.ActivityRecord
			ticket sql.NullString
		)
		if err := prRows.Scan(&rec.Repository, &rec.RemoteID, &rec.Title,
			&rec.Author, &rec.State, &ticket, &rec.Branch, &rec.Date); err != nil {
			return nil, errs.NewStoreError("ReadLocal", err)
		}
		if !models.AuthorMatches(author, rec.Author) {
			continue
		}
		rec.Kind = models.ActivityKindPullRequest
		if ticket.Valid {
			t := ticket.String
			rec.Ticket = &t
		}
		records = append(records, rec)
	}
	if err := prRows.Err(); err != nil {
		return nil, errs.NewStoreError("ReadLocal", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.After(records[j].Date)
	})
	return records, nil
}

func normalizeSubset(repositories []string) []string {
	if repositories == nil {
		return []string{}
	}
	return repositories
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func firstLine(message string) string {
	for i := 0; i < len(message); i++ {
		if message[i] == '\n' {
			return message[:i]
		}
	}
	return message
}
