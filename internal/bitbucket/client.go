package bitbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"activity-tracker/internal/errs"
)

const (
	defaultPageLen = 50
	// repository listings are cheap, fetch bigger pages
	repoPageLen = 100
)

// Client talks to the Bitbucket Cloud 2.0 API using fixed basic-auth
// credentials read once at construction. It surfaces errors as-is and never
// retries; callers decide what a failure means.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	username    string
	appPassword string
}

// NewClient creates a new remote API client. Missing credentials are a fatal
// configuration error.
func NewClient(baseURL, username, appPassword string) (*Client, error) {
	if username == "" || appPassword == "" {
		return nil, errs.NewConfigurationError("bitbucket credentials", "username and app password are required")
	}
	if baseURL == "" {
		baseURL = "https://api.bitbucket.org/2.0"
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		username:    username,
		appPassword: appPassword,
	}, nil
}

// page is the remote API's paginated envelope. Continuation happens through
// the Next URL, not page numbers.
type page struct {
	PageLen int             `json:"pagelen"`
	Page    int             `json:"page"`
	Size    *int            `json:"size"`
	Next    string          `json:"next"`
	Values  json.RawMessage `json:"values"`
}

// RepositoryInfo is the remote repository shape. Optional fields are
// pointers; the API is a versioned external dependency and omits fields
// freely.
type RepositoryInfo struct {
	Slug      string        `json:"slug"`
	Name      string        `json:"name"`
	FullName  string        `json:"full_name"`
	Language  *string       `json:"language"`
	IsPrivate *bool         `json:"is_private"`
	UpdatedOn *time.Time    `json:"updated_on"`
	Workspace *WorkspaceRef `json:"workspace"`
}

// WorkspaceRef is the embedded workspace reference
type WorkspaceRef struct {
	Slug string `json:"slug"`
}

// AccountRef is an embedded account reference
type AccountRef struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
}

// BranchRef is an embedded branch reference
type BranchRef struct {
	Name string `json:"name"`
}

// PREndpoint is one side of a pull request (source or destination)
type PREndpoint struct {
	Branch *BranchRef `json:"branch"`
}

// PullRequestInfo is the remote pull request shape
type PullRequestInfo struct {
	ID          int64       `json:"id"`
	Title       string      `json:"title"`
	State       string      `json:"state"`
	Author      *AccountRef `json:"author"`
	Source      *PREndpoint `json:"source"`
	Destination *PREndpoint `json:"destination"`
	CreatedOn   *time.Time  `json:"created_on"`
	UpdatedOn   *time.Time  `json:"updated_on"`
}

// SourceBranch returns the source branch name, or "" when absent
func (p *PullRequestInfo) SourceBranch() string {
	if p.Source != nil && p.Source.Branch != nil {
		return p.Source.Branch.Name
	}
	return ""
}

// DestinationBranch returns the destination branch name, or "" when absent
func (p *PullRequestInfo) DestinationBranch() string {
	if p.Destination != nil && p.Destination.Branch != nil {
		return p.Destination.Branch.Name
	}
	return ""
}

// AuthorName returns the author display name, or "" when absent
func (p *PullRequestInfo) AuthorName() string {
	if p.Author == nil {
		return ""
	}
	if p.Author.DisplayName != "" {
		return p.Author.DisplayName
	}
	return p.Author.Nickname
}

// CommitInfo is the remote commit shape
type CommitInfo struct {
	Hash    string        `json:"hash"`
	Message string        `json:"message"`
	Date    *time.Time    `json:"date"`
	Author  *CommitAuthor `json:"author"`
}

// CommitAuthor carries the raw author string plus the linked account, when
// the remote could resolve one.
type CommitAuthor struct {
	Raw  string      `json:"raw"`
	User *AccountRef `json:"user"`
}

// AuthorRaw returns the raw "Name <email>" author string, or "" when absent
func (c *CommitInfo) AuthorRaw() string {
	if c.Author == nil {
		return ""
	}
	return c.Author.Raw
}

// Username returns the resolved author handle, or "" when the commit author
// has no linked account
func (c *CommitInfo) Username() string {
	if c.Author == nil || c.Author.User == nil {
		return ""
	}
	return c.Author.User.Username
}

// UserInfo is the authenticated user shape, used by the credential check
type UserInfo struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// get performs one authenticated GET. endpoint is either a relative path
// ("/repositories/ws") or a full pagination-continuation URL as returned in
// a page's next field; full URLs are normalized back to path+query so every
// request goes through the same base URL and auth.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	path, extra, err := c.normalizeEndpoint(endpoint)
	if err != nil {
		return errs.NewRemoteAPIError(0, endpoint, "malformed endpoint", err)
	}

	query := url.Values{}
	for k, vs := range extra {
		query[k] = vs
	}
	for k, vs := range params {
		query[k] = vs
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return errs.NewRemoteAPIError(0, path, "creating request", err)
	}
	req.SetBasicAuth(c.username, c.appPassword)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.NewRemoteAPIError(0, path, "network failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		reason := strings.TrimSpace(string(body))
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return errs.NewRemoteAPIError(resp.StatusCode, path, reason, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.NewRemoteAPIError(resp.StatusCode, path, "decoding response", err)
	}
	return nil
}

// normalizeEndpoint splits a full continuation URL back into path+query
// relative to the configured base URL. Relative endpoints pass through.
func (c *Client) normalizeEndpoint(endpoint string) (string, url.Values, error) {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, err
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", nil, err
	}

	path := u.Path
	if base.Path != "" && strings.HasPrefix(path, base.Path) {
		path = strings.TrimPrefix(path, base.Path)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, u.Query(), nil
}

// collect pages through an endpoint, decoding each page's values into items
// of type T, until there is no next URL or maxPages is reached.
func collect[T any](ctx context.Context, c *Client, endpoint string, params url.Values, maxPages int) ([]T, error) {
	var all []T
	for pageNum := 0; endpoint != ""; pageNum++ {
		if maxPages > 0 && pageNum >= maxPages {
			break
		}

		var pg page
		if err := c.get(ctx, endpoint, params, &pg); err != nil {
			return nil, err
		}

		if len(pg.Values) > 0 {
			var items []T
			if err := json.Unmarshal(pg.Values, &items); err != nil {
				return nil, errs.NewRemoteAPIError(0, endpoint, "decoding values", err)
			}
			all = append(all, items...)
		}

		// the next URL already carries the full query
		endpoint = pg.Next
		params = nil
	}
	return all, nil
}

// ListRepositories fetches the workspace's repositories, most recently
// updated first.
func (c *Client) ListRepositories(ctx context.Context, workspace string) ([]RepositoryInfo, error) {
	params := url.Values{}
	params.Set("sort", "-updated_on")
	params.Set("pagelen", fmt.Sprintf("%d", repoPageLen))
	return collect[RepositoryInfo](ctx, c, "/repositories/"+workspace, params, 10)
}

// PullRequests fetches pull requests updated on or after since, limited to
// the given states, capped at maxPages pages.
func (c *Client) PullRequests(ctx context.Context, fullName string, states []string, since time.Time, maxPages int) ([]PullRequestInfo, error) {
	clauses := make([]string, len(states))
	for i, s := range states {
		clauses[i] = fmt.Sprintf("state=%q", s)
	}
	q := fmt.Sprintf("updated_on >= %q", since.Format("2006-01-02"))
	if len(clauses) > 0 {
		q += " AND (" + strings.Join(clauses, " OR ") + ")"
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("sort", "-updated_on")
	params.Set("pagelen", fmt.Sprintf("%d", defaultPageLen))
	params.Set("fields", "next,values.id,values.title,values.state,values.author,values.source.branch.name,values.destination.branch.name,values.created_on,values.updated_on")

	endpoint := fmt.Sprintf("/repositories/%s/pullrequests", fullName)
	return collect[PullRequestInfo](ctx, c, endpoint, params, maxPages)
}

// PullRequestCommits fetches the commits belonging to one pull request
func (c *Client) PullRequestCommits(ctx context.Context, fullName string, prID int64, maxPages int) ([]CommitInfo, error) {
	params := url.Values{}
	params.Set("pagelen", fmt.Sprintf("%d", defaultPageLen))

	endpoint := fmt.Sprintf("/repositories/%s/pullrequests/%d/commits", fullName, prID)
	return collect[CommitInfo](ctx, c, endpoint, params, maxPages)
}

// BranchCommits fetches commits on one branch, newest first, stopping once
// commit dates fall before since. A 404 means the branch does not exist in
// this repository; callers treat that as an empty result.
func (c *Client) BranchCommits(ctx context.Context, fullName, branch string, since time.Time, maxPages int) ([]CommitInfo, error) {
	params := url.Values{}
	params.Set("pagelen", fmt.Sprintf("%d", defaultPageLen))

	endpoint := fmt.Sprintf("/repositories/%s/commits/%s", fullName, url.PathEscape(branch))
	commits, err := collect[CommitInfo](ctx, c, endpoint, params, maxPages)
	if err != nil {
		return nil, err
	}
	return commitsSince(commits, since), nil
}

// AuthorCommits fetches commits across all branches scoped to one author.
// The server-side filter is a free-text approximation; callers must
// re-verify authorship.
func (c *Client) AuthorCommits(ctx context.Context, fullName, author string, since time.Time, maxPages int) ([]CommitInfo, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("author.raw ~ %q OR author.user.username ~ %q", author, author))
	params.Set("pagelen", fmt.Sprintf("%d", defaultPageLen))

	endpoint := fmt.Sprintf("/repositories/%s/commits", fullName)
	commits, err := collect[CommitInfo](ctx, c, endpoint, params, maxPages)
	if err != nil {
		return nil, err
	}
	return commitsSince(commits, since), nil
}

// CurrentUser fetches the authenticated user, proving the credentials work
func (c *Client) CurrentUser(ctx context.Context) (*UserInfo, error) {
	var user UserInfo
	if err := c.get(ctx, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// commitsSince drops commits older than the inclusive lower bound. Commits
// with no date are kept; absence of a field is not evidence of staleness.
func commitsSince(commits []CommitInfo, since time.Time) []CommitInfo {
	kept := commits[:0]
	for _, commit := range commits {
		if commit.Date == nil || !commit.Date.Before(since) {
			kept = append(kept, commit)
		}
	}
	return kept
}
