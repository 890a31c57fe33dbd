// Package cache holds a TTL cache of assembled activity responses, keyed by
// the query parameters that shaped them. A hit skips both the database read
// and any remote fetch; staleness of the underlying data is the store's
// concern, not the cache's.
package cache

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"activity-tracker/internal/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCapacity = 256

type entry struct {
	result    models.ActivityResult
	expiresAt time.Time
}

// ResponseCache caches activity feed responses per parameter tuple
type ResponseCache struct {
	ttl   time.Duration
	store *expirable.LRU[string, entry]
}

// NewResponseCache creates a cache whose entries expire after ttl
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		ttl:   ttl,
		store: expirable.NewLRU[string, entry](defaultCapacity, nil, ttl),
	}
}

// Key canonicalizes a parameter tuple so that equivalent queries share a
// cache slot regardless of repository order or author casing.
func Key(params models.RefreshParams) string {
	repos := make([]string, len(params.Repositories))
	copy(repos, params.Repositories)
	sort.Strings(repos)

	var b strings.Builder
	b.WriteString("days=")
	b.WriteString(strconv.Itoa(params.MaxDays))
	b.WriteString("|repos=")
	b.WriteString(strings.Join(repos, ","))
	b.WriteString("|author=")
	b.WriteString(strings.ToLower(params.Author))
	return b.String()
}

// Get returns the cached result for the parameter tuple, if present. The
// returned result carries the entry's expiry so callers can surface it.
func (c *ResponseCache) Get(params models.RefreshParams) (models.ActivityResult, bool) {
	e, ok := c.store.Get(Key(params))
	if !ok {
		return models.ActivityResult{}, false
	}
	res := e.result
	res.Cached = true
	res.ExpiresAt = e.expiresAt
	return res, true
}

// Set stores a result under the parameter tuple
func (c *ResponseCache) Set(params models.RefreshParams, result models.ActivityResult) {
	c.store.Add(Key(params), entry{
		result:    result,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Purge drops every cached response. Used after a refresh lands new data
// and by the explicit cache-clear endpoint.
func (c *ResponseCache) Purge() {
	c.store.Purge()
}

// Len returns the number of live entries
func (c *ResponseCache) Len() int {
	return c.store.Len()
}
