package models

import "strings"

// GenericBranches are the long-lived integration branches a commit may be
// observed on directly. A commit first seen on one of these is reassigned
// when a later pull request fetch ties it to a specific feature branch.
var GenericBranches = []string{"main", "master", "develop", "dev"}

// IsGenericBranch reports whether name is one of the generic integration
// branches
func IsGenericBranch(name string) bool {
	for _, b := range GenericBranches {
		if name == b {
			return true
		}
	}
	return false
}

// AuthorMatches reports whether filter matches any of the candidate author
// strings. Matching is substring containment, case-insensitive, with
// underscores, dots and spaces treated as interchangeable so commit metadata
// ("jane_doe") and display names ("Jane Doe") agree. An empty filter matches
// everything.
func AuthorMatches(filter string, candidates ...string) bool {
	if filter == "" {
		return true
	}

	lowered := strings.ToLower(filter)
	normalized := normalizeAuthor(filter)

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if strings.Contains(strings.ToLower(candidate), lowered) {
			return true
		}
		if strings.Contains(normalizeAuthor(candidate), normalized) {
			return true
		}
	}
	return false
}

func normalizeAuthor(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '.', ' ':
			return ' '
		}
		return r
	}, strings.ToLower(s))
}
