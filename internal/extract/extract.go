// Package extract derives branch names and issue-ticket identifiers from
// free text such as commit messages and pull request titles. Extraction is
// best-effort: an empty result is a normal outcome, not an error.
//
// Branch patterns are evaluated in order and the first valid match wins.
// The order is part of the contract (merge-commit patterns take priority
// over generic ticket-prefixed branch names); changing it changes output.
package extract

import (
	"regexp"
	"strings"
)

const maxBranchLen = 100

var ticketRe = regexp.MustCompile(`[A-Z]{2,10}-\d+`)

// A bare ticket id with no branch context is not a branch name.
var bareTicketRe = regexp.MustCompile(`^[A-Z]{2,10}-\d+$`)

type branchPattern struct {
	re    *regexp.Regexp
	group int
}

var messagePatterns = []branchPattern{
	// git merge commits
	{regexp.MustCompile(`Merge branch '([^']+)'`), 1},
	{regexp.MustCompile(`Merge remote-tracking branch '(?:origin/)?([^']+)'`), 1},
	// Bitbucket merge commits: "Merged in feature/x (pull request #12)"
	{regexp.MustCompile(`Merged in (\S+) \(pull request`), 1},
	{regexp.MustCompile(`Merged (\S+) into \S+`), 1},
	// GitHub-style squash merges: "Merge pull request #12 from owner/feature/x"
	{regexp.MustCompile(`Merge pull request #\d+ from [^/\s]+/(\S+)`), 1},
	// Explicit branch prefixes anywhere in the message
	{regexp.MustCompile(`\b((?:feature|hotfix|bugfix|release)/[\w./-]+)`), 1},
	// Ticket-prefixed branch names: "PROJ-123-add-login"
	{regexp.MustCompile(`\b([A-Z]{2,10}-\d+[-_/][\w./-]+)`), 1},
}

var prTitlePatterns = []branchPattern{
	{regexp.MustCompile(`^((?:feature|hotfix|bugfix|release)/[\w./-]+)`), 1},
	{regexp.MustCompile(`^([A-Z]{2,10}-\d+[-_/][\w.-]+)`), 1},
	{regexp.MustCompile(`^\[([\w./-]+)\]`), 1},
}

// Ticket returns the first issue-tracker reference found in text, such as
// "PROJ-123", or the empty string when none is present.
func Ticket(text string) string {
	return ticketRe.FindString(text)
}

// BranchFromMessage derives a branch name from a commit message. Returns the
// empty string when no pattern yields a valid branch.
func BranchFromMessage(text string) string {
	return firstMatch(messagePatterns, text)
}

// BranchFromPRTitle derives a branch name from a pull request title when the
// title starts with a branch-like token.
func BranchFromPRTitle(title string) string {
	return firstMatch(prTitlePatterns, title)
}

func firstMatch(patterns []branchPattern, text string) string {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if branch := clean(m[p.group]); branch != "" {
			return branch
		}
	}
	return ""
}

// clean trims surrounding punctuation and rejects candidates that are not
// plausible branch names.
func clean(candidate string) string {
	candidate = strings.Trim(candidate, `'"`+" \t.,:;!?()")
	if candidate == "" || len(candidate) >= maxBranchLen {
		return ""
	}
	if bareTicketRe.MatchString(candidate) {
		return ""
	}
	return candidate
}
