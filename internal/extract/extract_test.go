package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTicket(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"ticket with prefix text", "Fix PROJ-123: bug", "PROJ-123"},
		{"no ticket", "no ticket here", ""},
		{"first of several", "PROJ-1 relates to CORE-22", "PROJ-1"},
		{"long project key", "INFRASTRUC-9001 rollout", "INFRASTRUC-9001"},
		{"lowercase is not a ticket", "proj-123 something", ""},
		{"single letter key is not a ticket", "A-1 something", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Ticket(tt.text))
		})
	}
}

func TestBranchFromMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"merge branch", "Merge branch 'feature/login' into main", "feature/login"},
		{"merge remote tracking", "Merge remote-tracking branch 'origin/hotfix/crash'", "hotfix/crash"},
		{"bitbucket merged in", "Merged in feature/checkout-v2 (pull request #42)", "feature/checkout-v2"},
		{"github merge pr", "Merge pull request #7 from acme/bugfix/null-deref", "bugfix/null-deref"},
		{"feature prefix in plain text", "implement retries on feature/retry-backoff", "feature/retry-backoff"},
		{"release prefix", "prepare release/2.4.0", "release/2.4.0"},
		{"ticket prefixed branch", "work on PROJ-123-add-login continues", "PROJ-123-add-login"},
		{"bare ticket is not a branch", "Fix PROJ-123", ""},
		{"no branch at all", "update readme", ""},
		{"empty message", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchFromMessage(tt.text))
		})
	}
}

// Merge-commit patterns outrank the generic ticket-branch pattern, so a merge
// message mentioning a ticket-prefixed branch elsewhere still resolves to the
// merged branch.
func TestBranchFromMessagePatternOrder(t *testing.T) {
	msg := "Merge branch 'feature/login' after PROJ-9-cleanup work"
	assert.Equal(t, "feature/login", BranchFromMessage(msg))
}

func TestBranchFromMessageLengthLimit(t *testing.T) {
	long := "feature/" + strings.Repeat("x", 120)
	assert.Equal(t, "", BranchFromMessage("Merge branch '"+long+"'"))
}

func TestBranchFromPRTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"feature prefix", "feature/login add SSO support", "feature/login"},
		{"hotfix prefix", "hotfix/crash-on-boot", "hotfix/crash-on-boot"},
		{"ticket prefixed", "PROJ-123-add-login implement form", "PROJ-123-add-login"},
		{"bracketed branch", "[feature/search] tune ranking", "feature/search"},
		{"prose title", "Add login form", ""},
		{"branch not at start", "Please merge feature/login", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchFromPRTitle(tt.title))
		})
	}
}
