package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorMatches(t *testing.T) {
	raw := "Jane Doe <jane.doe@example.com>"

	tests := []struct {
		name       string
		filter     string
		candidates []string
		want       bool
	}{
		{"email match", "jane.doe@example.com", []string{raw}, true},
		{"display name match", "Jane Doe", []string{raw}, true},
		{"case insensitive", "JANE DOE", []string{raw}, true},
		{"underscore vs space", "jane_doe", []string{raw}, true},
		{"dot vs space", "jane.doe", []string{raw}, true},
		{"username candidate", "janedoe", []string{raw, "janedoe"}, true},
		{"no match", "john", []string{raw}, false},
		{"empty filter matches all", "", []string{raw}, true},
		{"empty candidates", "jane", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AuthorMatches(tt.filter, tt.candidates...))
		})
	}
}

func TestIsGenericBranch(t *testing.T) {
	for _, b := range []string{"main", "master", "develop", "dev"} {
		assert.True(t, IsGenericBranch(b), b)
	}
	assert.False(t, IsGenericBranch("feature/login"))
	assert.False(t, IsGenericBranch(""))
}
