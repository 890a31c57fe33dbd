package config

import (
	"testing"

	"activity-tracker/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ACTIVITY_TRACKER_BITBUCKET_USERNAME", "robot")
	t.Setenv("ACTIVITY_TRACKER_BITBUCKET_APPPASSWORD", "app-password")
	t.Setenv("ACTIVITY_TRACKER_BITBUCKET_WORKSPACE", "acme")
}

func TestLoad_SecretsFromEnvironmentWithoutConfigFile(t *testing.T) {
	setCredentialEnv(t)
	t.Setenv("ACTIVITY_TRACKER_DATABASE_PASSWORD", "db-secret")

	cfg, err := Load("testdata/does-not-exist.yaml")
	require.NoError(t, err)

	assert.Equal(t, "robot", cfg.Bitbucket.Username)
	assert.Equal(t, "app-password", cfg.Bitbucket.AppPassword)
	assert.Equal(t, "acme", cfg.Bitbucket.Workspace)
	assert.Equal(t, "db-secret", cfg.Database.Password)

	// defaults survive alongside the env overrides
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://api.bitbucket.org/2.0", cfg.Bitbucket.BaseURL)
	assert.Equal(t, 10, cfg.Refresh.MaxRepositories)
}

func TestLoad_MissingCredentialsFail(t *testing.T) {
	t.Setenv("ACTIVITY_TRACKER_BITBUCKET_USERNAME", "robot")
	t.Setenv("ACTIVITY_TRACKER_BITBUCKET_APPPASSWORD", "")
	t.Setenv("ACTIVITY_TRACKER_BITBUCKET_WORKSPACE", "acme")

	_, err := Load("testdata/does-not-exist.yaml")
	require.Error(t, err)

	var cfgErr *errs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "bitbucket.apppassword", cfgErr.Field)
}

func TestConfig_GetDSN(t *testing.T) {
	setCredentialEnv(t)
	t.Setenv("ACTIVITY_TRACKER_DATABASE_PASSWORD", "db-secret")

	cfg, err := Load("testdata/does-not-exist.yaml")
	require.NoError(t, err)

	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=db-secret dbname=activity_tracker sslmode=disable",
		cfg.GetDSN())
}
