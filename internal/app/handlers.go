package app

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"activity-tracker/internal/errs"
	"activity-tracker/internal/models"
	"activity-tracker/internal/response"

	"github.com/gorilla/mux"
)

const (
	defaultDays = 7
	maxDays     = 365
)

// healthCheck handles the health check endpoint
func (a *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, response.Success("Service is healthy", map[string]string{"status": "ok"}))
}

// getActivity serves the merged activity feed
func (a *App) getActivity(w http.ResponseWriter, r *http.Request) {
	params, force, err := parseActivityParams(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.service.GetActivity(r.Context(), params, force)
	if err != nil {
		a.log.Error().Err(err).Int("days", params.MaxDays).Msg("Failed to get activity")
		a.writeError(w, err)
		return
	}

	if result.JobID != "" {
		response.JSON(w, http.StatusOK, response.Accepted("Refresh running in background", result))
		return
	}
	response.JSON(w, http.StatusOK, response.Success("Activity retrieved successfully", result))
}

// listRepositories returns the locally known active repositories
func (a *App) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := a.service.ListRepositories(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to list repositories")
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success("Repositories retrieved successfully", repos))
}

// testAuthentication verifies the configured remote credentials
func (a *App) testAuthentication(w http.ResponseWriter, r *http.Request) {
	user, err := a.service.TestAuthentication(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("Authentication test failed")
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success("Authentication succeeded", user))
}

// clearCache drops every cached activity response
func (a *App) clearCache(w http.ResponseWriter, r *http.Request) {
	cleared := a.service.ClearCache()
	response.JSON(w, http.StatusOK, response.Success("Cache cleared", map[string]int{"cleared": cleared}))
}

// startRefresh enqueues a background refresh job
func (a *App) startRefresh(w http.ResponseWriter, r *http.Request) {
	params, _, err := parseActivityParams(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	rec, err := a.service.StartRefreshJob(params)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to start refresh job")
		a.writeError(w, err)
		return
	}

	response.JSON(w, http.StatusAccepted, response.Accepted("Refresh job enqueued", map[string]string{
		"job_id":     rec.ID,
		"status":     string(rec.Status),
		"status_url": "/api/v1/refresh/" + rec.ID,
	}))
}

// getJobStatus returns one refresh job's status
func (a *App) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	rec, err := a.service.GetJobStatus(jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success(rec.Describe(), rec))
}

// getLatestJobStatus returns the most recent refresh job's status
func (a *App) getLatestJobStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.GetLatestJobStatus()
	if err != nil {
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success(rec.Describe(), rec))
}

// cancelJob cancels a queued or running refresh job
func (a *App) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	rec, err := a.service.CancelJob(jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success("Job cancelled", rec))
}

// syncRepositories reconciles the workspace repository list
func (a *App) syncRepositories(w http.ResponseWriter, r *http.Request) {
	synced, deactivated, err := a.service.SyncRepositories(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to sync repositories")
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success("Repositories synced", map[string]interface{}{
		"synced":      synced,
		"deactivated": deactivated,
	}))
}

// syncCommits fetches main-branch commits for one repository
func (a *App) syncCommits(w http.ResponseWriter, r *http.Request) {
	fullName, days, err := parseSyncParams(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	count, err := a.service.SyncCommits(r.Context(), fullName, days)
	if err != nil {
		a.log.Error().Err(err).Str("repository", fullName).Msg("Failed to sync commits")
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success("Commits synced", map[string]interface{}{
		"repository": fullName,
		"commits":    count,
	}))
}

// syncPullRequests fetches pull requests for one repository
func (a *App) syncPullRequests(w http.ResponseWriter, r *http.Request) {
	fullName, days, err := parseSyncParams(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	count, err := a.service.SyncPullRequests(r.Context(), fullName, days)
	if err != nil {
		a.log.Error().Err(err).Str("repository", fullName).Msg("Failed to sync pull requests")
		a.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.Success("Pull requests synced", map[string]interface{}{
		"repository":    fullName,
		"pull_requests": count,
	}))
}

// parseActivityParams reads and validates the shared query parameters of the
// activity and refresh endpoints.
func parseActivityParams(r *http.Request) (models.RefreshParams, bool, error) {
	params := models.RefreshParams{MaxDays: defaultDays}
	query := r.URL.Query()

	if raw := query.Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 || days > maxDays {
			return params, false, errs.NewValidationError("days", fmt.Sprintf("must be an integer between 1 and %d", maxDays))
		}
		params.MaxDays = days
	}

	if raw := query.Get("repositories"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !isFullName(name) {
				return params, false, errs.NewValidationError("repositories", "each entry must be in workspace/name form: "+name)
			}
			params.Repositories = append(params.Repositories, name)
		}
	}

	params.Author = strings.TrimSpace(query.Get("author"))

	force := query.Get("refresh") == "true"
	return params, force, nil
}

// parseSyncParams reads the single-repository sync parameters
func parseSyncParams(r *http.Request) (string, int, error) {
	query := r.URL.Query()

	fullName := strings.TrimSpace(query.Get("repository"))
	if fullName == "" {
		return "", 0, errs.NewValidationError("repository", "required query parameter")
	}
	if !isFullName(fullName) {
		return "", 0, errs.NewValidationError("repository", "must be in workspace/name form: "+fullName)
	}

	days := 30
	if raw := query.Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxDays {
			return "", 0, errs.NewValidationError("days", fmt.Sprintf("must be an integer between 1 and %d", maxDays))
		}
		days = parsed
	}
	return fullName, days, nil
}

func isFullName(name string) bool {
	parts := strings.Split(name, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// writeError maps the error taxonomy onto HTTP status codes
func (a *App) writeError(w http.ResponseWriter, err error) {
	var (
		valErr *errs.ValidationError
		cfgErr *errs.ConfigurationError
		apiErr *errs.RemoteAPIError
	)

	switch {
	case errors.As(err, &valErr):
		response.JSON(w, http.StatusBadRequest, response.Error(valErr.Error()))
	case errors.Is(err, errs.ErrNotFound):
		response.JSON(w, http.StatusNotFound, response.Error("Not found"))
	case errors.Is(err, errs.ErrAlreadyFinished):
		response.JSON(w, http.StatusConflict, response.Error("Job already finished"))
	case errors.As(err, &cfgErr):
		response.JSON(w, http.StatusInternalServerError, response.Error(cfgErr.Error()))
	case errors.As(err, &apiErr):
		// the remote failed, not us
		response.JSON(w, http.StatusBadGateway, response.Error(apiErr.Error()))
	default:
		response.JSON(w, http.StatusInternalServerError, response.Error("Internal server error"))
	}
}
