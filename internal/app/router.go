package app

import (
	"net/http"

	"activity-tracker/internal/response"

	"github.com/gorilla/mux"
)

// initializeRouter configures all routes for the application
func (a *App) initializeRouter(router *mux.Router) {
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusNotFound, response.Error("Route not found"))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusMethodNotAllowed, response.Error("Method not allowed"))
	})

	router.Use(a.loggingMiddleware)
	router.Use(a.recoveryMiddleware)

	router.HandleFunc("/", a.healthCheck).Methods(http.MethodGet)
	router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)

	api.HandleFunc("/activity", a.getActivity).Methods(http.MethodGet)
	api.HandleFunc("/repositories", a.listRepositories).Methods(http.MethodGet)
	api.HandleFunc("/auth/test", a.testAuthentication).Methods(http.MethodGet)
	api.HandleFunc("/cache/clear", a.clearCache).Methods(http.MethodPost)

	// Background refresh jobs. "latest" must be registered before the id
	// route so mux does not treat it as a job id.
	api.HandleFunc("/refresh", a.startRefresh).Methods(http.MethodPost)
	api.HandleFunc("/refresh/latest", a.getLatestJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/refresh/{job_id}", a.getJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/refresh/{job_id}", a.cancelJob).Methods(http.MethodDelete)

	// Single-target sync endpoints for debugging
	api.HandleFunc("/sync/repositories", a.syncRepositories).Methods(http.MethodPost)
	api.HandleFunc("/sync/commits", a.syncCommits).Methods(http.MethodPost)
	api.HandleFunc("/sync/pullrequests", a.syncPullRequests).Methods(http.MethodPost)
}

// loggingMiddleware logs information about each request
func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Msg("Incoming request")

		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics and returns a 500 error
func (a *App) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				a.log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Msg("Panic recovered in request handler")

				response.JSON(w, http.StatusInternalServerError, response.Error("Internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
