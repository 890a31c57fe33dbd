// Package worker runs the background refresh jobs: it polls the queue,
// drives the service's refresh and reports status through the job tracker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"activity-tracker/internal/errs"
	"activity-tracker/internal/jobs"
	"activity-tracker/internal/queue"
	"activity-tracker/internal/service"

	"github.com/rs/zerolog"
)

const pollInterval = time.Second

// JobWorker processes refresh jobs from the queue
type JobWorker struct {
	queue   queue.Queue
	service *service.Service
	tracker *jobs.Tracker
	log     zerolog.Logger
	stop    chan struct{}
}

// NewJobWorker creates a new job worker
func NewJobWorker(q queue.Queue, svc *service.Service, tracker *jobs.Tracker, log zerolog.Logger) *JobWorker {
	return &JobWorker{
		queue:   q,
		service: svc,
		tracker: tracker,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start runs the polling loop until the context is done or Stop is called
func (w *JobWorker) Start(ctx context.Context) error {
	w.log.Info().Msg("Starting job worker")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Job worker stopped")
			return nil
		case <-w.stop:
			w.log.Info().Msg("Job worker stopped")
			return nil
		default:
			if err := w.processNextJob(ctx); err != nil {
				w.log.Error().Err(err).Msg("Failed to process job")
			}
			time.Sleep(pollInterval)
		}
	}
}

// Stop stops the job worker
func (w *JobWorker) Stop() {
	close(w.stop)
}

// processNextJob claims and runs the next job, if any. A job cancelled
// between enqueue and pickup is completed on the queue without running; a
// job cancelled mid-run lands as cancelled, not failed.
func (w *JobWorker) processNextJob(ctx context.Context) error {
	job, err := w.queue.Dequeue()
	if err != nil {
		return fmt.Errorf("failed to dequeue job: %w", err)
	}
	if job == nil {
		return nil
	}

	w.log.Info().Str("job_id", job.ID).Msg("Processing refresh job")

	var payload queue.RefreshPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		_ = w.tracker.Fail(job.ID, "malformed payload")
		return w.queue.Fail(job.ID, fmt.Errorf("failed to unmarshal refresh payload: %w", err))
	}

	if err := w.tracker.Start(job.ID); err != nil {
		if errors.Is(err, errs.ErrAlreadyFinished) {
			w.log.Info().Str("job_id", job.ID).Msg("Job cancelled before pickup")
			return w.queue.Complete(job.ID)
		}
		// tracker record expired; run anyway, there is no one to report to
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("Job has no tracker record")
	}

	token := w.tracker.Token(job.ID)
	progress := func(message string) {
		_ = w.tracker.Progress(job.ID, message)
	}

	summary, runErr := w.service.Refresh(ctx, payload.Params, token, progress)

	switch {
	case errors.Is(runErr, errs.ErrCancelled):
		w.log.Info().Str("job_id", job.ID).Msg("Job cancelled")
		return w.queue.Complete(job.ID)
	case errors.Is(runErr, context.Canceled):
		// shutdown interrupted the run, not a failure; put the job back so
		// the next start picks it up
		w.log.Info().Str("job_id", job.ID).Msg("Job interrupted by shutdown, releasing")
		return w.queue.Release(job.ID)
	case runErr != nil:
		w.log.Error().Err(runErr).Str("job_id", job.ID).Msg("Job failed")
		_ = w.tracker.Fail(job.ID, runErr.Error())
		return w.queue.Fail(job.ID, runErr)
	default:
		w.log.Info().
			Str("job_id", job.ID).
			Int("commits", summary.Commits).
			Int("pull_requests", summary.PullRequests).
			Msg("Job completed")
		_ = w.tracker.Complete(job.ID, summary.String())
		return w.queue.Complete(job.ID)
	}
}
