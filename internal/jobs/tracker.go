// Package jobs tracks the lifecycle of asynchronous refresh jobs in a
// short-lived keyed store. Records expire after a bounded TTL; querying an
// expired or unknown job id is a not-found, distinguishable from an idle job.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"activity-tracker/internal/errs"
	"activity-tracker/internal/models"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Status is a refresh job's lifecycle state
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// latestKey is the well-known key whose record is overwritten on every
// status change, so a caller with no job id can still ask what the most
// recent refresh is doing. It is a reserved key in the same store as the
// per-job records, not process-global state.
const latestKey = "latest"

const defaultCapacity = 512

// Record is one job's status snapshot
type Record struct {
	ID             string               `json:"id"`
	Status         Status               `json:"status"`
	Message        string               `json:"message"`
	Params         models.RefreshParams `json:"params"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	ElapsedSeconds float64              `json:"elapsed_seconds"`
}

// Describe renders a human-readable one-line status
func (r Record) Describe() string {
	if r.Message == "" {
		return string(r.Status)
	}
	if r.StartedAt == nil {
		return fmt.Sprintf("%s: %s", r.Status, r.Message)
	}
	return fmt.Sprintf("%s: %s (%.0fs elapsed)", r.Status, r.Message, r.ElapsedSeconds)
}

// Tracker is the job status store. All mutations go through the tracker so
// the read-modify-write on a record and the latest pointer stay consistent.
type Tracker struct {
	mu    sync.Mutex
	store *expirable.LRU[string, Record]
}

// NewTracker creates a tracker whose records expire after ttl
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		store: expirable.NewLRU[string, Record](defaultCapacity, nil, ttl),
	}
}

// Create registers a new queued job and returns its record
func (t *Tracker) Create(params models.RefreshParams) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	rec := Record{
		ID:        uuid.New().String(),
		Status:    StatusQueued,
		Message:   "queued",
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.save(rec)
	return rec
}

// Start transitions a job to processing
func (t *Tracker) Start(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.store.Get(id)
	if !ok {
		return errs.ErrNotFound
	}
	if rec.Status.Terminal() {
		// cancelled before the worker picked it up; leave it alone
		return errs.ErrAlreadyFinished
	}

	now := time.Now().UTC()
	rec.Status = StatusProcessing
	rec.Message = "processing"
	rec.StartedAt = &now
	rec.UpdatedAt = now
	t.save(rec)
	return nil
}

// Progress overwrites the job's message and elapsed time in place. Progress
// reported after a terminal transition is dropped.
func (t *Tracker) Progress(id, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.store.Get(id)
	if !ok {
		return errs.ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}

	rec.Message = message
	t.touch(&rec)
	t.save(rec)
	return nil
}

// Complete marks a job completed
func (t *Tracker) Complete(id, message string) error {
	return t.finish(id, StatusCompleted, message)
}

// Fail marks a job failed, capturing the failure message
func (t *Tracker) Fail(id, message string) error {
	return t.finish(id, StatusFailed, message)
}

func (t *Tracker) finish(id string, status Status, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.store.Get(id)
	if !ok {
		return errs.ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}

	rec.Status = status
	rec.Message = message
	t.touch(&rec)
	t.save(rec)
	return nil
}

// Cancel marks a queued or processing job cancelled. Cancelling a job that
// already reached a terminal state is rejected.
func (t *Tracker) Cancel(id string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.store.Get(id)
	if !ok {
		return Record{}, errs.ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec, errs.ErrAlreadyFinished
	}

	rec.Status = StatusCancelled
	rec.Message = "cancelled"
	t.touch(&rec)
	t.save(rec)
	return rec, nil
}

// Get returns a job's current record. Elapsed time is recomputed for jobs
// still running.
func (t *Tracker) Get(id string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.store.Get(id)
	if !ok {
		return Record{}, errs.ErrNotFound
	}
	if !rec.Status.Terminal() && rec.StartedAt != nil {
		rec.ElapsedSeconds = time.Since(*rec.StartedAt).Seconds()
	}
	return rec, nil
}

// Latest returns the record most recently written, whatever its job id
func (t *Tracker) Latest() (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.store.Get(latestKey)
	if !ok {
		return Record{}, errs.ErrNotFound
	}
	if !rec.Status.Terminal() && rec.StartedAt != nil {
		rec.ElapsedSeconds = time.Since(*rec.StartedAt).Seconds()
	}
	return rec, nil
}

// Token returns a cancellation token for the job, polled by the
// orchestrator at its checkpoints.
func (t *Tracker) Token(id string) *Token {
	return &Token{tracker: t, jobID: id}
}

func (t *Tracker) touch(rec *Record) {
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.StartedAt != nil {
		rec.ElapsedSeconds = now.Sub(*rec.StartedAt).Seconds()
	}
}

func (t *Tracker) save(rec Record) {
	t.store.Add(rec.ID, rec)
	t.store.Add(latestKey, rec)
}

// Token carries a job's cancellation state into the orchestrator. It is
// checked cooperatively at repository boundaries and progress emissions,
// never preemptively.
type Token struct {
	tracker *Tracker
	jobID   string
}

// Cancelled reports whether the job has been cancelled. An expired or
// unknown job reads as cancelled so an orphaned run winds down.
func (tk *Token) Cancelled() bool {
	if tk == nil || tk.tracker == nil {
		return false
	}
	rec, err := tk.tracker.Get(tk.jobID)
	if err != nil {
		return true
	}
	return rec.Status == StatusCancelled
}
