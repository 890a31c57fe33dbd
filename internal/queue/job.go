package queue

import (
	"encoding/json"
	"time"

	"activity-tracker/internal/models"
)

// JobStatus represents the status of a queued job
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job represents a background refresh job. The queue row only carries the
// work order; live status reporting lives in the jobs tracker under the
// same id.
type Job struct {
	ID        string          `json:"id"`
	Status    JobStatus       `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Error     string          `json:"error,omitempty"`
}

// RefreshPayload is the payload for refresh jobs
type RefreshPayload struct {
	Params models.RefreshParams `json:"params"`
}

// Queue interface defines the methods for job queue operations
type Queue interface {
	Enqueue(job *Job) error
	Dequeue() (*Job, error)
	Complete(jobID string) error
	Fail(jobID string, err error) error
	Release(jobID string) error
	Remove(jobID string) (bool, error)
}
