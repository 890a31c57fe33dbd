package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresQueue implements Queue interface using PostgreSQL
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates a new PostgreSQL-based queue
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	if err := initializeQueueSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return &PostgresQueue{db: db}, nil
}

func initializeQueueSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS refresh_jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_refresh_jobs_status ON refresh_jobs(status);
	`
	_, err := db.Exec(schema)
	return err
}

func (q *PostgresQueue) Enqueue(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = time.Now()
	job.Status = JobStatusPending

	query := `
		INSERT INTO refresh_jobs (id, status, payload, created_at, updated_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.db.Exec(query, job.ID, job.Status, []byte(job.Payload), job.CreatedAt, job.UpdatedAt, job.Error)
	return err
}

// Dequeue claims the oldest pending job. Returns nil, nil when the queue
// is empty. SKIP LOCKED lets multiple workers poll without contending.
func (q *PostgresQueue) Dequeue() (*Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		UPDATE refresh_jobs
		SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id
			FROM refresh_jobs
			WHERE status = $3
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, status, payload, created_at, updated_at, error
	`

	job := &Job{}
	var errMsg sql.NullString
	var payload []byte

	row := tx.QueryRow(query, JobStatusRunning, time.Now(), JobStatusPending)
	err = row.Scan(&job.ID, &job.Status, &payload, &job.CreatedAt, &job.UpdatedAt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return job, nil
}

func (q *PostgresQueue) Complete(jobID string) error {
	query := `
		UPDATE refresh_jobs
		SET status = $1, updated_at = $2
		WHERE id = $3
	`
	_, err := q.db.Exec(query, JobStatusComplete, time.Now(), jobID)
	return err
}

func (q *PostgresQueue) Fail(jobID string, jobErr error) error {
	query := `
		UPDATE refresh_jobs
		SET status = $1, updated_at = $2, error = $3
		WHERE id = $4
	`
	_, err := q.db.Exec(query, JobStatusFailed, time.Now(), jobErr.Error(), jobID)
	return err
}

// Release puts a claimed job back into the pending state, so a job
// interrupted by shutdown is picked up again on the next start.
func (q *PostgresQueue) Release(jobID string) error {
	query := `
		UPDATE refresh_jobs
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	_, err := q.db.Exec(query, JobStatusPending, time.Now(), jobID, JobStatusRunning)
	return err
}

// Remove deletes a job that has not been picked up yet. Returns false when
// the job was already claimed or is gone; a running job is cancelled
// cooperatively through the tracker instead.
func (q *PostgresQueue) Remove(jobID string) (bool, error) {
	res, err := q.db.Exec(`DELETE FROM refresh_jobs WHERE id = $1 AND status = $2`, jobID, JobStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
