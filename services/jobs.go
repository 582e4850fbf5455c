package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/models"
)

// ErrNoJob is returned by Claim when no queued job of the requested
// type exists.
var ErrNoJob = errors.New("no queued job")

// FatalError marks a job failure that must not be retried (an
// operator-fixable engine failure, not a transient one). Nack sends
// such jobs straight to failed.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the worker loop fails the job without retries.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// Queue is the database-backed job queue. The jobs table is the sole
// coordination mechanism between workers: a claim is one UPDATE
// statement, serialized by SQLite's single writer, so two workers can
// never observe the same job in processing.
type Queue struct {
	db         *sqlx.DB
	maxRetries int
	baseDelay  time.Duration
}

func NewQueue(db *sqlx.DB, maxRetries int, baseDelay time.Duration) *Queue {
	return &Queue{db: db, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Enqueue creates a queued job and returns its id.
func (q *Queue) Enqueue(videoID, jobType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = q.db.Exec(`INSERT INTO jobs (id, video_id, job_type, status, retry_count, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, videoID, jobType, models.JobQueued, string(raw), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueuing %s job: %w", jobType, err)
	}

	log.Info().Str("job_id", id).Str("job_type", jobType).Str("video_id", videoID).Msg("job enqueued")
	return id, nil
}

// Claim atomically leases the oldest queued job of the given type,
// flipping it to processing. Returns ErrNoJob when the queue is empty.
func (q *Queue) Claim(jobType string) (*models.Job, error) {
	now := time.Now().UTC()
	row := q.db.QueryRowx(`
		UPDATE jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND job_type = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, video_id, job_type, status, retry_count, payload, created_at, started_at, finished_at, updated_at`,
		models.JobProcessing, now, now,
		models.JobQueued, jobType)

	var job models.Job
	if err := row.StructScan(&job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("claiming %s job: %w", jobType, err)
	}
	return &job, nil
}

// Ack marks a claimed job done.
func (q *Queue) Ack(jobID string) error {
	now := time.Now().UTC()
	_, err := q.db.Exec(`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		models.JobDone, now, now, jobID)
	if err != nil {
		return fmt.Errorf("acking job %s: %w", jobID, err)
	}
	return nil
}

// Nack records a failure: it appends a structured error entry into the
// payload and either requeues the job (retry budget left) or marks it
// failed. Fatal failures skip the retry budget entirely.
func (q *Queue) Nack(jobID string, jobErr error) error {
	tx, err := q.db.Beginx()
	if err != nil {
		return fmt.Errorf("nacking job %s: %w", jobID, err)
	}
	defer tx.Rollback()

	var cur struct {
		RetryCount int    `db:"retry_count"`
		Payload    string `db:"payload"`
	}
	if err := tx.Get(&cur, "SELECT retry_count, payload FROM jobs WHERE id = ?", jobID); err != nil {
		return fmt.Errorf("nacking job %s: %w", jobID, err)
	}

	payload := map[string]any{}
	if cur.Payload != "" {
		json.Unmarshal([]byte(cur.Payload), &payload)
	}
	errList, _ := payload["errors"].([]any)
	payload["errors"] = append(errList, models.JobError{
		Message:    jobErr.Error(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RetryCount: cur.RetryCount,
	})
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("nacking job %s: %w", jobID, err)
	}

	var fatal *FatalError
	isFatal := errors.As(jobErr, &fatal)

	newRetry := cur.RetryCount + 1
	now := time.Now().UTC()

	if !isFatal && newRetry < q.maxRetries {
		_, err = tx.Exec(`UPDATE jobs SET status = ?, retry_count = ?, payload = ?, updated_at = ? WHERE id = ?`,
			models.JobQueued, newRetry, string(raw), now, jobID)
		if err == nil {
			log.Warn().Str("job_id", jobID).Int("retry", newRetry).Int("max", q.maxRetries).
				Msg("job failed, requeued")
		}
	} else {
		_, err = tx.Exec(`UPDATE jobs SET status = ?, retry_count = ?, payload = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
			models.JobFailed, newRetry, string(raw), now, now, jobID)
		if err == nil {
			log.Error().Str("job_id", jobID).Int("attempts", newRetry).Bool("fatal", isFatal).
				Msg("job failed permanently")
		}
	}
	if err != nil {
		return fmt.Errorf("nacking job %s: %w", jobID, err)
	}

	return tx.Commit()
}

// Get fetches a job by id.
func (q *Queue) Get(jobID string) (*models.Job, error) {
	var job models.Job
	err := q.db.Get(&job, `SELECT id, video_id, job_type, status, retry_count, payload,
		created_at, started_at, finished_at, updated_at FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// RetryDelay computes the advisory backoff before retry n (0-indexed):
// base · 3^n, jittered by a uniform factor in [0.8, 1.2).
func (q *Queue) RetryDelay(retryCount int) time.Duration {
	jitter := 0.8 + 0.4*rand.Float64()
	secs := q.baseDelay.Seconds() * math.Pow(3, float64(retryCount)) * jitter
	return time.Duration(secs * float64(time.Second))
}
