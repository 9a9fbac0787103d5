package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/transfer-indexer/internal/models"
)

// ErrJobNotFound is returned when a job id is unknown
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, queue, kind, payload, priority, attempts, max_attempts, status, run_at, last_error, created_at, updated_at`

// JobRepository persists the durable job queue
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// Insert stores a job. It returns false without error when a job with the
// same id already exists.
func (r *JobRepository) Insert(ctx context.Context, job *models.JobRecord) (bool, error) {
	query := `
		INSERT INTO jobs (id, queue, kind, payload, priority, attempts, max_attempts, status, run_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 'queued', $7)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.Queue,
		job.Kind,
		[]byte(job.Payload),
		job.Priority,
		job.MaxAttempts,
		job.RunAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim marks up to limit ready jobs of a queue as running and returns them,
// highest priority first. Concurrent claimers never receive the same row.
func (r *JobRepository) Claim(ctx context.Context, queue string, limit int) ([]*models.JobRecord, error) {
	query := `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'queued' AND run_at <= NOW()
			ORDER BY priority DESC, run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.Pool().Query(ctx, query, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs from %s: %w", queue, err)
	}
	return scanJobs(rows)
}

// Complete marks a job finished
func (r *JobRepository) Complete(ctx context.Context, id string) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE jobs SET status = 'completed', last_error = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// Retry puts a failed job back in the queue to run again at runAt
func (r *JobRepository) Retry(ctx context.Context, id, lastError string, runAt time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'queued', last_error = $2, run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, lastError, runAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", id, err)
	}
	return nil
}

// Bury moves a job to the dead letter state
func (r *JobRepository) Bury(ctx context.Context, id, lastError string) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE jobs SET status = 'dead', last_error = $2, updated_at = NOW() WHERE id = $1`, id, lastError)
	if err != nil {
		return fmt.Errorf("failed to bury job %s: %w", id, err)
	}
	return nil
}

// RequeueStale returns running jobs abandoned before the cutoff to the queue.
// Jobs left running by a crashed worker are picked up again this way.
func (r *JobRepository) RequeueStale(ctx context.Context, queue string, before time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'queued', updated_at = NOW()
		WHERE queue = $1 AND status = 'running' AND updated_at < $2
	`, queue, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs in %s: %w", queue, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteCompleted removes completed jobs last updated before the cutoff.
// Dead jobs are kept for inspection.
func (r *JobRepository) DeleteCompleted(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND updated_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetByID retrieves a job by id
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.JobRecord, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return jobs[0], nil
}

// ListByStatus retrieves jobs by status, most recently updated first
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobRecord, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]*models.JobRecord, error) {
	defer rows.Close()

	var jobs []*models.JobRecord
	for rows.Next() {
		var job models.JobRecord
		var payload []byte
		var status string
		err := rows.Scan(
			&job.ID,
			&job.Queue,
			&job.Kind,
			&payload,
			&job.Priority,
			&job.Attempts,
			&job.MaxAttempts,
			&status,
			&job.RunAt,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Payload = payload
		job.Status = models.JobStatus(status)
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}
