package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"study-notify/internal/models"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence. It is the durable source of
// truth consulted by both the push and the polling delivery paths.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a fresh queued row.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, status, stage, progress, payload, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
	`, job.ID, job.OwnerID, models.StatusQueued, "queued", 0, payloadJSON, job.MaxAttempts, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, status, stage, progress, payload, result, error, attempts, max_attempts, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON, resultJSON, errorJSON []byte

	if err := row.Scan(&job.ID, &job.OwnerID, &job.Status, &job.Stage, &job.Progress,
		&payloadJSON, &resultJSON, &errorJSON, &job.Attempts, &job.MaxAttempts,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		var jobErr models.JobError
		if err := json.Unmarshal(errorJSON, &jobErr); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error: %w", err)
		}
		job.Error = &jobErr
	}
	return job, nil
}

// ListJobs returns the most recent jobs for an owner.
func (s *Store) ListJobs(ctx context.Context, ownerID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpsertJobStatus writes status/stage/progress for a job. The row may not
// exist yet when the write races a crashed enqueue, hence the upsert.
// Terminal rows are never modified and progress never moves backwards; the
// single-row upsert is the only atomicity this subsystem relies on.
func (s *Store) UpsertJobStatus(ctx context.Context, id, ownerID string, status models.JobStatus, stage string, progress int) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, status, stage, progress, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    stage = EXCLUDED.stage,
		    progress = GREATEST(jobs.progress, EXCLUDED.progress),
		    updated_at = EXCLUDED.updated_at
		WHERE jobs.status NOT IN ('completed', 'failed')
	`, id, ownerID, status, stage, progress, now)
	if err != nil {
		return fmt.Errorf("upsert job status: %w", err)
	}
	return nil
}

// MarkCompleted transitions a job to completed with progress pinned to 100.
// A no-op if the row is already terminal, which makes the durable side of
// the single-terminal-event invariant idempotent.
func (s *Store) MarkCompleted(ctx context.Context, id string, result models.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = 100, stage = $3, result = $4, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`, id, models.StatusCompleted, "done", resultJSON)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to failed with the failure reason attached.
func (s *Store) MarkFailed(ctx context.Context, id string, jobErr models.JobError) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`, id, models.StatusFailed, errJSON)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// UpdateAttempts records a retry: the job goes back to queued with its
// attempt counter bumped, keeping whatever progress it had reached.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`, id, models.StatusQueued, attempts)
	if err != nil {
		return fmt.Errorf("update attempts: %w", err)
	}
	return nil
}
