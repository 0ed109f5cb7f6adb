package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/offerscout/offerscout/internal/scrape"
)

// JobRepo implements scrape.JobRepository on Postgres.
type JobRepo struct {
	pool  db
	clock scrape.Clock
}

// NewJobRepo wraps an existing pool.
func NewJobRepo(pool db, clock scrape.Clock) (*JobRepo, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &JobRepo{pool: pool, clock: clock}, nil
}

// CreateJob inserts a new job row in pending state.
func (r *JobRepo) CreateJob(ctx context.Context, job scrape.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO jobs (id, job_type, postal_code, store_id, target_url, hint_name, status, submitted_at, config)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID, string(job.Type), job.PostalCode, job.StoreID, job.TargetURL,
		job.HintName, string(scrape.JobStatusPending), job.Submitted, configJSON)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches one job row.
func (r *JobRepo) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, job_type, postal_code, store_id, target_url, hint_name, status,
       submitted_at, started_at, completed_at, method_used,
       stores_found, offers_scraped, errors_count, error_log, config
FROM jobs WHERE id = $1`, jobID)

	var (
		job       scrape.Job
		jobType   string
		status    string
		method    *string
		errorLog  []byte
		configRaw []byte
	)
	err := row.Scan(&job.ID, &jobType, &job.PostalCode, &job.StoreID, &job.TargetURL,
		&job.HintName, &status, &job.Submitted, &job.StartedAt, &job.CompletedAt,
		&method, &job.Counts.StoresFound, &job.Counts.OffersScraped,
		&job.Counts.ErrorsCount, &errorLog, &configRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Type = scrape.JobType(jobType)
	job.Status = scrape.JobStatus(status)
	if method != nil {
		job.MethodUsed = scrape.StrategyKind(*method)
	}
	if len(errorLog) > 0 {
		if err := json.Unmarshal(errorLog, &job.ErrorLog); err != nil {
			return scrape.Job{}, fmt.Errorf("decode error log: %w", err)
		}
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &job.Config); err != nil {
			return scrape.Job{}, fmt.Errorf("decode job config: %w", err)
		}
	}
	return job, nil
}

// UpdateStatus transitions a job. started_at is stamped on the first move to
// running, completed_at on any terminal state, and errText appends to the
// ordered error log when present.
func (r *JobRepo) UpdateStatus(ctx context.Context, jobID string, status scrape.JobStatus, errText string, counts scrape.JobCounts, method scrape.StrategyKind) error {
	now := r.clock.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs SET
  status = $2,
  stores_found = $3,
  offers_scraped = $4,
  errors_count = $5,
  method_used = COALESCE(NULLIF($6, ''), method_used),
  started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $7 ELSE started_at END,
  completed_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN $7 ELSE completed_at END,
  error_log = CASE WHEN $8 <> '' THEN error_log || to_jsonb($8::text) ELSE error_log END
WHERE id = $1`,
		jobID, string(status), counts.StoresFound, counts.OffersScraped,
		counts.ErrorsCount, string(method), now, errText)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// IsCancelled reports whether a cancel request was recorded for the job.
func (r *JobRepo) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := r.pool.QueryRow(ctx,
		`SELECT cancel_requested OR status = 'cancelled' FROM jobs WHERE id = $1`,
		jobID).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return false, fmt.Errorf("check cancellation: %w", err)
	}
	return cancelled, nil
}

// RequestCancel flags a pending or running job for cancellation.
func (r *JobRepo) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = TRUE WHERE id = $1 AND status IN ('pending','running')`,
		jobID)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
