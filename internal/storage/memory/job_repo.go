package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/offerscout/offerscout/internal/scrape"
)

func scrapeErrNotFound(id any) error {
	return fmt.Errorf("%v not found", id)
}

// JobRepo is an in-memory scrape.JobRepository.
type JobRepo struct {
	mu        sync.RWMutex
	jobs      map[string]scrape.Job
	cancelled map[string]bool
	clock     scrape.Clock
}

// NewJobRepo constructs a JobRepo.
func NewJobRepo(clock scrape.Clock) *JobRepo {
	return &JobRepo{
		jobs:      make(map[string]scrape.Job),
		cancelled: make(map[string]bool),
		clock:     clock,
	}
}

// CreateJob stores a new job in pending status.
func (r *JobRepo) CreateJob(_ context.Context, job scrape.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.Status = scrape.JobStatusPending
	r.jobs[job.ID] = job
	return nil
}

// GetJob fetches one job.
func (r *JobRepo) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

// UpdateStatus transitions a job, mirroring the Postgres timestamp rules.
func (r *JobRepo) UpdateStatus(_ context.Context, jobID string, status scrape.JobStatus, errText string, counts scrape.JobCounts, method scrape.StrategyKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.Status = status
	job.Counts = counts
	if method != "" {
		job.MethodUsed = method
	}
	if errText != "" {
		job.ErrorLog = append(job.ErrorLog, errText)
	}
	now := r.clock.Now().UTC()
	if status == scrape.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	r.jobs[jobID] = job
	return nil
}

// IsCancelled reports whether a cancel request was recorded.
func (r *JobRepo) IsCancelled(_ context.Context, jobID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s not found", jobID)
	}
	return r.cancelled[jobID] || job.Status == scrape.JobStatusCancelled, nil
}

// RequestCancel flags a pending or running job for cancellation.
func (r *JobRepo) RequestCancel(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return false, nil
	}
	if job.Status.Terminal() {
		return false, nil
	}
	r.cancelled[jobID] = true
	return true, nil
}
