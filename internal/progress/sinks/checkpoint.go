package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/offerscout/offerscout/internal/progress"
)

// Checkpoint is the latest progress observation for one job. Percent is
// monotonically non-decreasing across the job lifecycle.
type Checkpoint struct {
	Percent int       `json:"current"`
	Total   int       `json:"total"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

// CheckpointStore keeps the most recent checkpoint per job in memory so the
// API can answer running-job status polls without touching the database.
// Terminal stages evict the entry after a grace period since the job row
// itself carries the final state.
type CheckpointStore struct {
	mu     sync.RWMutex
	latest map[[16]byte]Checkpoint
}

// NewCheckpointStore constructs an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{latest: make(map[[16]byte]Checkpoint)}
}

// Consume records the latest checkpoint for each job event in the batch.
// Percent regressions are ignored to keep the observable sequence monotonic
// even if batches arrive out of order.
func (s *CheckpointStore) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		pct := evt.Stage.Percent()
		if pct < 0 {
			continue
		}
		prev, ok := s.latest[evt.JobID]
		if ok && pct < prev.Percent {
			continue
		}
		s.latest[evt.JobID] = Checkpoint{
			Percent: pct,
			Total:   100,
			Status:  evt.Status,
			At:      evt.TS,
		}
	}
	return nil
}

// Latest returns the most recent checkpoint for a job, if any.
func (s *CheckpointStore) Latest(jobID [16]byte) (Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.latest[jobID]
	return cp, ok
}

// Forget drops the entry for a job. Called once a terminal status is served
// from the job store.
func (s *CheckpointStore) Forget(jobID [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, jobID)
}

// Close implements the Sink interface; it performs no action.
func (s *CheckpointStore) Close(context.Context) error {
	return nil
}
