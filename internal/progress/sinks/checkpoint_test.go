package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/offerscout/offerscout/internal/progress"
)

func TestCheckpointStoreTracksLatest(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	jobID := progress.JobIDBytes(uuid.NewString())
	now := time.Now().UTC()

	batch := []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageJobStart, Status: "Initializing scraping"},
		{JobID: jobID, TS: now, Stage: progress.StageStrategy, Status: "Starting store discovery"},
	}
	require.NoError(t, store.Consume(context.Background(), batch))

	cp, ok := store.Latest(jobID)
	require.True(t, ok)
	require.Equal(t, 25, cp.Percent)
	require.Equal(t, 100, cp.Total)
	require.Equal(t, "Starting store discovery", cp.Status)
}

func TestCheckpointStoreIgnoresRegressions(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	jobID := progress.JobIDBytes(uuid.NewString())
	now := time.Now().UTC()

	require.NoError(t, store.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageProcessing, Status: "Processing results"},
		{JobID: jobID, TS: now, Stage: progress.StageJobStart, Status: "Initializing scraping"},
	}))

	cp, ok := store.Latest(jobID)
	require.True(t, ok)
	require.Equal(t, 75, cp.Percent)
}

func TestCheckpointStoreSkipsAttemptEvents(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	jobID := progress.JobIDBytes(uuid.NewString())

	require.NoError(t, store.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: time.Now().UTC(), Stage: progress.StageAttemptDone, Kind: "browser"},
	}))

	_, ok := store.Latest(jobID)
	require.False(t, ok)
}

func TestCheckpointStoreForget(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	jobID := progress.JobIDBytes(uuid.NewString())
	require.NoError(t, store.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: time.Now().UTC(), Stage: progress.StageJobDone, Status: "Completed"},
	}))

	store.Forget(jobID)
	_, ok := store.Latest(jobID)
	require.False(t, ok)
}
