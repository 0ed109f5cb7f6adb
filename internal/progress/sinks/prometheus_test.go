package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/offerscout/offerscout/internal/progress"
	"github.com/offerscout/offerscout/internal/scrape"
)

func TestPrometheusSinkTracksJobLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := progress.JobIDBytes("0195d4a2-7b6e-7cca-9f3e-1f2d3c4b5a69")
	now := time.Now().UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageJobStart, Status: "Initializing scraping"},
	}))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{
			JobID:    jobID,
			TS:       now,
			Stage:    progress.StageAttemptDone,
			Kind:     scrape.KindStructuredAPI,
			Accepted: true,
			Dur:      2 * time.Second,
		},
		{
			JobID:  jobID,
			TS:     now,
			Stage:  progress.StageJobDone,
			Status: "Completed: 3 stores, 41 offers",
			Stores: 3,
			Offers: 41,
			Dur:    5 * time.Second,
		},
	}))

	require.Equal(t, float64(0), testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.attempts.WithLabelValues("structured_api", "accepted")))
	require.Equal(t, float64(3), testutil.ToFloat64(sink.storesScraped))
	require.Equal(t, float64(41), testutil.ToFloat64(sink.offersScraped))
}

func TestPrometheusSinkCountsFailures(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := progress.JobIDBytes("0195d4a2-7b6e-7cca-9f3e-1f2d3c4b5a70")
	now := time.Now().UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageJobStart, Status: "Initializing scraping"},
		{
			JobID:    jobID,
			TS:       now,
			Stage:    progress.StageAttemptDone,
			Kind:     scrape.KindBrowser,
			Accepted: false,
			Note:     "chrome crashed",
			Dur:      time.Second,
		},
		{JobID: jobID, TS: now, Stage: progress.StageJobError, Status: "Failed", Dur: 3 * time.Second},
	}))

	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.attempts.WithLabelValues("browser", "rejected")))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.jobsRunning))
}

func TestPrometheusSinkDoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
