package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/offerscout/offerscout/internal/progress"
)

// PrometheusSink exports scrape-job progress metrics via Prometheus. It owns
// all collectors for jobs started/completed/running, per-strategy attempt
// counters, and scraped record totals.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	storesScraped   prometheus.Counter
	offersScraped   prometheus.Counter

	tracker *runningSet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_jobs_started_total",
			Help: "Total scrape jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_jobs_completed_total",
			Help: "Total scrape jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_jobs_running",
			Help: "Current number of running scrape jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_job_runtime_seconds",
			Help:    "Wall time per completed scrape job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_strategy_attempts_total",
			Help: "Strategy attempts partitioned by kind and outcome.",
		}, []string{"strategy", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_strategy_attempt_seconds",
			Help:    "Attempt duration partitioned by strategy kind.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"strategy"}),
		storesScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_stores_total",
			Help: "Total store records produced by accepted results.",
		}),
		offersScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_offers_total",
			Help: "Total offer records produced by accepted results.",
		}),
		tracker: newRunningSet(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.attempts,
		s.attemptDuration,
		s.storesScraped,
		s.offersScraped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.tracker.add(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone:
			s.completeJob(evt, "success")
			s.storesScraped.Add(float64(evt.Stores))
			s.offersScraped.Add(float64(evt.Offers))
		case progress.StageJobError:
			s.completeJob(evt, "error")
		case progress.StageAttemptDone:
			s.recordAttempt(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) completeJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.remove(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) recordAttempt(evt progress.Event) {
	outcome := "rejected"
	if evt.Accepted {
		outcome = "accepted"
	}
	s.attempts.WithLabelValues(string(evt.Kind), outcome).Inc()
	if evt.Dur > 0 {
		s.attemptDuration.WithLabelValues(string(evt.Kind)).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu  sync.Mutex
	set map[[16]byte]struct{}
}

func newRunningSet() *runningSet {
	return &runningSet{set: make(map[[16]byte]struct{})}
}

func (r *runningSet) add(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false
	}
	r.set[id] = struct{}{}
	return true
}

func (r *runningSet) remove(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; !ok {
		return false
	}
	delete(r.set, id)
	return true
}
