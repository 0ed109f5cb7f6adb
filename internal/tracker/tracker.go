// Package tracker runs scrape jobs: it pulls queued work, drives the
// strategy chain, persists accepted results, and keeps job state and
// progress checkpoints current throughout.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/normalize"
	"github.com/offerscout/offerscout/internal/orchestrator"
	"github.com/offerscout/offerscout/internal/progress"
	"github.com/offerscout/offerscout/internal/scrape"
)

// errJobCancelled aborts the strategy chain when an external cancel request
// lands mid-job.
var errJobCancelled = errors.New("job cancelled")

// Scraper is the slice of the orchestrator the tracker drives.
type Scraper interface {
	ScrapeArea(ctx context.Context, postalCode string, maxAttempts int, observe orchestrator.AttemptFunc) (scrape.Result, error)
	ScrapeTarget(ctx context.Context, url, hintName string, maxAttempts int, observe orchestrator.AttemptFunc) (scrape.Result, error)
}

// Config controls tracker behavior.
type Config struct {
	// ID distinguishes trackers in logs when several run in one process.
	ID int
}

// Tracker processes jobs one at a time from the queue. Run several trackers
// over the same queue for parallelism.
type Tracker struct {
	cfg     Config
	queue   scrape.Queue
	jobs    scrape.JobRepository
	stores  scrape.StoreRepository
	scraper Scraper
	emitter progress.Emitter
	clock   scrape.Clock
	logger  *zap.Logger
}

// New builds a Tracker.
func New(
	cfg Config,
	queue scrape.Queue,
	jobs scrape.JobRepository,
	stores scrape.StoreRepository,
	scraper Scraper,
	emitter progress.Emitter,
	clock scrape.Clock,
	logger *zap.Logger,
) *Tracker {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:     cfg,
		queue:   queue,
		jobs:    jobs,
		stores:  stores,
		scraper: scraper,
		emitter: emitter,
		clock:   clock,
		logger:  logger.With(zap.Int("tracker", cfg.ID)),
	}
}

// Run processes jobs until the context ends or the queue closes.
func (t *Tracker) Run(ctx context.Context) {
	for {
		item, err := t.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Info("queue drained, tracker stopping", zap.Error(err))
			}
			return
		}
		if err := t.processJob(ctx, item); err != nil {
			t.logger.Error("job failed",
				zap.String("job_id", item.JobID),
				zap.String("job_type", string(item.Type)),
				zap.Error(err))
		}
	}
}

// processJob drives one job through its full lifecycle. The returned error
// reports terminal failure after the job row has already been updated.
func (t *Tracker) processJob(ctx context.Context, item scrape.QueueItem) error {
	job, err := t.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", item.JobID, err)
	}
	if job.Status.Terminal() {
		t.logger.Info("skipping job already in terminal state",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return nil
	}
	if cancelled, err := t.jobs.IsCancelled(ctx, job.ID); err == nil && cancelled {
		return t.markCancelled(ctx, job, scrape.JobCounts{})
	}

	start := t.clock.Now()
	if err := t.jobs.UpdateStatus(ctx, job.ID, scrape.JobStatusRunning, "", job.Counts, ""); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	t.emit(job.ID, progress.StageJobStart, "Initializing scraping", 0, 0, 0)

	res, err := t.runStrategies(ctx, job, item.MaxAttempts)
	if err != nil {
		if errors.Is(err, errJobCancelled) {
			return t.markCancelled(ctx, job, job.Counts)
		}
		return t.markFailed(ctx, job, job.Counts, err)
	}

	t.emit(job.ID, progress.StageProcessing, "Processing results",
		int64(len(res.Stores)), int64(len(res.Offers)), 0)

	counts, err := t.persist(ctx, job, res)
	if err != nil {
		if errors.Is(err, errJobCancelled) {
			return t.markCancelled(ctx, job, counts)
		}
		return t.markFailed(ctx, job, counts, err)
	}

	if err := t.jobs.UpdateStatus(ctx, job.ID, scrape.JobStatusCompleted, "", counts, res.Method); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	dur := t.clock.Now().Sub(start)
	t.emit(job.ID, progress.StageJobDone,
		fmt.Sprintf("Completed: %d stores, %d offers", counts.StoresFound, counts.OffersScraped),
		int64(counts.StoresFound), int64(counts.OffersScraped), dur)
	t.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("method", string(res.Method)),
		zap.Int("stores_found", counts.StoresFound),
		zap.Int("offers_scraped", counts.OffersScraped),
		zap.Duration("duration", dur))
	return nil
}

// runStrategies emits the strategy-phase checkpoint and walks the chain. The
// orchestrator calls back after each attempt so cancellation is honored
// between attempts, never mid-attempt.
func (t *Tracker) runStrategies(ctx context.Context, job scrape.Job, maxAttempts int) (scrape.Result, error) {
	observe := t.attemptObserver(job.ID)
	switch job.Type {
	case scrape.JobTypeAreaDiscovery:
		t.emit(job.ID, progress.StageStrategy, "Starting store discovery", 0, 0, 0)
		return t.scraper.ScrapeArea(ctx, job.PostalCode, maxAttempts, observe)
	case scrape.JobTypeStoreOffers:
		label := job.HintName
		if label == "" {
			label = job.TargetURL
		}
		t.emit(job.ID, progress.StageStrategy, fmt.Sprintf("Scraping %s", label), 0, 0, 0)
		return t.scraper.ScrapeTarget(ctx, job.TargetURL, job.HintName, maxAttempts, observe)
	default:
		return scrape.Result{}, fmt.Errorf("unknown job type %q", job.Type)
	}
}

// attemptObserver reports each strategy attempt and aborts the chain if the
// job was cancelled while the attempt ran.
func (t *Tracker) attemptObserver(jobID string) orchestrator.AttemptFunc {
	return func(ctx context.Context, kind scrape.StrategyKind, res scrape.Result, dur time.Duration) error {
		accepted := res.Success && (len(res.Stores) > 0 || len(res.Offers) > 0)
		t.emitter.Emit(progress.Event{
			JobID:    progress.JobIDBytes(jobID),
			TS:       t.clock.Now().UTC(),
			Stage:    progress.StageAttemptDone,
			Kind:     kind,
			Accepted: accepted,
			Stores:   int64(len(res.Stores)),
			Offers:   int64(len(res.Offers)),
			Dur:      dur,
			Note:     res.Error,
		})
		cancelled, err := t.jobs.IsCancelled(ctx, jobID)
		if err != nil {
			t.logger.Warn("cancellation check failed", zap.String("job_id", jobID), zap.Error(err))
			return nil
		}
		if cancelled {
			return errJobCancelled
		}
		return nil
	}
}

// persist writes an accepted result to storage. Stores are upserted first so
// offer batches can resolve their store rows; each store's offers are then
// replaced one store at a time with a cancellation check between batches.
func (t *Tracker) persist(ctx context.Context, job scrape.Job, res scrape.Result) (scrape.JobCounts, error) {
	counts := scrape.JobCounts{}

	if job.Type == scrape.JobTypeStoreOffers {
		return t.persistTarget(ctx, job, res)
	}

	byName := make(map[string]int64, len(res.Stores))
	for _, rec := range res.Stores {
		rec.PostalCode = normalize.PostalCode(rec.PostalCode)
		if rec.PostalCode == "" {
			rec.PostalCode = normalize.PostalCode(job.PostalCode)
		}
		store, created, err := t.stores.UpsertStore(ctx, rec)
		if err != nil {
			return counts, &scrape.PersistenceError{Op: fmt.Sprintf("upsert store %q", rec.Name), Err: err}
		}
		if created {
			counts.StoresFound++
		}
		byName[rec.Name] = store.ID
	}

	grouped := groupOffers(res.Offers)
	for _, group := range grouped {
		if cancelled, err := t.jobs.IsCancelled(ctx, job.ID); err == nil && cancelled {
			return counts, errJobCancelled
		}
		storeID, ok := byName[group.storeName]
		if !ok {
			found, err := t.stores.FindStore(ctx, group.storeName, normalize.PostalCode(job.PostalCode))
			if err != nil {
				return counts, &scrape.PersistenceError{Op: fmt.Sprintf("find store %q", group.storeName), Err: err}
			}
			if found == nil {
				t.logger.Warn("offers reference unknown store, skipping batch",
					zap.String("job_id", job.ID), zap.String("store", group.storeName),
					zap.Int("offers", len(group.offers)))
				continue
			}
			storeID = found.ID
		}
		if err := t.stores.ReplaceOffers(ctx, storeID, group.offers); err != nil {
			return counts, &scrape.PersistenceError{Op: fmt.Sprintf("replace offers for %q", group.storeName), Err: err}
		}
		counts.OffersScraped += len(group.offers)
	}
	return counts, nil
}

// persistTarget handles single-store jobs: all offers belong to the job's
// store, and the store's scrape metadata is refreshed.
func (t *Tracker) persistTarget(ctx context.Context, job scrape.Job, res scrape.Result) (scrape.JobCounts, error) {
	counts := scrape.JobCounts{}
	if job.StoreID == 0 {
		return counts, fmt.Errorf("store offers job %s has no store id", job.ID)
	}
	if len(res.Offers) > 0 {
		if err := t.stores.ReplaceOffers(ctx, job.StoreID, res.Offers); err != nil {
			return counts, &scrape.PersistenceError{Op: "replace offers", Err: err}
		}
		counts.OffersScraped = len(res.Offers)
	}
	meta := map[string]any{"method_used": string(res.Method)}
	if err := t.stores.TouchStore(ctx, job.StoreID, t.clock.Now().UTC(), meta); err != nil {
		return counts, &scrape.PersistenceError{Op: "touch store", Err: err}
	}
	return counts, nil
}

func (t *Tracker) markFailed(ctx context.Context, job scrape.Job, counts scrape.JobCounts, cause error) error {
	counts.ErrorsCount++
	if job.Type == scrape.JobTypeStoreOffers && job.StoreID != 0 {
		// Record the failure on the store without touching last_scraped, so
		// freshness checks keep treating the store as stale.
		meta := map[string]any{
			"last_error":     cause.Error(),
			"last_failed_at": t.clock.Now().UTC().Format(time.RFC3339),
		}
		if err := t.stores.TouchStore(ctx, job.StoreID, time.Time{}, meta); err != nil {
			t.logger.Warn("recording store failure metadata failed",
				zap.Int64("store_id", job.StoreID), zap.Error(err))
		}
	}
	if err := t.jobs.UpdateStatus(ctx, job.ID, scrape.JobStatusFailed, cause.Error(), counts, ""); err != nil {
		t.logger.Error("recording job failure failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	t.emit(job.ID, progress.StageJobError, fmt.Sprintf("Failed: %s", cause.Error()), 0, 0, 0)
	return fmt.Errorf("job %s: %w", job.ID, cause)
}

func (t *Tracker) markCancelled(ctx context.Context, job scrape.Job, counts scrape.JobCounts) error {
	if err := t.jobs.UpdateStatus(ctx, job.ID, scrape.JobStatusCancelled, "", counts, ""); err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	t.emit(job.ID, progress.StageJobDone, "Cancelled", 0, 0, 0)
	t.logger.Info("job cancelled", zap.String("job_id", job.ID))
	return nil
}

func (t *Tracker) emit(jobID string, stage progress.Stage, status string, stores, offers int64, dur time.Duration) {
	t.emitter.Emit(progress.Event{
		JobID:  progress.JobIDBytes(jobID),
		TS:     t.clock.Now().UTC(),
		Stage:  stage,
		Status: status,
		Stores: stores,
		Offers: offers,
		Dur:    dur,
	})
}

// offerGroup keeps grouped offers in first-seen store order so persistence
// is deterministic.
type offerGroup struct {
	storeName string
	offers    []scrape.OfferRecord
}

func groupOffers(offers []scrape.OfferRecord) []offerGroup {
	index := make(map[string]int)
	var groups []offerGroup
	for _, offer := range offers {
		i, ok := index[offer.StoreName]
		if !ok {
			i = len(groups)
			index[offer.StoreName] = i
			groups = append(groups, offerGroup{storeName: offer.StoreName})
		}
		groups[i].offers = append(groups[i].offers, offer)
	}
	return groups
}
