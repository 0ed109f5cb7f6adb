package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/orchestrator"
	"github.com/offerscout/offerscout/internal/progress"
	"github.com/offerscout/offerscout/internal/scrape"
)

const (
	testJobID   = "019212aa-7000-7000-8000-000000000001"
	testPostal  = "M5V 3A8"
	testFlyer   = "https://flipp.com/flyers/no-frills"
	testStoreID = int64(42)
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Stage
	}
	return out
}

type fakeJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]scrape.Job
	cancelled map[string]bool
	// cancelAfterChecks flips the cancel flag once this many IsCancelled
	// calls have happened.
	cancelAfterChecks int
	checks            int
}

func newFakeJobRepo(jobs ...scrape.Job) *fakeJobRepo {
	repo := &fakeJobRepo{jobs: map[string]scrape.Job{}, cancelled: map[string]bool{}, cancelAfterChecks: -1}
	for _, j := range jobs {
		repo.jobs[j.ID] = j
	}
	return repo
}

func (r *fakeJobRepo) CreateJob(_ context.Context, job scrape.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeJobRepo) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

func (r *fakeJobRepo) UpdateStatus(_ context.Context, jobID string, status scrape.JobStatus, errText string, counts scrape.JobCounts, method scrape.StrategyKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.jobs[jobID]
	job.Status = status
	job.Counts = counts
	if method != "" {
		job.MethodUsed = method
	}
	if errText != "" {
		job.ErrorLog = append(job.ErrorLog, errText)
	}
	r.jobs[jobID] = job
	return nil
}

func (r *fakeJobRepo) IsCancelled(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
	if r.cancelAfterChecks >= 0 && r.checks > r.cancelAfterChecks {
		r.cancelled[jobID] = true
	}
	return r.cancelled[jobID], nil
}

func (r *fakeJobRepo) RequestCancel(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[jobID] = true
	return true, nil
}

func (r *fakeJobRepo) job(t *testing.T, jobID string) scrape.Job {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID]
}

type replaceCall struct {
	storeID int64
	offers  []scrape.OfferRecord
}

type touchCall struct {
	storeID int64
	at      time.Time
	meta    map[string]any
}

type fakeStoreRepo struct {
	mu         sync.Mutex
	nextID     int64
	existing   map[string]scrape.Store // keyed name|postal
	replaced   []replaceCall
	touched    []touchCall
	upsertErr  error
	replaceErr error
}

func newFakeStoreRepo() *fakeStoreRepo {
	return &fakeStoreRepo{nextID: 100, existing: map[string]scrape.Store{}}
}

func storeKey(name, postal string) string { return name + "|" + postal }

func (r *fakeStoreRepo) seed(name, postal string, id int64) {
	r.existing[storeKey(name, postal)] = scrape.Store{
		ID:     id,
		Record: scrape.StoreRecord{Name: name, PostalCode: postal},
	}
}

func (r *fakeStoreRepo) FindStore(_ context.Context, name, postal string) (*scrape.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if store, ok := r.existing[storeKey(name, postal)]; ok {
		return &store, nil
	}
	return nil, nil
}

func (r *fakeStoreRepo) GetStore(_ context.Context, storeID int64) (*scrape.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, store := range r.existing {
		if store.ID == storeID {
			return &store, nil
		}
	}
	return nil, nil
}

func (r *fakeStoreRepo) ListStores(context.Context, string) ([]scrape.Store, error) {
	return nil, nil
}

func (r *fakeStoreRepo) ListOffers(context.Context, int64) ([]scrape.Offer, error) {
	return nil, nil
}

func (r *fakeStoreRepo) UpsertStore(_ context.Context, rec scrape.StoreRecord) (scrape.Store, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return scrape.Store{}, false, r.upsertErr
	}
	key := storeKey(rec.Name, rec.PostalCode)
	if store, ok := r.existing[key]; ok {
		return store, false, nil
	}
	r.nextID++
	store := scrape.Store{ID: r.nextID, Record: rec}
	r.existing[key] = store
	return store, true, nil
}

func (r *fakeStoreRepo) ReplaceOffers(_ context.Context, storeID int64, offers []scrape.OfferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replaceErr != nil {
		return r.replaceErr
	}
	r.replaced = append(r.replaced, replaceCall{storeID: storeID, offers: offers})
	return nil
}

func (r *fakeStoreRepo) TouchStore(_ context.Context, storeID int64, at time.Time, meta map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, touchCall{storeID: storeID, at: at, meta: meta})
	return nil
}

type fakeScraper struct {
	areaRes   scrape.Result
	targetRes scrape.Result
	err       error
	// observePerAttempt replays the chain the orchestrator would have run.
	attempts []scrape.Result

	gotMaxAttempts int
}

func (s *fakeScraper) ScrapeArea(ctx context.Context, _ string, maxAttempts int, observe orchestrator.AttemptFunc) (scrape.Result, error) {
	s.gotMaxAttempts = maxAttempts
	return s.run(ctx, s.areaRes, observe)
}

func (s *fakeScraper) ScrapeTarget(ctx context.Context, _, _ string, maxAttempts int, observe orchestrator.AttemptFunc) (scrape.Result, error) {
	s.gotMaxAttempts = maxAttempts
	return s.run(ctx, s.targetRes, observe)
}

func (s *fakeScraper) run(ctx context.Context, final scrape.Result, observe orchestrator.AttemptFunc) (scrape.Result, error) {
	if observe != nil {
		for _, attempt := range s.attempts {
			if err := observe(ctx, attempt.Method, attempt, time.Millisecond); err != nil {
				return scrape.Result{}, err
			}
		}
	}
	if s.err != nil {
		return scrape.Result{}, s.err
	}
	if observe != nil {
		if err := observe(ctx, final.Method, final, time.Millisecond); err != nil {
			return scrape.Result{}, err
		}
	}
	return final, nil
}

func areaJob() scrape.Job {
	return scrape.Job{
		ID:         testJobID,
		Type:       scrape.JobTypeAreaDiscovery,
		PostalCode: testPostal,
		Status:     scrape.JobStatusPending,
	}
}

func targetJob() scrape.Job {
	return scrape.Job{
		ID:        testJobID,
		Type:      scrape.JobTypeStoreOffers,
		StoreID:   testStoreID,
		TargetURL: testFlyer,
		HintName:  "No Frills",
		Status:    scrape.JobStatusPending,
	}
}

func newTracker(jobs *fakeJobRepo, stores *fakeStoreRepo, scraper Scraper, emitter progress.Emitter) *Tracker {
	return New(Config{ID: 1}, nil, jobs, stores, scraper, emitter,
		&fakeClock{now: time.Unix(1700000000, 0)}, zap.NewNop())
}

func TestProcessJobAreaSuccess(t *testing.T) {
	jobs := newFakeJobRepo(areaJob())
	stores := newFakeStoreRepo()
	stores.seed("Metro", testPostal, 7) // already known, not counted as found
	emitter := &captureEmitter{}

	result := scrape.Result{
		Success: true,
		Method:  scrape.KindStructuredAPI,
		Stores: []scrape.StoreRecord{
			{Name: "No Frills", PostalCode: testPostal},
			{Name: "Metro", PostalCode: testPostal},
		},
		Offers: []scrape.OfferRecord{
			{StoreName: "No Frills", ProductName: "Bananas", Price: 0.69},
			{StoreName: "Metro", ProductName: "Milk", Price: 4.29},
			{StoreName: "No Frills", ProductName: "Bread", Price: 2.49},
		},
	}
	tr := newTracker(jobs, stores, &fakeScraper{areaRes: result}, emitter)

	require.NoError(t, tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID, Type: scrape.JobTypeAreaDiscovery}))

	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, scrape.KindStructuredAPI, job.MethodUsed)
	require.Equal(t, 1, job.Counts.StoresFound, "pre-existing stores are not counted")
	require.Equal(t, 3, job.Counts.OffersScraped)
	require.Empty(t, job.ErrorLog)

	require.Len(t, stores.replaced, 2, "offers grouped per store")
	require.Len(t, stores.replaced[0].offers, 2)
	require.Len(t, stores.replaced[1].offers, 1)

	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StageStrategy,
		progress.StageAttemptDone,
		progress.StageProcessing,
		progress.StageJobDone,
	}, emitter.stages())
}

func TestProcessJobAreaSuccessKeepsOfferlessStoreOffers(t *testing.T) {
	jobs := newFakeJobRepo(areaJob())
	stores := newFakeStoreRepo()
	stores.seed("Metro", testPostal, 7) // has prior offers in storage
	emitter := &captureEmitter{}

	// Metro comes back in the store list but with no offers this round; its
	// existing offers must not be replaced with an empty batch.
	result := scrape.Result{
		Success: true,
		Method:  scrape.KindStructuredAPI,
		Stores: []scrape.StoreRecord{
			{Name: "No Frills", PostalCode: testPostal},
			{Name: "Metro", PostalCode: testPostal},
		},
		Offers: []scrape.OfferRecord{
			{StoreName: "No Frills", ProductName: "Bananas", Price: 0.69},
		},
	}
	tr := newTracker(jobs, stores, &fakeScraper{areaRes: result}, emitter)

	require.NoError(t, tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID, Type: scrape.JobTypeAreaDiscovery}))

	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.Counts.OffersScraped)

	require.Len(t, stores.replaced, 1, "only stores with new offers are replaced")
	require.NotEqual(t, int64(7), stores.replaced[0].storeID)
}

func TestProcessJobForwardsAttemptCap(t *testing.T) {
	jobs := newFakeJobRepo(areaJob())
	scraper := &fakeScraper{areaRes: scrape.Result{
		Success: true,
		Method:  scrape.KindStructuredAPI,
		Stores:  []scrape.StoreRecord{{Name: "No Frills", PostalCode: testPostal}},
	}}

	tr := newTracker(jobs, newFakeStoreRepo(), scraper, &captureEmitter{})
	item := scrape.QueueItem{JobID: testJobID, Type: scrape.JobTypeAreaDiscovery, MaxAttempts: 2}
	require.NoError(t, tr.processJob(context.Background(), item))
	require.Equal(t, 2, scraper.gotMaxAttempts)
}

func TestProcessJobTargetSuccessTouchesStore(t *testing.T) {
	jobs := newFakeJobRepo(targetJob())
	stores := newFakeStoreRepo()
	emitter := &captureEmitter{}

	result := scrape.Result{
		Success: true,
		Method:  scrape.KindBrowser,
		Offers:  []scrape.OfferRecord{{StoreName: "No Frills", ProductName: "Eggs", Price: 3.49}},
	}
	tr := newTracker(jobs, stores, &fakeScraper{targetRes: result}, emitter)

	require.NoError(t, tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID, Type: scrape.JobTypeStoreOffers}))

	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, scrape.KindBrowser, job.MethodUsed)
	require.Equal(t, 1, job.Counts.OffersScraped)
	require.Zero(t, job.Counts.StoresFound)

	require.Len(t, stores.replaced, 1)
	require.Equal(t, testStoreID, stores.replaced[0].storeID)
	require.Len(t, stores.touched, 1)
	require.Equal(t, testStoreID, stores.touched[0].storeID)
	require.False(t, stores.touched[0].at.IsZero())
}

func TestProcessJobStrategyExhaustionMarksFailed(t *testing.T) {
	jobs := newFakeJobRepo(areaJob())
	stores := newFakeStoreRepo()
	emitter := &captureEmitter{}

	exhausted := &scrape.ExhaustedError{Attempts: 2, LastError: "browser: chrome crashed"}
	tr := newTracker(jobs, stores, &fakeScraper{err: exhausted}, emitter)

	err := tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID})
	require.Error(t, err)
	require.ErrorAs(t, err, new(*scrape.ExhaustedError))

	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Len(t, job.ErrorLog, 1, "failure appends exactly one error entry")
	require.Equal(t, "all 2 strategies failed; last: browser: chrome crashed", job.ErrorLog[0])
	require.Equal(t, 1, job.Counts.ErrorsCount)
	require.Contains(t, emitter.stages(), progress.StageJobError)
	require.Empty(t, stores.replaced)
}

func TestProcessJobTargetFailureRecordsStoreMetadata(t *testing.T) {
	jobs := newFakeJobRepo(targetJob())
	stores := newFakeStoreRepo()

	exhausted := &scrape.ExhaustedError{Attempts: 3, LastError: "vision: model refused"}
	tr := newTracker(jobs, stores, &fakeScraper{err: exhausted}, &captureEmitter{})

	err := tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID, Type: scrape.JobTypeStoreOffers})
	require.Error(t, err)

	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusFailed, job.Status)

	require.Len(t, stores.touched, 1)
	require.Equal(t, testStoreID, stores.touched[0].storeID)
	require.True(t, stores.touched[0].at.IsZero(), "a failed scrape must not refresh last_scraped")
	require.Contains(t, stores.touched[0].meta["last_error"], "vision: model refused")
}

func TestProcessJobPersistenceFailureMarksFailed(t *testing.T) {
	jobs := newFakeJobRepo(areaJob())
	stores := newFakeStoreRepo()
	stores.replaceErr = fmt.Errorf("deadlock detected")

	result := scrape.Result{
		Success: true,
		Method:  scrape.KindStructuredAPI,
		Stores:  []scrape.StoreRecord{{Name: "No Frills", PostalCode: testPostal}},
		Offers:  []scrape.OfferRecord{{StoreName: "No Frills", ProductName: "Bananas", Price: 0.69}},
	}
	tr := newTracker(jobs, stores, &fakeScraper{areaRes: result}, &captureEmitter{})

	err := tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID})
	require.Error(t, err)

	var perr *scrape.PersistenceError
	require.ErrorAs(t, err, &perr)
	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Len(t, job.ErrorLog, 1)
	require.Contains(t, job.ErrorLog[0], "replace offers")
}

func TestProcessJobCancelledBeforeStart(t *testing.T) {
	jobs := newFakeJobRepo(areaJob())
	jobs.cancelled[testJobID] = true
	scraper := &fakeScraper{areaRes: scrape.Result{Success: true}}

	tr := newTracker(jobs, newFakeStoreRepo(), scraper, &captureEmitter{})
	require.NoError(t, tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID}))

	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusCancelled, job.Status)
}

func TestProcessJobCancelledBetweenAttempts(t *testing.T) {
	jobs := newFakeJobRepo(areaJob())
	// First check (pre-start) passes, the one after the first attempt trips.
	jobs.cancelAfterChecks = 1

	scraper := &fakeScraper{
		attempts: []scrape.Result{scrape.Fail(scrape.KindStructuredAPI, "api down")},
		areaRes: scrape.Result{
			Success: true,
			Method:  scrape.KindBrowser,
			Stores:  []scrape.StoreRecord{{Name: "No Frills", PostalCode: testPostal}},
		},
	}
	stores := newFakeStoreRepo()
	tr := newTracker(jobs, stores, scraper, &captureEmitter{})

	require.NoError(t, tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID}))
	job := jobs.job(t, testJobID)
	require.Equal(t, scrape.JobStatusCancelled, job.Status)
	require.Empty(t, stores.replaced, "nothing persists after mid-chain cancellation")
}

func TestProcessJobSkipsTerminalJob(t *testing.T) {
	done := areaJob()
	done.Status = scrape.JobStatusCompleted
	jobs := newFakeJobRepo(done)
	scraper := &fakeScraper{}
	emitter := &captureEmitter{}

	tr := newTracker(jobs, newFakeStoreRepo(), scraper, emitter)
	require.NoError(t, tr.processJob(context.Background(), scrape.QueueItem{JobID: testJobID}))
	require.Empty(t, emitter.stages())
}

func TestGroupOffersKeepsFirstSeenOrder(t *testing.T) {
	groups := groupOffers([]scrape.OfferRecord{
		{StoreName: "B", ProductName: "1"},
		{StoreName: "A", ProductName: "2"},
		{StoreName: "B", ProductName: "3"},
	})
	require.Len(t, groups, 2)
	require.Equal(t, "B", groups[0].storeName)
	require.Len(t, groups[0].offers, 2)
	require.Equal(t, "A", groups[1].storeName)
}
