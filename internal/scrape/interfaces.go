package scrape

import (
	"context"
	"time"
)

// Strategy is one acquisition mechanism for store/offer data. Implementations
// must never let an unexpected fault escape either entry point: every failure
// path returns Result{Success: false, Error: ...}. Side effects (network
// sessions, browser processes, downloaded files) are released on every exit
// path. A Strategy owns no cross-call state beyond a transient session scoped
// to a single call.
type Strategy interface {
	// ScrapeArea acquires stores and offers for a canonical postal area.
	// Variants lacking area-level capability return a failed Result with an
	// explanatory error rather than guessing.
	ScrapeArea(ctx context.Context, postalCode string) Result

	// ScrapeTarget acquires offers for one named resource (store page, flyer
	// document, flyer image). hintName optionally carries the store name.
	ScrapeTarget(ctx context.Context, url, hintName string) Result

	// Kind returns the fixed variant tag used for logging and ordering.
	Kind() StrategyKind

	// Available is a cheap local capability probe (binary on PATH, key
	// configured). It must not make network calls.
	Available() bool
}

// Store is a persisted store row.
type Store struct {
	ID          int64
	Record      StoreRecord
	LastScraped *time.Time
	ScrapeMeta  map[string]any
}

// Offer is a persisted offer row belonging to exactly one store.
type Offer struct {
	ID      int64
	StoreID int64
	Record  OfferRecord
}

// StoreRepository persists stores and their current offers. ReplaceOffers
// applies a store's delete-then-insert atomically so readers never observe an
// empty-offers window.
type StoreRepository interface {
	FindStore(ctx context.Context, name, postalCode string) (*Store, error)
	GetStore(ctx context.Context, storeID int64) (*Store, error)
	ListStores(ctx context.Context, postalCode string) ([]Store, error)
	ListOffers(ctx context.Context, storeID int64) ([]Offer, error)

	// UpsertStore creates the store if absent and reports whether a row was
	// created. An existing store's identity is never overwritten.
	UpsertStore(ctx context.Context, rec StoreRecord) (Store, bool, error)

	// ReplaceOffers deletes the store's existing offers and inserts the new
	// batch within one transaction.
	ReplaceOffers(ctx context.Context, storeID int64, offers []OfferRecord) error

	// TouchStore records last-scraped time and free-form scrape metadata. A
	// zero time writes only the metadata, leaving last-scraped unchanged.
	TouchStore(ctx context.Context, storeID int64, at time.Time, meta map[string]any) error
}

// JobRepository persists scrape jobs. Only the tracker mutates a job while it
// runs; cancellation arrives externally via UpdateStatus.
type JobRepository interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)

	// UpdateStatus transitions a job, recording started/completed timestamps
	// for running/terminal states and appending errText to the ordered error
	// log when non-empty.
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, errText string, counts JobCounts, method StrategyKind) error

	// IsCancelled reports whether an external cancel request was recorded.
	IsCancelled(ctx context.Context, jobID string) (bool, error)

	// RequestCancel flags a pending or running job for cancellation and
	// reports whether the flag landed on a cancellable job.
	RequestCancel(ctx context.Context, jobID string) (bool, error)
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error

	// TryEnqueue submits without blocking; a full queue is an error so
	// callers can shed load instead of stalling.
	TryEnqueue(item QueueItem) error

	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
