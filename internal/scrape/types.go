// Package scrape defines core types shared across subsystems.
package scrape

import "time"

// StrategyKind identifies one acquisition mechanism. The declared order is
// the fallback priority order: cheapest and most reliable first.
type StrategyKind string

// Supported strategy kinds.
const (
	KindStructuredAPI StrategyKind = "structured_api"
	KindBrowser       StrategyKind = "browser"
	KindDocumentOCR   StrategyKind = "document_ocr"
	KindVision        StrategyKind = "vision"
)

// KindPriority returns the fallback rank for a kind; lower runs first.
// Unknown kinds sort last.
func KindPriority(k StrategyKind) int {
	switch k {
	case KindStructuredAPI:
		return 0
	case KindBrowser:
		return 1
	case KindDocumentOCR:
		return 2
	case KindVision:
		return 3
	default:
		return 4
	}
}

// StoreRecord is the normalized store shape produced by strategies. The
// natural key (Name, PostalCode) deduplicates stores on persistence.
type StoreRecord struct {
	Name       string `json:"name"`
	Chain      string `json:"chain"`
	Address    string `json:"address"`
	PostalCode string `json:"postal_code"`
	Phone      string `json:"phone,omitempty"`
	Website    string `json:"website,omitempty"`
	FlyerURL   string `json:"flyer_url,omitempty"`
	Latitude   string `json:"latitude,omitempty"`
	Longitude  string `json:"longitude,omitempty"`
}

// OfferRecord is a single product offer scraped from a store. Offers are a
// point-in-time snapshot: a fresh scrape replaces a store's prior offers.
type OfferRecord struct {
	StoreName       string     `json:"store_name"`
	ProductName     string     `json:"product_name"`
	Brand           string     `json:"brand,omitempty"`
	Category        string     `json:"category,omitempty"`
	Price           float64    `json:"price"`
	OriginalPrice   *float64   `json:"original_price,omitempty"`
	Unit            string     `json:"unit,omitempty"`
	DiscountPercent *int       `json:"discount_percentage,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Featured        bool       `json:"is_featured_deal"`
	Description     string     `json:"description,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
}

// Result is the uniform outcome of one strategy invocation. Strategies never
// return Go errors from their entry points; every failure is expressed as
// Success=false with Error set, so the fallback chain stays statically
// checkable.
type Result struct {
	Success   bool           `json:"success"`
	Method    StrategyKind   `json:"method_used"`
	Stores    []StoreRecord  `json:"stores"`
	Offers    []OfferRecord  `json:"offers"`
	Error     string         `json:"error_message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Fail builds a failed Result for the given kind.
func Fail(kind StrategyKind, msg string) Result {
	return Result{
		Success:   false,
		Method:    kind,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// JobType distinguishes area discovery from single-store offer scrapes.
type JobType string

// Supported job types.
const (
	JobTypeAreaDiscovery JobType = "area_discovery"
	JobTypeStoreOffers   JobType = "store_offers"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobCounts tracks per-job result statistics.
type JobCounts struct {
	StoresFound   int `json:"stores_found"`
	OffersScraped int `json:"offers_scraped"`
	ErrorsCount   int `json:"errors_count"`
}

// Job is the metadata persisted for each submitted scrape request. Jobs are
// never deleted, only superseded by new jobs for the same target.
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"job_type"`
	PostalCode  string         `json:"postal_code,omitempty"`
	StoreID     int64          `json:"store_id,omitempty"`
	TargetURL   string         `json:"target_url,omitempty"`
	HintName    string         `json:"hint_name,omitempty"`
	Status      JobStatus      `json:"status"`
	Submitted   time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	MethodUsed  StrategyKind   `json:"method_used,omitempty"`
	Counts      JobCounts      `json:"counts"`
	ErrorLog    []string       `json:"error_log,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// QueueItem wraps a job ready to run on a worker.
type QueueItem struct {
	JobID      string
	Type       JobType
	PostalCode string
	StoreID    int64
	TargetURL  string
	HintName   string
	// MaxAttempts caps the strategy chain for this job; zero runs it all.
	MaxAttempts int
	Attempt     int
	Submitted   int64
}
