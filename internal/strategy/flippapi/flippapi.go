// Package flippapi implements the structured-API scrape strategy against
// flipp-style search endpoints. It is the cheapest and most reliable variant
// and therefore runs first in the fallback chain.
package flippapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/offerscout/offerscout/internal/metrics"
	"github.com/offerscout/offerscout/internal/normalize"
	"github.com/offerscout/offerscout/internal/scrape"
)

// Config controls the structured-API client.
type Config struct {
	APIBase    string
	Locale     string
	UserAgent  string
	Timeout    time.Duration
	RateDelay  time.Duration
	MaxRetries int
	CacheSize  int
}

// searchTerms seed the merchant discovery queries for an area.
var searchTerms = []string{"grocery", "supermarket", "No Frills", "Loblaws", "Metro", "Sobeys"}

// groceryWords filter merchant names down to food retailers.
var groceryWords = []string{"grocery", "market", "frills", "loblaws", "metro", "sobeys", "food"}

// termSearchDelay spaces consecutive term queries; the per-merchant delay
// comes from Config.RateDelay.
const termSearchDelay = 300 * time.Millisecond

// Strategy implements scrape.Strategy over the structured search API.
type Strategy struct {
	cfg       Config
	client    *resty.Client
	merchants *lru.Cache[string, []scrape.StoreRecord]
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New builds a Strategy. The merchant cache avoids re-discovering an area's
// store list on every offer refresh.
func New(cfg Config, logger *zap.Logger) (*Strategy, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("api base is required")
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-ca"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, []scrape.StoreRecord](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("merchant cache: %w", err)
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIBase, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json, text/plain, */*")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.MaxRetries > 0 {
		// Resty retries transient transport and 5xx failures before the
		// orchestrator ever sees them as a strategy failure.
		client.SetRetryCount(cfg.MaxRetries).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second)
	}
	limit := rate.Inf
	if cfg.RateDelay > 0 {
		limit = rate.Every(cfg.RateDelay)
	}
	return &Strategy{
		cfg:       cfg,
		client:    client,
		merchants: cache,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}, nil
}

// Kind returns the structured-API tag.
func (s *Strategy) Kind() scrape.StrategyKind {
	return scrape.KindStructuredAPI
}

// Available always reports true: the strategy needs nothing beyond an HTTP
// client. Enable/disable is a configuration concern.
func (s *Strategy) Available() bool {
	return true
}

// ScrapeArea discovers merchants for the postal area and collects each
// merchant's current offers, pausing between merchants to stay within
// courteous-use limits.
func (s *Strategy) ScrapeArea(ctx context.Context, postalCode string) (res scrape.Result) {
	defer scrape.Capture(s.Kind(), &res)

	postal := normalize.PostalCode(postalCode)
	merchants, err := s.areaMerchants(ctx, postal)
	if err != nil {
		return scrape.Fail(s.Kind(), err.Error())
	}

	stores := make([]scrape.StoreRecord, 0, len(merchants))
	var offers []scrape.OfferRecord
	for _, store := range merchants {
		waitStart := time.Now()
		if err := s.limiter.Wait(ctx); err != nil {
			return scrape.Fail(s.Kind(), fmt.Sprintf("rate limit wait: %v", err))
		}
		metrics.ObserveRateLimitDelay(string(s.Kind()), time.Since(waitStart))
		s.logger.Debug("fetching merchant offers",
			zap.String("merchant", store.Name), zap.String("postal_code", postal))
		merchantOffers, err := s.searchOffers(ctx, postal, store.Name)
		if err != nil {
			s.logger.Warn("merchant offer search failed",
				zap.String("merchant", store.Name), zap.Error(err))
			continue
		}
		stores = append(stores, store)
		offers = append(offers, merchantOffers...)
	}

	return scrape.Result{
		Success:   true,
		Method:    s.Kind(),
		Stores:    stores,
		Offers:    offers,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"postal_code":     postal,
			"merchants_found": len(stores),
			"total_offers":    len(offers),
		},
	}
}

// ScrapeTarget cannot work without area context; the API is keyed by postal
// code, not URL.
func (s *Strategy) ScrapeTarget(_ context.Context, _, _ string) scrape.Result {
	return scrape.Fail(s.Kind(), "structured API requires postal code context; use an area scrape")
}

func (s *Strategy) areaMerchants(ctx context.Context, postal string) ([]scrape.StoreRecord, error) {
	if cached, ok := s.merchants.Get(postal); ok {
		return cached, nil
	}

	type merchantKey struct{ name, address string }
	found := make(map[merchantKey]struct{})
	var stores []scrape.StoreRecord

	for i, term := range searchTerms {
		if i > 0 {
			if err := pause(ctx, termSearchDelay); err != nil {
				return nil, err
			}
		}
		items, err := s.searchItems(ctx, postal, term)
		if err != nil {
			return nil, fmt.Errorf("merchant search %q: %w", term, err)
		}
		for _, item := range items {
			name := strings.TrimSpace(item.Merchant.Name)
			if name == "" || !isGrocery(name) {
				continue
			}
			key := merchantKey{name: name, address: item.Merchant.Address}
			if _, seen := found[key]; seen {
				continue
			}
			found[key] = struct{}{}
			stores = append(stores, scrape.StoreRecord{
				Name:       name,
				Chain:      normalize.Chain(name),
				Address:    item.Merchant.Address,
				PostalCode: postal,
				Website:    "https://flipp.com",
			})
		}
	}

	s.merchants.Add(postal, stores)
	return stores, nil
}

func (s *Strategy) searchOffers(ctx context.Context, postal, merchant string) ([]scrape.OfferRecord, error) {
	items, err := s.searchItems(ctx, postal, merchant)
	if err != nil {
		return nil, err
	}
	offers := make([]scrape.OfferRecord, 0, len(items))
	for _, item := range items {
		offer, ok := s.parseOfferItem(item, merchant)
		if !ok {
			continue
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

func (s *Strategy) searchItems(ctx context.Context, postal, query string) ([]searchItem, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"locale":      s.cfg.Locale,
			"postal_code": postal,
			"q":           query,
		}).
		Get("/items/search")
	if err != nil {
		metrics.ObserveFetch(s.cfg.APIBase, "error", 0)
		return nil, fmt.Errorf("search request: %w", err)
	}
	metrics.ObserveFetch(s.cfg.APIBase, strconv.Itoa(resp.StatusCode()), len(resp.Body()))
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode())
	}
	var payload searchResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return payload.Items, nil
}

// parseOfferItem normalizes one item from the search response. Malformed
// prices are non-fatal: the item is skipped and logged.
func (s *Strategy) parseOfferItem(item searchItem, storeName string) (scrape.OfferRecord, bool) {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		return scrape.OfferRecord{}, false
	}

	price, err := priceOf(item.Price, item.CurrentPrice)
	if err != nil {
		s.logger.Debug("skipping offer with malformed price",
			zap.String("product", name), zap.Error(err))
		return scrape.OfferRecord{}, false
	}

	offer := scrape.OfferRecord{
		StoreName:   storeName,
		ProductName: name,
		Brand:       item.Brand,
		Category:    item.Category,
		Price:       price,
		Unit:        item.Unit,
		Featured:    item.Featured,
		Description: item.Description,
		ImageURL:    item.ImageURL,
	}

	if original, err := priceOf(item.OriginalPrice); err == nil && original > 0 {
		offer.OriginalPrice = &original
		if pct, ok := normalize.DiscountPercent(original, price); ok {
			offer.DiscountPercent = &pct
		}
	}
	if t, err := normalize.Date(item.ValidFrom); err == nil {
		offer.StartDate = &t
	}
	if t, err := normalize.Date(item.ValidTo); err == nil {
		offer.EndDate = &t
	}
	return offer, true
}

// priceOf converts the first non-nil raw price field. The feed emits prices
// as strings or numbers depending on the merchant.
func priceOf(raw ...any) (float64, error) {
	for _, v := range raw {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			return normalize.Price(t)
		default:
			return normalize.Price(fmt.Sprint(t))
		}
	}
	return 0, fmt.Errorf("no price present")
}

func isGrocery(name string) bool {
	lower := strings.ToLower(name)
	for _, word := range groceryWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type searchResponse struct {
	Items []searchItem `json:"items"`
}

type searchItem struct {
	Name          string   `json:"name"`
	Price         any      `json:"price"`
	CurrentPrice  any      `json:"current_price"`
	OriginalPrice any      `json:"original_price"`
	Brand         string   `json:"brand"`
	Category      string   `json:"category"`
	Unit          string   `json:"unit"`
	ValidFrom     string   `json:"valid_from"`
	ValidTo       string   `json:"valid_to"`
	Featured      bool     `json:"featured"`
	Description   string   `json:"description"`
	ImageURL      string   `json:"image_url"`
	Merchant      merchant `json:"merchant"`
}

type merchant struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}
