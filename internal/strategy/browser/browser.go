// Package browser implements the browser-automation scrape strategy. It
// drives headless Chrome through chromedp to render flyer aggregator pages
// and parses the resulting DOM with goquery.
package browser

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/normalize"
	"github.com/offerscout/offerscout/internal/scrape"
)

// Config controls the headless browser session.
type Config struct {
	Headless    bool
	UserAgent   string
	NavTimeout  time.Duration
	SettleDelay time.Duration
}

// areaURL is the flyer listing page; the postal code form scopes it to a
// delivery area.
const areaURL = "https://flipp.com/flyers/groceries"

// chromeBinaries are probed in order by Available.
var chromeBinaries = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"}

// Strategy implements scrape.Strategy with a shared Chrome allocator. Each
// scrape runs in a fresh browser context so a crashed tab cannot poison the
// next job.
type Strategy struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
	lookPath    func(string) (string, error)
}

// New builds a Strategy. The exec allocator is lazy: Chrome only launches on
// the first scrape.
func New(cfg Config, logger *zap.Logger) *Strategy {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Strategy{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
		lookPath:    exec.LookPath,
	}
}

// Close shuts down the browser allocator.
func (s *Strategy) Close() {
	s.allocCancel()
}

// Kind returns the browser-automation tag.
func (s *Strategy) Kind() scrape.StrategyKind {
	return scrape.KindBrowser
}

// Available reports whether a Chrome binary is on PATH. It never launches
// the browser.
func (s *Strategy) Available() bool {
	for _, bin := range chromeBinaries {
		if _, err := s.lookPath(bin); err == nil {
			return true
		}
	}
	return false
}

// ScrapeArea renders the flyer listing for the postal area and extracts the
// grocery flyers on it as store records.
func (s *Strategy) ScrapeArea(ctx context.Context, postalCode string) (res scrape.Result) {
	defer scrape.Capture(s.Kind(), &res)

	postal := normalize.PostalCode(postalCode)
	html, err := s.renderArea(ctx, postal)
	if err != nil {
		return scrape.Fail(s.Kind(), err.Error())
	}

	stores, err := parseFlyerCards(html, postal)
	if err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("parse flyer listing: %v", err))
	}
	offers, err := parseOfferTiles(html, "")
	if err != nil {
		s.logger.Debug("no offer tiles on listing page", zap.Error(err))
		offers = nil
	}

	return scrape.Result{
		Success:   true,
		Method:    s.Kind(),
		Stores:    stores,
		Offers:    offers,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"postal_code":  postal,
			"flyers_found": len(stores),
		},
	}
}

// ScrapeTarget renders one flyer page and extracts its item tiles.
func (s *Strategy) ScrapeTarget(ctx context.Context, url, hintName string) (res scrape.Result) {
	defer scrape.Capture(s.Kind(), &res)

	if strings.TrimSpace(url) == "" {
		return scrape.Fail(s.Kind(), "target url is required")
	}
	html, err := s.renderPage(ctx, url, nil)
	if err != nil {
		return scrape.Fail(s.Kind(), err.Error())
	}

	storeName := hintName
	if storeName == "" {
		storeName = parseFlyerTitle(html)
	}
	offers, err := parseOfferTiles(html, storeName)
	if err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("parse flyer items: %v", err))
	}

	return scrape.Result{
		Success:   true,
		Method:    s.Kind(),
		Offers:    offers,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"url":   url,
			"store": storeName,
		},
	}
}

// renderArea navigates to the listing page and submits the postal code form
// before capturing the DOM.
func (s *Strategy) renderArea(ctx context.Context, postal string) (string, error) {
	fill := []chromedp.Action{
		chromedp.WaitVisible(`input[placeholder*="postal" i], input[name="postal_code"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[placeholder*="postal" i], input[name="postal_code"]`, postal, chromedp.ByQuery),
		chromedp.SendKeys(`input[placeholder*="postal" i], input[name="postal_code"]`, "\n", chromedp.ByQuery),
	}
	return s.renderPage(ctx, areaURL, fill)
}

func (s *Strategy) renderPage(ctx context.Context, url string, extra []chromedp.Action) (string, error) {
	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavTimeout)
	defer cancel()

	// Respect the caller's deadline when it is tighter than ours.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var html string
	actions := []chromedp.Action{
		s.userAgentAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	}
	actions = append(actions, extra...)
	if len(extra) > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.SettleDelay))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (s *Strategy) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}
