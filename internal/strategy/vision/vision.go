// Package vision implements the screenshot-plus-model scrape strategy: it
// captures a rendered flyer page with headless Chrome and asks a Claude
// vision model to read the offers out of the image.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/normalize"
	"github.com/offerscout/offerscout/internal/scrape"
)

// Config controls the vision strategy.
type Config struct {
	APIKey     string
	Model      string
	MaxTokens  int64
	Headless   bool
	UserAgent  string
	NavTimeout time.Duration
}

const extractionPrompt = `This is a screenshot of a grocery store flyer. ` +
	`Extract every product offer you can read. Respond with ONLY a JSON array, ` +
	`no prose, where each element is an object with keys: ` +
	`"product_name" (string), "price" (string), "original_price" (string or null), ` +
	`"brand" (string or null), "unit" (string or null), "category" (string or null), ` +
	`"description" (string or null). Omit items whose price is unreadable.`

// messenger is the slice of the model API this strategy needs. Tests swap in
// a fake.
type messenger interface {
	readImage(ctx context.Context, pngB64, prompt string) (string, error)
}

// Strategy implements scrape.Strategy using a vision model. Target scrapes
// only; the model reads one flyer at a time.
type Strategy struct {
	cfg         Config
	model       messenger
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
	capture     func(ctx context.Context, url string) ([]byte, error)
}

// New builds a Strategy. The Chrome allocator is shared across scrapes, same
// as the browser strategy.
func New(cfg Config, logger *zap.Logger) *Strategy {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	s := &Strategy{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
	s.capture = s.screenshot
	if cfg.APIKey != "" {
		s.model = &sdkMessenger{
			client: sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
			model:  cfg.Model,
			tokens: cfg.MaxTokens,
		}
	}
	return s
}

// Close shuts down the browser allocator.
func (s *Strategy) Close() {
	s.allocCancel()
}

// Kind returns the vision tag.
func (s *Strategy) Kind() scrape.StrategyKind {
	return scrape.KindVision
}

// Available reports whether an API key was configured. No network probe.
func (s *Strategy) Available() bool {
	return s.model != nil
}

// ScrapeArea is unsupported: one screenshot cannot enumerate an area.
func (s *Strategy) ScrapeArea(_ context.Context, _ string) scrape.Result {
	return scrape.Fail(s.Kind(), "vision extraction works on a single flyer; use a target scrape")
}

// ScrapeTarget screenshots the flyer page and asks the model to read its
// offers.
func (s *Strategy) ScrapeTarget(ctx context.Context, url, hintName string) (res scrape.Result) {
	defer scrape.Capture(s.Kind(), &res)

	if s.model == nil {
		return scrape.Fail(s.Kind(), "vision model is not configured")
	}
	if url == "" {
		return scrape.Fail(s.Kind(), "target url is required")
	}

	png, err := s.capture(ctx, url)
	if err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("capture screenshot: %v", err))
	}

	raw, err := s.model.readImage(ctx, base64.StdEncoding.EncodeToString(png), extractionPrompt)
	if err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("vision extraction: %v", err))
	}

	offers, err := parseModelOffers(raw, hintName)
	if err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("parse model output: %v", err))
	}
	if len(offers) == 0 {
		return scrape.Fail(s.Kind(), "model found no readable offers")
	}

	return scrape.Result{
		Success:   true,
		Method:    s.Kind(),
		Offers:    offers,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"url":   url,
			"store": hintName,
			"model": s.cfg.Model,
		},
	}
}

// screenshot renders the page and captures a full-page PNG.
func (s *Strategy) screenshot(ctx context.Context, url string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavTimeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var png []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.FullScreenshot(&png, 90),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return png, nil
}

// modelOffer mirrors the JSON shape the prompt asks for. Prices arrive as
// strings the model transcribed from the image.
type modelOffer struct {
	ProductName   string  `json:"product_name"`
	Price         string  `json:"price"`
	OriginalPrice *string `json:"original_price"`
	Brand         *string `json:"brand"`
	Unit          *string `json:"unit"`
	Category      *string `json:"category"`
	Description   *string `json:"description"`
}

// parseModelOffers decodes the model's JSON array, tolerating markdown code
// fences around it.
func parseModelOffers(raw, storeName string) ([]scrape.OfferRecord, error) {
	payload := stripFences(raw)
	var items []modelOffer
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("decode offer array: %w", err)
	}

	offers := make([]scrape.OfferRecord, 0, len(items))
	for _, item := range items {
		name := strings.TrimSpace(item.ProductName)
		if name == "" {
			continue
		}
		price, err := normalize.Price(item.Price)
		if err != nil || price <= 0 {
			continue
		}
		offer := scrape.OfferRecord{
			StoreName:   storeName,
			ProductName: name,
			Price:       price,
			Brand:       deref(item.Brand),
			Unit:        deref(item.Unit),
			Category:    deref(item.Category),
			Description: deref(item.Description),
		}
		if item.OriginalPrice != nil {
			if original, err := normalize.Price(*item.OriginalPrice); err == nil && original > 0 {
				offer.OriginalPrice = &original
				if pct, ok := normalize.DiscountPercent(original, price); ok {
					offer.DiscountPercent = &pct
				}
			}
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// sdkMessenger calls the Anthropic messages API with one image block and the
// extraction prompt.
type sdkMessenger struct {
	client sdk.Client
	model  string
	tokens int64
}

func (m *sdkMessenger) readImage(ctx context.Context, pngB64, prompt string) (string, error) {
	msg, err := m.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(m.model),
		MaxTokens: m.tokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewImageBlockBase64("image/png", pngB64),
				sdk.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}
