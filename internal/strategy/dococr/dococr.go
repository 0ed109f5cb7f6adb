// Package dococr implements the document-OCR scrape strategy: it downloads
// a flyer document, extracts its text with the pdftotext tool, and mines
// product lines out of the raw text.
package dococr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/scrape"
)

// Config controls the document strategy.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	ExtractTool string
	WorkDir     string
}

// Strategy implements scrape.Strategy for flyer documents. It only handles
// target scrapes; area discovery needs a live page or API.
type Strategy struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger
	lookPath  func(string) (string, error)
	runTool   func(ctx context.Context, tool string, args ...string) error
}

// New builds a Strategy. The extraction tool defaults to pdftotext.
func New(cfg Config, logger *zap.Logger) *Strategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ExtractTool == "" {
		cfg.ExtractTool = "pdftotext"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Strategy{
		cfg:       cfg,
		collector: c,
		logger:    logger,
		lookPath:  exec.LookPath,
		runTool:   runCommand,
	}
}

// Kind returns the document-OCR tag.
func (s *Strategy) Kind() scrape.StrategyKind {
	return scrape.KindDocumentOCR
}

// Available reports whether the text extraction tool is on PATH.
func (s *Strategy) Available() bool {
	_, err := s.lookPath(s.cfg.ExtractTool)
	return err == nil
}

// ScrapeArea is unsupported: a document holds one flyer, not an area.
func (s *Strategy) ScrapeArea(_ context.Context, _ string) scrape.Result {
	return scrape.Fail(s.Kind(), "document extraction cannot discover an area; use a target scrape")
}

// ScrapeTarget downloads the flyer document, extracts its text, and parses
// the product lines. Temp files are removed on every path.
func (s *Strategy) ScrapeTarget(ctx context.Context, url, hintName string) (res scrape.Result) {
	defer scrape.Capture(s.Kind(), &res)

	if url == "" {
		return scrape.Fail(s.Kind(), "target url is required")
	}

	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "flyer-*")
	if err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("create work dir: %v", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			s.logger.Warn("removing flyer work dir failed",
				zap.String("dir", workDir), zap.Error(rmErr))
		}
	}()

	docPath := filepath.Join(workDir, "flyer.pdf")
	if err := s.download(ctx, url, docPath); err != nil {
		return scrape.Fail(s.Kind(), err.Error())
	}

	textPath := filepath.Join(workDir, "flyer.txt")
	if err := s.runTool(ctx, s.cfg.ExtractTool, "-layout", docPath, textPath); err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("extract text: %v", err))
	}
	text, err := os.ReadFile(textPath)
	if err != nil {
		return scrape.Fail(s.Kind(), fmt.Sprintf("read extracted text: %v", err))
	}

	offers := parseFlyerText(string(text), hintName)
	if len(offers) == 0 {
		return scrape.Fail(s.Kind(), "no offers found in document text")
	}

	return scrape.Result{
		Success:   true,
		Method:    s.Kind(),
		Offers:    offers,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"url":   url,
			"store": hintName,
			"tool":  s.cfg.ExtractTool,
		},
	}
}

// download fetches the document body to path using a cloned collector.
func (s *Strategy) download(ctx context.Context, url, path string) error {
	collector := s.collector.Clone()

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("document fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("document fetch failed: %w", err)
		}
	}
	if fetchErr != nil {
		return fmt.Errorf("document response failed: %w", fetchErr)
	}
	if len(body) == 0 {
		return fmt.Errorf("document response was empty")
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", tool, err, string(out))
	}
	return nil
}
