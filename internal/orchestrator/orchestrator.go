// Package orchestrator runs the strategy fallback chain: strategies are
// tried in a fixed priority order and the first accepted result wins.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/scrape"
)

// AttemptFunc observes one finished strategy attempt. A non-nil error stops
// the chain and is returned to the caller; this is how job cancellation cuts
// in between attempts.
type AttemptFunc func(ctx context.Context, kind scrape.StrategyKind, res scrape.Result, dur time.Duration) error

// Config controls chain behavior.
type Config struct {
	// AttemptTimeout bounds each strategy call. Zero means 30s.
	AttemptTimeout time.Duration
}

// Orchestrator owns the ordered strategy chain. Unavailable strategies are
// filtered once, at construction.
type Orchestrator struct {
	cfg        Config
	configured []scrape.Strategy
	active     []scrape.Strategy
	logger     *zap.Logger
}

// ProbeResult reports one strategy's health from TestAll.
type ProbeResult struct {
	Kind      scrape.StrategyKind `json:"strategy"`
	Available bool                `json:"available"`
	Active    bool                `json:"active"`
}

// New builds an Orchestrator from the configured strategies. Order of the
// input slice does not matter; the chain always runs structured API first,
// then browser, then document extraction, then vision.
func New(cfg Config, logger *zap.Logger, strategies ...scrape.Strategy) *Orchestrator {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	configured := append([]scrape.Strategy(nil), strategies...)
	sort.SliceStable(configured, func(i, j int) bool {
		return scrape.KindPriority(configured[i].Kind()) < scrape.KindPriority(configured[j].Kind())
	})

	active := make([]scrape.Strategy, 0, len(configured))
	for _, s := range configured {
		if !s.Available() {
			logger.Info("strategy unavailable, excluded from chain",
				zap.String("strategy", string(s.Kind())))
			continue
		}
		active = append(active, s)
	}

	return &Orchestrator{
		cfg:        cfg,
		configured: configured,
		active:     active,
		logger:     logger,
	}
}

// Active returns the kinds currently in the chain, in run order.
func (o *Orchestrator) Active() []scrape.StrategyKind {
	kinds := make([]scrape.StrategyKind, len(o.active))
	for i, s := range o.active {
		kinds[i] = s.Kind()
	}
	return kinds
}

// ScrapeArea walks the chain for an area scrape. A result is accepted when
// the strategy succeeded and returned stores or offers. maxAttempts caps how
// many strategies are tried; zero or negative means the whole chain. observe
// may be nil.
func (o *Orchestrator) ScrapeArea(ctx context.Context, postalCode string, maxAttempts int, observe AttemptFunc) (scrape.Result, error) {
	return o.run(ctx, o.active, maxAttempts, observe, func(ctx context.Context, s scrape.Strategy) scrape.Result {
		return s.ScrapeArea(ctx, postalCode)
	}, func(res scrape.Result) bool {
		return res.Success && (len(res.Stores) > 0 || len(res.Offers) > 0)
	})
}

// ScrapeTarget walks the chain for a single flyer. The structured API is
// skipped because it cannot address one URL, and a result needs offers to be
// accepted. maxAttempts caps the remaining chain the same way as ScrapeArea.
func (o *Orchestrator) ScrapeTarget(ctx context.Context, url, hintName string, maxAttempts int, observe AttemptFunc) (scrape.Result, error) {
	chain := make([]scrape.Strategy, 0, len(o.active))
	for _, s := range o.active {
		if s.Kind() == scrape.KindStructuredAPI {
			continue
		}
		chain = append(chain, s)
	}
	return o.run(ctx, chain, maxAttempts, observe, func(ctx context.Context, s scrape.Strategy) scrape.Result {
		return s.ScrapeTarget(ctx, url, hintName)
	}, func(res scrape.Result) bool {
		return res.Success && len(res.Offers) > 0
	})
}

func (o *Orchestrator) run(
	ctx context.Context,
	chain []scrape.Strategy,
	maxAttempts int,
	observe AttemptFunc,
	invoke func(context.Context, scrape.Strategy) scrape.Result,
	accept func(scrape.Result) bool,
) (scrape.Result, error) {
	if maxAttempts > 0 && maxAttempts < len(chain) {
		chain = chain[:maxAttempts]
	}
	if len(chain) == 0 {
		return scrape.Result{}, &scrape.ExhaustedError{Attempts: 0, LastError: "no strategies available"}
	}

	lastError := ""
	for _, s := range chain {
		if err := ctx.Err(); err != nil {
			return scrape.Result{}, fmt.Errorf("scrape aborted: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		start := time.Now()
		res := invoke(attemptCtx, s)
		cancel()
		dur := time.Since(start)

		accepted := accept(res)
		o.logger.Debug("strategy attempt finished",
			zap.String("strategy", string(s.Kind())),
			zap.Bool("accepted", accepted),
			zap.Int("stores", len(res.Stores)),
			zap.Int("offers", len(res.Offers)),
			zap.Duration("duration", dur))

		if observe != nil {
			if err := observe(ctx, s.Kind(), res, dur); err != nil {
				return scrape.Result{}, err
			}
		}
		if accepted {
			return res, nil
		}

		if res.Error != "" {
			lastError = fmt.Sprintf("%s: %s", s.Kind(), res.Error)
		} else {
			lastError = fmt.Sprintf("%s: succeeded with no data", s.Kind())
		}
	}

	return scrape.Result{}, &scrape.ExhaustedError{Attempts: len(chain), LastError: lastError}
}

// TestAll probes every configured strategy, including ones filtered out of
// the chain, so operators can see what a restart would pick up.
func (o *Orchestrator) TestAll(_ context.Context) []ProbeResult {
	activeKinds := make(map[scrape.StrategyKind]bool, len(o.active))
	for _, s := range o.active {
		activeKinds[s.Kind()] = true
	}
	probes := make([]ProbeResult, len(o.configured))
	for i, s := range o.configured {
		probes[i] = ProbeResult{
			Kind:      s.Kind(),
			Available: s.Available(),
			Active:    activeKinds[s.Kind()],
		}
	}
	return probes
}
