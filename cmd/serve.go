package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/api"
	"github.com/offerscout/offerscout/internal/clock/system"
	"github.com/offerscout/offerscout/internal/config"
	"github.com/offerscout/offerscout/internal/dispatcher"
	"github.com/offerscout/offerscout/internal/id/uuid"
	"github.com/offerscout/offerscout/internal/logging"
	"github.com/offerscout/offerscout/internal/metrics"
	"github.com/offerscout/offerscout/internal/orchestrator"
	"github.com/offerscout/offerscout/internal/progress"
	"github.com/offerscout/offerscout/internal/progress/sinks"
	queuememory "github.com/offerscout/offerscout/internal/queue/memory"
	"github.com/offerscout/offerscout/internal/scrape"
	storagememory "github.com/offerscout/offerscout/internal/storage/memory"
	"github.com/offerscout/offerscout/internal/storage/postgres"
	"github.com/offerscout/offerscout/internal/strategy/browser"
	"github.com/offerscout/offerscout/internal/strategy/dococr"
	"github.com/offerscout/offerscout/internal/strategy/flippapi"
	"github.com/offerscout/offerscout/internal/strategy/vision"
	"github.com/offerscout/offerscout/internal/tracker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scraping service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.NewGenerator()

	var (
		storeRepo scrape.StoreRepository
		jobRepo   scrape.JobRepository
	)
	if cfg.DB.DSN != "" {
		pool, poolErr := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
		})
		if poolErr != nil {
			return fmt.Errorf("connect database: %w", poolErr)
		}
		defer pool.Close()
		storeRepo, err = postgres.NewStoreRepo(pool)
		if err != nil {
			return fmt.Errorf("store repository: %w", err)
		}
		jobRepo, err = postgres.NewJobRepo(pool, clock)
		if err != nil {
			return fmt.Errorf("job repository: %w", err)
		}
		logger.Info("using postgres repositories")
	} else {
		storeRepo = storagememory.NewStoreRepo()
		jobRepo = storagememory.NewJobRepo(clock)
		logger.Warn("db.dsn is empty, using in-memory repositories")
	}

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("progress metrics: %w", err)
	}
	checkpoints := sinks.NewCheckpointStore()
	hub := progress.NewHub(
		progress.Config{Logger: logging.Component(logger, "progress")},
		sinks.NewLogSink(logging.Component(logger, "progress")),
		promSink,
		checkpoints,
	)

	strategies, closeStrategies, err := buildStrategies(cfg.Scrape, logger)
	if err != nil {
		return err
	}
	defer closeStrategies()

	orch := orchestrator.New(
		orchestrator.Config{AttemptTimeout: longestStrategyTimeout(cfg.Scrape)},
		logging.Component(logger, "orchestrator"),
		strategies...,
	)

	queue := queuememory.NewQueue(cfg.Scrape.QueueDepth)
	trackers := make([]*tracker.Tracker, 0, cfg.Scrape.MaxWorkers)
	for i := 0; i < cfg.Scrape.MaxWorkers; i++ {
		trackers = append(trackers, tracker.New(
			tracker.Config{ID: i},
			queue,
			jobRepo,
			storeRepo,
			orch,
			hub,
			clock,
			logging.Component(logger, "tracker"),
		))
	}
	dispatch := dispatcher.New(queue, trackers)

	apiServer := api.NewServer(
		storeRepo,
		jobRepo,
		dispatch,
		orch,
		checkpoints,
		idGen,
		clock,
		cfg,
		logging.Component(logger, "api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("trackers", len(trackers)))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildStrategies constructs every enabled strategy. The orchestrator drops
// unavailable ones; the enabled flags only gate construction.
func buildStrategies(cfg config.ScrapeConfig, logger *zap.Logger) ([]scrape.Strategy, func(), error) {
	var (
		strategies []scrape.Strategy
		closers    []func()
	)

	if cfg.StructuredAPI.Enabled {
		sc := cfg.StructuredAPI
		flipp, err := flippapi.New(flippapi.Config{
			APIBase:    sc.APIBase,
			Locale:     sc.Locale,
			UserAgent:  sc.UserAgent,
			Timeout:    sc.Timeout(),
			RateDelay:  sc.Delay(),
			MaxRetries: sc.MaxRetries,
		}, logging.Component(logger, "flippapi"))
		if err != nil {
			return nil, nil, fmt.Errorf("structured api strategy: %w", err)
		}
		strategies = append(strategies, flipp)
	}

	if cfg.Browser.Enabled {
		sc := cfg.Browser
		b := browser.New(browser.Config{
			Headless:   sc.Headless,
			UserAgent:  sc.UserAgent,
			NavTimeout: sc.Timeout(),
		}, logging.Component(logger, "browser"))
		strategies = append(strategies, b)
		closers = append(closers, b.Close)
	}

	if cfg.DocumentOCR.Enabled {
		sc := cfg.DocumentOCR
		strategies = append(strategies, dococr.New(dococr.Config{
			UserAgent: sc.UserAgent,
			Timeout:   sc.Timeout(),
		}, logging.Component(logger, "dococr")))
	}

	if cfg.Vision.Enabled {
		sc := cfg.Vision
		v := vision.New(vision.Config{
			APIKey:     sc.APIKey,
			Model:      sc.Model,
			Headless:   sc.Headless,
			UserAgent:  sc.UserAgent,
			NavTimeout: sc.Timeout(),
		}, logging.Component(logger, "vision"))
		strategies = append(strategies, v)
		closers = append(closers, v.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return strategies, closeAll, nil
}

// longestStrategyTimeout sizes the orchestrator's per-attempt deadline so no
// configured strategy gets cut below its own budget.
func longestStrategyTimeout(cfg config.ScrapeConfig) time.Duration {
	longest := time.Duration(0)
	for _, sc := range []config.StrategyConfig{cfg.StructuredAPI, cfg.Browser, cfg.DocumentOCR, cfg.Vision} {
		if d := sc.Timeout(); d > longest {
			longest = d
		}
	}
	return longest
}
