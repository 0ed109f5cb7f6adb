// Package main hosts the offerscout service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and scrape management endpoints. Postal codes are
//     normalized on the way in, jobs are persisted via the JobRepository, and submissions land on a bounded queue.
//   - Dispatcher & trackers: jobs flow through the in-memory queue sized by config.Scrape.QueueDepth and are fanned
//     out to a fixed tracker pool sized by config.Scrape.MaxWorkers. Context cancellation stops trackers cleanly on
//     shutdown, and cooperative cancel flags stop individual jobs between strategy attempts and persistence batches.
//   - Scrape pipeline: each tracker hands its job to the orchestrator, which tries strategies in a fixed order:
//     the structured flyer API first, then a headless Chromedp render, then flyer document text extraction, then a
//     vision model reading a page screenshot. The first strategy that produces usable data wins.
//   - Persistence: stores are upserted by (name, postal code) without ever overwriting an existing row's identity,
//     and each store's offers are replaced in a single transaction. Progress events are buffered through a hub and
//     fanned out to the log, Prometheus, and checkpoint sinks so the API can answer status polls cheaply.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler. The service is stateless across requests
//     apart from the job queue, so horizontal scale-out only needs a shared database.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed tracker pool; the browser and vision strategies share nothing and own
//     their Chrome allocators. Shutdown is coordinated via context cancellation propagated from main through the
//     dispatcher to trackers.
//   - Rate limiting: the structured API client paces merchant searches with a token bucket sized by
//     scrape.structured_api.rate_limit_delay_seconds. Browser scrapes are naturally paced by render time.
//   - Observability: zap logs carry job IDs and strategy kinds at key transitions; Prometheus counters and histograms
//     track API traffic, upstream fetches, and per-strategy attempt outcomes.
//
// Quick checklist:
//   - Configure env vars: OFFERSCOUT_SERVER_PORT, OFFERSCOUT_DB_DSN, OFFERSCOUT_SCRAPE_MAX_WORKERS, and per-strategy
//     toggles such as OFFERSCOUT_SCRAPE_VISION_ENABLED / OFFERSCOUT_SCRAPE_VISION_API_KEY when the vision fallback
//     should join the chain.
//   - Run locally: go run ./cmd/offerscout serve --config config.yaml (or rely solely on env overrides).
//   - An empty OFFERSCOUT_DB_DSN selects in-memory repositories, which is enough for development but loses all
//     state on restart.
package main
