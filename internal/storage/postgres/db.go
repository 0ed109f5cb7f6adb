// Package postgres provides Postgres-backed persistence implementations.
//
// The repositories assume this schema:
//
//	CREATE TABLE stores (
//		id BIGSERIAL PRIMARY KEY,
//		name TEXT NOT NULL,
//		chain TEXT NOT NULL DEFAULT '',
//		address TEXT NOT NULL DEFAULT '',
//		postal_code TEXT NOT NULL,
//		phone TEXT NOT NULL DEFAULT '',
//		website TEXT NOT NULL DEFAULT '',
//		flyer_url TEXT NOT NULL DEFAULT '',
//		latitude TEXT NOT NULL DEFAULT '',
//		longitude TEXT NOT NULL DEFAULT '',
//		last_scraped TIMESTAMPTZ,
//		scrape_meta JSONB,
//		UNIQUE (name, postal_code)
//	);
//
//	CREATE TABLE offers (
//		id BIGSERIAL PRIMARY KEY,
//		store_id BIGINT NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
//		product_name TEXT NOT NULL,
//		brand TEXT NOT NULL DEFAULT '',
//		category TEXT NOT NULL DEFAULT '',
//		price DOUBLE PRECISION NOT NULL,
//		original_price DOUBLE PRECISION,
//		unit TEXT NOT NULL DEFAULT '',
//		discount_percent INT,
//		start_date TIMESTAMPTZ,
//		end_date TIMESTAMPTZ,
//		featured BOOLEAN NOT NULL DEFAULT FALSE,
//		description TEXT NOT NULL DEFAULT '',
//		image_url TEXT NOT NULL DEFAULT ''
//	);
//
//	CREATE TABLE jobs (
//		id UUID PRIMARY KEY,
//		job_type TEXT NOT NULL,
//		postal_code TEXT NOT NULL DEFAULT '',
//		store_id BIGINT NOT NULL DEFAULT 0,
//		target_url TEXT NOT NULL DEFAULT '',
//		hint_name TEXT NOT NULL DEFAULT '',
//		status TEXT NOT NULL,
//		submitted_at TIMESTAMPTZ NOT NULL,
//		started_at TIMESTAMPTZ,
//		completed_at TIMESTAMPTZ,
//		method_used TEXT,
//		stores_found INT NOT NULL DEFAULT 0,
//		offers_scraped INT NOT NULL DEFAULT 0,
//		errors_count INT NOT NULL DEFAULT 0,
//		error_log JSONB NOT NULL DEFAULT '[]'::jsonb,
//		config JSONB,
//		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
//	);
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// db is the pool surface the repositories use; pgxmock satisfies it in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// NewPool builds a pgx pool from config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}
