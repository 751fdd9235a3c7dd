// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package database is the authoritative relational store over DuckDB.
// It owns channels, subscriptions, posts, media, enrichment artifacts,
// indexing status, the outbox, graph projections, trend clusters, and
// storage-usage accounting. The stream bus owns ordering; the blob store
// owns bytes; the coordinator owns ephemeral cursors and locks.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // database/sql driver
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
)

// defaultQueryTimeout bounds individual queries when the caller passed a
// context without a deadline.
const defaultQueryTimeout = 30 * time.Second

// Config holds DuckDB connection settings.
type Config struct {
	// Path is the database file, or ":memory:" for tests.
	Path string
	// MaxMemory caps DuckDB memory use, e.g. "2GB".
	MaxMemory string
	// Threads for the DuckDB execution engine; 0 = runtime.NumCPU().
	Threads int
}

// DB wraps the DuckDB connection with schema management and typed CRUD.
type DB struct {
	conn *sql.DB
	cfg  Config
}

// Open opens (or creates) the database, applies settings, and ensures the
// schema exists.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path required")
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dsn := cfg.Path
	if cfg.Path != ":memory:" && cfg.Path != "" {
		params := []string{fmt.Sprintf("threads=%d", threads)}
		if cfg.MaxMemory != "" {
			params = append(params, "max_memory="+cfg.MaxMemory)
		}
		dsn = cfg.Path + "?" + strings.Join(params, "&")
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg}
	if err := db.createSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).Msg("database opened")
	return db, nil
}

// ensureContext attaches the default query timeout when the context has no
// deadline.
func (db *DB) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// BeginTx starts a transaction.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

// Conn exposes the raw connection for package-internal helpers and tests.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close shuts down the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
