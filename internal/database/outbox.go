// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// stageOutboxEventTx appends an outbox event inside an open transaction.
// DuckDB has no partial indexes, so dedup against *unprocessed* rows with
// the same aggregate, type, and content hash is expressed as a guarded
// INSERT..SELECT instead of a unique constraint.
func stageOutboxEventTx(ctx context.Context, tx *sql.Tx, ev *models.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (tenant, event_type, aggregate_id, content_hash, payload)
		SELECT ?, ?, ?, ?, CAST(? AS JSON)
		WHERE NOT EXISTS (
			SELECT 1 FROM outbox_events
			WHERE aggregate_id = ? AND event_type = ? AND content_hash = ?
			  AND processed_at IS NULL
		)`,
		ev.Tenant, ev.EventType, ev.AggregateID, ev.ContentHash, string(ev.Payload),
		ev.AggregateID, ev.EventType, ev.ContentHash)
	if err != nil {
		return fmt.Errorf("stage outbox event: %w", err)
	}
	return nil
}

// StageOutboxEvent appends an outbox event in its own transaction. Stages
// that do not batch their writes use this directly.
func (db *DB) StageOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := stageOutboxEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// PendingOutboxEvents returns up to limit unprocessed events in insertion
// order.
func (db *DB) PendingOutboxEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, tenant, event_type, aggregate_id, content_hash, payload,
		       created_at, retries
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()

	var events []*models.OutboxEvent
	for rows.Next() {
		var (
			ev      models.OutboxEvent
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.Tenant, &ev.EventType, &ev.AggregateID,
			&ev.ContentHash, &payload, &ev.CreatedAt, &ev.Retries); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.Payload = []byte(payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkOutboxProcessed stamps events as published.
func (db *DB) MarkOutboxProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET processed_at = CURRENT_TIMESTAMP WHERE id = ?`,
			id); err != nil {
			return fmt.Errorf("mark outbox processed: %w", err)
		}
	}
	return tx.Commit()
}

// RecordOutboxFailure bumps the retry counter and stores the last error so
// the relay can back off per event.
func (db *DB) RecordOutboxFailure(ctx context.Context, id int64, cause string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE outbox_events SET retries = retries + 1, last_error = ?
		WHERE id = ?`, cause, id)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

// CompactOutbox deletes processed events older than the cutoff.
func (db *DB) CompactOutbox(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE processed_at IS NOT NULL AND processed_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("compact outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPendingOutbox reports the unprocessed backlog for metrics.
func (db *DB) CountPendingOutbox(ctx context.Context) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox: %w", err)
	}
	return n, nil
}
