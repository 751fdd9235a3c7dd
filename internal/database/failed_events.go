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

	"github.com/google/uuid"
)

// FailedEvent is a dead-lettered message persisted for inspection. The
// stream copy in the DLQ ages out; this row is the durable record.
type FailedEvent struct {
	ID             uuid.UUID
	Tenant         string
	Stream         string
	Schema         string
	IdempotencyKey string
	ErrorClass     string
	LastError      string
	Payload        []byte
	RetryCount     int
	FailedAt       time.Time
}

// SaveFailedEvent persists a dead-lettered message.
func (db *DB) SaveFailedEvent(ctx context.Context, fe *FailedEvent) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO failed_events (
			id, tenant, stream, schema, idempotency_key, error_class,
			last_error, payload, retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, CAST(NULLIF(?, '') AS JSON), ?)`,
		fe.ID.String(), fe.Tenant, fe.Stream, fe.Schema, fe.IdempotencyKey,
		fe.ErrorClass, fe.LastError, string(fe.Payload), fe.RetryCount)
	if err != nil {
		return fmt.Errorf("save failed event: %w", err)
	}
	return nil
}

// ListFailedEvents returns recent dead-lettered messages, newest first.
func (db *DB) ListFailedEvents(ctx context.Context, limit int) ([]*FailedEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, tenant, stream, schema, idempotency_key, error_class,
		       last_error, payload, retry_count, failed_at
		FROM failed_events
		ORDER BY failed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var out []*FailedEvent
	for rows.Next() {
		var (
			fe      FailedEvent
			id      string
			schema  sql.NullString
			idemKey sql.NullString
			class   sql.NullString
			cause   sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&id, &fe.Tenant, &fe.Stream, &schema, &idemKey,
			&class, &cause, &payload, &fe.RetryCount, &fe.FailedAt); err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		if fe.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse failed event id: %w", err)
		}
		fe.Schema = schema.String
		fe.IdempotencyKey = idemKey.String
		fe.ErrorClass = class.String
		fe.LastError = cause.String
		if payload.Valid {
			fe.Payload = []byte(payload.String)
		}
		out = append(out, &fe)
	}
	return out, rows.Err()
}

// PurgeFailedEvents removes dead-letter rows older than the cutoff.
func (db *DB) PurgeFailedEvents(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM failed_events WHERE failed_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge failed events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
