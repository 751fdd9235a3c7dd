// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// AddStorageUsage increments the byte and object counters of one tenant and
// content type. Negative deltas account deletions.
func (db *DB) AddStorageUsage(ctx context.Context, tenant, contentType string, bytes, objects int64) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO storage_usage (tenant, content_type, bytes, objects)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant, content_type) DO UPDATE SET
			bytes = storage_usage.bytes + excluded.bytes,
			objects = storage_usage.objects + excluded.objects,
			last_updated = CURRENT_TIMESTAMP`,
		tenant, contentType, bytes, objects)
	if err != nil {
		return fmt.Errorf("add storage usage: %w", err)
	}
	return nil
}

// GetStorageUsage reads one usage counter. A missing row reads as zero.
func (db *DB) GetStorageUsage(ctx context.Context, tenant, contentType string) (*models.StorageUsage, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	u := &models.StorageUsage{Tenant: tenant, ContentType: contentType}
	err := db.conn.QueryRowContext(ctx, `
		SELECT bytes, objects, last_updated FROM storage_usage
		WHERE tenant = ? AND content_type = ?`, tenant, contentType).Scan(
		&u.Bytes, &u.Objects, &u.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get storage usage: %w", err)
	}
	return u, nil
}

// TotalStorageBytes sums all content types of a tenant. Quota checks run
// against this total.
func (db *DB) TotalStorageBytes(ctx context.Context, tenant string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var total sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT SUM(bytes) FROM storage_usage WHERE tenant = ?`, tenant).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total storage bytes: %w", err)
	}
	return total.Int64, nil
}

// ReconcileMediaUsage recomputes the media counters of a tenant from the
// media_objects table and overwrites the running totals. Drift between
// incremental accounting and ground truth is repaired here.
func (db *DB) ReconcileMediaUsage(ctx context.Context, tenant string) (*models.StorageUsage, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		bytes   sql.NullInt64
		objects sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT SUM(size), COUNT(*) FROM media_objects WHERE tenant = ?`,
		tenant).Scan(&bytes, &objects)
	if err != nil {
		return nil, fmt.Errorf("measure media usage: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO storage_usage (tenant, content_type, bytes, objects)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant, content_type) DO UPDATE SET
			bytes = excluded.bytes,
			objects = excluded.objects,
			last_updated = CURRENT_TIMESTAMP`,
		tenant, models.ContentTypeMedia, bytes.Int64, objects.Int64)
	if err != nil {
		return nil, fmt.Errorf("reconcile media usage: %w", err)
	}
	return &models.StorageUsage{
		Tenant:      tenant,
		ContentType: models.ContentTypeMedia,
		Bytes:       bytes.Int64,
		Objects:     objects.Int64,
	}, nil
}
