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

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// GetMediaObject looks up a blob record by content hash.
func (db *DB) GetMediaObject(ctx context.Context, sha256 string) (*models.MediaObject, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var m models.MediaObject
	err := db.conn.QueryRowContext(ctx, `
		SELECT sha256, tenant, mime, size, s3_key, first_seen_at, last_seen_at
		FROM media_objects WHERE sha256 = ?`, sha256).Scan(
		&m.SHA256, &m.Tenant, &m.Mime, &m.Size, &m.S3Key,
		&m.FirstSeenAt, &m.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "media object not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get media object: %w", err)
	}
	return &m, nil
}

// UpsertMediaObject records a blob, touching last_seen_at on re-observation.
// The first writer wins on the immutable fields; a repeated download of the
// same content is not an error.
func (db *DB) UpsertMediaObject(ctx context.Context, m *models.MediaObject) (created bool, err error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO media_objects (sha256, tenant, mime, size, s3_key)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sha256) DO NOTHING`,
		m.SHA256, m.Tenant, m.Mime, m.Size, m.S3Key)
	if err != nil {
		return false, fmt.Errorf("insert media object: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	if _, err := db.conn.ExecContext(ctx, `
		UPDATE media_objects SET last_seen_at = CURRENT_TIMESTAMP
		WHERE sha256 = ?`, m.SHA256); err != nil {
		return false, fmt.Errorf("touch media object: %w", err)
	}
	return false, nil
}

// LinkPostMedia associates a post with a stored blob. Idempotent.
func (db *DB) LinkPostMedia(ctx context.Context, postUUID, sha256 string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO post_media_map (post_uuid, sha256) VALUES (?, ?)
		ON CONFLICT (post_uuid, sha256) DO NOTHING`, postUUID, sha256)
	if err != nil {
		return fmt.Errorf("link post media: %w", err)
	}
	return nil
}

// MediaRefCount counts posts referencing a blob. Garbage collection may only
// delete objects with zero references.
func (db *DB) MediaRefCount(ctx context.Context, sha256 string) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM post_media_map WHERE sha256 = ?`, sha256).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count media refs: %w", err)
	}
	return n, nil
}
