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

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// SaveEnrichment upserts one enrichment artifact. The (post, kind) pair is
// unique; a redelivered stage event overwrites its own earlier artifact
// instead of duplicating it.
func (db *DB) SaveEnrichment(ctx context.Context, e *models.PostEnrichment) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO post_enrichment (post_uuid, tenant, kind, provider, data)
		VALUES (?, ?, ?, ?, CAST(NULLIF(?, '') AS JSON))
		ON CONFLICT (post_uuid, kind) DO UPDATE SET
			provider = excluded.provider,
			data = excluded.data,
			created_at = CURRENT_TIMESTAMP`,
		e.PostUUID.String(), e.Tenant, e.Kind, e.Provider, string(e.Data))
	if err != nil {
		return fmt.Errorf("save enrichment: %w", err)
	}
	return nil
}

// GetEnrichment loads one artifact by post and kind.
func (db *DB) GetEnrichment(ctx context.Context, postUUID uuid.UUID, kind string) (*models.PostEnrichment, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		e     models.PostEnrichment
		pUUID string
		data  sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT post_uuid, tenant, kind, provider, data, created_at
		FROM post_enrichment WHERE post_uuid = ? AND kind = ?`,
		postUUID.String(), kind).Scan(
		&pUUID, &e.Tenant, &e.Kind, &e.Provider, &data, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "enrichment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get enrichment: %w", err)
	}
	if e.PostUUID, err = uuid.Parse(pUUID); err != nil {
		return nil, fmt.Errorf("parse post uuid: %w", err)
	}
	if data.Valid {
		e.Data = []byte(data.String)
	}
	return &e, nil
}

// ListEnrichments returns all artifacts of one post.
func (db *DB) ListEnrichments(ctx context.Context, postUUID uuid.UUID) ([]*models.PostEnrichment, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT post_uuid, tenant, kind, provider, data, created_at
		FROM post_enrichment WHERE post_uuid = ?`, postUUID.String())
	if err != nil {
		return nil, fmt.Errorf("list enrichments: %w", err)
	}
	defer rows.Close()

	var out []*models.PostEnrichment
	for rows.Next() {
		var (
			e     models.PostEnrichment
			pUUID string
			data  sql.NullString
		)
		if err := rows.Scan(&pUUID, &e.Tenant, &e.Kind, &e.Provider, &data,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrichment: %w", err)
		}
		if e.PostUUID, err = uuid.Parse(pUUID); err != nil {
			return nil, fmt.Errorf("parse post uuid: %w", err)
		}
		if data.Valid {
			e.Data = []byte(data.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
