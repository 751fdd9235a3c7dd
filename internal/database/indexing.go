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

// GetIndexingStatus loads the indexing record of a post.
func (db *DB) GetIndexingStatus(ctx context.Context, postUUID uuid.UUID) (*models.IndexingStatus, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		s         models.IndexingStatus
		pUUID     string
		lastError sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT post_uuid, tenant, embedding_status, graph_status, retry_count,
		       last_error, updated_at
		FROM indexing_status WHERE post_uuid = ?`, postUUID.String()).Scan(
		&pUUID, &s.Tenant, &s.EmbeddingStatus, &s.GraphStatus, &s.RetryCount,
		&lastError, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "indexing status not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get indexing status: %w", err)
	}
	if s.PostUUID, err = uuid.Parse(pUUID); err != nil {
		return nil, fmt.Errorf("parse post uuid: %w", err)
	}
	s.LastError = lastError.String
	return &s, nil
}

// SetEmbeddingStatus updates the vector-indexing state of a post.
func (db *DB) SetEmbeddingStatus(ctx context.Context, postUUID uuid.UUID, status, lastError string) error {
	return db.setIndexColumn(ctx, "embedding_status", postUUID, status, lastError)
}

// SetGraphStatus updates the graph-indexing state of a post.
func (db *DB) SetGraphStatus(ctx context.Context, postUUID uuid.UUID, status, lastError string) error {
	return db.setIndexColumn(ctx, "graph_status", postUUID, status, lastError)
}

func (db *DB) setIndexColumn(ctx context.Context, column string, postUUID uuid.UUID, status, lastError string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	bump := 0
	if status == models.IndexFailed {
		bump = 1
	}
	// column is one of two compile-time constants, never user input
	query := fmt.Sprintf(`
		UPDATE indexing_status
		SET %s = ?, retry_count = retry_count + ?, last_error = NULLIF(?, ''),
		    updated_at = CURRENT_TIMESTAMP
		WHERE post_uuid = ?`, column)
	res, err := db.conn.ExecContext(ctx, query, status, bump, lastError, postUUID.String())
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.New(errclass.NotFound, "indexing status not found")
	}
	return nil
}

// ListIndexingBacklog returns posts whose embedding indexing is still
// pending or failed under the retry cap, oldest first.
func (db *DB) ListIndexingBacklog(ctx context.Context, maxRetries, limit int) ([]uuid.UUID, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT post_uuid FROM indexing_status
		WHERE embedding_status = ?
		   OR (embedding_status = ? AND retry_count < ?)
		ORDER BY updated_at ASC
		LIMIT ?`, models.IndexPending, models.IndexFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list indexing backlog: %w", err)
	}
	defer rows.Close()

	var posts []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse post uuid: %w", err)
		}
		posts = append(posts, id)
	}
	return posts, rows.Err()
}
