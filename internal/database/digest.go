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
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// ClaimDigest inserts the pending digest row for (user, date). A second
// claim for the same pair is a Conflict: exactly one digest attempt owns a
// given day.
func (db *DB) ClaimDigest(ctx context.Context, d *models.DigestHistory) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO digest_history (digest_uuid, tenant, user_uuid, digest_date, status)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM digest_history WHERE user_uuid = ? AND digest_date = ?
		)`,
		d.DigestUUID.String(), d.Tenant, d.UserUUID.String(), d.DigestDate,
		models.DigestPending, d.UserUUID.String(), d.DigestDate)
	if err != nil {
		return fmt.Errorf("claim digest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.New(errclass.Conflict, "digest already exists for user and date")
	}
	return nil
}

// UpdateDigestStatus moves a digest through its lifecycle, recording the
// summary on success or the error on failure.
func (db *DB) UpdateDigestStatus(ctx context.Context, digestUUID uuid.UUID, status, summary, cause string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE digest_history
		SET status = ?, summary = NULLIF(?, ''), error = NULLIF(?, ''),
		    updated_at = CURRENT_TIMESTAMP
		WHERE digest_uuid = ?`,
		status, summary, cause, digestUUID.String())
	if err != nil {
		return fmt.Errorf("update digest status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.New(errclass.NotFound, "digest not found")
	}
	return nil
}

// DigestPost is one line item of a daily digest.
type DigestPost struct {
	ChannelTitle string
	Content      string
	PostedAt     time.Time
}

// ListDigestPosts loads the day's posts from the user's subscribed channels,
// oldest first. Posts without text are excluded; they have nothing to
// summarize.
func (db *DB) ListDigestPosts(ctx context.Context, userUUID uuid.UUID, digestDate string, limit int) ([]*DigestPost, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.title, p.content, p.posted_at
		FROM posts p
		JOIN channels c ON c.channel_uuid = p.channel_uuid
		JOIN user_channel uc ON uc.channel_uuid = p.channel_uuid
		WHERE uc.user_uuid = ? AND uc.active
		  AND p.content IS NOT NULL AND p.content != ''
		  AND CAST(p.posted_at AS DATE) = CAST(? AS DATE)
		ORDER BY p.posted_at ASC
		LIMIT ?`,
		userUUID.String(), digestDate, limit)
	if err != nil {
		return nil, fmt.Errorf("list digest posts: %w", err)
	}
	defer rows.Close()

	var posts []*DigestPost
	for rows.Next() {
		var (
			dp    DigestPost
			title sql.NullString
		)
		if err := rows.Scan(&title, &dp.Content, &dp.PostedAt); err != nil {
			return nil, fmt.Errorf("scan digest post: %w", err)
		}
		dp.ChannelTitle = title.String
		posts = append(posts, &dp)
	}
	return posts, rows.Err()
}

// GetDigest loads a digest attempt by user and date.
func (db *DB) GetDigest(ctx context.Context, userUUID uuid.UUID, digestDate string) (*models.DigestHistory, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		d       models.DigestHistory
		dUUID   string
		uUUID   string
		summary sql.NullString
		cause   sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT digest_uuid, tenant, user_uuid, digest_date, status, summary,
		       error, created_at, updated_at
		FROM digest_history WHERE user_uuid = ? AND digest_date = ?`,
		userUUID.String(), digestDate).Scan(
		&dUUID, &d.Tenant, &uUUID, &d.DigestDate, &d.Status, &summary,
		&cause, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "digest not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get digest: %w", err)
	}
	if d.DigestUUID, err = uuid.Parse(dUUID); err != nil {
		return nil, fmt.Errorf("parse digest uuid: %w", err)
	}
	if d.UserUUID, err = uuid.Parse(uUUID); err != nil {
		return nil, fmt.Errorf("parse user uuid: %w", err)
	}
	d.Summary = summary.String
	d.Error = cause.String
	return &d, nil
}
