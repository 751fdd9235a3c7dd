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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// BatchResult summarizes one SavePostBatch call.
type BatchResult struct {
	Persisted  int
	Duplicates int
}

// SavePostBatch persists a batch of posts in one transaction. Per post it:
//
//  1. inserts the post, ON CONFLICT (channel_uuid, tg_message_id) DO NOTHING
//  2. creates the pending indexing_status row for newly inserted posts
//  3. maps the post's media refs in post_media_map
//  4. stages a posts.parsed outbox event, deduplicated against unprocessed
//     outbox rows with the same aggregate and content hash
//
// Replayed messages fall out at step 1 and produce no side effects, so the
// whole batch is safe to retry.
func (db *DB) SavePostBatch(ctx context.Context, posts []*models.Post) (*BatchResult, error) {
	if len(posts) == 0 {
		return &BatchResult{}, nil
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result := &BatchResult{}
	for _, post := range posts {
		if err := post.Validate(); err != nil {
			return nil, errclass.Wrap(errclass.SchemaInvalid, err, "invalid post")
		}
		inserted, err := insertPost(ctx, tx, post)
		if err != nil {
			return nil, err
		}
		if !inserted {
			result.Duplicates++
			continue
		}
		result.Persisted++

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO indexing_status (post_uuid, tenant) VALUES (?, ?)`,
			post.PostUUID.String(), post.Tenant); err != nil {
			return nil, fmt.Errorf("insert indexing status: %w", err)
		}

		for _, ref := range post.MediaRefs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO post_media_map (post_uuid, sha256) VALUES (?, ?)
				ON CONFLICT (post_uuid, sha256) DO NOTHING`,
				post.PostUUID.String(), ref.SHA256); err != nil {
				return nil, fmt.Errorf("map post media: %w", err)
			}
		}

		if err := stagePostParsedEvent(ctx, tx, post); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch tx: %w", err)
	}
	return result, nil
}

func insertPost(ctx context.Context, tx *sql.Tx, post *models.Post) (bool, error) {
	mediaRefs, err := json.Marshal(post.MediaRefs)
	if err != nil {
		return false, fmt.Errorf("marshal media refs: %w", err)
	}
	var forwardRef string
	if post.ForwardRef != nil {
		raw, err := json.Marshal(post.ForwardRef)
		if err != nil {
			return false, fmt.Errorf("marshal forward ref: %w", err)
		}
		forwardRef = string(raw)
	}
	if len(post.MediaRefs) == 0 {
		mediaRefs = nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO posts (
			post_uuid, channel_uuid, tenant, tg_message_id, source, posted_at,
			content, grouped_id, media_refs, forward_ref, reply_to_id,
			author_ref, expires_at, content_hash, enrichment_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CAST(NULLIF(?, '') AS JSON),
			CAST(NULLIF(?, '') AS JSON), ?, ?, ?, ?, ?)
		ON CONFLICT (channel_uuid, tg_message_id) DO NOTHING`,
		post.PostUUID.String(), post.ChannelUUID.String(), post.Tenant,
		post.TGMessageID, post.Source, post.PostedAt, post.Content,
		post.GroupedID, string(mediaRefs), forwardRef, post.ReplyToID,
		post.AuthorRef, post.ExpiresAt, post.ContentHash, models.EnrichmentPending)
	if err != nil {
		return false, fmt.Errorf("insert post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func stagePostParsedEvent(ctx context.Context, tx *sql.Tx, post *models.Post) error {
	payload, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("marshal post payload: %w", err)
	}
	return stageOutboxEventTx(ctx, tx, &models.OutboxEvent{
		Tenant:      post.Tenant,
		EventType:   "posts.parsed",
		AggregateID: post.PostUUID.String(),
		ContentHash: post.ContentHash,
		Payload:     payload,
	})
}

// GetPost loads a single post by UUID.
func (db *DB) GetPost(ctx context.Context, postUUID uuid.UUID) (*models.Post, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, `
		SELECT post_uuid, channel_uuid, tenant, tg_message_id, source,
		       posted_at, content, grouped_id, media_refs, forward_ref,
		       reply_to_id, author_ref, expires_at, content_hash,
		       enrichment_status, created_at
		FROM posts WHERE post_uuid = ?`, postUUID.String())
	return scanPost(row)
}

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		p          models.Post
		postUUID   string
		chanUUID   string
		content    sql.NullString
		mediaRefs  sql.NullString
		forwardRef sql.NullString
	)
	err := row.Scan(&postUUID, &chanUUID, &p.Tenant, &p.TGMessageID, &p.Source,
		&p.PostedAt, &content, &p.GroupedID, &mediaRefs, &forwardRef,
		&p.ReplyToID, &p.AuthorRef, &p.ExpiresAt, &p.ContentHash,
		&p.EnrichmentStatus, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "post not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan post: %w", err)
	}
	if p.PostUUID, err = uuid.Parse(postUUID); err != nil {
		return nil, fmt.Errorf("parse post uuid: %w", err)
	}
	if p.ChannelUUID, err = uuid.Parse(chanUUID); err != nil {
		return nil, fmt.Errorf("parse channel uuid: %w", err)
	}
	p.Content = content.String
	if mediaRefs.Valid && mediaRefs.String != "" {
		if err := json.Unmarshal([]byte(mediaRefs.String), &p.MediaRefs); err != nil {
			return nil, fmt.Errorf("unmarshal media refs: %w", err)
		}
	}
	if forwardRef.Valid && forwardRef.String != "" {
		p.ForwardRef = &models.ForwardRef{}
		if err := json.Unmarshal([]byte(forwardRef.String), p.ForwardRef); err != nil {
			return nil, fmt.Errorf("unmarshal forward ref: %w", err)
		}
	}
	return &p, nil
}

// PostContent is the enrichment-facing view of a post joined with its
// channel identity.
type PostContent struct {
	PostUUID     uuid.UUID
	ChannelUUID  uuid.UUID
	Tenant       string
	ChannelTitle string
	Content      string
	PostedAt     time.Time
	GroupedID    *int64
	MediaRefs    []models.MediaRef
}

// GetPostContent loads the text and channel context the enrichment stages
// operate on.
func (db *DB) GetPostContent(ctx context.Context, postUUID uuid.UUID) (*PostContent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		pc        PostContent
		pUUID     string
		cUUID     string
		content   sql.NullString
		title     sql.NullString
		mediaRefs sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT p.post_uuid, p.channel_uuid, p.tenant, c.title, p.content,
		       p.posted_at, p.grouped_id, p.media_refs
		FROM posts p
		JOIN channels c ON c.channel_uuid = p.channel_uuid
		WHERE p.post_uuid = ?`, postUUID.String()).Scan(
		&pUUID, &cUUID, &pc.Tenant, &title, &content, &pc.PostedAt,
		&pc.GroupedID, &mediaRefs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "post not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get post content: %w", err)
	}
	if pc.PostUUID, err = uuid.Parse(pUUID); err != nil {
		return nil, fmt.Errorf("parse post uuid: %w", err)
	}
	if pc.ChannelUUID, err = uuid.Parse(cUUID); err != nil {
		return nil, fmt.Errorf("parse channel uuid: %w", err)
	}
	pc.ChannelTitle = title.String
	pc.Content = content.String
	if mediaRefs.Valid && mediaRefs.String != "" {
		if err := json.Unmarshal([]byte(mediaRefs.String), &pc.MediaRefs); err != nil {
			return nil, fmt.Errorf("unmarshal media refs: %w", err)
		}
	}
	return &pc, nil
}

// UpdateEnrichmentStatus moves a post's enrichment status forward. Backward
// transitions are ignored so replayed stage events cannot regress state.
func (db *DB) UpdateEnrichmentStatus(ctx context.Context, postUUID uuid.UUID, status string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT enrichment_status FROM posts WHERE post_uuid = ?`,
		postUUID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errclass.New(errclass.NotFound, "post not found")
	}
	if err != nil {
		return fmt.Errorf("read enrichment status: %w", err)
	}

	if !models.EnrichmentAdvances(current, status) {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE posts SET enrichment_status = ? WHERE post_uuid = ?`,
		status, postUUID.String()); err != nil {
		return fmt.Errorf("update enrichment status: %w", err)
	}
	return tx.Commit()
}

// DeleteExpiredPosts removes posts past their retention deadline along with
// their dependent rows. Returns the number of posts removed.
func (db *DB) DeleteExpiredPosts(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expiry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM post_media_map WHERE post_uuid IN (SELECT post_uuid FROM posts WHERE expires_at <= ?)`,
		`DELETE FROM post_enrichment WHERE post_uuid IN (SELECT post_uuid FROM posts WHERE expires_at <= ?)`,
		`DELETE FROM indexing_status WHERE post_uuid IN (SELECT post_uuid FROM posts WHERE expires_at <= ?)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, now); err != nil {
			return 0, fmt.Errorf("delete expired dependents: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired posts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// CountPostsInWindow counts posts of one channel inside [from, to). Used by
// the adaptive threshold statistics.
func (db *DB) CountPostsInWindow(ctx context.Context, channelUUID uuid.UUID, from, to time.Time) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts
		WHERE channel_uuid = ? AND posted_at >= ? AND posted_at < ?`,
		channelUUID.String(), from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// PostTimesInWindow returns the ordered posting timestamps of a channel in
// [from, to), for inter-arrival percentile estimation.
func (db *DB) PostTimesInWindow(ctx context.Context, channelUUID uuid.UUID, from, to time.Time) ([]time.Time, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT posted_at FROM posts
		WHERE channel_uuid = ? AND posted_at >= ? AND posted_at < ?
		ORDER BY posted_at ASC`,
		channelUUID.String(), from, to)
	if err != nil {
		return nil, fmt.Errorf("query post times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan post time: %w", err)
		}
		times = append(times, t)
	}
	return times, rows.Err()
}
