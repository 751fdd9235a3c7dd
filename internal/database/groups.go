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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// SaveMediaGroup persists an assembled album. Albums are validated before
// write; a slot-integrity violation is a hard error, never a partial write.
// Re-assembly of an already stored album is a no-op.
func (db *DB) SaveMediaGroup(ctx context.Context, g *models.MediaGroup) error {
	if err := g.Validate(); err != nil {
		return errclass.Wrap(errclass.SchemaInvalid, err, "invalid media group")
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	postUUIDs, err := json.Marshal(g.PostUUIDs)
	if err != nil {
		return fmt.Errorf("marshal post uuids: %w", err)
	}
	mediaTypes, err := json.Marshal(g.MediaTypes)
	if err != nil {
		return fmt.Errorf("marshal media types: %w", err)
	}
	mediaSHAs, err := json.Marshal(g.MediaSHA256s)
	if err != nil {
		return fmt.Errorf("marshal media hashes: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO media_groups (
			group_uuid, channel_uuid, tenant, grouped_id, items_count,
			post_uuids, media_types, media_sha256s
		) VALUES (?, ?, ?, ?, ?, CAST(? AS JSON), CAST(? AS JSON), CAST(? AS JSON))
		ON CONFLICT (channel_uuid, grouped_id) DO NOTHING`,
		g.GroupUUID.String(), g.ChannelUUID.String(), g.Tenant, g.GroupedID,
		g.ItemsCount, string(postUUIDs), string(mediaTypes), string(mediaSHAs))
	if err != nil {
		return fmt.Errorf("save media group: %w", err)
	}
	return nil
}

// GetMediaGroup loads an album by channel and grouped id.
func (db *DB) GetMediaGroup(ctx context.Context, channelUUID uuid.UUID, groupedID int64) (*models.MediaGroup, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		g          models.MediaGroup
		gUUID      string
		cUUID      string
		postUUIDs  string
		mediaTypes string
		mediaSHAs  string
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT group_uuid, channel_uuid, tenant, grouped_id, items_count,
		       post_uuids, media_types, media_sha256s, created_at
		FROM media_groups WHERE channel_uuid = ? AND grouped_id = ?`,
		channelUUID.String(), groupedID).Scan(
		&gUUID, &cUUID, &g.Tenant, &g.GroupedID, &g.ItemsCount,
		&postUUIDs, &mediaTypes, &mediaSHAs, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "media group not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get media group: %w", err)
	}
	if g.GroupUUID, err = uuid.Parse(gUUID); err != nil {
		return nil, fmt.Errorf("parse group uuid: %w", err)
	}
	if g.ChannelUUID, err = uuid.Parse(cUUID); err != nil {
		return nil, fmt.Errorf("parse channel uuid: %w", err)
	}
	if err := json.Unmarshal([]byte(postUUIDs), &g.PostUUIDs); err != nil {
		return nil, fmt.Errorf("unmarshal post uuids: %w", err)
	}
	if err := json.Unmarshal([]byte(mediaTypes), &g.MediaTypes); err != nil {
		return nil, fmt.Errorf("unmarshal media types: %w", err)
	}
	if err := json.Unmarshal([]byte(mediaSHAs), &g.MediaSHA256s); err != nil {
		return nil, fmt.Errorf("unmarshal media hashes: %w", err)
	}
	return &g, nil
}
