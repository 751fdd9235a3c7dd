// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

/*
schema.go - Database Schema Management

All tables are defined in the initial CREATE TABLE statements; the whole
schema is idempotent (IF NOT EXISTS) and re-applied on every startup.

Tables:
  - channels: subscribed channels, tg_channel_id globally unique when present
  - user_channel: explicit subscriptions (the parser never writes here)
  - posts: normalized messages, unique on (channel_uuid, tg_message_id)
  - media_objects: one row per unique blob (content-addressed)
  - post_media_map: many-to-many posts <-> media objects
  - media_groups: albums with parallel slot arrays
  - post_enrichment: one artifact per (post_uuid, kind)
  - indexing_status: vector/graph indexing progress, created with the post
  - outbox_events: atomic event publication (relayed to the stream bus)
  - graph_nodes / graph_edges: idempotent graph projection
  - clusters / cluster_events: trend clusters and their rolling activity
  - storage_usage: per-tenant byte/object accounting
  - digest_history: one digest attempt per (user, digest_date)
  - failed_events: persisted dead-letter entries for admin inspection

DuckDB has no triggers, so the indexing_status row that the original design
creates by trigger is inserted in the same transaction as its post.
*/

//nolint:staticcheck // File documentation, not package doc
package database

import (
	"context"
	"fmt"
	"time"
)

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func (db *DB) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range schemaQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute schema statement: %s: %w", firstLine(query), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func schemaQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS channels (
			channel_uuid UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			tg_channel_id BIGINT UNIQUE,
			username TEXT,
			title TEXT,
			active BOOLEAN NOT NULL DEFAULT true,
			quarantined BOOLEAN NOT NULL DEFAULT false,
			quarantined_until TIMESTAMP,
			last_parsed_at TIMESTAMP,
			settings JSON,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS user_channel (
			user_uuid UUID NOT NULL,
			channel_uuid UUID NOT NULL,
			tenant TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			subscribed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_uuid, channel_uuid)
		)`,

		`CREATE TABLE IF NOT EXISTS posts (
			post_uuid UUID PRIMARY KEY,
			channel_uuid UUID NOT NULL,
			tenant TEXT NOT NULL,
			tg_message_id BIGINT NOT NULL,
			source TEXT NOT NULL DEFAULT 'channel',
			posted_at TIMESTAMP NOT NULL,
			content TEXT,
			grouped_id BIGINT,
			media_refs JSON,
			forward_ref JSON,
			reply_to_id BIGINT,
			author_ref TEXT,
			expires_at TIMESTAMP NOT NULL,
			content_hash TEXT NOT NULL,
			enrichment_status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (channel_uuid, tg_message_id)
		)`,

		`CREATE TABLE IF NOT EXISTS media_objects (
			sha256 TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			mime TEXT NOT NULL,
			size BIGINT NOT NULL,
			s3_key TEXT NOT NULL,
			first_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS post_media_map (
			post_uuid UUID NOT NULL,
			sha256 TEXT NOT NULL,
			UNIQUE (post_uuid, sha256)
		)`,

		`CREATE TABLE IF NOT EXISTS media_groups (
			group_uuid UUID PRIMARY KEY,
			channel_uuid UUID NOT NULL,
			tenant TEXT NOT NULL,
			grouped_id BIGINT NOT NULL,
			items_count INTEGER NOT NULL,
			post_uuids JSON NOT NULL,
			media_types JSON NOT NULL,
			media_sha256s JSON NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (channel_uuid, grouped_id)
		)`,

		`CREATE TABLE IF NOT EXISTS post_enrichment (
			post_uuid UUID NOT NULL,
			tenant TEXT NOT NULL,
			kind TEXT NOT NULL,
			provider TEXT,
			data JSON,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (post_uuid, kind)
		)`,

		`CREATE TABLE IF NOT EXISTS indexing_status (
			post_uuid UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			embedding_status TEXT NOT NULL DEFAULT 'pending',
			graph_status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE SEQUENCE IF NOT EXISTS outbox_events_id_seq`,

		`CREATE TABLE IF NOT EXISTS outbox_events (
			id BIGINT PRIMARY KEY DEFAULT nextval('outbox_events_id_seq'),
			tenant TEXT NOT NULL,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			payload JSON NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed_at TIMESTAMP,
			retries INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS graph_nodes (
			node_key TEXT NOT NULL,
			tenant TEXT NOT NULL,
			label TEXT NOT NULL,
			properties JSON,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant, label, node_key)
		)`,

		`CREATE TABLE IF NOT EXISTS graph_edges (
			from_key TEXT NOT NULL,
			to_key TEXT NOT NULL,
			tenant TEXT NOT NULL,
			relation TEXT NOT NULL,
			properties JSON,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant, relation, from_key, to_key)
		)`,

		`CREATE TABLE IF NOT EXISTS clusters (
			cluster_uuid UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			label TEXT NOT NULL,
			primary_topic TEXT,
			centroid JSON,
			status TEXT NOT NULL DEFAULT 'emerging',
			is_generic BOOLEAN NOT NULL DEFAULT false,
			coherence DOUBLE NOT NULL DEFAULT 0,
			parent_uuid UUID,
			level INTEGER NOT NULL DEFAULT 1,
			last_activity_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_emitted_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS cluster_events (
			cluster_uuid UUID NOT NULL,
			tenant TEXT NOT NULL,
			post_uuid UUID NOT NULL,
			channel_uuid UUID NOT NULL,
			grouped_id BIGINT,
			observed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (cluster_uuid, post_uuid)
		)`,

		`CREATE TABLE IF NOT EXISTS storage_usage (
			tenant TEXT NOT NULL,
			content_type TEXT NOT NULL,
			bytes BIGINT NOT NULL DEFAULT 0,
			objects BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant, content_type)
		)`,

		`CREATE TABLE IF NOT EXISTS digest_history (
			digest_uuid UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			user_uuid UUID NOT NULL,
			digest_date TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			summary TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_uuid, digest_date)
		)`,

		`CREATE TABLE IF NOT EXISTS failed_events (
			id UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			stream TEXT NOT NULL,
			schema TEXT,
			idempotency_key TEXT,
			error_class TEXT,
			last_error TEXT,
			payload JSON,
			retry_count INTEGER NOT NULL DEFAULT 0,
			failed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Query-pattern indexes
		`CREATE INDEX IF NOT EXISTS idx_channels_eligibility ON channels (active, last_parsed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_channel ON posts (channel_uuid, posted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_status ON posts (enrichment_status)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (processed_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_events_time ON cluster_events (cluster_uuid, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_digest_user ON digest_history (user_uuid, created_at)`,
	}
}
