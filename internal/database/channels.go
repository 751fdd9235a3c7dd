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

// UpsertChannel inserts a channel or refreshes its mutable fields. The
// global tg_channel_id uniqueness constraint rejects a second channel row
// for the same Telegram identity, which is surfaced as a Conflict.
func (db *DB) UpsertChannel(ctx context.Context, ch *models.Channel) error {
	if err := ch.Validate(); err != nil {
		return errclass.Wrap(errclass.SchemaInvalid, err, "invalid channel")
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO channels (channel_uuid, tenant, tg_channel_id, username, title, active, settings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CAST(NULLIF(?, '') AS JSON), CURRENT_TIMESTAMP)
		ON CONFLICT (channel_uuid) DO UPDATE SET
			username = excluded.username,
			title = excluded.title,
			active = excluded.active,
			settings = excluded.settings`,
		ch.ChannelUUID.String(), ch.Tenant, ch.TGChannelID, ch.Username, ch.Title,
		ch.Active, string(ch.Settings))
	if err != nil {
		return errclass.Wrap(errclass.Conflict, err, "upsert channel")
	}
	return nil
}

// GetChannel loads a channel by UUID.
func (db *DB) GetChannel(ctx context.Context, channelUUID uuid.UUID) (*models.Channel, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, `
		SELECT channel_uuid, tenant, tg_channel_id, username, title, active,
		       quarantined, last_parsed_at, created_at
		FROM channels WHERE channel_uuid = ?`, channelUUID.String())
	return scanChannel(row)
}

// GetChannelByTGID resolves a channel by its Telegram identifier.
func (db *DB) GetChannelByTGID(ctx context.Context, tgChannelID int64) (*models.Channel, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, `
		SELECT channel_uuid, tenant, tg_channel_id, username, title, active,
		       quarantined, last_parsed_at, created_at
		FROM channels WHERE tg_channel_id = ?`, tgChannelID)
	return scanChannel(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*models.Channel, error) {
	var (
		ch           models.Channel
		channelUUID  string
		lastParsedAt sql.NullTime
	)
	err := row.Scan(&channelUUID, &ch.Tenant, &ch.TGChannelID, &ch.Username,
		&ch.Title, &ch.Active, &ch.Quarantined, &lastParsedAt, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "channel not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.ChannelUUID, err = uuid.Parse(channelUUID)
	if err != nil {
		return nil, fmt.Errorf("parse channel uuid: %w", err)
	}
	if lastParsedAt.Valid {
		t := lastParsedAt.Time
		ch.LastParsedAt = &t
	}
	return &ch, nil
}

// ListEligibleChannels returns up to limit active, non-quarantined channels
// that have at least one active subscriber, oldest-parsed first with
// never-parsed channels ahead of everything.
func (db *DB) ListEligibleChannels(ctx context.Context, limit int) ([]*models.Channel, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.channel_uuid, c.tenant, c.tg_channel_id, c.username, c.title,
		       c.active, c.quarantined, c.last_parsed_at, c.created_at
		FROM channels c
		WHERE c.active
		  AND NOT c.quarantined
		  AND EXISTS (
			SELECT 1 FROM user_channel uc
			WHERE uc.channel_uuid = c.channel_uuid AND uc.active
		  )
		ORDER BY c.last_parsed_at ASC NULLS FIRST
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateLastParsedAt advances a channel's parse watermark. The watermark
// never moves backward.
func (db *DB) UpdateLastParsedAt(ctx context.Context, channelUUID uuid.UUID, parsedAt time.Time) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE channels SET last_parsed_at = ?
		WHERE channel_uuid = ?
		  AND (last_parsed_at IS NULL OR last_parsed_at < ?)`,
		parsedAt, channelUUID.String(), parsedAt)
	if err != nil {
		return fmt.Errorf("update last_parsed_at: %w", err)
	}
	return nil
}

// QuarantineChannel marks a channel quarantined until the given time.
// Quarantined channels are excluded from scheduling.
func (db *DB) QuarantineChannel(ctx context.Context, channelUUID uuid.UUID, until time.Time) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE channels SET quarantined = true, quarantined_until = ?
		WHERE channel_uuid = ?`, until, channelUUID.String())
	if err != nil {
		return fmt.Errorf("quarantine channel: %w", err)
	}
	return nil
}

// ReleaseExpiredQuarantines clears quarantine flags whose deadline passed.
// Called at the top of every scheduler tick.
func (db *DB) ReleaseExpiredQuarantines(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE channels SET quarantined = false, quarantined_until = NULL
		WHERE quarantined AND quarantined_until IS NOT NULL AND quarantined_until <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("release quarantines: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SubscriptionExists reports whether an active subscription links the user
// to the channel.
func (db *DB) SubscriptionExists(ctx context.Context, userUUID, channelUUID uuid.UUID) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM user_channel
		WHERE user_uuid = ? AND channel_uuid = ? AND active`,
		userUUID.String(), channelUUID.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return true, nil
}

// HasActiveSubscribers reports whether any active subscription references
// the channel. The parser uses this to decide between persisting a post and
// counting it skipped.
func (db *DB) HasActiveSubscribers(ctx context.Context, channelUUID uuid.UUID) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM user_channel WHERE channel_uuid = ? AND active LIMIT 1`,
		channelUUID.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subscribers: %w", err)
	}
	return true, nil
}

// CreateSubscription records an explicit user subscription. Idempotent on
// (user, channel).
func (db *DB) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO user_channel (user_uuid, channel_uuid, tenant, active, subscribed_at)
		VALUES (?, ?, ?, true, CURRENT_TIMESTAMP)
		ON CONFLICT (user_uuid, channel_uuid) DO UPDATE SET active = true`,
		sub.UserUUID.String(), sub.ChannelUUID.String(), sub.Tenant)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// DeactivateSubscription soft-deletes a subscription.
func (db *DB) DeactivateSubscription(ctx context.Context, userUUID, channelUUID uuid.UUID) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE user_channel SET active = false
		WHERE user_uuid = ? AND channel_uuid = ?`,
		userUUID.String(), channelUUID.String())
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}

// ListSubscribers returns the user UUIDs actively subscribed to a channel.
func (db *DB) ListSubscribers(ctx context.Context, channelUUID uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_uuid FROM user_channel
		WHERE channel_uuid = ? AND active`, channelUUID.String())
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse subscriber uuid: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
