// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package coordinator

import (
	"fmt"
	"strconv"
	"time"
)

// parseHWMKey names the crash-recovery high-water mark of one channel.
// The mark is written only after a pass's batch commits and cleared once
// last_parsed_at follows; a surviving mark means the previous pass died
// between those two commits, so everything at or below the mark is durable
// and the re-read may skip it.
func parseHWMKey(channelID string) string {
	return "parse_hwm:" + channelID
}

// hwmTTL bounds how long a stale mark can force re-reads.
const hwmTTL = 24 * time.Hour

// SetParseHWM records the message id up to which a pass has durably
// persisted. Callers must not move the mark before their batch commits.
func (s *Store) SetParseHWM(channelID string, messageID int64) error {
	return s.setTTL(parseHWMKey(channelID), []byte(strconv.FormatInt(messageID, 10)), hwmTTL)
}

// ParseHWM reads the high-water mark of a channel, if one survives.
func (s *Store) ParseHWM(channelID string) (int64, bool, error) {
	val, ok, err := s.get(parseHWMKey(channelID))
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse hwm value: %w", err)
	}
	return id, true, nil
}

// ClearParseHWM removes the mark after a pass commits cleanly.
func (s *Store) ClearParseHWM(channelID string) error {
	return s.delete(parseHWMKey(channelID))
}

// idempotencyKey marks a (post, stage) pair as processed under the current
// handler schema version.
func idempotencyKey(postID, stage string) string {
	return postID + ":" + stage + ":v1"
}

// idempotencyTTL outlives the longest plausible redelivery window.
const idempotencyTTL = 7 * 24 * time.Hour

// MarkProcessed records that a stage finished a post.
func (s *Store) MarkProcessed(postID, stage string) error {
	return s.setTTL(idempotencyKey(postID, stage), []byte{1}, idempotencyTTL)
}

// AlreadyProcessed reports whether a stage already finished a post. Used as
// a fast path; the database constraints remain the source of truth.
func (s *Store) AlreadyProcessed(postID, stage string) (bool, error) {
	_, ok, err := s.get(idempotencyKey(postID, stage))
	return ok, err
}
