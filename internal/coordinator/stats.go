// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package coordinator

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ChannelStats is the cached posting-behavior snapshot the adaptive
// thresholds run on. Recomputing it from the posts table is expensive, so
// the parser caches it here for an hour.
type ChannelStats struct {
	ChannelID       string    `json:"channel_id"`
	P95InterArrival float64   `json:"p95_inter_arrival_sec"`
	SampleSize      int       `json:"sample_size"`
	ComputedAt      time.Time `json:"computed_at"`
}

const channelStatsTTL = time.Hour

func channelStatsKey(channelID string) string {
	return "channel_stats:" + channelID
}

// PutChannelStats caches a stats snapshot.
func (s *Store) PutChannelStats(stats *ChannelStats) error {
	raw, err := marshalJSON(stats)
	if err != nil {
		return err
	}
	return s.setTTL(channelStatsKey(stats.ChannelID), raw, channelStatsTTL)
}

// GetChannelStats reads a cached snapshot, if still fresh.
func (s *Store) GetChannelStats(channelID string) (*ChannelStats, bool, error) {
	val, ok, err := s.get(channelStatsKey(channelID))
	if err != nil || !ok {
		return nil, false, err
	}
	stats := &ChannelStats{}
	if err := json.Unmarshal(val, stats); err != nil {
		return nil, false, fmt.Errorf("unmarshal channel stats: %w", err)
	}
	return stats, true, nil
}
