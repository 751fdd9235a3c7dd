// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package scheduler

import (
	"time"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// Mode selects how far back a parse job reaches.
type Mode string

const (
	// ModeHistorical re-reads a long window for new or stale channels.
	ModeHistorical Mode = "historical"
	// ModeIncremental reads from last_parsed_at minus a safety overlap.
	ModeIncremental Mode = "incremental"
)

// DecideMode picks the parse mode for a channel. A channel never parsed,
// or whose watermark is older than the configured max age, falls back to
// historical.
func DecideMode(channel *models.Channel, cfg config.ParserConfig, now time.Time) Mode {
	if channel.LastParsedAt == nil {
		return ModeHistorical
	}
	if now.Sub(*channel.LastParsedAt) > cfg.LPAMaxAge {
		return ModeHistorical
	}
	return ModeIncremental
}

// SinceDate computes the fetch window start for a mode. Incremental mode
// subtracts the overlap from the watermark and never clamps forward;
// historical mode reaches back the full historical window from now.
func SinceDate(channel *models.Channel, mode Mode, cfg config.ParserConfig, now time.Time) time.Time {
	if mode == ModeHistorical {
		return now.Add(-cfg.HistoricalWindow)
	}
	return channel.LastParsedAt.Add(-cfg.IncrementalOverlap)
}
