// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/parser"
)

func testParserConfig() config.ParserConfig {
	return config.ParserConfig{
		IncrementalOverlap: 5 * time.Minute,
		LPAMaxAge:          48 * time.Hour,
		HistoricalWindow:   24 * time.Hour,
		StatsWindow:        7 * 24 * time.Hour,
		MaxFloodWait:       time.Minute,
		QuarantineTTL:      time.Hour,
	}
}

func TestDecideMode(t *testing.T) {
	cfg := testParserConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	never := &models.Channel{ChannelUUID: uuid.New()}
	if got := DecideMode(never, cfg, now); got != ModeHistorical {
		t.Fatalf("never-parsed channel mode = %v, want historical", got)
	}

	fresh := now.Add(-time.Hour)
	recent := &models.Channel{ChannelUUID: uuid.New(), LastParsedAt: &fresh}
	if got := DecideMode(recent, cfg, now); got != ModeIncremental {
		t.Fatalf("recent channel mode = %v, want incremental", got)
	}

	// Exactly at the max age boundary stays incremental; beyond falls back.
	atEdge := now.Add(-cfg.LPAMaxAge)
	edge := &models.Channel{ChannelUUID: uuid.New(), LastParsedAt: &atEdge}
	if got := DecideMode(edge, cfg, now); got != ModeIncremental {
		t.Fatalf("at-boundary channel mode = %v, want incremental", got)
	}
	past := now.Add(-cfg.LPAMaxAge - time.Second)
	stale := &models.Channel{ChannelUUID: uuid.New(), LastParsedAt: &past}
	if got := DecideMode(stale, cfg, now); got != ModeHistorical {
		t.Fatalf("stale channel mode = %v, want historical", got)
	}
}

func TestSinceDate(t *testing.T) {
	cfg := testParserConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	ch := &models.Channel{ChannelUUID: uuid.New()}
	if got := SinceDate(ch, ModeHistorical, cfg, now); !got.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("historical since = %v, want now-24h", got)
	}

	last := now.Add(-10 * time.Minute)
	ch.LastParsedAt = &last
	got := SinceDate(ch, ModeIncremental, cfg, now)
	if want := last.Add(-5 * time.Minute); !got.Equal(want) {
		t.Fatalf("incremental since = %v, want watermark-overlap %v", got, want)
	}
}

type tickSource struct {
	mu      sync.Mutex
	fetched map[int64]int
}

func (f *tickSource) FetchMessages(_ context.Context, tgChannelID int64, _ time.Time, _ int64) ([]parser.SourceMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetched == nil {
		f.fetched = make(map[int64]int)
	}
	f.fetched[tgChannelID]++
	return []parser.SourceMessage{{
		TGMessageID: 1,
		TGChannelID: tgChannelID,
		Text:        "tick post",
		PostedAt:    time.Now().Add(-time.Minute),
	}}, nil
}

func TestTickDispatchesEligibleChannels(t *testing.T) {
	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	coord, err := coordinator.Open(coordinator.Config{})
	if err != nil {
		t.Fatalf("open coordinator: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	ctx := context.Background()
	source := &tickSource{}
	channels := make([]*models.Channel, 0, 3)
	for i := int64(1); i <= 3; i++ {
		tgID := 9000 + i
		ch := &models.Channel{
			ChannelUUID: uuid.New(),
			Tenant:      "t1",
			TGChannelID: &tgID,
			Active:      true,
		}
		if err := db.UpsertChannel(ctx, ch); err != nil {
			t.Fatalf("upsert channel: %v", err)
		}
		channels = append(channels, ch)
	}
	// Only the first two have subscribers; the third is seeded but its
	// posts must not persist.
	for _, ch := range channels[:2] {
		err := db.CreateSubscription(ctx, &models.Subscription{
			UserUUID:    uuid.New(),
			ChannelUUID: ch.ChannelUUID,
			Tenant:      "t1",
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	pcfg := testParserConfig()
	p := parser.New(db, coord, source, pcfg, false)
	sched := New(db, coord, p, config.SchedulerConfig{
		Interval:    time.Minute,
		BatchSize:   10,
		Concurrency: 2,
		MaxRetries:  1,
		LockTTL:     time.Minute,
	}, pcfg)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Eligibility requires an active subscriber, so only two channels are
	// dispatched at all.
	source.mu.Lock()
	dispatched := len(source.fetched)
	source.mu.Unlock()
	if dispatched != 2 {
		t.Fatalf("dispatched %d channels, want 2", dispatched)
	}
	for _, ch := range channels[:2] {
		stored, err := db.GetChannel(ctx, ch.ChannelUUID)
		if err != nil {
			t.Fatalf("get channel: %v", err)
		}
		if stored.LastParsedAt == nil {
			t.Fatalf("channel %s watermark not advanced", ch.ChannelUUID)
		}
	}
}
