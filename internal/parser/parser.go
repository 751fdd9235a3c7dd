// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package parser reads channel messages from the source platform,
// normalizes them, and persists them idempotently. It never creates
// subscriptions: a channel nobody subscribes to is fetched and counted,
// not stored.
package parser

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// Result summarizes one parse pass over one channel.
type Result struct {
	Persisted            int
	Duplicates           int
	SkippedNotSubscribed int
	Albums               int
	AlbumsRejected       int
}

// Parser runs parse passes. Safe for concurrent use across distinct
// channels; the scheduler never dispatches the same channel twice at once.
type Parser struct {
	db       *database.DB
	coord    *coordinator.Store
	source   SourceClient
	cfg      config.ParserConfig
	adaptive bool
	nowFunc  func() time.Time
}

// New builds a parser.
func New(db *database.DB, coord *coordinator.Store, source SourceClient, cfg config.ParserConfig, adaptive bool) *Parser {
	return &Parser{
		db:       db,
		coord:    coord,
		source:   source,
		cfg:      cfg,
		adaptive: adaptive,
		nowFunc:  time.Now,
	}
}

// ParseChannel fetches and persists one channel's messages since the given
// time. The whole pass is idempotent: a crash anywhere leads to a re-read
// window that the unique post index collapses.
func (p *Parser) ParseChannel(ctx context.Context, channel *models.Channel, since time.Time) (*Result, error) {
	if channel.TGChannelID == nil {
		return nil, errclass.New(errclass.SchemaInvalid, "channel has no telegram id")
	}
	start := p.nowFunc()
	channelID := channel.ChannelUUID.String()

	since = p.effectiveSince(ctx, channel, since)

	// A surviving high-water mark means the previous pass committed its
	// batch but died before closing the window; everything at or below the
	// mark is already durable and does not need refetching.
	afterID, _, err := p.coord.ParseHWM(channelID)
	if err != nil {
		logging.Err(err).Str("channel", channelID).Msg("read parse hwm")
		afterID = 0
	}

	messages, err := p.source.FetchMessages(ctx, *channel.TGChannelID, since, afterID)
	if err != nil {
		return nil, p.classifyFetchError(ctx, channel, err)
	}
	if len(messages) == 0 {
		if err := p.finishPass(ctx, channel, start); err != nil {
			return nil, err
		}
		return &Result{}, nil
	}

	maxID := messages[0].TGMessageID
	watermark := messages[0].PostedAt
	for _, m := range messages {
		if m.TGMessageID > maxID {
			maxID = m.TGMessageID
		}
		if m.PostedAt.After(watermark) {
			watermark = m.PostedAt
		}
	}

	result := &Result{}

	subscribed, err := p.db.HasActiveSubscribers(ctx, channel.ChannelUUID)
	if err != nil {
		return nil, err
	}
	if !subscribed {
		// Never auto-subscribe. The pass still advances the watermark so
		// the channel is not re-fetched forever.
		result.SkippedNotSubscribed = len(messages)
		if err := p.finishPass(ctx, channel, watermark); err != nil {
			return nil, err
		}
		return result, nil
	}

	posts := make([]*models.Post, 0, len(messages))
	mediaByMessage := make(map[int64][]SourceMedia)
	now := p.nowFunc()
	for i := range messages {
		posts = append(posts, Normalize(&messages[i], channel, now))
		if len(messages[i].Media) > 0 {
			mediaByMessage[messages[i].TGMessageID] = messages[i].Media
		}
	}

	batch, err := p.db.SavePostBatch(ctx, posts)
	if err != nil {
		return nil, err
	}
	result.Persisted = batch.Persisted
	result.Duplicates = batch.Duplicates
	metrics.ParserPostsPersisted.Add(float64(batch.Persisted))
	metrics.ParserDuplicatesSkipped.Add(float64(batch.Duplicates))

	groups, rejected := AssembleAlbums(posts, mediaByMessage)
	for _, err := range rejected {
		metrics.ParserAlbumsRejected.WithLabelValues("slot_mismatch").Inc()
		logging.Warn().Err(err).Str("channel", channelID).Msg("album rejected")
	}
	result.AlbumsRejected = len(rejected)
	for _, group := range groups {
		if err := p.db.SaveMediaGroup(ctx, group); err != nil {
			return nil, err
		}
		if err := p.stageAlbumEvent(ctx, group); err != nil {
			return nil, err
		}
		result.Albums++
	}

	// The batch is durable now, so the high-water mark may move. Setting
	// it any earlier would let a rolled-back batch masquerade as done and
	// the next pass would skip messages that were never stored.
	if err := p.coord.SetParseHWM(channelID, maxID); err != nil {
		return nil, fmt.Errorf("set parse hwm: %w", err)
	}

	if err := p.finishPass(ctx, channel, watermark); err != nil {
		return nil, err
	}
	metrics.ParserBatchDuration.Observe(time.Since(start).Seconds())
	return result, nil
}

// finishPass advances last_parsed_at to the newest posted_at the pass saw
// (the pass start when the window was empty) and clears the resume cursor,
// in that order: losing the race the other way would silently skip a window.
func (p *Parser) finishPass(ctx context.Context, channel *models.Channel, watermark time.Time) error {
	if err := p.db.UpdateLastParsedAt(ctx, channel.ChannelUUID, watermark); err != nil {
		return err
	}
	return p.coord.ClearParseHWM(channel.ChannelUUID.String())
}

// effectiveSince widens the fetch window for quiet channels when adaptive
// thresholds are on. The scheduler's since is a ceiling; the adaptive
// overlap may only reach further back, never clamp forward.
func (p *Parser) effectiveSince(ctx context.Context, channel *models.Channel, since time.Time) time.Time {
	if !p.adaptive || channel.LastParsedAt == nil {
		return since
	}
	stats, err := p.channelStats(ctx, channel)
	if err != nil {
		logging.Err(err).Str("channel", channel.ChannelUUID.String()).Msg("channel stats")
		return since
	}
	overlap := AdaptiveOverlap(p.cfg.IncrementalOverlap,
		time.Duration(stats.P95InterArrival*float64(time.Second)), p.nowFunc())
	adaptive := channel.LastParsedAt.Add(-overlap)
	if adaptive.Before(since) {
		return adaptive
	}
	return since
}

func (p *Parser) channelStats(ctx context.Context, channel *models.Channel) (*coordinator.ChannelStats, error) {
	channelID := channel.ChannelUUID.String()
	if cached, ok, err := p.coord.GetChannelStats(channelID); err == nil && ok {
		return cached, nil
	}
	now := p.nowFunc()
	times, err := p.db.PostTimesInWindow(ctx, channel.ChannelUUID, now.Add(-p.cfg.StatsWindow), now)
	if err != nil {
		return nil, err
	}
	stats := &coordinator.ChannelStats{
		ChannelID:       channelID,
		P95InterArrival: P95InterArrival(times).Seconds(),
		SampleSize:      len(times),
		ComputedAt:      now,
	}
	if err := p.coord.PutChannelStats(stats); err != nil {
		logging.Err(err).Str("channel", channelID).Msg("cache channel stats")
	}
	return stats, nil
}

// classifyFetchError maps source failures to recovery actions: floodwaits
// surface as RateLimited with a capped wait, revoked access quarantines
// the channel.
func (p *Parser) classifyFetchError(ctx context.Context, channel *models.Channel, err error) error {
	switch errclass.Of(err) {
	case errclass.RateLimited:
		wait := errclass.AdvisedWait(err)
		if wait > p.cfg.MaxFloodWait {
			wait = p.cfg.MaxFloodWait
		}
		return errclass.RateLimitedFor(wait, "source floodwait on channel %s", channel.ChannelUUID)
	case errclass.Fatal, errclass.NotFound:
		until := p.nowFunc().Add(p.cfg.QuarantineTTL)
		if qerr := p.db.QuarantineChannel(ctx, channel.ChannelUUID, until); qerr != nil {
			logging.Err(qerr).Str("channel", channel.ChannelUUID.String()).Msg("quarantine")
		}
		logging.Warn().
			Str("channel", channel.ChannelUUID.String()).
			Time("until", until).
			Msg("channel quarantined after source error")
		return err
	default:
		return err
	}
}

func (p *Parser) stageAlbumEvent(ctx context.Context, group *models.MediaGroup) error {
	payload, err := json.Marshal(&eventbus.AlbumParsed{
		GroupUUID:   group.GroupUUID,
		ChannelUUID: group.ChannelUUID,
		GroupedID:   group.GroupedID,
		ItemsCount:  group.ItemsCount,
	})
	if err != nil {
		return fmt.Errorf("marshal album event: %w", err)
	}
	return p.db.StageOutboxEvent(ctx, &models.OutboxEvent{
		Tenant:      group.Tenant,
		EventType:   eventbus.TopicAlbumsParsed,
		AggregateID: group.GroupUUID.String(),
		ContentHash: strconv.FormatInt(group.GroupedID, 10),
		Payload:     payload,
	})
}
