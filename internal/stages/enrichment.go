// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package stages

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"mvdan.cc/xurls/v2"

	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/providers"
	"github.com/ilyasni/telegram-assistant-sub004/internal/quota"
)

// Crawler fetches linked pages for deep enrichment.
type Crawler interface {
	Fetch(ctx context.Context, urls []string) ([]providers.CrawlResult, error)
}

// EnrichmentStage consumes tagged posts and runs the crawl policy. Every
// branch publishes posts.enriched: admitted crawls with their artifacts,
// skips with the gate that stopped them, permanent failures with the error
// class. Downstream indexing never waits on a silent post.
type EnrichmentStage struct {
	db      *database.DB
	coord   *coordinator.Store
	pub     Publisher
	crawler Crawler
	policy  *quota.CrawlPolicy
}

// NewEnrichmentStage builds the stage.
func NewEnrichmentStage(db *database.DB, coord *coordinator.Store, pub Publisher, crawler Crawler, policy *quota.CrawlPolicy) *EnrichmentStage {
	return &EnrichmentStage{db: db, coord: coord, pub: pub, crawler: crawler, policy: policy}
}

// Name is the durable consumer group of the stage.
func (s *EnrichmentStage) Name() string { return "enrichment" }

// Handler returns the bus handler.
func (s *EnrichmentStage) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		env, ev, err := decodeEvent[eventbus.PostTagged](msg, eventbus.TopicPostsTagged)
		if err != nil {
			return err
		}
		ctx := msg.Context()
		postID := ev.PostUUID.String()

		if done, err := s.coord.AlreadyProcessed(postID, s.Name()); err == nil && done {
			metrics.StageProcessed.WithLabelValues(s.Name(), "duplicate").Inc()
			return nil
		}

		pc, err := s.db.GetPostContent(ctx, ev.PostUUID)
		if errclass.Of(err) == errclass.NotFound {
			return s.finish(ctx, env, ev.PostUUID, "", &eventbus.PostEnriched{
				PostUUID: ev.PostUUID, Status: "skipped", Reason: "post_expired",
			}, start)
		}
		if err != nil {
			return err
		}

		wordCount := len(strings.Fields(pc.Content))
		crawl, reason := s.policy.Decide(pc.Tenant, []string(ev.Tags), wordCount)
		if !crawl {
			metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindCrawl, "skipped").Inc()
			if err := s.db.UpdateEnrichmentStatus(ctx, ev.PostUUID, models.EnrichmentEnriched); err != nil {
				return err
			}
			return s.finish(ctx, env, ev.PostUUID, pc.Tenant, &eventbus.PostEnriched{
				PostUUID: ev.PostUUID, Status: "skipped", Reason: reason,
			}, start)
		}

		urls := xurls.Strict().FindAllString(pc.Content, 5)
		if len(urls) == 0 {
			// Admitted by the policy but nothing to crawl; the budget unit
			// is spent, the post moves on.
			metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindCrawl, "skipped").Inc()
			if err := s.db.UpdateEnrichmentStatus(ctx, ev.PostUUID, models.EnrichmentEnriched); err != nil {
				return err
			}
			return s.finish(ctx, env, ev.PostUUID, pc.Tenant, &eventbus.PostEnriched{
				PostUUID: ev.PostUUID, Status: "skipped", Reason: "no_links",
			}, start)
		}

		results, err := s.crawler.Fetch(ctx, urls)
		if err != nil {
			metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindCrawl, "failed").Inc()
			if errclass.Retryable(err) {
				return err
			}
			// Permanent failure still reports downstream, then acks.
			logging.Warn().Err(err).Str("post", postID).Msg("crawl failed permanently")
			return s.finish(ctx, env, ev.PostUUID, pc.Tenant, &eventbus.PostEnriched{
				PostUUID: ev.PostUUID, Status: "failed", Reason: errclass.Of(err).String(),
			}, start)
		}
		metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindCrawl, "ok").Inc()

		if err := s.persistCrawl(ctx, ev.PostUUID, pc.Tenant, results); err != nil {
			return err
		}
		return s.finish(ctx, env, ev.PostUUID, pc.Tenant, &eventbus.PostEnriched{
			PostUUID: ev.PostUUID, Status: "enriched",
			Kinds: []string{models.EnrichmentKindCrawl},
		}, start)
	}
}

func (s *EnrichmentStage) persistCrawl(ctx context.Context, postUUID uuid.UUID, tenant string, results []providers.CrawlResult) error {
	data, err := json.Marshal(map[string]any{"pages": results})
	if err != nil {
		return err
	}
	if err := s.db.SaveEnrichment(ctx, &models.PostEnrichment{
		PostUUID: postUUID,
		Tenant:   tenant,
		Kind:     models.EnrichmentKindCrawl,
		Provider: "crawl",
		Data:     data,
	}); err != nil {
		return err
	}
	return s.db.UpdateEnrichmentStatus(ctx, postUUID, models.EnrichmentEnriched)
}

// finish publishes the enriched event and marks the stage done. Shared by
// every branch so the always-emit guarantee has one exit path.
func (s *EnrichmentStage) finish(ctx context.Context, parent *eventbus.Envelope, postUUID uuid.UUID, tenant string, ev *eventbus.PostEnriched, start time.Time) error {
	env, err := eventbus.NewEnvelope(eventbus.TopicPostsEnriched, tenant,
		stageKey(postUUID.String(), s.Name()), parent.TraceID, ev)
	if err != nil {
		return err
	}
	if err := s.pub.PublishEnvelope(ctx, eventbus.TopicPostsEnriched, env); err != nil {
		return err
	}
	if err := s.coord.MarkProcessed(postUUID.String(), s.Name()); err != nil {
		logging.Err(err).Str("post", postUUID.String()).Msg("mark enrichment processed")
	}
	metrics.ObserveStage(s.Name(), ev.Status, start)
	return nil
}
