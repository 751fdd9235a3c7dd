// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package stages

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/quota"
)

// TagProvider is the tag-extraction backend.
type TagProvider interface {
	Tags(ctx context.Context, text string) ([]string, error)
}

// TaggingStage consumes parsed posts and attaches topic tags. The tagged
// event goes out even for posts with no extractable text, so downstream
// stages always hear about the post.
type TaggingStage struct {
	db       *database.DB
	coord    *coordinator.Store
	pub      Publisher
	provider TagProvider
	limiter  *quota.ProviderLimiter
}

// NewTaggingStage builds the stage. limiter may be nil for unlimited.
func NewTaggingStage(db *database.DB, coord *coordinator.Store, pub Publisher, provider TagProvider, limiter *quota.ProviderLimiter) *TaggingStage {
	return &TaggingStage{db: db, coord: coord, pub: pub, provider: provider, limiter: limiter}
}

// Name is the durable consumer group of the stage.
func (s *TaggingStage) Name() string { return "tagging" }

// Handler returns the bus handler.
func (s *TaggingStage) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		env, ev, err := decodeEvent[eventbus.PostParsed](msg, eventbus.TopicPostsParsed)
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
			// The post expired between parse and tagging. Downstream still
			// hears about it; an unpublished post would dead-end the chain.
			logging.Debug().Str("post", postID).Msg("tagging skipped, post expired")
			if err := s.emit(ctx, env, ev.PostUUID, env.Tenant, nil, "post_expired"); err != nil {
				return err
			}
			if err := s.coord.MarkProcessed(postID, s.Name()); err != nil {
				logging.Err(err).Str("post", postID).Msg("mark tagging processed")
			}
			metrics.StageProcessed.WithLabelValues(s.Name(), "skipped").Inc()
			return nil
		}
		if err != nil {
			return err
		}

		var tags []string
		var reason string
		if pc.Content != "" {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx, pc.Tenant, "tagging"); err != nil {
					return err
				}
			}
			tags, err = s.provider.Tags(ctx, pc.Content)
			switch {
			case err == nil:
				metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindTags, "ok").Inc()
			case errclass.Of(err) == errclass.QuotaExhausted:
				// Terminal for this pass, not for the post: publish an
				// empty tag list so enrichment and indexing still run.
				logging.Warn().Str("post", postID).Err(err).Msg("tagging budget exhausted")
				metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindTags, "skipped").Inc()
				tags, reason = nil, "budget_exhausted"
			default:
				// Transient and RateLimited retry; SchemaInvalid and Fatal
				// are the router's problem.
				metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindTags, "failed").Inc()
				return err
			}
		}

		if err := s.persistTags(ctx, ev.PostUUID, pc.Tenant, tags); err != nil {
			return err
		}
		if err := s.emit(ctx, env, ev.PostUUID, pc.Tenant, tags, reason); err != nil {
			return err
		}
		if err := s.coord.MarkProcessed(postID, s.Name()); err != nil {
			logging.Err(err).Str("post", postID).Msg("mark tagging processed")
		}
		metrics.ObserveStage(s.Name(), "ok", start)
		return nil
	}
}

func (s *TaggingStage) persistTags(ctx context.Context, postUUID uuid.UUID, tenant string, tags []string) error {
	if len(tags) > 0 {
		data, err := json.Marshal(map[string][]string{"tags": tags})
		if err != nil {
			return err
		}
		if err := s.db.SaveEnrichment(ctx, &models.PostEnrichment{
			PostUUID: postUUID,
			Tenant:   tenant,
			Kind:     models.EnrichmentKindTags,
			Provider: "tagging",
			Data:     data,
		}); err != nil {
			return err
		}
	}
	return s.db.UpdateEnrichmentStatus(ctx, postUUID, models.EnrichmentTagged)
}

func (s *TaggingStage) emit(ctx context.Context, parent *eventbus.Envelope, postUUID uuid.UUID, tenant string, tags []string, reason string) error {
	env, err := eventbus.NewEnvelope(eventbus.TopicPostsTagged, tenant,
		stageKey(postUUID.String(), s.Name()), parent.TraceID,
		&eventbus.PostTagged{PostUUID: postUUID, Tags: eventbus.Tags(tags), Reason: reason})
	if err != nil {
		return err
	}
	return s.pub.PublishEnvelope(ctx, eventbus.TopicPostsTagged, env)
}
