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
)

// Embedder turns text into vectors and reports provider health.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Healthy(ctx context.Context) bool
}

// IndexingStage consumes enriched posts and writes embeddings. A provider
// known to be down fails the post fast for later retry instead of burning a
// call; the backlog sweeper picks those up.
type IndexingStage struct {
	db       *database.DB
	coord    *coordinator.Store
	pub      Publisher
	embedder Embedder
}

// NewIndexingStage builds the stage.
func NewIndexingStage(db *database.DB, coord *coordinator.Store, pub Publisher, embedder Embedder) *IndexingStage {
	return &IndexingStage{db: db, coord: coord, pub: pub, embedder: embedder}
}

// Name is the durable consumer group of the stage.
func (s *IndexingStage) Name() string { return "indexing" }

// Handler returns the bus handler.
func (s *IndexingStage) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		env, ev, err := decodeEvent[eventbus.PostEnriched](msg, eventbus.TopicPostsEnriched)
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
			if err := s.db.SetEmbeddingStatus(ctx, ev.PostUUID, models.IndexSkipped, "post expired"); err != nil {
				return err
			}
			metrics.IndexingProcessed.WithLabelValues("skipped").Inc()
			return s.finish(ctx, env, ev.PostUUID, "", "skipped", "post_expired", start)
		}
		if err != nil {
			return err
		}
		if pc.Content == "" {
			if err := s.db.SetEmbeddingStatus(ctx, ev.PostUUID, models.IndexSkipped, "no text"); err != nil {
				return err
			}
			metrics.IndexingProcessed.WithLabelValues("skipped").Inc()
			return s.finish(ctx, env, ev.PostUUID, pc.Tenant, "skipped", "no_text", start)
		}

		if !s.embedder.Healthy(ctx) {
			if err := s.db.SetEmbeddingStatus(ctx, ev.PostUUID, models.IndexFailed, "embedding provider unhealthy"); err != nil {
				return err
			}
			metrics.IndexingProcessed.WithLabelValues("deferred").Inc()
			return errclass.New(errclass.Transient, "embedding provider unhealthy")
		}

		vectors, err := s.embedder.Embed(ctx, []string{pc.Content})
		if err != nil {
			if dbErr := s.db.SetEmbeddingStatus(ctx, ev.PostUUID, models.IndexFailed, err.Error()); dbErr != nil {
				logging.Err(dbErr).Str("post", postID).Msg("record embedding failure")
			}
			metrics.IndexingProcessed.WithLabelValues("failed").Inc()
			return err
		}

		// The vector persists as an enrichment artifact; the trend stage
		// reads it back instead of paying for a second embedding call.
		data, err := json.Marshal(map[string][]float32{"vector": vectors[0]})
		if err != nil {
			return err
		}
		if err := s.db.SaveEnrichment(ctx, &models.PostEnrichment{
			PostUUID: ev.PostUUID,
			Tenant:   pc.Tenant,
			Kind:     models.EnrichmentKindEmbedding,
			Provider: "embedding",
			Data:     data,
		}); err != nil {
			return err
		}
		if err := s.db.SetEmbeddingStatus(ctx, ev.PostUUID, models.IndexCompleted, ""); err != nil {
			return err
		}
		if err := s.db.UpdateEnrichmentStatus(ctx, ev.PostUUID, models.EnrichmentIndexed); err != nil {
			return err
		}
		metrics.IndexingProcessed.WithLabelValues("completed").Inc()
		return s.finish(ctx, env, ev.PostUUID, pc.Tenant, "indexed", "", start)
	}
}

func (s *IndexingStage) finish(ctx context.Context, parent *eventbus.Envelope, postUUID uuid.UUID, tenant, status, reason string, start time.Time) error {
	env, err := eventbus.NewEnvelope(eventbus.TopicPostsIndexed, tenant,
		stageKey(postUUID.String(), s.Name()), parent.TraceID,
		&eventbus.PostIndexed{PostUUID: postUUID, Status: status, Reason: reason})
	if err != nil {
		return err
	}
	if err := s.pub.PublishEnvelope(ctx, eventbus.TopicPostsIndexed, env); err != nil {
		return err
	}
	if err := s.coord.MarkProcessed(postUUID.String(), s.Name()); err != nil {
		logging.Err(err).Str("post", postUUID.String()).Msg("mark indexing processed")
	}
	metrics.ObserveStage(s.Name(), status, start)
	return nil
}
