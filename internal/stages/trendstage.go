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

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/trends"
)

// TrendStage consumes indexed posts, resolves them into topic clusters by
// embedding similarity, and announces clusters whose activity clears the
// emergence gates.
type TrendStage struct {
	db       *database.DB
	coord    *coordinator.Store
	pub      Publisher
	resolver *trends.Resolver
	cfg      config.TrendConfig
	nowFunc  func() time.Time
}

// NewTrendStage builds the stage.
func NewTrendStage(db *database.DB, coord *coordinator.Store, pub Publisher, resolver *trends.Resolver, cfg config.TrendConfig) *TrendStage {
	return &TrendStage{
		db: db, coord: coord, pub: pub, resolver: resolver, cfg: cfg,
		nowFunc: time.Now,
	}
}

// Name is the durable consumer group of the stage.
func (s *TrendStage) Name() string { return "trends" }

// Handler returns the bus handler.
func (s *TrendStage) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		env, ev, err := decodeEvent[eventbus.PostIndexed](msg, eventbus.TopicPostsIndexed)
		if err != nil {
			return err
		}
		if ev.Status != "indexed" {
			// Skipped posts carry no embedding; nothing to cluster.
			metrics.StageProcessed.WithLabelValues(s.Name(), "skipped").Inc()
			return nil
		}
		ctx := msg.Context()
		postID := ev.PostUUID.String()

		if done, err := s.coord.AlreadyProcessed(postID, s.Name()); err == nil && done {
			metrics.StageProcessed.WithLabelValues(s.Name(), "duplicate").Inc()
			return nil
		}

		pc, err := s.db.GetPostContent(ctx, ev.PostUUID)
		if errclass.Of(err) == errclass.NotFound {
			metrics.StageProcessed.WithLabelValues(s.Name(), "skipped").Inc()
			return nil
		}
		if err != nil {
			return err
		}

		embedding, err := s.postEmbedding(ctx, ev.PostUUID)
		if err != nil {
			return err
		}
		now := s.nowFunc().UTC()

		cluster, _, err := s.resolver.Resolve(ctx, pc.Tenant, embedding)
		if err != nil {
			return err
		}
		if cluster == nil {
			label, err := s.clusterLabel(ctx, ev.PostUUID)
			if err != nil {
				return err
			}
			cluster, err = s.resolver.OpenCluster(ctx, pc.Tenant, label, embedding, now)
			if err != nil {
				return err
			}
			logging.Debug().
				Str("cluster", cluster.ClusterUUID.String()).
				Str("label", label).
				Msg("opened trend cluster")
		}

		if err := s.db.RecordClusterEvent(ctx, cluster.ClusterUUID, pc.Tenant,
			ev.PostUUID, pc.ChannelUUID, pc.GroupedID, now); err != nil {
			return err
		}

		stats, err := s.db.ClusterStatsSince(ctx, cluster.ClusterUUID, now,
			s.cfg.ShortWindow, s.cfg.BaselineWindow)
		if err != nil {
			return err
		}
		decision := trends.Evaluate(stats, cluster, s.cfg, now)
		metrics.TrendThresholdReasons.WithLabelValues(decision.Reason).Inc()

		if decision.Emit {
			if err := s.announce(ctx, env, cluster, stats, decision); err != nil {
				return err
			}
			if err := s.db.MarkClusterEmitted(ctx, cluster.ClusterUUID, now); err != nil {
				return err
			}
			metrics.TrendsEmitted.Inc()
		}

		if err := s.coord.MarkProcessed(postID, s.Name()); err != nil {
			logging.Err(err).Str("post", postID).Msg("mark trends processed")
		}
		metrics.ObserveStage(s.Name(), decision.Reason, start)
		return nil
	}
}

// postEmbedding reads the vector the indexing stage persisted.
func (s *TrendStage) postEmbedding(ctx context.Context, postUUID uuid.UUID) ([]float32, error) {
	e, err := s.db.GetEnrichment(ctx, postUUID, models.EnrichmentKindEmbedding)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Vector []float32 `json:"vector"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, errclass.Wrap(errclass.SchemaInvalid, err, "decode stored embedding")
	}
	if len(payload.Vector) == 0 {
		return nil, errclass.New(errclass.SchemaInvalid, "stored embedding is empty")
	}
	return payload.Vector, nil
}

// clusterLabel seeds a fresh cluster's label from the post's first tag.
func (s *TrendStage) clusterLabel(ctx context.Context, postUUID uuid.UUID) (string, error) {
	e, err := s.db.GetEnrichment(ctx, postUUID, models.EnrichmentKindTags)
	if errclass.Of(err) == errclass.NotFound {
		return "untitled", nil
	}
	if err != nil {
		return "", err
	}
	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil || len(payload.Tags) == 0 {
		return "untitled", nil
	}
	return payload.Tags[0], nil
}

func (s *TrendStage) announce(ctx context.Context, parent *eventbus.Envelope, cluster *models.Cluster, stats *database.ClusterStats, decision trends.Decision) error {
	env, err := eventbus.NewEnvelope(eventbus.TopicTrendsEmerging, cluster.Tenant,
		stageKey(cluster.ClusterUUID.String(), s.Name()), parent.TraceID,
		&eventbus.TrendEmerging{
			ClusterUUID:     cluster.ClusterUUID,
			Label:           cluster.Label,
			ShortCount:      stats.ShortCount,
			BaselineCount:   stats.BaselineCount,
			SourceDiversity: stats.SourceDiversity,
			FreqRatio:       decision.FreqRatio,
		})
	if err != nil {
		return err
	}
	return s.pub.PublishEnvelope(ctx, eventbus.TopicTrendsEmerging, env)
}
