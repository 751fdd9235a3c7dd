// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// Graph node labels and edge relations.
const (
	nodePost          = "Post"
	nodeAuthor        = "Author"
	nodeChannel       = "Channel"
	nodePersona       = "Persona"
	nodeDialogue      = "Dialogue"
	nodeForwardSource = "ForwardSource"

	edgeAuthorOf      = "AUTHOR_OF"
	edgePostedIn      = "POSTED_IN"
	edgeForwardedFrom = "FORWARDED_FROM"
	edgeRepliesTo     = "REPLIES_TO"
	edgePartOf        = "PART_OF"
)

// GraphStage consumes parsed posts and merges them into the knowledge
// graph. Every write is a merge, so redelivery converges instead of
// duplicating.
type GraphStage struct {
	db    *database.DB
	coord *coordinator.Store
}

// NewGraphStage builds the stage.
func NewGraphStage(db *database.DB, coord *coordinator.Store) *GraphStage {
	return &GraphStage{db: db, coord: coord}
}

// Name is the durable consumer group of the stage.
func (s *GraphStage) Name() string { return "graphwriter" }

// postKey addresses a post node by channel and message id so replies can
// link to a target the writer has not seen yet.
func postKey(channelUUID string, tgMessageID int64) string {
	return fmt.Sprintf("post:%s:%d", channelUUID, tgMessageID)
}

// Handler returns the bus handler.
func (s *GraphStage) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		_, ev, err := decodeEvent[eventbus.PostParsed](msg, eventbus.TopicPostsParsed)
		if err != nil {
			return err
		}
		ctx := msg.Context()
		postID := ev.PostUUID.String()

		if done, err := s.coord.AlreadyProcessed(postID, s.Name()); err == nil && done {
			metrics.StageProcessed.WithLabelValues(s.Name(), "duplicate").Inc()
			return nil
		}

		post, err := s.db.GetPost(ctx, ev.PostUUID)
		if errclass.Of(err) == errclass.NotFound {
			metrics.StageProcessed.WithLabelValues(s.Name(), "skipped").Inc()
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.writePost(ctx, post); err != nil {
			if dbErr := s.db.SetGraphStatus(ctx, post.PostUUID, models.IndexFailed, err.Error()); dbErr != nil {
				logging.Err(dbErr).Str("post", postID).Msg("record graph failure")
			}
			metrics.StageProcessed.WithLabelValues(s.Name(), "failed").Inc()
			return err
		}
		if err := s.db.SetGraphStatus(ctx, post.PostUUID, models.IndexCompleted, ""); err != nil {
			return err
		}
		if err := s.coord.MarkProcessed(postID, s.Name()); err != nil {
			logging.Err(err).Str("post", postID).Msg("mark graph processed")
		}
		metrics.ObserveStage(s.Name(), "ok", start)
		return nil
	}
}

func (s *GraphStage) writePost(ctx context.Context, post *models.Post) error {
	channelID := post.ChannelUUID.String()
	key := postKey(channelID, post.TGMessageID)

	if err := s.db.MergeNode(ctx, &database.GraphNode{
		Key:    key,
		Tenant: post.Tenant,
		Label:  nodePost,
		Properties: map[string]any{
			"post_uuid":     post.PostUUID.String(),
			"tg_message_id": post.TGMessageID,
			"posted_at":     post.PostedAt.Format(time.RFC3339),
			"source":        post.Source,
		},
	}); err != nil {
		return err
	}

	channelLabel := nodeChannel
	if post.Source == models.SourcePersona {
		channelLabel = nodeDialogue
	}
	if err := s.db.MergeNode(ctx, &database.GraphNode{
		Key:    "channel:" + channelID,
		Tenant: post.Tenant,
		Label:  channelLabel,
	}); err != nil {
		return err
	}
	if err := s.db.MergeEdge(ctx, &database.GraphEdge{
		FromKey:  key,
		ToKey:    "channel:" + channelID,
		Tenant:   post.Tenant,
		Relation: edgePostedIn,
	}); err != nil {
		return err
	}

	if post.AuthorRef != nil && *post.AuthorRef != "" {
		authorLabel := nodeAuthor
		if post.Source == models.SourcePersona {
			authorLabel = nodePersona
		}
		authorKey := "author:" + *post.AuthorRef
		if err := s.db.MergeNode(ctx, &database.GraphNode{
			Key:        authorKey,
			Tenant:     post.Tenant,
			Label:      authorLabel,
			Properties: map[string]any{"ref": *post.AuthorRef},
		}); err != nil {
			return err
		}
		if err := s.db.MergeEdge(ctx, &database.GraphEdge{
			FromKey:  authorKey,
			ToKey:    key,
			Tenant:   post.Tenant,
			Relation: edgeAuthorOf,
		}); err != nil {
			return err
		}
	}

	if post.ForwardRef != nil {
		srcKey := fmt.Sprintf("fwd:%d", post.ForwardRef.TGChannelID)
		if err := s.db.MergeNode(ctx, &database.GraphNode{
			Key:    srcKey,
			Tenant: post.Tenant,
			Label:  nodeForwardSource,
			Properties: map[string]any{
				"tg_channel_id": post.ForwardRef.TGChannelID,
				"name":          post.ForwardRef.Name,
			},
		}); err != nil {
			return err
		}
		if err := s.db.MergeEdge(ctx, &database.GraphEdge{
			FromKey:  key,
			ToKey:    srcKey,
			Tenant:   post.Tenant,
			Relation: edgeForwardedFrom,
			Properties: map[string]any{
				"tg_message_id": post.ForwardRef.TGMessageID,
			},
		}); err != nil {
			return err
		}
	}

	if post.ReplyToID != nil {
		// The reply target may not be parsed yet; merging the bare node
		// now lets the edge exist either way.
		targetKey := postKey(channelID, *post.ReplyToID)
		if err := s.db.MergeNode(ctx, &database.GraphNode{
			Key:    targetKey,
			Tenant: post.Tenant,
			Label:  nodePost,
		}); err != nil {
			return err
		}
		if err := s.db.MergeEdge(ctx, &database.GraphEdge{
			FromKey:  key,
			ToKey:    targetKey,
			Tenant:   post.Tenant,
			Relation: edgeRepliesTo,
		}); err != nil {
			return err
		}
	}

	if post.GroupedID != nil {
		albumKey := fmt.Sprintf("album:%s:%d", channelID, *post.GroupedID)
		if err := s.db.MergeNode(ctx, &database.GraphNode{
			Key:    albumKey,
			Tenant: post.Tenant,
			Label:  "Album",
		}); err != nil {
			return err
		}
		if err := s.db.MergeEdge(ctx, &database.GraphEdge{
			FromKey:  key,
			ToKey:    albumKey,
			Tenant:   post.Tenant,
			Relation: edgePartOf,
		}); err != nil {
			return err
		}
	}
	return nil
}
