// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// maxDigestPosts caps how many posts feed one summary call.
const maxDigestPosts = 200

// Summarizer condenses the day's posts into a digest body.
type Summarizer interface {
	Summarize(ctx context.Context, items []string) (string, error)
}

// DigestSender delivers a finished digest to the user.
type DigestSender interface {
	Send(ctx context.Context, userUUID uuid.UUID, summary string) error
}

// DigestStage consumes digest requests. The (user, date) claim row makes
// generation exactly-once: a redelivered or double-clicked request hits the
// Conflict and acks without a second summary call.
type DigestStage struct {
	db         *database.DB
	coord      *coordinator.Store
	summarizer Summarizer
	sender     DigestSender
	cfg        config.DigestConfig
}

// NewDigestStage builds the stage. sender may be nil; the digest is then
// stored but not delivered.
func NewDigestStage(db *database.DB, coord *coordinator.Store, summarizer Summarizer, sender DigestSender, cfg config.DigestConfig) *DigestStage {
	return &DigestStage{db: db, coord: coord, summarizer: summarizer, sender: sender, cfg: cfg}
}

// Name is the durable consumer group of the stage.
func (s *DigestStage) Name() string { return "digest" }

// Handler returns the bus handler.
func (s *DigestStage) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, ev, err := decodeEvent[eventbus.DigestGenerate](msg, eventbus.TopicDigestGenerate)
		if err != nil {
			return err
		}
		ctx := msg.Context()
		userID := ev.UserUUID.String()

		// The short-lived lock serializes concurrent requests for the same
		// user so both cannot pass the claim check at once.
		lockKey := coordinator.DigestLockKey(userID)
		ok, err := s.coord.AcquireLock(lockKey, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return errclass.New(errclass.Transient, "digest lock held for user "+userID)
		}
		defer func() {
			if err := s.coord.ReleaseLock(lockKey); err != nil {
				logging.Err(err).Str("user", userID).Msg("release digest lock")
			}
		}()

		digest := &models.DigestHistory{
			DigestUUID: uuid.New(),
			Tenant:     env.Tenant,
			UserUUID:   ev.UserUUID,
			DigestDate: ev.DigestDate,
		}
		if err := s.db.ClaimDigest(ctx, digest); err != nil {
			if errclass.Of(err) == errclass.Conflict {
				metrics.DigestsGenerated.WithLabelValues("dedup_hit").Inc()
				logging.Debug().Str("user", userID).Str("date", ev.DigestDate).
					Msg("digest already claimed")
				return nil
			}
			return err
		}

		if err := s.generate(ctx, digest); err != nil {
			// Generation failures land in the history row; redelivery hits
			// the claim and stops, so the failure is terminal by design of
			// the exactly-once claim, not silently retried forever.
			if dbErr := s.db.UpdateDigestStatus(ctx, digest.DigestUUID, models.DigestFailed, "", err.Error()); dbErr != nil {
				logging.Err(dbErr).Str("user", userID).Msg("record digest failure")
			}
			metrics.DigestsGenerated.WithLabelValues("failed").Inc()
			logging.Err(err).Str("user", userID).Str("date", ev.DigestDate).
				Msg("digest generation failed")
			// The user asked for a digest; a silent failure looks like an
			// empty day. Best effort, the history row is the record.
			if s.sender != nil {
				notice := "Your digest for " + ev.DigestDate + " could not be generated."
				if sendErr := s.sender.Send(ctx, ev.UserUUID, notice); sendErr != nil {
					logging.Err(sendErr).Str("user", userID).Msg("send digest failure notice")
				}
			}
			return nil
		}
		metrics.DigestsGenerated.WithLabelValues("sent").Inc()
		return nil
	}
}

func (s *DigestStage) generate(ctx context.Context, digest *models.DigestHistory) error {
	if err := s.db.UpdateDigestStatus(ctx, digest.DigestUUID, models.DigestProcessing, "", ""); err != nil {
		return err
	}
	posts, err := s.db.ListDigestPosts(ctx, digest.UserUUID, digest.DigestDate, maxDigestPosts)
	if err != nil {
		return err
	}
	summary, err := s.compose(ctx, digest.DigestDate, posts)
	if err != nil {
		return err
	}
	if s.sender != nil {
		if err := s.sender.Send(ctx, digest.UserUUID, summary); err != nil {
			return fmt.Errorf("send digest: %w", err)
		}
	}
	return s.db.UpdateDigestStatus(ctx, digest.DigestUUID, models.DigestSent, summary, "")
}

// compose builds the summary. An empty day produces a fixed notice without a
// provider call.
func (s *DigestStage) compose(ctx context.Context, date string, posts []*database.DigestPost) (string, error) {
	if len(posts) == 0 {
		return "No new posts on " + date + ".", nil
	}
	items := make([]string, 0, len(posts))
	for _, p := range posts {
		var b strings.Builder
		if p.ChannelTitle != "" {
			b.WriteString(p.ChannelTitle)
			b.WriteString(": ")
		}
		b.WriteString(p.Content)
		items = append(items, b.String())
	}
	return s.summarizer.Summarize(ctx, items)
}
