// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// Normalize converts a raw source message into a persistable post. The
// content hash covers the channel identity, message id, and text, so an
// edited repost hashes differently from the original.
func Normalize(msg *SourceMessage, channel *models.Channel, now time.Time) *models.Post {
	source := models.SourceChannel
	if channel.TGChannelID != nil && *channel.TGChannelID < 0 {
		source = models.SourcePersona
	}

	post := &models.Post{
		PostUUID:         uuid.New(),
		ChannelUUID:      channel.ChannelUUID,
		Tenant:           channel.Tenant,
		TGMessageID:      msg.TGMessageID,
		Source:           source,
		PostedAt:         msg.PostedAt.UTC(),
		Content:          strings.TrimSpace(msg.Text),
		GroupedID:        msg.GroupedID,
		ReplyToID:        msg.ReplyToID,
		ExpiresAt:        now.Add(models.PostRetention),
		EnrichmentStatus: models.EnrichmentPending,
	}
	if msg.AuthorRef != "" {
		ref := msg.AuthorRef
		post.AuthorRef = &ref
	}
	if msg.Forward != nil {
		post.ForwardRef = &models.ForwardRef{
			TGChannelID: msg.Forward.TGChannelID,
			TGMessageID: msg.Forward.TGMessageID,
			Name:        msg.Forward.Name,
		}
	}
	for _, m := range msg.Media {
		post.MediaRefs = append(post.MediaRefs, models.MediaRef{
			SHA256: m.SHA256,
			Mime:   m.Mime,
			Size:   m.Size,
		})
	}
	post.ContentHash = contentHash(channel.ChannelUUID, msg.TGMessageID, post.Content)
	return post
}

func contentHash(channelUUID uuid.UUID, tgMessageID int64, content string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", channelUUID, tgMessageID, content))
	return hex.EncodeToString(sum[:])
}

// WordCount counts whitespace-separated tokens. Feed for the crawl policy
// and the parsed event.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
