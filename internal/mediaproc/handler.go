// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package mediaproc

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
)

// HandlerName identifies the media consumer group on the posts stream.
const HandlerName = "mediaproc"

// Handler adapts the processor to the bus: it consumes parsed-post events
// and runs the media pipeline for posts that carry attachments.
func (p *Processor) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := eventbus.Unmarshal(msg)
		if err != nil {
			return errclass.Wrap(errclass.SchemaInvalid, err, "media handler envelope")
		}
		if err := env.CheckSchema(eventbus.TopicPostsParsed); err != nil {
			return err
		}
		var ev eventbus.PostParsed
		if err := env.DecodePayload(&ev); err != nil {
			return err
		}
		if !ev.HasMedia {
			return nil
		}

		ctx := msg.Context()
		pc, err := p.db.GetPostContent(ctx, ev.PostUUID)
		if errclass.Of(err) == errclass.NotFound {
			// Retention already removed the post; nothing to download.
			logging.Debug().Str("post", ev.PostUUID.String()).Msg("media skipped, post expired")
			return nil
		}
		if err != nil {
			return err
		}

		res, err := p.ProcessPost(ctx, pc)
		if err != nil {
			return err
		}
		logging.Debug().
			Str("post", ev.PostUUID.String()).
			Int("stored", res.Stored).
			Int("dedup", res.Deduplicated).
			Int("quota_rejected", res.QuotaRejected).
			Msg("media pass done")
		return nil
	}
}
