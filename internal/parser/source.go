// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package parser

import (
	"context"
	"time"
)

// SourceMessage is one raw message as the source client delivers it,
// before normalization.
type SourceMessage struct {
	TGMessageID int64
	TGChannelID int64
	Text        string
	PostedAt    time.Time
	GroupedID   *int64
	ReplyToID   *int64
	AuthorRef   string
	Forward     *SourceForward
	Media       []SourceMedia
}

// SourceForward is the origin of a forwarded message.
type SourceForward struct {
	TGChannelID int64
	TGMessageID int64
	Name        string
}

// SourceMedia is one attachment reference. The media processor downloads
// the bytes later; the parser only records identity.
type SourceMedia struct {
	SHA256  string
	Mime    string
	Size    int64
	Primary bool
}

// SourceClient reads messages from the chat platform. Implementations wrap
// the actual MTProto/bot transport; errors must be classified with
// errclass so the parse loop can tell a floodwait from a revoked session.
type SourceClient interface {
	// FetchMessages returns messages of a channel posted at or after
	// since, oldest first. afterID skips messages a previous pass already
	// persisted, as recorded by its surviving high-water mark.
	FetchMessages(ctx context.Context, tgChannelID int64, since time.Time, afterID int64) ([]SourceMessage, error)
}
