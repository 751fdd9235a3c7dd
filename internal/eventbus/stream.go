// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
)

// Stream names and the subjects they own. DLQ subjects mirror the source
// stream: a poisoned posts.* message lands on dlq.posts.
const (
	StreamPosts   = "POSTS"
	StreamMedia   = "MEDIA"
	StreamTrends  = "TRENDS"
	StreamDigests = "DIGESTS"
	StreamDLQ     = "DLQ"
)

// DLQTopic maps a source stream to its dead-letter subject.
func DLQTopic(stream string) string {
	switch stream {
	case StreamPosts:
		return "dlq.posts"
	case StreamMedia:
		return "dlq.media"
	case StreamTrends:
		return "dlq.trends"
	case StreamDigests:
		return "dlq.digests"
	default:
		return "dlq.unknown"
	}
}

// StreamManager provisions the JetStream streams at startup.
type StreamManager struct {
	js  jetstream.JetStream
	cfg config.NATSConfig
}

// NewStreamManager wraps an established NATS connection.
func NewStreamManager(nc *nats.Conn, cfg config.NATSConfig) (*StreamManager, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &StreamManager{js: js, cfg: cfg}, nil
}

// EnsureStreams creates or updates every pipeline stream. Idempotent; safe
// to run on every startup.
func (m *StreamManager) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		m.streamConfig(StreamPosts, []string{"posts.>"}, m.cfg.StreamMaxAge),
		m.streamConfig(StreamMedia, []string{"media.>"}, m.cfg.StreamMaxAge),
		m.streamConfig(StreamTrends, []string{"trends.>"}, m.cfg.StreamMaxAge),
		m.streamConfig(StreamDigests, []string{"digests.>"}, m.cfg.StreamMaxAge),
		m.streamConfig(StreamDLQ, []string{"dlq.>"}, m.cfg.DLQMaxAge),
	}
	for _, sc := range streams {
		if err := m.ensureStream(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

func (m *StreamManager) streamConfig(name string, subjects []string, maxAge time.Duration) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		MaxAge:     maxAge,
		MaxBytes:   m.cfg.MaxStore,
		Duplicates: m.cfg.DuplicateWindow,
	}
}

func (m *StreamManager) ensureStream(ctx context.Context, sc jetstream.StreamConfig) error {
	_, err := m.js.CreateStream(ctx, sc)
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		_, err = m.js.UpdateStream(ctx, sc)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
	}
	logging.Debug().Str("stream", sc.Name).Strs("subjects", sc.Subjects).Msg("stream ensured")
	return nil
}

// StreamInfo reports one stream's state for the health surface.
func (m *StreamManager) StreamInfo(ctx context.Context, name string) (*jetstream.StreamInfo, error) {
	stream, err := m.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", name, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", name, err)
	}
	return info, nil
}

// StreamForTopic resolves which stream owns a subject.
func StreamForTopic(topic string) string {
	switch {
	case len(topic) >= 6 && topic[:6] == "posts.":
		return StreamPosts
	case len(topic) >= 6 && topic[:6] == "media.":
		return StreamMedia
	case len(topic) >= 7 && topic[:7] == "trends.":
		return StreamTrends
	case len(topic) >= 8 && topic[:8] == "digests.":
		return StreamDigests
	case len(topic) >= 4 && topic[:4] == "dlq.":
		return StreamDLQ
	default:
		return ""
	}
}
