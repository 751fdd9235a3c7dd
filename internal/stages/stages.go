// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package stages holds the pipeline stage handlers: tagging, deep
// enrichment, vector indexing, graph writing, vision, trend detection, and
// digest generation. Every handler consumes one subject, is idempotent
// under redelivery, and publishes its downstream event on every decision
// branch so the pipeline never silently stalls.
package stages

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
)

// Publisher publishes downstream envelopes. Satisfied by eventbus.Publisher
// in production and by in-memory fakes in tests.
type Publisher interface {
	PublishEnvelope(ctx context.Context, topic string, e *eventbus.Envelope) error
}

// decodeEvent unwraps and schema-checks an envelope, then decodes its typed
// payload.
func decodeEvent[T any](msg *message.Message, topic string) (*eventbus.Envelope, *T, error) {
	env, err := eventbus.Unmarshal(msg)
	if err != nil {
		return nil, nil, err
	}
	if err := env.CheckSchema(topic); err != nil {
		return nil, nil, err
	}
	var ev T
	if err := env.DecodePayload(&ev); err != nil {
		return nil, nil, err
	}
	return env, &ev, nil
}

// stageKey builds the idempotency key suffix for a (post, stage) pair's
// downstream event.
func stageKey(postID, stage string) string {
	return fmt.Sprintf("%s:%s:v%d", postID, stage, eventbus.SchemaVersion)
}
