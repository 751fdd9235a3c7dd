// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package eventbus

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Metadata keys mirrored out of the envelope so middleware and the DLQ can
// inspect them without decoding the body.
const (
	metaSchema         = "schema"
	metaIdempotencyKey = "idempotency_key"
	metaTenant         = "tenant"
	metaTraceID        = "trace_id"
)

// Marshal converts an envelope to a Watermill message. The message UUID is
// the idempotency key, which also becomes the Nats-Msg-Id at publish time
// so JetStream's duplicate window drops replays.
func Marshal(e *Envelope) (*message.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	id := e.IdempotencyKey
	if id == "" {
		id = uuid.NewString()
	}
	msg := message.NewMessage(id, body)
	msg.Metadata.Set(metaSchema, e.Schema)
	msg.Metadata.Set(metaIdempotencyKey, e.IdempotencyKey)
	msg.Metadata.Set(metaTenant, e.Tenant)
	msg.Metadata.Set(metaTraceID, e.TraceID)
	return msg, nil
}

// Unmarshal restores the envelope from a Watermill message.
func Unmarshal(msg *message.Message) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(msg.Payload, e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	return e, nil
}
