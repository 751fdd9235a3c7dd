// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package eventbus

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

func TestOutboxEnvelopeCarriesTraceID(t *testing.T) {
	ev := &models.OutboxEvent{
		ID:          1,
		Tenant:      "t1",
		EventType:   TopicAlbumsParsed,
		AggregateID: uuid.NewString(),
		ContentHash: "777",
		CreatedAt:   time.Now().UTC(),
		Payload:     []byte(`{}`),
	}

	env := outboxEnvelope(ev)
	if env.Schema != "media.albums.parsed.v1" {
		t.Fatalf("schema = %s", env.Schema)
	}
	if env.Tenant != "t1" || !env.TS.Equal(ev.CreatedAt) {
		t.Fatalf("envelope = %+v", env)
	}
	if env.TraceID == "" {
		t.Fatal("relay envelope without a trace id")
	}
	// Rows carry no trace of their own; each publish gets a fresh one.
	if again := outboxEnvelope(ev); again.TraceID == env.TraceID {
		t.Fatal("trace id reused across publishes")
	}
}
