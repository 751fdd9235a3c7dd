// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// OutboxRelay drains the transactional outbox into the stream bus. It is
// the only publisher of events staged by database transactions; at-least-
// once delivery plus the Nats-Msg-Id duplicate window gives effectively-
// once on the stream side.
type OutboxRelay struct {
	db        *database.DB
	pub       *Publisher
	interval  time.Duration
	batchSize int
	compact   time.Duration
}

// NewOutboxRelay builds the relay.
func NewOutboxRelay(db *database.DB, pub *Publisher) *OutboxRelay {
	return &OutboxRelay{
		db:        db,
		pub:       pub,
		interval:  time.Second,
		batchSize: 200,
		compact:   24 * time.Hour,
	}
}

// Serve polls until the context ends. Implements suture.Service.
func (r *OutboxRelay) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	compactTicker := time.NewTicker(time.Hour)
	defer compactTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				logging.Err(err).Msg("outbox drain")
			}
		case <-compactTicker.C:
			if n, err := r.db.CompactOutbox(ctx, time.Now().Add(-r.compact)); err != nil {
				logging.Err(err).Msg("outbox compact")
			} else if n > 0 {
				logging.Debug().Int64("removed", n).Msg("outbox compacted")
			}
		}
	}
}

func (r *OutboxRelay) String() string {
	return "outbox-relay"
}

// drainOnce publishes one batch of pending events in insertion order.
// A publish failure stops the batch so ordering per aggregate holds.
func (r *OutboxRelay) drainOnce(ctx context.Context) error {
	events, err := r.db.PendingOutboxEvents(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if pending, err := r.db.CountPendingOutbox(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	if len(events) == 0 {
		return nil
	}

	var done []int64
	for _, ev := range events {
		env := outboxEnvelope(ev)
		if err := r.pub.PublishEnvelope(ctx, ev.EventType, env); err != nil {
			if ferr := r.db.RecordOutboxFailure(ctx, ev.ID, err.Error()); ferr != nil {
				logging.Err(ferr).Int64("id", ev.ID).Msg("record outbox failure")
			}
			if merr := r.db.MarkOutboxProcessed(ctx, done); merr != nil {
				return merr
			}
			return fmt.Errorf("publish outbox event %d: %w", ev.ID, err)
		}
		done = append(done, ev.ID)
	}
	if err := r.db.MarkOutboxProcessed(ctx, done); err != nil {
		return err
	}
	metrics.OutboxRelayed.Add(float64(len(done)))
	return nil
}

// outboxEnvelope frames one staged row for the bus. Outbox rows carry no
// trace of their own, so each publish mints a fresh trace id; consumers
// propagate it downstream from there.
func outboxEnvelope(ev *models.OutboxEvent) *Envelope {
	return &Envelope{
		Schema:         SchemaName(ev.EventType),
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", ev.EventType, ev.AggregateID, ev.ContentHash),
		Tenant:         ev.Tenant,
		TS:             ev.CreatedAt,
		TraceID:        uuid.NewString(),
		Payload:        ev.Payload,
	}
}
