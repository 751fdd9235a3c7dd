// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
)

// RouterConfig tunes the shared processing router.
type RouterConfig struct {
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// PersistDLQ additionally writes poisoned messages to the
	// failed_events table.
	PersistDLQ bool
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		PersistDLQ:           true,
	}
}

// Router runs every stage handler behind a shared middleware chain:
// panic recovery, classified retry, and dead-lettering. Messages that are
// SchemaInvalid or otherwise non-retryable skip the retry loop and go
// straight to the DLQ.
type Router struct {
	router *message.Router
	cfg    RouterConfig
	pub    *Publisher
	db     *database.DB
	logger watermill.LoggerAdapter
}

// NewRouter builds the router. db may be nil when DLQ persistence is off.
func NewRouter(cfg RouterConfig, pub *Publisher, db *database.DB, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{router: wmRouter, cfg: cfg, pub: pub, db: db, logger: logger}

	// Middleware runs outer to inner: panic recovery, dead-lettering for
	// exhausted retries, the retry loop itself, then the short-circuit
	// that keeps non-retryable errors out of the retry loop entirely.
	wmRouter.AddMiddleware(middleware.Recoverer)
	wmRouter.AddMiddleware(r.deadLetterMiddleware)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)
	wmRouter.AddMiddleware(r.nonRetryableShortCircuit)

	return r, nil
}

// AddConsumerHandler registers a stage handler without an output topic.
// Stages publish their own downstream events explicitly.
func (r *Router) AddConsumerHandler(name, topic string, sub *Subscriber, handler message.NoPublishHandlerFunc) {
	wrapped := func(msg *message.Message) error {
		metrics.BusConsumed.WithLabelValues(StreamForTopic(topic), name).Inc()
		return handler(msg)
	}
	r.router.AddConsumerHandler(name, topic, sub, wrapped)
}

// nonRetryableShortCircuit dead-letters SchemaInvalid and other permanent
// failures immediately; retrying them would burn the MaxDeliver budget for
// nothing.
func (r *Router) nonRetryableShortCircuit(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err == nil || errclass.Retryable(err) {
			return out, err
		}
		return nil, r.deadLetter(msg, err)
	}
}

// deadLetterMiddleware catches errors that exhausted the retry chain and
// routes the message to the matching DLQ subject.
func (r *Router) deadLetterMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err == nil {
			return out, nil
		}
		return nil, r.deadLetter(msg, err)
	}
}

func (r *Router) deadLetter(msg *message.Message, cause error) error {
	topic := message.SubscribeTopicFromCtx(msg.Context())
	stream := StreamForTopic(topic)
	class := errclass.Of(cause)

	dlqMsg := message.NewMessage(uuid.NewString(), msg.Payload)
	for k, v := range msg.Metadata {
		dlqMsg.Metadata.Set(k, v)
	}
	dlqMsg.Metadata.Set("dlq_reason", cause.Error())
	dlqMsg.Metadata.Set("dlq_error_class", class.String())
	dlqMsg.Metadata.Set("dlq_source_topic", topic)

	if err := r.pub.Publish(msg.Context(), DLQTopic(stream), dlqMsg); err != nil {
		// Keep the original failure; the message will be redelivered and
		// dead-lettered again.
		return fmt.Errorf("dead-letter publish failed: %w (original: %v)", err, cause)
	}
	metrics.BusDLQRouted.WithLabelValues(stream, class.String()).Inc()

	if r.cfg.PersistDLQ && r.db != nil {
		fe := &database.FailedEvent{
			ID:             uuid.New(),
			Tenant:         msg.Metadata.Get(metaTenant),
			Stream:         stream,
			Schema:         msg.Metadata.Get(metaSchema),
			IdempotencyKey: msg.Metadata.Get(metaIdempotencyKey),
			ErrorClass:     class.String(),
			LastError:      cause.Error(),
			Payload:        msg.Payload,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.db.SaveFailedEvent(ctx, fe); err != nil {
			logging.Err(err).Str("stream", stream).Msg("persist dead-lettered event")
		}
	}

	logging.Warn().
		Str("stream", stream).
		Str("topic", topic).
		Str("error_class", class.String()).
		Err(cause).
		Msg("message dead-lettered")

	// Swallow the error so the source message is acked; the DLQ copy is
	// now the durable record.
	return nil
}

// Run blocks until the context is canceled and all handlers drain.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once all handlers are up.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close shuts the router down within CloseTimeout.
func (r *Router) Close() error {
	return r.router.Close()
}
