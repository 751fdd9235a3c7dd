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
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
)

// SubscriberOptions selects the consumer identity of one stage.
type SubscriberOptions struct {
	// Stream to bind. Required because stage subjects are wildcards and
	// stream names cannot be derived from them.
	Stream string
	// QueueGroup shares the work across instances of the same stage.
	QueueGroup string
	// Durable names the JetStream consumer so its cursor survives
	// restarts.
	Durable string
	// Workers is the per-process subscriber fan-out.
	Workers int
}

// Subscriber is a durable queue-group JetStream subscriber for one stage.
type Subscriber struct {
	subscriber message.Subscriber
	opts       SubscriberOptions
}

// NewSubscriber builds a stage subscriber.
func NewSubscriber(cfg config.NATSConfig, opts SubscriberOptions, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	if opts.Stream == "" {
		return nil, fmt.Errorf("subscriber stream required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("subscriber reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.BindStream(opts.Stream),
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverNew(),
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: opts.QueueGroup,
		SubscribersCount: workers,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    opts.Durable,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Subscriber{subscriber: sub, opts: opts}, nil
}

// Subscribe returns the message channel for a subject.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, topic)
}

// Close drains and shuts down the subscriber.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
