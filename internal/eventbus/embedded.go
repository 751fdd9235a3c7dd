// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package eventbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
)

// EmbeddedServer runs an in-process NATS server with JetStream enabled.
// Single-node deployments use it instead of an external broker; the rest
// of the bus connects to it over the client URL as usual.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbeddedServer boots the in-process server and waits for readiness.
func StartEmbeddedServer(cfg config.NATSConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "telegram-assistant-embedded",
		DontListen: false,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
	}
	if cfg.MaxMemory > 0 {
		opts.JetStreamMaxMemory = cfg.MaxMemory
	}
	if cfg.MaxStore > 0 {
		opts.JetStreamMaxStore = cfg.MaxStore
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	srv.ConfigureLogger()
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	logging.Info().Str("url", srv.ClientURL()).Msg("embedded nats server started")
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL is the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
