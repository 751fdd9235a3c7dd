// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package supervisor

import (
	"context"

	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
)

// RouterService adapts the stage router to suture.Service so the pipeline
// layer can restart it on failure.
type RouterService struct {
	Router *eventbus.Router
}

func (s *RouterService) String() string { return "stage-router" }

// Serve runs the router until the context ends.
func (s *RouterService) Serve(ctx context.Context) error {
	return s.Router.Run(ctx)
}
