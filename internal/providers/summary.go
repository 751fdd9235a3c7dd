// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package providers

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
)

// SummaryProvider condenses a day's posts into a digest summary.
type SummaryProvider struct {
	*client
	model string
}

// NewSummaryProvider builds the client.
func NewSummaryProvider(cfg config.ProviderConfig) *SummaryProvider {
	return &SummaryProvider{client: newClient("summary", cfg), model: cfg.Model}
}

type summaryRequest struct {
	Model string   `json:"model,omitempty"`
	Items []string `json:"items"`
}

// Summarize sends the collected post texts and returns the digest body.
func (p *SummaryProvider) Summarize(ctx context.Context, items []string) (string, error) {
	body, err := p.postJSON(ctx, "/v1/summary", &summaryRequest{Model: p.model, Items: items})
	if err != nil {
		return "", err
	}
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errclass.Wrap(errclass.SchemaInvalid, err, "decode summary response")
	}
	if resp.Summary == "" {
		return "", errclass.New(errclass.SchemaInvalid, "empty summary in response")
	}
	return resp.Summary, nil
}
