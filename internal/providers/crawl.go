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

// CrawlResult is one fetched page.
type CrawlResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// CrawlProvider fetches and extracts linked web pages for deep enrichment.
type CrawlProvider struct {
	*client
}

// NewCrawlProvider builds the client.
func NewCrawlProvider(cfg config.ProviderConfig) *CrawlProvider {
	return &CrawlProvider{client: newClient("crawl", cfg)}
}

type crawlRequest struct {
	URLs []string `json:"urls"`
}

// Fetch crawls the given URLs and returns extracted text content.
func (p *CrawlProvider) Fetch(ctx context.Context, urls []string) ([]CrawlResult, error) {
	body, err := p.postJSON(ctx, "/v1/crawl", &crawlRequest{URLs: urls})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Results []CrawlResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errclass.Wrap(errclass.SchemaInvalid, err, "decode crawl response")
	}
	return resp.Results, nil
}
