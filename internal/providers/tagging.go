// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package providers

import (
	"context"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
)

// TaggingProvider extracts topic tags from post text.
type TaggingProvider struct {
	*client
	model string
}

// NewTaggingProvider builds the client.
func NewTaggingProvider(cfg config.ProviderConfig) *TaggingProvider {
	return &TaggingProvider{client: newClient("tagging", cfg), model: cfg.Model}
}

type taggingRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// Tags calls the provider and normalizes the response. Two response shapes
// are accepted: the current flat list of strings, and the legacy list of
// {name} objects some deployments still return.
func (p *TaggingProvider) Tags(ctx context.Context, text string) ([]string, error) {
	body, err := p.postJSON(ctx, "/v1/tags", &taggingRequest{Model: p.model, Text: text})
	if err != nil {
		return nil, err
	}
	return parseTags(body)
}

func parseTags(body []byte) ([]string, error) {
	var wrapper struct {
		Tags json.RawMessage `json:"tags"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, errclass.Wrap(errclass.SchemaInvalid, err, "decode tagging response")
	}
	raw := wrapper.Tags
	if raw == nil {
		raw = body
	}

	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return NormalizeTags(flat), nil
	}
	var legacy []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &legacy); err == nil {
		names := make([]string, 0, len(legacy))
		for _, t := range legacy {
			names = append(names, t.Name)
		}
		return NormalizeTags(names), nil
	}
	return nil, errclass.New(errclass.SchemaInvalid, "unrecognized tagging response shape")
}

// NormalizeTags lowercases, trims, and deduplicates tags while preserving
// first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
