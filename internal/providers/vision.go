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

// VisionResult is one analyzed image.
type VisionResult struct {
	SHA256      string   `json:"sha256"`
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
	Text        string   `json:"text,omitempty"`
}

// VisionProvider describes images via a multimodal model.
type VisionProvider struct {
	*client
	model string
}

// NewVisionProvider builds the client.
func NewVisionProvider(cfg config.ProviderConfig) *VisionProvider {
	return &VisionProvider{client: newClient("vision", cfg), model: cfg.Model}
}

// Model reports the configured model name, used in artifact keys.
func (p *VisionProvider) Model() string {
	return p.model
}

// Name reports the provider label for artifact keys and metrics.
func (p *VisionProvider) Name() string {
	return "vision"
}

type visionRequest struct {
	Model  string   `json:"model,omitempty"`
	URLs   []string `json:"urls,omitempty"`
	Prompt string   `json:"prompt,omitempty"`
}

// Analyze describes a set of presigned media URLs in one call so albums
// produce a single aggregated artifact.
func (p *VisionProvider) Analyze(ctx context.Context, urls []string, prompt string) ([]VisionResult, error) {
	body, err := p.postJSON(ctx, "/v1/vision", &visionRequest{
		Model:  p.model,
		URLs:   urls,
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Results []VisionResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errclass.Wrap(errclass.SchemaInvalid, err, "decode vision response")
	}
	return resp.Results, nil
}

// OCRProvider extracts text from images. The vision stage falls back to it
// when the primary vision call fails and OCR fallback is enabled.
type OCRProvider struct {
	*client
}

// NewOCRProvider builds the client.
func NewOCRProvider(cfg config.ProviderConfig) *OCRProvider {
	return &OCRProvider{client: newClient("ocr", cfg)}
}

type ocrRequest struct {
	URLs []string `json:"urls"`
}

// Extract runs OCR over presigned media URLs.
func (p *OCRProvider) Extract(ctx context.Context, urls []string) ([]VisionResult, error) {
	body, err := p.postJSON(ctx, "/v1/ocr", &ocrRequest{URLs: urls})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Results []VisionResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errclass.Wrap(errclass.SchemaInvalid, err, "decode ocr response")
	}
	return resp.Results, nil
}
