// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package providers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
)

// EmbeddingProvider turns text into vectors for the trend clusterer and
// vector index.
type EmbeddingProvider struct {
	*client
	model    string
	probeTTL time.Duration

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

// NewEmbeddingProvider builds the client. probeTTL caches Healthy results
// so the indexing stage's pre-checks do not hammer the provider.
func NewEmbeddingProvider(cfg config.ProviderConfig, probeTTL time.Duration) *EmbeddingProvider {
	if probeTTL <= 0 {
		probeTTL = 30 * time.Second
	}
	return &EmbeddingProvider{
		client:   newClient("embedding", cfg),
		model:    cfg.Model,
		probeTTL: probeTTL,
	}
}

type embeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

// Embed returns one vector per input text.
func (p *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := p.postJSON(ctx, "/v1/embeddings", &embeddingRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errclass.Wrap(errclass.SchemaInvalid, err, "decode embedding response")
	}
	if len(resp.Data) != len(texts) {
		return nil, errclass.Newf(errclass.SchemaInvalid,
			"embedding count mismatch: got %d for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// Healthy probes the provider's model listing endpoint, caching the result
// for probeTTL. The indexing stage marks posts failed-for-retry instead of
// calling a provider it knows is down.
func (p *EmbeddingProvider) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	if time.Since(p.lastProbe) < p.probeTTL {
		healthy := p.lastHealthy
		p.mu.Unlock()
		return healthy
	}
	p.mu.Unlock()

	_, err := p.do(ctx, http.MethodGet, "/v1/models", nil, "")
	healthy := err == nil

	p.mu.Lock()
	p.lastProbe = time.Now()
	p.lastHealthy = healthy
	p.mu.Unlock()
	return healthy
}
