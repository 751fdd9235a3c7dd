// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package providers holds the outbound HTTP clients for AI enrichment:
// tagging, vision, OCR, embeddings, and web crawl. Every provider sits
// behind its own circuit breaker, and HTTP 429 responses surface as
// RateLimited errors carrying the advised wait.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// client is the shared HTTP plumbing of all providers.
type client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func newClient(name string, cfg config.ProviderConfig) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 60 * time.Second,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			metrics.ProviderBreakerState.WithLabelValues(name).Set(open)
		},
		IsSuccessful: func(err error) bool {
			// Rate limits are back-pressure, not provider failure; they
			// must not trip the breaker.
			return err == nil || errclass.Is(err, errclass.RateLimited)
		},
	})
	return &client{
		name:    name,
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// postJSON sends a JSON request through the breaker and returns the
// response body.
func (c *client) postJSON(ctx context.Context, path string, reqBody any) ([]byte, error) {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.name, err)
	}
	return c.do(ctx, http.MethodPost, path, raw, "application/json")
}

func (c *client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, body, contentType)
	})
	status := "ok"
	switch {
	case errclass.Is(err, errclass.RateLimited):
		status = "rate_limited"
	case err != nil:
		status = "error"
	}
	metrics.ObserveProviderCall(c.name, status, start)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) roundTrip(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.name, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errclass.Wrap(errclass.Transient, err, "%s request", c.name)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errclass.Wrap(errclass.Transient, err, "read %s response", c.name)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errclass.RateLimitedFor(retryAfter(resp), "%s rate limited", c.name)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errclass.Newf(errclass.NotFound, "%s: %s", c.name, resp.Status)
	case resp.StatusCode >= 500:
		return nil, errclass.Newf(errclass.Transient, "%s: %s", c.name, resp.Status)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, errclass.Newf(errclass.SchemaInvalid, "%s rejected request: %s", c.name, truncate(respBody))
	default:
		return nil, errclass.Newf(errclass.Fatal, "%s: unexpected status %s", c.name, resp.Status)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

func truncate(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
