// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
)

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"lowercase and trim", []string{" Golang ", "NATS"}, []string{"golang", "nats"}},
		{"dedupe keeps order", []string{"ai", "AI", "ml", "ai"}, []string{"ai", "ml"}},
		{"drops empties", []string{"", "  ", "x"}, []string{"x"}},
		{"empty input", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTags(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeTags(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTagsBothShapes(t *testing.T) {
	flat, err := parseTags([]byte(`{"tags":["Go","NATS","go"]}`))
	if err != nil {
		t.Fatalf("flat shape: %v", err)
	}
	if !reflect.DeepEqual(flat, []string{"go", "nats"}) {
		t.Fatalf("flat = %v", flat)
	}

	legacy, err := parseTags([]byte(`{"tags":[{"name":"Go"},{"name":"DuckDB"}]}`))
	if err != nil {
		t.Fatalf("legacy shape: %v", err)
	}
	if !reflect.DeepEqual(legacy, []string{"go", "duckdb"}) {
		t.Fatalf("legacy = %v", legacy)
	}

	if _, err := parseTags([]byte(`{"tags":42}`)); !errclass.Is(err, errclass.SchemaInvalid) {
		t.Fatalf("garbage shape: %v", err)
	}
}

func TestTaggingProviderHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		_, _ = w.Write([]byte(`{"tags":["News","Tech"]}`))
	}))
	defer srv.Close()

	p := NewTaggingProvider(config.ProviderConfig{URL: srv.URL, APIKey: "secret"})
	tags, err := p.Tags(context.Background(), "some text")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"news", "tech"}) {
		t.Fatalf("tags = %v", tags)
	}
}

func TestClientRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewTaggingProvider(config.ProviderConfig{URL: srv.URL})
	_, err := p.Tags(context.Background(), "text")
	if !errclass.Is(err, errclass.RateLimited) {
		t.Fatalf("err = %v, want RateLimited", err)
	}
	if wait := errclass.AdvisedWait(err); wait != 7*time.Second {
		t.Fatalf("advised wait = %v, want 7s", wait)
	}
	if !errclass.Retryable(err) {
		t.Fatal("rate limited must be retryable")
	}
}

func TestClientErrorClasses(t *testing.T) {
	var status atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	p := NewTaggingProvider(config.ProviderConfig{URL: srv.URL})

	tests := []struct {
		status int
		class  errclass.Class
	}{
		{http.StatusInternalServerError, errclass.Transient},
		{http.StatusBadRequest, errclass.SchemaInvalid},
		{http.StatusNotFound, errclass.NotFound},
	}
	for _, tt := range tests {
		status.Store(int64(tt.status))
		_, err := p.Tags(context.Background(), "x")
		if !errclass.Is(err, tt.class) {
			t.Errorf("status %d: class = %v, want %v", tt.status, errclass.Of(err), tt.class)
		}
	}
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewTaggingProvider(config.ProviderConfig{URL: srv.URL})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := p.Tags(ctx, "x"); err == nil {
			t.Fatal("expected failure")
		}
	}
	// Breaker now open: requests fail fast without hitting the server.
	_, err := p.Tags(ctx, "x")
	if err == nil {
		t.Fatal("expected breaker rejection")
	}
}

func TestEmbeddingHealthProbeCached(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			calls.Add(1)
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewEmbeddingProvider(config.ProviderConfig{URL: srv.URL}, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !p.Healthy(ctx) {
			t.Fatal("provider should be healthy")
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("probe calls = %d, want 1 (cached)", calls.Load())
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]}]}`))
	}))
	defer srv.Close()

	p := NewEmbeddingProvider(config.ProviderConfig{URL: srv.URL}, time.Minute)
	_, err := p.Embed(context.Background(), []string{"a", "b"})
	if !errclass.Is(err, errclass.SchemaInvalid) {
		t.Fatalf("err = %v, want SchemaInvalid", err)
	}
}
