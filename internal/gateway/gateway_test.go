// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.GatewayConfig{URL: srv.URL, APIKey: "secret", BatchLimit: 50})
}

func TestFetchMessagesMapsWireFields(t *testing.T) {
	grouped := int64(900)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/fetch" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		var req fetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ChannelID != 1234 || req.AfterID != 7 || req.Limit != 50 {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(fetchResponse{Messages: []wireMessage{
			{
				MessageID: 8,
				ChannelID: 1234,
				Text:      "fusion breakthrough",
				PostedAt:  time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC),
				GroupedID: &grouped,
				Forward:   &wireForward{ChannelID: 55, MessageID: 3, Name: "origin"},
				Media:     []wireMedia{{SHA256: "abc", Mime: "image/jpeg", Size: 10, Primary: true}},
			},
		}})
	}))

	msgs, err := client.FetchMessages(context.Background(), 1234, time.Now().Add(-time.Hour), 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.TGMessageID != 8 || m.Text != "fusion breakthrough" {
		t.Fatalf("message = %+v", m)
	}
	if m.GroupedID == nil || *m.GroupedID != 900 {
		t.Fatal("grouped id lost in mapping")
	}
	if m.Forward == nil || m.Forward.TGChannelID != 55 {
		t.Fatalf("forward = %+v", m.Forward)
	}
	if len(m.Media) != 1 || !m.Media[0].Primary {
		t.Fatalf("media = %+v", m.Media)
	}
}

func TestFetchMessagesFloodwaitIsRateLimited(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.FetchMessages(context.Background(), 1, time.Now(), 0)
	if errclass.Of(err) != errclass.RateLimited {
		t.Fatalf("err class = %v, want RateLimited", errclass.Of(err))
	}
	if wait := errclass.AdvisedWait(err); wait != 42*time.Second {
		t.Fatalf("advised wait = %v, want 42s", wait)
	}
}

func TestFetchMessagesSessionRejectedIsFatal(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.FetchMessages(context.Background(), 1, time.Now(), 0)
	if errclass.Of(err) != errclass.Fatal {
		t.Fatalf("err class = %v, want Fatal", errclass.Of(err))
	}
}

func TestFetchStreamsMediaBytes(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/media/abc123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Tenant"); got != "t1" {
			t.Errorf("tenant header = %q", got)
		}
		_, _ = w.Write([]byte("jpeg bytes"))
	}))

	rc, err := client.Fetch(context.Background(), "t1", models.MediaRef{SHA256: "abc123", Mime: "image/jpeg"})
	if err != nil {
		t.Fatalf("fetch media: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Fatalf("data = %q", data)
	}
}

func TestFetchMissingMediaIsNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.Fetch(context.Background(), "t1", models.MediaRef{SHA256: "gone"})
	if errclass.Of(err) != errclass.NotFound {
		t.Fatalf("err class = %v, want NotFound", errclass.Of(err))
	}
}
