// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package gateway is the HTTP client for the MTProto gateway sidecar: the
// separate process that holds the Telegram session and exposes message
// history and media downloads over a local REST surface. The client
// satisfies parser.SourceClient and mediaproc.Fetcher, with every error
// classified through errclass so the parse loop can tell a floodwait
// (RateLimited) from a revoked session (Fatal, which quarantines the
// channel).
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/parser"
)

const (
	defaultTimeout    = 90 * time.Second
	defaultBatchLimit = 100
	maxResponseBytes  = 32 << 20
)

// Client talks to the gateway sidecar.
type Client struct {
	baseURL string
	apiKey  string
	limit   int
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New builds a gateway client from config.
func New(cfg config.GatewayConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name: "gateway",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 60 * time.Second,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			metrics.ProviderBreakerState.WithLabelValues("gateway").Set(open)
		},
		IsSuccessful: func(err error) bool {
			// Floodwaits are back-pressure from Telegram, not gateway
			// failure; they must not trip the breaker.
			return err == nil || errclass.Is(err, errclass.RateLimited)
		},
	})
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		limit:   limit,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// wire types of the gateway's REST surface.

type fetchRequest struct {
	ChannelID int64     `json:"channel_id"`
	Since     time.Time `json:"since"`
	AfterID   int64     `json:"after_id,omitempty"`
	Limit     int       `json:"limit"`
}

type wireMessage struct {
	MessageID int64        `json:"message_id"`
	ChannelID int64        `json:"channel_id"`
	Text      string       `json:"text"`
	PostedAt  time.Time    `json:"posted_at"`
	GroupedID *int64       `json:"grouped_id,omitempty"`
	ReplyToID *int64       `json:"reply_to_id,omitempty"`
	AuthorRef string       `json:"author_ref,omitempty"`
	Forward   *wireForward `json:"forward,omitempty"`
	Media     []wireMedia  `json:"media,omitempty"`
}

type wireForward struct {
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	Name      string `json:"name,omitempty"`
}

type wireMedia struct {
	SHA256  string `json:"sha256"`
	Mime    string `json:"mime"`
	Size    int64  `json:"size"`
	Primary bool   `json:"primary"`
}

type fetchResponse struct {
	Messages []wireMessage `json:"messages"`
}

// FetchMessages implements parser.SourceClient. Messages come back oldest
// first; the gateway pages internally up to the configured batch limit.
func (c *Client) FetchMessages(ctx context.Context, tgChannelID int64, since time.Time, afterID int64) ([]parser.SourceMessage, error) {
	body, err := json.Marshal(fetchRequest{
		ChannelID: tgChannelID,
		Since:     since,
		AfterID:   afterID,
		Limit:     c.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, http.MethodPost, "/v1/messages/fetch", body)
	})
	if err != nil {
		return nil, err
	}

	var resp fetchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errclass.Wrap(errclass.SchemaInvalid, err, "decode gateway response")
	}

	out := make([]parser.SourceMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		media := make([]parser.SourceMedia, 0, len(m.Media))
		for _, a := range m.Media {
			media = append(media, parser.SourceMedia{
				SHA256:  a.SHA256,
				Mime:    a.Mime,
				Size:    a.Size,
				Primary: a.Primary,
			})
		}
		msg := parser.SourceMessage{
			TGMessageID: m.MessageID,
			TGChannelID: m.ChannelID,
			Text:        m.Text,
			PostedAt:    m.PostedAt,
			GroupedID:   m.GroupedID,
			ReplyToID:   m.ReplyToID,
			AuthorRef:   m.AuthorRef,
			Media:       media,
		}
		if m.Forward != nil {
			msg.Forward = &parser.SourceForward{
				TGChannelID: m.Forward.ChannelID,
				TGMessageID: m.Forward.MessageID,
				Name:        m.Forward.Name,
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Fetch implements mediaproc.Fetcher. The response streams straight to the
// caller; large attachments never buffer in memory. Streaming bypasses the
// breaker, so classification happens inline.
func (c *Client) Fetch(ctx context.Context, tenant string, ref models.MediaRef) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/v1/media/%s", c.baseURL, ref.SHA256)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	c.setHeaders(req, tenant)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errclass.Wrap(errclass.Transient, err, "gateway media request")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, classifyStatus(resp, "gateway media")
	}
	return resp.Body, nil
}

type sendRequest struct {
	UserUUID uuid.UUID `json:"user_uuid"`
	Text     string    `json:"text"`
}

// Send implements stages.DigestSender. The gateway resolves the user's DM
// peer from the uuid and delivers the digest text.
func (c *Client) Send(ctx context.Context, userUUID uuid.UUID, summary string) error {
	body, err := json.Marshal(sendRequest{UserUUID: userUUID, Text: summary})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}
	_, err = c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, http.MethodPost, "/v1/messages/send", body)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errclass.Wrap(errclass.Transient, err, "gateway request")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errclass.Wrap(errclass.Transient, err, "read gateway response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, "gateway")
	}
	return respBody, nil
}

func (c *Client) setHeaders(req *http.Request, tenant string) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant", tenant)
	}
}

// classifyStatus maps the gateway's HTTP status to an error class. 429
// carries the Telegram floodwait as Retry-After; 401/403 mean the session
// is revoked and the channel must be quarantined.
func classifyStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errclass.RateLimitedFor(retryAfter(resp), "%s floodwait", op)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errclass.Newf(errclass.Fatal, "%s: session rejected: %s", op, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return errclass.Newf(errclass.NotFound, "%s: %s", op, resp.Status)
	case resp.StatusCode >= 500:
		return errclass.Newf(errclass.Transient, "%s: %s", op, resp.Status)
	default:
		return errclass.Newf(errclass.Unknown, "%s: unexpected status %s", op, resp.Status)
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
