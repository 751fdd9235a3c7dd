// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package eventbus is the NATS JetStream fabric between pipeline stages:
// envelope schema, streams, durable consumers, the processing router, and
// the outbox relay.
package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
)

// Event subjects. Subjects double as schema families; the versioned schema
// string of a message is "<subject>.v<N>".
const (
	TopicPostsParsed    = "posts.parsed"
	TopicPostsTagged    = "posts.tagged"
	TopicPostsEnriched  = "posts.enriched"
	TopicPostsIndexed   = "posts.indexed"
	TopicPostsVision    = "posts.vision"
	TopicAlbumsParsed   = "media.albums.parsed"
	TopicTrendsEmerging = "trends.emerging"
	TopicDigestGenerate = "digests.generate"
)

// SchemaVersion is the current envelope payload version for every subject.
// Consumers reject any other major version.
const SchemaVersion = 1

// Envelope is the wire frame of every event. Payload carries the typed
// event body; everything else is routing and idempotency metadata.
type Envelope struct {
	Schema         string          `json:"schema"`
	IdempotencyKey string          `json:"idempotency_key"`
	Tenant         string          `json:"tenant"`
	TS             time.Time       `json:"ts"`
	TraceID        string          `json:"trace_id"`
	Payload        json.RawMessage `json:"payload"`
}

// SchemaName builds the versioned schema string for a subject.
func SchemaName(topic string) string {
	return fmt.Sprintf("%s.v%d", topic, SchemaVersion)
}

// NewEnvelope wraps a payload for a subject. The trace id is minted when
// the caller has none to propagate.
func NewEnvelope(topic, tenant, idempotencyKey, traceID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Envelope{
		Schema:         SchemaName(topic),
		IdempotencyKey: idempotencyKey,
		Tenant:         tenant,
		TS:             time.Now().UTC(),
		TraceID:        traceID,
		Payload:        raw,
	}, nil
}

// CheckSchema validates an envelope against the subject a consumer expects.
// A version the consumer does not speak is SchemaInvalid: the message goes
// to the DLQ instead of being retried forever.
func (e *Envelope) CheckSchema(topic string) error {
	want := SchemaName(topic)
	if e.Schema == want {
		return nil
	}
	base, _, ok := strings.Cut(e.Schema, ".v")
	if !ok || base != topic {
		return errclass.Newf(errclass.SchemaInvalid, "schema %q does not match subject %q", e.Schema, topic)
	}
	return errclass.Newf(errclass.SchemaInvalid, "unsupported schema version %q, want %q", e.Schema, want)
}

// DecodePayload unmarshals the typed event body.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errclass.Wrap(errclass.SchemaInvalid, err, "decode event payload")
	}
	return nil
}

// PostParsed announces a newly persisted post.
type PostParsed struct {
	PostUUID    uuid.UUID `json:"post_uuid"`
	ChannelUUID uuid.UUID `json:"channel_uuid"`
	TGMessageID int64     `json:"tg_message_id"`
	Source      string    `json:"source"`
	PostedAt    time.Time `json:"posted_at"`
	GroupedID   *int64    `json:"grouped_id,omitempty"`
	HasMedia    bool      `json:"has_media"`
	WordCount   int       `json:"word_count"`
}

// Tags is a tag list on the wire. Older producers emitted objects with a
// name field instead of bare strings; both shapes decode, flat strings are
// always emitted.
type Tags []string

// UnmarshalJSON accepts ["a","b"] and the legacy [{"name":"a"}] shape.
func (t *Tags) UnmarshalJSON(data []byte) error {
	var flat []string
	if err := json.Unmarshal(data, &flat); err == nil {
		*t = flat
		return nil
	}
	var legacy []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("tags: want [string] or [{name}]: %w", err)
	}
	names := make([]string, 0, len(legacy))
	for _, item := range legacy {
		if item.Name != "" {
			names = append(names, item.Name)
		}
	}
	*t = names
	return nil
}

// PostTagged announces tag extraction completion, including the skipped
// branches: an empty tag list with a reason keeps the pipeline moving.
type PostTagged struct {
	PostUUID uuid.UUID `json:"post_uuid"`
	Tags     Tags      `json:"tags"`
	Reason   string    `json:"reason,omitempty"`
}

// PostEnriched announces enrichment completion, including the skipped and
// failed branches: downstream stages always hear about the post.
type PostEnriched struct {
	PostUUID uuid.UUID `json:"post_uuid"`
	Status   string    `json:"status"`
	Kinds    []string  `json:"kinds,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// PostIndexed announces vector indexing completion.
type PostIndexed struct {
	PostUUID uuid.UUID `json:"post_uuid"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
}

// PostVision requests or reports visual analysis of a post's media.
type PostVision struct {
	PostUUID  uuid.UUID `json:"post_uuid"`
	SHA256s   []string  `json:"sha256s"`
	GroupedID *int64    `json:"grouped_id,omitempty"`
}

// AlbumParsed announces an assembled media group.
type AlbumParsed struct {
	GroupUUID   uuid.UUID `json:"group_uuid"`
	ChannelUUID uuid.UUID `json:"channel_uuid"`
	GroupedID   int64     `json:"grouped_id"`
	ItemsCount  int       `json:"items_count"`
}

// TrendEmerging announces a cluster crossing the emergence thresholds.
type TrendEmerging struct {
	ClusterUUID     uuid.UUID `json:"cluster_uuid"`
	Label           string    `json:"label"`
	ShortCount      int       `json:"short_count"`
	BaselineCount   int       `json:"baseline_count"`
	SourceDiversity int       `json:"source_diversity"`
	FreqRatio       float64   `json:"freq_ratio"`
}

// DigestGenerate requests a daily digest for one user.
type DigestGenerate struct {
	UserUUID   uuid.UUID `json:"user_uuid"`
	DigestDate string    `json:"digest_date"` // YYYY-MM-DD
}
