// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package models defines the persisted entities of the ingestion pipeline.
// Every row is namespaced by an opaque tenant identifier. Entities reference
// each other by UUID only; there is no in-memory object graph.
package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// PostRetention is how long posts are kept before expiry.
const PostRetention = 90 * 24 * time.Hour

// Post source types.
const (
	SourceChannel = "channel"
	SourceGroup   = "group"
	SourceDM      = "dm"
	SourcePersona = "persona"
)

// Enrichment status values. The status is monotonic for a pipeline pass;
// "failed" and "skipped" are terminal.
const (
	EnrichmentPending  = "pending"
	EnrichmentTagged   = "tagged"
	EnrichmentEnriched = "enriched"
	EnrichmentIndexed  = "indexed"
	EnrichmentFailed   = "failed"
	EnrichmentSkipped  = "skipped"
)

// enrichmentRank orders the monotonic enrichment states.
var enrichmentRank = map[string]int{
	EnrichmentPending:  0,
	EnrichmentTagged:   1,
	EnrichmentEnriched: 2,
	EnrichmentIndexed:  3,
}

// EnrichmentAdvances reports whether moving from to next is a forward
// transition. Terminal states never advance.
func EnrichmentAdvances(from, to string) bool {
	if from == EnrichmentFailed || from == EnrichmentSkipped {
		return false
	}
	if to == EnrichmentFailed || to == EnrichmentSkipped {
		return true
	}
	return enrichmentRank[to] > enrichmentRank[from]
}

// Channel is a subscribed Telegram channel (or a persona DM virtual channel
// with a negative TGChannelID).
type Channel struct {
	ChannelUUID  uuid.UUID  `json:"channel_uuid"`
	Tenant       string     `json:"tenant"`
	TGChannelID  *int64     `json:"tg_channel_id,omitempty"`
	Username     *string    `json:"username,omitempty"`
	Title        string     `json:"title,omitempty"`
	Active       bool       `json:"active"`
	Quarantined  bool       `json:"quarantined"`
	LastParsedAt *time.Time `json:"last_parsed_at,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Validate enforces the channel identity invariant: a channel with neither
// a Telegram id nor a username cannot be addressed.
func (c *Channel) Validate() error {
	if c.TGChannelID == nil && (c.Username == nil || *c.Username == "") {
		return &ValidationError{Field: "tg_channel_id/username", Message: "one required"}
	}
	return nil
}

// Subscription links a user to a channel. Only the explicit subscribe
// operation creates rows; the parser never does.
type Subscription struct {
	UserUUID     uuid.UUID `json:"user_uuid"`
	ChannelUUID  uuid.UUID `json:"channel_uuid"`
	Tenant       string    `json:"tenant"`
	Active       bool      `json:"active"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// MediaRef references one media attachment of a post by content hash.
type MediaRef struct {
	SHA256 string `json:"sha256"`
	Mime   string `json:"mime,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// ForwardRef identifies the origin of a forwarded message.
type ForwardRef struct {
	TGChannelID int64  `json:"tg_channel_id,omitempty"`
	TGMessageID int64  `json:"tg_message_id,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Post is a single normalized message. (channel_uuid, tg_message_id) is
// globally unique.
type Post struct {
	PostUUID    uuid.UUID  `json:"post_uuid"`
	ChannelUUID uuid.UUID  `json:"channel_uuid"`
	Tenant      string     `json:"tenant"`
	TGMessageID int64      `json:"tg_message_id"`
	Source      string     `json:"source"`
	PostedAt    time.Time  `json:"posted_at"`
	Content     string     `json:"content"`
	GroupedID   *int64     `json:"grouped_id,omitempty"`
	MediaRefs   []MediaRef `json:"media_refs,omitempty"`
	ForwardRef  *ForwardRef `json:"forward_ref,omitempty"`
	ReplyToID   *int64     `json:"reply_ref,omitempty"`
	AuthorRef   *string    `json:"author_ref,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ContentHash string     `json:"content_hash"`
	EnrichmentStatus string `json:"enrichment_status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate checks required post fields.
func (p *Post) Validate() error {
	if p.ChannelUUID == uuid.Nil {
		return &ValidationError{Field: "channel_uuid", Message: "required"}
	}
	if p.TGMessageID == 0 {
		return &ValidationError{Field: "tg_message_id", Message: "required"}
	}
	switch p.Source {
	case SourceChannel, SourceGroup, SourceDM, SourcePersona:
	default:
		return &ValidationError{Field: "source", Message: "invalid"}
	}
	if p.PostedAt.IsZero() {
		return &ValidationError{Field: "posted_at", Message: "required"}
	}
	return nil
}

// MediaObject is one unique blob in the content-addressed store.
// Many posts may reference the same object via post_media_map.
type MediaObject struct {
	SHA256      string    `json:"sha256"`
	Tenant      string    `json:"tenant"`
	Mime        string    `json:"mime"`
	Size        int64     `json:"size"`
	S3Key       string    `json:"s3_key"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// MediaGroup is an album: posts sharing a grouped_id treated as one unit.
// The parallel slices must stay the same length; exactly one primary media
// per post slot.
type MediaGroup struct {
	GroupUUID    uuid.UUID   `json:"group_uuid"`
	ChannelUUID  uuid.UUID   `json:"channel_uuid"`
	Tenant       string      `json:"tenant"`
	GroupedID    int64       `json:"grouped_id"`
	ItemsCount   int         `json:"items_count"`
	PostUUIDs    []uuid.UUID `json:"post_uuids"`
	MediaTypes   []string    `json:"media_types"`
	MediaSHA256s []string    `json:"media_sha256s"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Validate enforces album integrity: one primary media per post slot.
func (g *MediaGroup) Validate() error {
	n := g.ItemsCount
	if len(g.PostUUIDs) != n || len(g.MediaTypes) != n || len(g.MediaSHA256s) != n {
		return &ValidationError{Field: "item_refs", Message: "slot count mismatch"}
	}
	if n == 0 {
		return &ValidationError{Field: "items_count", Message: "empty album"}
	}
	return nil
}

// Enrichment kinds.
const (
	EnrichmentKindTags      = "tags"
	EnrichmentKindVision    = "vision"
	EnrichmentKindOCR       = "ocr"
	EnrichmentKindCrawl     = "crawl"
	EnrichmentKindEmbedding = "embedding"
	EnrichmentKindGeneral   = "general"
)

// PostEnrichment holds one enrichment artifact per (post, kind).
type PostEnrichment struct {
	PostUUID  uuid.UUID       `json:"post_uuid"`
	Tenant    string          `json:"tenant"`
	Kind      string          `json:"kind"`
	Provider  string          `json:"provider"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Indexing status values.
const (
	IndexPending    = "pending"
	IndexProcessing = "processing"
	IndexCompleted  = "completed"
	IndexFailed     = "failed"
	IndexSkipped    = "skipped"
)

// IndexingStatus tracks vector and graph indexing per post. A row is
// created together with the post insert in the same transaction.
type IndexingStatus struct {
	PostUUID        uuid.UUID `json:"post_uuid"`
	Tenant          string    `json:"tenant"`
	EmbeddingStatus string    `json:"embedding_status"`
	GraphStatus     string    `json:"graph_status"`
	RetryCount      int       `json:"retry_count"`
	LastError       string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OutboxEvent is a pending stream publication written in the same
// transaction as the business state it announces.
type OutboxEvent struct {
	ID          int64           `json:"id"`
	Tenant      string          `json:"tenant"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Retries     int             `json:"retries"`
	LastError   string          `json:"last_error,omitempty"`
}

// Cluster statuses.
const (
	ClusterEmerging = "emerging"
	ClusterStable   = "stable"
	ClusterClosed   = "closed"
)

// MaxClusterLevel caps the trend hierarchy at main topic / subtopic.
const MaxClusterLevel = 2

// Cluster is a trend cluster over indexed posts. Clusters form a two-level
// hierarchy linked by ParentUUID.
type Cluster struct {
	ClusterUUID    uuid.UUID  `json:"cluster_uuid"`
	Tenant         string     `json:"tenant"`
	Label          string     `json:"label"`
	PrimaryTopic   string     `json:"primary_topic"`
	Centroid       []float32  `json:"centroid"`
	Status         string     `json:"status"`
	IsGeneric      bool       `json:"is_generic"`
	Coherence      float64    `json:"coherence"`
	ParentUUID     *uuid.UUID `json:"parent_uuid,omitempty"`
	Level          int        `json:"level"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// Validate enforces the hierarchy cap.
func (c *Cluster) Validate() error {
	if c.Level < 1 || c.Level > MaxClusterLevel {
		return &ValidationError{Field: "level", Message: "must be 1 or 2"}
	}
	if c.Level == 1 && c.ParentUUID != nil {
		return &ValidationError{Field: "parent_uuid", Message: "top-level cluster cannot have a parent"}
	}
	if c.Level == 2 && c.ParentUUID == nil {
		return &ValidationError{Field: "parent_uuid", Message: "subtopic requires a parent"}
	}
	if c.ParentUUID != nil && *c.ParentUUID == c.ClusterUUID {
		return &ValidationError{Field: "parent_uuid", Message: "self reference"}
	}
	return nil
}

// Storage content types.
const (
	ContentTypeMedia  = "media"
	ContentTypeVision = "vision"
	ContentTypeCrawl  = "crawl"
)

// StorageUsage accounts bytes and object counts per tenant and content type.
type StorageUsage struct {
	Tenant      string    `json:"tenant"`
	ContentType string    `json:"content_type"`
	Bytes       int64     `json:"bytes"`
	Objects     int64     `json:"objects"`
	LastUpdated time.Time `json:"last_updated"`
}

// Digest statuses.
const (
	DigestPending    = "pending"
	DigestProcessing = "processing"
	DigestSent       = "sent"
	DigestFailed     = "failed"
)

// DigestHistory records one digest generation attempt per (user, date).
type DigestHistory struct {
	DigestUUID uuid.UUID `json:"digest_uuid"`
	Tenant     string    `json:"tenant"`
	UserUUID   uuid.UUID `json:"user_uuid"`
	DigestDate string    `json:"digest_date"` // YYYY-MM-DD
	Status     string    `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ValidationError reports an invalid entity field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
