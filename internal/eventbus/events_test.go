// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package eventbus

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := &PostParsed{
		PostUUID:    uuid.New(),
		ChannelUUID: uuid.New(),
		TGMessageID: 42,
		Source:      "channel",
		PostedAt:    time.Now().UTC().Truncate(time.Second),
		HasMedia:    true,
		WordCount:   120,
	}
	env, err := NewEnvelope(TopicPostsParsed, "t1", "post-1:parse:v1", "", payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.Schema != "posts.parsed.v1" {
		t.Fatalf("schema = %s", env.Schema)
	}
	if env.TraceID == "" {
		t.Fatal("trace id not minted")
	}

	msg, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if msg.UUID != env.IdempotencyKey {
		t.Fatalf("message uuid = %s, want idempotency key", msg.UUID)
	}
	if msg.Metadata.Get("tenant") != "t1" {
		t.Fatal("tenant metadata missing")
	}

	// A second marshal of the same envelope is byte-identical, so the
	// duplicate window sees the same message.
	msg2, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal again: %v", err)
	}
	if !bytes.Equal(msg.Payload, msg2.Payload) {
		t.Fatal("marshal not deterministic")
	}

	back, err := Unmarshal(msg)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Schema != env.Schema || back.Tenant != env.Tenant || back.IdempotencyKey != env.IdempotencyKey {
		t.Fatalf("envelope mismatch: %+v", back)
	}

	var decoded PostParsed
	if err := back.DecodePayload(&decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.PostUUID != payload.PostUUID || decoded.WordCount != 120 {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestTagsDecodeBothWireShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"flat strings", `{"post_uuid":"` + uuid.NewString() + `","tags":["crypto","news"]}`, []string{"crypto", "news"}},
		{"legacy name objects", `{"post_uuid":"` + uuid.NewString() + `","tags":[{"name":"crypto"},{"name":"news"}]}`, []string{"crypto", "news"}},
		{"legacy with blank name", `{"post_uuid":"` + uuid.NewString() + `","tags":[{"name":""},{"name":"ai"}]}`, []string{"ai"}},
		{"null tags", `{"post_uuid":"` + uuid.NewString() + `","tags":null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{Payload: []byte(tt.raw)}
			var ev PostTagged
			if err := env.DecodePayload(&ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(ev.Tags) != len(tt.want) {
				t.Fatalf("tags = %v, want %v", ev.Tags, tt.want)
			}
			for i := range tt.want {
				if ev.Tags[i] != tt.want[i] {
					t.Fatalf("tags = %v, want %v", ev.Tags, tt.want)
				}
			}
		})
	}

	// A shape that is neither form stays SchemaInvalid so it dead-letters.
	env := &Envelope{Payload: []byte(`{"post_uuid":"` + uuid.NewString() + `","tags":"crypto"}`)}
	var ev PostTagged
	err := env.DecodePayload(&ev)
	if errclass.Of(err) != errclass.SchemaInvalid {
		t.Fatalf("err class = %v, want SchemaInvalid", errclass.Of(err))
	}
}

func TestCheckSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		topic   string
		wantErr bool
	}{
		{"current version", "posts.parsed.v1", TopicPostsParsed, false},
		{"future version", "posts.parsed.v2", TopicPostsParsed, true},
		{"wrong subject", "posts.tagged.v1", TopicPostsParsed, true},
		{"garbage", "not-a-schema", TopicPostsParsed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{Schema: tt.schema}
			err := env.CheckSchema(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errclass.Is(err, errclass.SchemaInvalid) {
					t.Fatalf("class = %v, want SchemaInvalid", errclass.Of(err))
				}
				if errclass.Retryable(err) {
					t.Fatal("schema mismatch must not be retryable")
				}
			}
		})
	}
}

func TestStreamForTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{TopicPostsParsed, StreamPosts},
		{TopicPostsVision, StreamPosts},
		{TopicAlbumsParsed, StreamMedia},
		{TopicTrendsEmerging, StreamTrends},
		{TopicDigestGenerate, StreamDigests},
		{"dlq.posts", StreamDLQ},
		{"unrelated.subject", ""},
	}
	for _, tt := range tests {
		if got := StreamForTopic(tt.topic); got != tt.want {
			t.Errorf("StreamForTopic(%s) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestDLQTopicMirrorsStream(t *testing.T) {
	if got := DLQTopic(StreamPosts); got != "dlq.posts" {
		t.Fatalf("DLQTopic(POSTS) = %s", got)
	}
	if got := DLQTopic("NOPE"); got != "dlq.unknown" {
		t.Fatalf("DLQTopic(unknown) = %s", got)
	}
}
