// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package mediaproc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/blobstore"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/quota"
)

type fakeFetcher struct {
	blobs map[string][]byte // declared sha -> bytes served
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, ref models.MediaRef) (io.ReadCloser, error) {
	f.calls++
	data, ok := f.blobs[ref.SHA256]
	if !ok {
		return nil, errclass.New(errclass.NotFound, "no such media")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type capturePublisher struct {
	topics    []string
	envelopes []*eventbus.Envelope
}

func (c *capturePublisher) PublishEnvelope(_ context.Context, topic string, e *eventbus.Envelope) error {
	c.topics = append(c.topics, topic)
	c.envelopes = append(c.envelopes, e)
	return nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestProcessor(t *testing.T, fetch *fakeFetcher, maxGB float64) (*Processor, *database.DB, *capturePublisher) {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blobstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}
	pub := &capturePublisher{}
	proc := New(db, blobs, quota.NewStorageQuota(db, maxGB), fetch, pub)
	return proc, db, pub
}

func mediaPost(refs ...models.MediaRef) *database.PostContent {
	return &database.PostContent{
		PostUUID:  uuid.New(),
		Tenant:    "t1",
		MediaRefs: refs,
	}
}

func TestProcessPostStoresAndDeduplicates(t *testing.T) {
	data := []byte("jpeg bytes here")
	sha := hashOf(data)
	fetch := &fakeFetcher{blobs: map[string][]byte{sha: data}}
	proc, db, pub := newTestProcessor(t, fetch, 1)
	ctx := context.Background()

	ref := models.MediaRef{SHA256: sha, Mime: "image/jpeg", Size: int64(len(data))}
	first := mediaPost(ref)
	res, err := proc.ProcessPost(ctx, first)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	if res.Stored != 1 || res.Deduplicated != 0 {
		t.Fatalf("first post: stored=%d dedup=%d, want 1/0", res.Stored, res.Deduplicated)
	}

	// Same attachment on a second post: linked without a second download.
	second := mediaPost(ref)
	res, err = proc.ProcessPost(ctx, second)
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	if res.Stored != 0 || res.Deduplicated != 1 {
		t.Fatalf("second post: stored=%d dedup=%d, want 0/1", res.Stored, res.Deduplicated)
	}
	if fetch.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetch.calls)
	}
	for _, pc := range []*database.PostContent{first, second} {
		n, err := db.MediaRefCount(ctx, sha)
		if err != nil {
			t.Fatalf("ref count: %v", err)
		}
		if n != 2 {
			t.Fatalf("ref count for %s = %d, want 2", pc.PostUUID, n)
		}
	}

	// Both posts requested vision for the image.
	if len(pub.topics) != 2 || pub.topics[0] != eventbus.TopicPostsVision {
		t.Fatalf("vision topics = %v", pub.topics)
	}
}

func TestProcessPostRejectsHashMismatch(t *testing.T) {
	declared := hashOf([]byte("what the parser saw"))
	fetch := &fakeFetcher{blobs: map[string][]byte{declared: []byte("different bytes")}}
	proc, db, _ := newTestProcessor(t, fetch, 1)
	ctx := context.Background()

	_, err := proc.ProcessPost(ctx, mediaPost(models.MediaRef{
		SHA256: declared, Mime: "image/png", Size: 20,
	}))
	if errclass.Of(err) != errclass.SchemaInvalid {
		t.Fatalf("err class = %v, want SchemaInvalid", errclass.Of(err))
	}
	if _, err := db.GetMediaObject(ctx, declared); errclass.Of(err) != errclass.NotFound {
		t.Fatal("mismatched object must not be recorded")
	}
}

func TestProcessPostQuotaRejectionSkipsObject(t *testing.T) {
	data := make([]byte, 2048)
	sha := hashOf(data)
	fetch := &fakeFetcher{blobs: map[string][]byte{sha: data}}
	// Quota below the object size: the object is skipped, the post is fine.
	proc, db, pub := newTestProcessor(t, fetch, float64(1024)/(1<<30))
	ctx := context.Background()

	res, err := proc.ProcessPost(ctx, mediaPost(models.MediaRef{
		SHA256: sha, Mime: "image/jpeg", Size: int64(len(data)),
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.QuotaRejected != 1 || res.Stored != 0 {
		t.Fatalf("quota_rejected=%d stored=%d, want 1/0", res.QuotaRejected, res.Stored)
	}
	if fetch.calls != 0 {
		t.Fatal("quota-rejected object must not be downloaded")
	}
	if _, err := db.GetMediaObject(ctx, sha); errclass.Of(err) != errclass.NotFound {
		t.Fatal("quota-rejected object must not be recorded")
	}
	if len(pub.topics) != 0 {
		t.Fatal("no vision request for a post with nothing stored")
	}
}

func TestVisionRequestedOnlyForImages(t *testing.T) {
	video := []byte("mp4 bytes")
	proc, _, pub := newTestProcessor(t, &fakeFetcher{blobs: map[string][]byte{
		hashOf(video): video,
	}}, 1)

	_, err := proc.ProcessPost(context.Background(), mediaPost(models.MediaRef{
		SHA256: hashOf(video), Mime: "video/mp4", Size: int64(len(video)),
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.topics) != 0 {
		t.Fatalf("vision requested for non-image media: %v", pub.topics)
	}
}
