// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedChannel(t *testing.T, db *DB, tgID int64) *models.Channel {
	t.Helper()
	ch := &models.Channel{
		ChannelUUID: uuid.New(),
		Tenant:      "t1",
		TGChannelID: &tgID,
		Title:       "test channel",
		Active:      true,
	}
	if err := db.UpsertChannel(context.Background(), ch); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	return ch
}

func seedSubscription(t *testing.T, db *DB, channelUUID uuid.UUID) uuid.UUID {
	t.Helper()
	userUUID := uuid.New()
	err := db.CreateSubscription(context.Background(), &models.Subscription{
		UserUUID:    userUUID,
		ChannelUUID: channelUUID,
		Tenant:      "t1",
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return userUUID
}

func makePost(ch *models.Channel, msgID int64, content string) *models.Post {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Post{
		PostUUID:    uuid.New(),
		ChannelUUID: ch.ChannelUUID,
		Tenant:      ch.Tenant,
		TGMessageID: msgID,
		Source:      models.SourceChannel,
		PostedAt:    now,
		Content:     content,
		ExpiresAt:   now.Add(models.PostRetention),
		ContentHash: content + "-hash",
	}
}

func TestSavePostBatchIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db, 1001)

	posts := []*models.Post{
		makePost(ch, 1, "first"),
		makePost(ch, 2, "second"),
	}

	res, err := db.SavePostBatch(ctx, posts)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if res.Persisted != 2 || res.Duplicates != 0 {
		t.Fatalf("first batch: persisted=%d dup=%d, want 2/0", res.Persisted, res.Duplicates)
	}

	// Replay with fresh UUIDs but identical (channel, message) identity.
	replay := []*models.Post{
		makePost(ch, 1, "first"),
		makePost(ch, 2, "second"),
	}
	res, err = db.SavePostBatch(ctx, replay)
	if err != nil {
		t.Fatalf("replay batch: %v", err)
	}
	if res.Persisted != 0 || res.Duplicates != 2 {
		t.Fatalf("replay batch: persisted=%d dup=%d, want 0/2", res.Persisted, res.Duplicates)
	}

	// Replay must not multiply outbox events either.
	pending, err := db.PendingOutboxEvents(ctx, 100)
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("outbox events = %d, want 2", len(pending))
	}
}

func TestSavePostBatchCreatesIndexingStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db, 1002)

	post := makePost(ch, 1, "hello")
	if _, err := db.SavePostBatch(ctx, []*models.Post{post}); err != nil {
		t.Fatalf("save batch: %v", err)
	}

	status, err := db.GetIndexingStatus(ctx, post.PostUUID)
	if err != nil {
		t.Fatalf("get indexing status: %v", err)
	}
	if status.EmbeddingStatus != models.IndexPending || status.GraphStatus != models.IndexPending {
		t.Fatalf("unexpected initial status: %+v", status)
	}
}

func TestEnrichmentStatusMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db, 1003)
	post := makePost(ch, 1, "hello")
	if _, err := db.SavePostBatch(ctx, []*models.Post{post}); err != nil {
		t.Fatalf("save batch: %v", err)
	}

	steps := []struct {
		set  string
		want string
	}{
		{models.EnrichmentTagged, models.EnrichmentTagged},
		{models.EnrichmentEnriched, models.EnrichmentEnriched},
		// A redelivered tagging event must not regress the status.
		{models.EnrichmentTagged, models.EnrichmentEnriched},
		{models.EnrichmentIndexed, models.EnrichmentIndexed},
	}
	for _, step := range steps {
		if err := db.UpdateEnrichmentStatus(ctx, post.PostUUID, step.set); err != nil {
			t.Fatalf("update to %s: %v", step.set, err)
		}
		got, err := db.GetPost(ctx, post.PostUUID)
		if err != nil {
			t.Fatalf("get post: %v", err)
		}
		if got.EnrichmentStatus != step.want {
			t.Fatalf("after set %s: status=%s, want %s", step.set, got.EnrichmentStatus, step.want)
		}
	}
}

func TestListEligibleChannelsOrderingAndFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	never := seedChannel(t, db, 2001)
	seedSubscription(t, db, never.ChannelUUID)

	old := seedChannel(t, db, 2002)
	seedSubscription(t, db, old.ChannelUUID)
	if err := db.UpdateLastParsedAt(ctx, old.ChannelUUID, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("set last_parsed_at: %v", err)
	}

	recent := seedChannel(t, db, 2003)
	seedSubscription(t, db, recent.ChannelUUID)
	if err := db.UpdateLastParsedAt(ctx, recent.ChannelUUID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("set last_parsed_at: %v", err)
	}

	// Active but unsubscribed: never eligible.
	seedChannel(t, db, 2004)

	// Quarantined: excluded until released.
	quarantined := seedChannel(t, db, 2005)
	seedSubscription(t, db, quarantined.ChannelUUID)
	if err := db.QuarantineChannel(ctx, quarantined.ChannelUUID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	got, err := db.ListEligibleChannels(ctx, 10)
	if err != nil {
		t.Fatalf("list eligible: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("eligible count = %d, want 3", len(got))
	}
	if got[0].ChannelUUID != never.ChannelUUID {
		t.Errorf("never-parsed channel not first")
	}
	if got[1].ChannelUUID != old.ChannelUUID || got[2].ChannelUUID != recent.ChannelUUID {
		t.Errorf("channels not ordered oldest-parsed first")
	}
}

func TestQuarantineRelease(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db, 2101)
	seedSubscription(t, db, ch.ChannelUUID)

	if err := db.QuarantineChannel(ctx, ch.ChannelUUID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	n, err := db.ReleaseExpiredQuarantines(ctx, time.Now())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("released = %d, want 1", n)
	}
	got, err := db.GetChannel(ctx, ch.ChannelUUID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if got.Quarantined {
		t.Error("channel still quarantined after release")
	}
}

func TestLastParsedAtNeverMovesBackward(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db, 2201)

	newer := time.Now().UTC().Truncate(time.Second)
	older := newer.Add(-time.Hour)

	if err := db.UpdateLastParsedAt(ctx, ch.ChannelUUID, newer); err != nil {
		t.Fatalf("set newer: %v", err)
	}
	if err := db.UpdateLastParsedAt(ctx, ch.ChannelUUID, older); err != nil {
		t.Fatalf("set older: %v", err)
	}
	got, err := db.GetChannel(ctx, ch.ChannelUUID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if got.LastParsedAt == nil || !got.LastParsedAt.Equal(newer) {
		t.Fatalf("last_parsed_at = %v, want %v", got.LastParsedAt, newer)
	}
}

func TestOutboxDedupAndLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ev := &models.OutboxEvent{
		Tenant:      "t1",
		EventType:   "posts.parsed",
		AggregateID: "agg-1",
		ContentHash: "h1",
		Payload:     []byte(`{"k":"v"}`),
	}
	if err := db.StageOutboxEvent(ctx, ev); err != nil {
		t.Fatalf("stage: %v", err)
	}
	// Same aggregate/type/hash while unprocessed: deduplicated.
	if err := db.StageOutboxEvent(ctx, ev); err != nil {
		t.Fatalf("stage duplicate: %v", err)
	}
	pending, err := db.PendingOutboxEvents(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := db.MarkOutboxProcessed(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	// Once processed, the same event may be staged again.
	if err := db.StageOutboxEvent(ctx, ev); err != nil {
		t.Fatalf("stage after processed: %v", err)
	}
	pending, err = db.PendingOutboxEvents(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after re-stage = %d, want 1", len(pending))
	}

	n, err := db.CompactOutbox(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 1 {
		t.Fatalf("compacted = %d, want 1", n)
	}
}

func TestMediaGroupIntegrityAndIdempotence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db, 3001)

	bad := &models.MediaGroup{
		GroupUUID:    uuid.New(),
		ChannelUUID:  ch.ChannelUUID,
		Tenant:       "t1",
		GroupedID:    55,
		ItemsCount:   2,
		PostUUIDs:    []uuid.UUID{uuid.New()},
		MediaTypes:   []string{"photo", "photo"},
		MediaSHA256s: []string{"a", "b"},
	}
	err := db.SaveMediaGroup(ctx, bad)
	if !errclass.Is(err, errclass.SchemaInvalid) {
		t.Fatalf("slot mismatch: err=%v, want SchemaInvalid", err)
	}

	good := &models.MediaGroup{
		GroupUUID:    uuid.New(),
		ChannelUUID:  ch.ChannelUUID,
		Tenant:       "t1",
		GroupedID:    55,
		ItemsCount:   2,
		PostUUIDs:    []uuid.UUID{uuid.New(), uuid.New()},
		MediaTypes:   []string{"photo", "video"},
		MediaSHA256s: []string{"a", "b"},
	}
	if err := db.SaveMediaGroup(ctx, good); err != nil {
		t.Fatalf("save group: %v", err)
	}
	// Re-assembly of the same album is a no-op.
	dup := *good
	dup.GroupUUID = uuid.New()
	if err := db.SaveMediaGroup(ctx, &dup); err != nil {
		t.Fatalf("save duplicate group: %v", err)
	}
	got, err := db.GetMediaGroup(ctx, ch.ChannelUUID, 55)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if got.GroupUUID != good.GroupUUID {
		t.Error("duplicate album overwrote original")
	}
}

func TestMediaObjectDedup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	obj := &models.MediaObject{
		SHA256: "abc123",
		Tenant: "t1",
		Mime:   "image/jpeg",
		Size:   2048,
		S3Key:  "media/t1/ab/abc123.jpg",
	}
	created, err := db.UpsertMediaObject(ctx, obj)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create")
	}
	created, err = db.UpsertMediaObject(ctx, obj)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("second upsert should dedupe")
	}
}

func TestEnrichmentUpsertByKind(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	postUUID := uuid.New()

	first := &models.PostEnrichment{
		PostUUID: postUUID,
		Tenant:   "t1",
		Kind:     models.EnrichmentKindTags,
		Provider: "tagger-v1",
		Data:     []byte(`["golang","nats"]`),
	}
	if err := db.SaveEnrichment(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := &models.PostEnrichment{
		PostUUID: postUUID,
		Tenant:   "t1",
		Kind:     models.EnrichmentKindTags,
		Provider: "tagger-v2",
		Data:     []byte(`["golang"]`),
	}
	if err := db.SaveEnrichment(ctx, second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := db.GetEnrichment(ctx, postUUID, models.EnrichmentKindTags)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Provider != "tagger-v2" {
		t.Fatalf("provider = %s, want tagger-v2", got.Provider)
	}
	all, err := db.ListEnrichments(ctx, postUUID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(all))
	}
}

func TestStorageUsageAccounting(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.AddStorageUsage(ctx, "t1", models.ContentTypeMedia, 1000, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.AddStorageUsage(ctx, "t1", models.ContentTypeMedia, 500, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.AddStorageUsage(ctx, "t1", models.ContentTypeVision, 200, 1); err != nil {
		t.Fatalf("add vision: %v", err)
	}

	u, err := db.GetStorageUsage(ctx, "t1", models.ContentTypeMedia)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Bytes != 1500 || u.Objects != 2 {
		t.Fatalf("media usage = %d/%d, want 1500/2", u.Bytes, u.Objects)
	}
	total, err := db.TotalStorageBytes(ctx, "t1")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 1700 {
		t.Fatalf("total = %d, want 1700", total)
	}

	// Reconciliation overwrites the running counter from ground truth.
	if _, err := db.UpsertMediaObject(ctx, &models.MediaObject{
		SHA256: "x1", Tenant: "t1", Mime: "image/png", Size: 300, S3Key: "k1",
	}); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	rec, err := db.ReconcileMediaUsage(ctx, "t1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Bytes != 300 || rec.Objects != 1 {
		t.Fatalf("reconciled = %d/%d, want 300/1", rec.Bytes, rec.Objects)
	}
}

func TestDigestClaimOncePerUserDate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	userUUID := uuid.New()

	first := &models.DigestHistory{
		DigestUUID: uuid.New(),
		Tenant:     "t1",
		UserUUID:   userUUID,
		DigestDate: "2026-08-25",
	}
	if err := db.ClaimDigest(ctx, first); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second := &models.DigestHistory{
		DigestUUID: uuid.New(),
		Tenant:     "t1",
		UserUUID:   userUUID,
		DigestDate: "2026-08-25",
	}
	err := db.ClaimDigest(ctx, second)
	if !errclass.Is(err, errclass.Conflict) {
		t.Fatalf("second claim: err=%v, want Conflict", err)
	}

	if err := db.UpdateDigestStatus(ctx, first.DigestUUID, models.DigestSent, "summary text", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := db.GetDigest(ctx, userUUID, "2026-08-25")
	if err != nil {
		t.Fatalf("get digest: %v", err)
	}
	if got.Status != models.DigestSent || got.Summary != "summary text" {
		t.Fatalf("digest = %+v", got)
	}
}

func TestGraphMergeIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	node := &GraphNode{Key: "post:p1", Tenant: "t1", Label: "Post",
		Properties: map[string]any{"channel": "c1"}}
	for i := 0; i < 2; i++ {
		if err := db.MergeNode(ctx, node); err != nil {
			t.Fatalf("merge node: %v", err)
		}
	}
	edge := &GraphEdge{FromKey: "post:p1", ToKey: "channel:c1", Tenant: "t1",
		Relation: "FORWARDED_FROM"}
	for i := 0; i < 2; i++ {
		if err := db.MergeEdge(ctx, edge); err != nil {
			t.Fatalf("merge edge: %v", err)
		}
	}
	n, err := db.CountEdges(ctx, "t1", "FORWARDED_FROM", "post:p1")
	if err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if n != 1 {
		t.Fatalf("edges = %d, want 1", n)
	}
}

func TestClusterStatsAlbumDedup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cluster := &models.Cluster{
		ClusterUUID:    uuid.New(),
		Tenant:         "t1",
		Label:          "topic-a",
		Status:         models.ClusterEmerging,
		Level:          1,
		LastActivityAt: now,
	}
	if err := db.CreateCluster(ctx, cluster); err != nil {
		t.Fatalf("create cluster: %v", err)
	}

	grouped := int64(77)
	// Three album slots sharing one grouped_id plus one standalone post.
	for i := 0; i < 3; i++ {
		err := db.RecordClusterEvent(ctx, cluster.ClusterUUID, "t1",
			uuid.New(), uuid.New(), &grouped, now.Add(-time.Minute))
		if err != nil {
			t.Fatalf("record album event: %v", err)
		}
	}
	err := db.RecordClusterEvent(ctx, cluster.ClusterUUID, "t1",
		uuid.New(), uuid.New(), nil, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("record standalone event: %v", err)
	}

	stats, err := db.ClusterStatsSince(ctx, cluster.ClusterUUID, now, time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ShortCount != 2 {
		t.Fatalf("short count = %d, want 2 (album counted once)", stats.ShortCount)
	}
	if stats.SourceDiversity != 4 {
		t.Fatalf("diversity = %d, want 4", stats.SourceDiversity)
	}
}

func TestGetPostNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetPost(context.Background(), uuid.New())
	if !errclass.Is(err, errclass.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		t.Fatal("not-found must not be a validation error")
	}
}

func TestDeleteExpiredPosts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db, 4001)

	expired := makePost(ch, 1, "old")
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	fresh := makePost(ch, 2, "new")

	if _, err := db.SavePostBatch(ctx, []*models.Post{expired, fresh}); err != nil {
		t.Fatalf("save: %v", err)
	}
	n, err := db.DeleteExpiredPosts(ctx, time.Now())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := db.GetPost(ctx, fresh.PostUUID); err != nil {
		t.Fatalf("fresh post gone: %v", err)
	}
	if _, err := db.GetIndexingStatus(ctx, expired.PostUUID); !errclass.Is(err, errclass.NotFound) {
		t.Fatalf("expired indexing status survived: %v", err)
	}
}
