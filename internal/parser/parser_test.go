// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package parser

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

type fakeSource struct {
	messages  []SourceMessage
	err       error
	calls     int
	lastSince time.Time
	lastAfter int64
}

func (f *fakeSource) FetchMessages(_ context.Context, _ int64, since time.Time, afterID int64) ([]SourceMessage, error) {
	f.calls++
	f.lastSince = since
	f.lastAfter = afterID
	if f.err != nil {
		return nil, f.err
	}
	return f.messages, nil
}

func testParserConfig() config.ParserConfig {
	return config.ParserConfig{
		IncrementalOverlap: 5 * time.Minute,
		LPAMaxAge:          48 * time.Hour,
		HistoricalWindow:   24 * time.Hour,
		StatsWindow:        7 * 24 * time.Hour,
		MaxFloodWait:       2 * time.Minute,
		QuarantineTTL:      6 * time.Hour,
	}
}

func newTestParser(t *testing.T, source SourceClient) (*Parser, *database.DB, *models.Channel) {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	coord, err := coordinator.Open(coordinator.Config{})
	if err != nil {
		t.Fatalf("open coordinator: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	tgID := int64(5001)
	ch := &models.Channel{
		ChannelUUID: uuid.New(),
		Tenant:      "t1",
		TGChannelID: &tgID,
		Title:       "news channel",
		Active:      true,
	}
	if err := db.UpsertChannel(context.Background(), ch); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	return New(db, coord, source, testParserConfig(), false), db, ch
}

func subscribe(t *testing.T, db *database.DB, channelUUID uuid.UUID) {
	t.Helper()
	err := db.CreateSubscription(context.Background(), &models.Subscription{
		UserUUID:    uuid.New(),
		ChannelUUID: channelUUID,
		Tenant:      "t1",
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
}

func sourceMessage(id int64, text string) SourceMessage {
	return SourceMessage{
		TGMessageID: id,
		Text:        text,
		PostedAt:    time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

func TestParseChannelPersistsAndReplaysIdempotently(t *testing.T) {
	source := &fakeSource{messages: []SourceMessage{
		sourceMessage(1, "first post"),
		sourceMessage(2, "second post"),
		sourceMessage(3, "third post"),
	}}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)
	ctx := context.Background()
	since := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	res, err := p.ParseChannel(ctx, ch, since)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if res.Persisted != 3 || res.Duplicates != 0 {
		t.Fatalf("first pass: persisted=%d dup=%d, want 3/0", res.Persisted, res.Duplicates)
	}

	// The watermark must move forward and the crash marker must be gone.
	stored, err := db.GetChannel(ctx, ch.ChannelUUID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if stored.LastParsedAt == nil {
		t.Fatal("last_parsed_at not set after pass")
	}
	if _, ok, _ := p.coord.ParseHWM(ch.ChannelUUID.String()); ok {
		t.Fatal("parse hwm not cleared after successful pass")
	}

	// Replaying the same window persists nothing new.
	res, err = p.ParseChannel(ctx, ch, since)
	if err != nil {
		t.Fatalf("replay pass: %v", err)
	}
	if res.Persisted != 0 || res.Duplicates != 3 {
		t.Fatalf("replay pass: persisted=%d dup=%d, want 0/3", res.Persisted, res.Duplicates)
	}
}

func TestParseChannelNeverAutoSubscribes(t *testing.T) {
	source := &fakeSource{messages: []SourceMessage{
		sourceMessage(1, "unwatched post"),
	}}
	p, db, ch := newTestParser(t, source)
	ctx := context.Background()

	res, err := p.ParseChannel(ctx, ch, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.SkippedNotSubscribed != 1 || res.Persisted != 0 {
		t.Fatalf("skipped=%d persisted=%d, want 1/0", res.SkippedNotSubscribed, res.Persisted)
	}

	subscribed, err := db.HasActiveSubscribers(ctx, ch.ChannelUUID)
	if err != nil {
		t.Fatalf("has subscribers: %v", err)
	}
	if subscribed {
		t.Fatal("parse pass created a subscription")
	}
	// The watermark still advances so the channel is not refetched forever.
	stored, _ := db.GetChannel(ctx, ch.ChannelUUID)
	if stored.LastParsedAt == nil {
		t.Fatal("last_parsed_at not advanced for unsubscribed channel")
	}
}

func TestParseChannelFailedBatchKeepsWindowOpen(t *testing.T) {
	good := sourceMessage(100, "survives the retry")
	bad := sourceMessage(0, "no message id, fails validation") // rolls back the whole batch
	source := &fakeSource{messages: []SourceMessage{good, bad}}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)
	ctx := context.Background()
	since := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	if _, err := p.ParseChannel(ctx, ch, since); errclass.Of(err) != errclass.SchemaInvalid {
		t.Fatalf("first pass err = %v, want SchemaInvalid", err)
	}
	// Nothing committed, so no cursor may survive and the watermark must
	// not move: the next pass has to see the whole window again.
	if _, ok, _ := p.coord.ParseHWM(ch.ChannelUUID.String()); ok {
		t.Fatal("parse hwm set although the batch rolled back")
	}
	stored, err := db.GetChannel(ctx, ch.ChannelUUID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if stored.LastParsedAt != nil {
		t.Fatal("last_parsed_at advanced although nothing persisted")
	}

	// The retry re-reads the full window and persists everything.
	source.messages = []SourceMessage{good, sourceMessage(101, "second part")}
	res, err := p.ParseChannel(ctx, ch, since)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if source.lastAfter != 0 {
		t.Fatalf("retry afterID = %d, want 0 (window still open)", source.lastAfter)
	}
	if res.Persisted != 2 {
		t.Fatalf("retry persisted = %d, want 2", res.Persisted)
	}
}

func TestParseChannelAdvancesWatermarkToNewestPost(t *testing.T) {
	msgs := []SourceMessage{
		sourceMessage(1, "oldest"),
		sourceMessage(9, "newest"),
		sourceMessage(4, "middle"),
	}
	source := &fakeSource{messages: msgs}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)
	ctx := context.Background()

	if _, err := p.ParseChannel(ctx, ch, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("parse: %v", err)
	}
	stored, err := db.GetChannel(ctx, ch.ChannelUUID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	want := sourceMessage(9, "").PostedAt
	if stored.LastParsedAt == nil || !stored.LastParsedAt.Equal(want) {
		t.Fatalf("last_parsed_at = %v, want newest posted_at %v", stored.LastParsedAt, want)
	}
}

func TestParseChannelResumesFromSurvivingHWM(t *testing.T) {
	source := &fakeSource{messages: []SourceMessage{sourceMessage(10, "resume")}}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)

	if err := p.coord.SetParseHWM(ch.ChannelUUID.String(), 7); err != nil {
		t.Fatalf("seed hwm: %v", err)
	}
	if _, err := p.ParseChannel(context.Background(), ch, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if source.lastAfter != 7 {
		t.Fatalf("afterID = %d, want surviving hwm 7", source.lastAfter)
	}
}

func TestParseChannelQuarantinesOnAuthFailure(t *testing.T) {
	source := &fakeSource{err: errclass.New(errclass.Fatal, "auth key revoked")}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)
	ctx := context.Background()

	_, err := p.ParseChannel(ctx, ch, time.Now().Add(-time.Hour))
	if errclass.Of(err) != errclass.Fatal {
		t.Fatalf("err class = %v, want Fatal", errclass.Of(err))
	}
	stored, err := db.GetChannel(ctx, ch.ChannelUUID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if !stored.Quarantined {
		t.Fatal("channel not quarantined after auth failure")
	}
}

func TestParseChannelCapsFloodWait(t *testing.T) {
	source := &fakeSource{err: errclass.RateLimitedFor(time.Hour, "flood wait")}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)

	_, err := p.ParseChannel(context.Background(), ch, time.Now().Add(-time.Hour))
	if errclass.Of(err) != errclass.RateLimited {
		t.Fatalf("err class = %v, want RateLimited", errclass.Of(err))
	}
	if wait := errclass.AdvisedWait(err); wait != 2*time.Minute {
		t.Fatalf("advised wait = %v, want capped 2m", wait)
	}
}

func TestParseChannelPersistsAlbums(t *testing.T) {
	groupID := int64(777)
	m1 := sourceMessage(1, "album part one")
	m1.GroupedID = &groupID
	m1.Media = []SourceMedia{{SHA256: "aaa", Mime: "image/jpeg", Size: 100, Primary: true}}
	m2 := sourceMessage(2, "")
	m2.GroupedID = &groupID
	m2.Media = []SourceMedia{{SHA256: "bbb", Mime: "image/png", Size: 200, Primary: true}}

	source := &fakeSource{messages: []SourceMessage{m1, m2}}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)
	ctx := context.Background()

	res, err := p.ParseChannel(ctx, ch, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Albums != 1 || res.AlbumsRejected != 0 {
		t.Fatalf("albums=%d rejected=%d, want 1/0", res.Albums, res.AlbumsRejected)
	}

	group, err := db.GetMediaGroup(ctx, ch.ChannelUUID, groupID)
	if err != nil {
		t.Fatalf("get media group: %v", err)
	}
	if group.ItemsCount != 2 || len(group.MediaSHA256s) != 2 {
		t.Fatalf("group items=%d hashes=%d, want 2/2", group.ItemsCount, len(group.MediaSHA256s))
	}
}

func TestParseChannelRejectsBrokenAlbumWhole(t *testing.T) {
	groupID := int64(888)
	m1 := sourceMessage(1, "two primaries")
	m1.GroupedID = &groupID
	m1.Media = []SourceMedia{
		{SHA256: "aaa", Mime: "image/jpeg", Primary: true},
		{SHA256: "bbb", Mime: "image/jpeg", Primary: true},
	}
	m2 := sourceMessage(2, "")
	m2.GroupedID = &groupID
	m2.Media = []SourceMedia{{SHA256: "ccc", Mime: "image/png", Primary: true}}

	source := &fakeSource{messages: []SourceMessage{m1, m2}}
	p, db, ch := newTestParser(t, source)
	subscribe(t, db, ch.ChannelUUID)
	ctx := context.Background()

	res, err := p.ParseChannel(ctx, ch, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.AlbumsRejected != 1 || res.Albums != 0 {
		t.Fatalf("rejected=%d albums=%d, want 1/0", res.AlbumsRejected, res.Albums)
	}
	// The member posts still persist individually.
	if res.Persisted != 2 {
		t.Fatalf("persisted=%d, want 2", res.Persisted)
	}
	if _, err := db.GetMediaGroup(ctx, ch.ChannelUUID, groupID); errclass.Of(err) != errclass.NotFound {
		t.Fatalf("broken album present, err=%v", err)
	}
}

func TestNormalizePersonaAndHash(t *testing.T) {
	personaID := int64(-42)
	ch := &models.Channel{ChannelUUID: uuid.New(), Tenant: "t1", TGChannelID: &personaID}
	msg := &SourceMessage{TGMessageID: 9, Text: "  hello persona  ", PostedAt: time.Now()}
	now := time.Now().UTC()

	post := Normalize(msg, ch, now)
	if post.Source != models.SourcePersona {
		t.Fatalf("source = %q, want persona for negative channel id", post.Source)
	}
	if post.Content != "hello persona" {
		t.Fatalf("content not trimmed: %q", post.Content)
	}
	if post.ExpiresAt != now.Add(models.PostRetention) {
		t.Fatalf("expires_at = %v, want retention from now", post.ExpiresAt)
	}

	again := Normalize(msg, ch, now)
	if post.ContentHash != again.ContentHash {
		t.Fatal("content hash not stable across normalizations")
	}
	edited := &SourceMessage{TGMessageID: 9, Text: "hello persona edited", PostedAt: msg.PostedAt}
	if Normalize(edited, ch, now).ContentHash == post.ContentHash {
		t.Fatal("edited text must change the content hash")
	}
}

func TestP95InterArrival(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	if got := P95InterArrival(nil); got != 0 {
		t.Fatalf("empty series p95 = %v, want 0", got)
	}
	if got := P95InterArrival([]time.Time{base}); got != 0 {
		t.Fatalf("single sample p95 = %v, want 0", got)
	}

	// 19 one-minute gaps and one ten-minute outlier: p95 lands on the outlier.
	times := []time.Time{base}
	for i := 0; i < 19; i++ {
		times = append(times, times[len(times)-1].Add(time.Minute))
	}
	times = append(times, times[len(times)-1].Add(10*time.Minute))
	if got := P95InterArrival(times); got != 10*time.Minute {
		t.Fatalf("p95 = %v, want 10m", got)
	}
}

func TestAdaptiveOverlapQuietPeriods(t *testing.T) {
	base := 5 * time.Minute
	p95 := 20 * time.Minute

	weekday := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC) // Wednesday noon
	if got := AdaptiveOverlap(base, p95, weekday); got != p95 {
		t.Fatalf("weekday overlap = %v, want raw p95 %v", got, p95)
	}

	night := time.Date(2026, 8, 19, 23, 0, 0, 0, time.UTC)
	if got := AdaptiveOverlap(base, p95, night); got != 30*time.Minute {
		t.Fatalf("night overlap = %v, want 30m (x1.5)", got)
	}
	lateNight := time.Date(2026, 8, 20, 7, 59, 0, 0, time.UTC)
	if got := AdaptiveOverlap(base, p95, lateNight); got != 30*time.Minute {
		t.Fatalf("07:59 overlap = %v, want night factor", got)
	}
	morning := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)
	if got := AdaptiveOverlap(base, p95, morning); got != p95 {
		t.Fatalf("08:00 overlap = %v, want raw p95", got)
	}

	// Weekend wins over night when both apply.
	saturdayNight := time.Date(2026, 8, 22, 23, 0, 0, 0, time.UTC)
	if got := AdaptiveOverlap(base, p95, saturdayNight); got != 36*time.Minute {
		t.Fatalf("saturday night overlap = %v, want 36m (x1.8)", got)
	}

	// The configured base is a floor, never reduced.
	if got := AdaptiveOverlap(base, time.Minute, weekday); got != base {
		t.Fatalf("tiny p95 overlap = %v, want base floor %v", got, base)
	}
	if got := AdaptiveOverlap(base, 0, saturdayNight); got != base {
		t.Fatalf("zero p95 overlap = %v, want base", got)
	}
}
