// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package coordinator

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ""})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLockMutualExclusion(t *testing.T) {
	a := openTestStore(t)

	ok, err := a.AcquireLock(SchedulerLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// A second owner against the same store must be rejected.
	b := &Store{db: a.db, owner: "other-owner"}
	ok, err = b.AcquireLock(SchedulerLockKey, time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("lock acquired by two owners")
	}

	// Re-entrant renewal by the holder succeeds.
	ok, err = a.AcquireLock(SchedulerLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-acquire by holder: ok=%v err=%v", ok, err)
	}

	if err := a.ReleaseLock(SchedulerLockKey); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.AcquireLock(SchedulerLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestLockExpiry(t *testing.T) {
	a := openTestStore(t)

	ok, err := a.AcquireLock("lock:test", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(120 * time.Millisecond)

	b := &Store{db: a.db, owner: "other-owner"}
	ok, err = b.AcquireLock("lock:test", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after TTL expiry: ok=%v err=%v", ok, err)
	}

	// Renewal by the original holder must now fail.
	renewed, err := a.RenewLock("lock:test", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed {
		t.Fatal("renewed a lock held by another owner")
	}
}

func TestReleaseForeignLockIsNoop(t *testing.T) {
	a := openTestStore(t)
	if ok, _ := a.AcquireLock("lock:x", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	b := &Store{db: a.db, owner: "other-owner"}
	if err := b.ReleaseLock("lock:x"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	held, err := a.HoldsLock("lock:x")
	if err != nil || !held {
		t.Fatalf("holder lost lock to foreign release: held=%v err=%v", held, err)
	}
}

func TestParseHWMLifecycle(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.ParseHWM("ch-1"); err != nil || ok {
		t.Fatalf("fresh channel: ok=%v err=%v", ok, err)
	}
	if err := s.SetParseHWM("ch-1", 12345); err != nil {
		t.Fatalf("set hwm: %v", err)
	}
	id, ok, err := s.ParseHWM("ch-1")
	if err != nil || !ok || id != 12345 {
		t.Fatalf("read hwm: id=%d ok=%v err=%v", id, ok, err)
	}
	if err := s.ClearParseHWM("ch-1"); err != nil {
		t.Fatalf("clear hwm: %v", err)
	}
	if _, ok, _ := s.ParseHWM("ch-1"); ok {
		t.Fatal("hwm survived clear")
	}
}

func TestIdempotencyMarks(t *testing.T) {
	s := openTestStore(t)

	done, err := s.AlreadyProcessed("post-1", "tagging")
	if err != nil || done {
		t.Fatalf("fresh mark: done=%v err=%v", done, err)
	}
	if err := s.MarkProcessed("post-1", "tagging"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	done, err = s.AlreadyProcessed("post-1", "tagging")
	if err != nil || !done {
		t.Fatalf("after mark: done=%v err=%v", done, err)
	}
	// Different stage of the same post is independent.
	done, _ = s.AlreadyProcessed("post-1", "indexing")
	if done {
		t.Fatal("stage marks not independent")
	}
}

func TestChannelStatsCache(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.GetChannelStats("ch-9"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	in := &ChannelStats{
		ChannelID:       "ch-9",
		P95InterArrival: 3600,
		SampleSize:      40,
		ComputedAt:      time.Now().UTC(),
	}
	if err := s.PutChannelStats(in); err != nil {
		t.Fatalf("put stats: %v", err)
	}
	out, ok, err := s.GetChannelStats("ch-9")
	if err != nil || !ok {
		t.Fatalf("get stats: ok=%v err=%v", ok, err)
	}
	if out.P95InterArrival != in.P95InterArrival || out.SampleSize != in.SampleSize {
		t.Fatalf("stats round trip mismatch: %+v", out)
	}
}
