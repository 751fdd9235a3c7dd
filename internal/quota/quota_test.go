// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStorageQuotaCheck(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	// 1 MiB ceiling.
	q := NewStorageQuota(db, 1.0/1024)

	if err := q.Check(ctx, "t1", models.ContentTypeMedia, 512*1024); err != nil {
		t.Fatalf("within quota: %v", err)
	}
	if err := q.Add(ctx, "t1", models.ContentTypeMedia, 900*1024); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := q.Check(ctx, "t1", models.ContentTypeMedia, 200*1024)
	if !errclass.Is(err, errclass.QuotaExhausted) {
		t.Fatalf("over quota: err = %v, want QuotaExhausted", err)
	}
	if errclass.Retryable(err) {
		t.Fatal("quota exhaustion must not be retryable")
	}
	// Another tenant is unaffected.
	if err := q.Check(ctx, "t2", models.ContentTypeMedia, 200*1024); err != nil {
		t.Fatalf("other tenant: %v", err)
	}
}

func TestCrawlPolicyGates(t *testing.T) {
	policy := NewCrawlPolicy([]string{"research", "longread"}, 500, nil)

	tests := []struct {
		name      string
		tags      []string
		wordCount int
		admit     bool
		reason    string
	}{
		{"all gates pass", []string{"news", "research"}, 800, true, CrawlReasonOK},
		{"no trigger tag", []string{"news", "memes"}, 800, false, CrawlReasonNoTriggerTag},
		{"too short", []string{"research"}, 300, false, CrawlReasonTooShort},
		{"boundary word count", []string{"research"}, 500, true, CrawlReasonOK},
		{"no tags at all", nil, 800, false, CrawlReasonNoTriggerTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admit, reason := policy.Decide("t1", tt.tags, tt.wordCount)
			if admit != tt.admit || reason != tt.reason {
				t.Fatalf("Decide = (%v, %q), want (%v, %q)", admit, reason, tt.admit, tt.reason)
			}
		})
	}
}

func TestCrawlPolicyBudget(t *testing.T) {
	budget := NewDailyBudget(2)
	policy := NewCrawlPolicy([]string{"research"}, 100, budget)

	for i := 0; i < 2; i++ {
		if admit, reason := policy.Decide("t1", []string{"research"}, 500); !admit {
			t.Fatalf("admit %d: reason=%s", i, reason)
		}
	}
	admit, reason := policy.Decide("t1", []string{"research"}, 500)
	if admit || reason != CrawlReasonBudgetExceeded {
		t.Fatalf("over budget: (%v, %q)", admit, reason)
	}
	// A rejected post (no trigger tag) must not consume budget.
	budget2 := NewDailyBudget(1)
	policy2 := NewCrawlPolicy([]string{"research"}, 100, budget2)
	policy2.Decide("t1", []string{"memes"}, 500)
	if budget2.Remaining("t1") != 1 {
		t.Fatal("rejected post consumed budget")
	}
}

func TestDailyBudgetResetsAtMidnight(t *testing.T) {
	b := NewDailyBudget(1)
	day1 := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return day1 }

	if !b.Take("t1") {
		t.Fatal("first take rejected")
	}
	if b.Take("t1") {
		t.Fatal("budget not enforced")
	}

	b.nowFunc = func() time.Time { return day1.Add(2 * time.Hour) } // next UTC day
	if !b.Take("t1") {
		t.Fatal("budget did not reset at day boundary")
	}
}

func TestProviderLimiterIsolation(t *testing.T) {
	l := NewProviderLimiter(1, 1)

	if !l.Allow("t1", "vision") {
		t.Fatal("first token denied")
	}
	if l.Allow("t1", "vision") {
		t.Fatal("burst exceeded")
	}
	// Different tenant and different provider each have their own bucket.
	if !l.Allow("t2", "vision") {
		t.Fatal("tenant buckets not isolated")
	}
	if !l.Allow("t1", "tagging") {
		t.Fatal("provider buckets not isolated")
	}
}
