// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package trends

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

func testTrendConfig() config.TrendConfig {
	return config.TrendConfig{
		FreqRatioThreshold:  3.0,
		MinSourceDiversity:  3,
		CoherenceThreshold:  0.55,
		SimilarityThreshold: 0.80,
		Cooldown:            4 * time.Hour,
		ShortWindow:         time.Hour,
		BaselineWindow:      24 * time.Hour,
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors = %v, want 1", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors = %v, want 0", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("mismatched dims = %v, want 0", got)
	}
	if got := Cosine(nil, nil); got != 0 {
		t.Fatalf("empty vectors = %v, want 0", got)
	}
}

func healthyStats() *database.ClusterStats {
	// 12 short-window units against a 24-unit baseline normalized to 1 per
	// hour: ratio 12.
	return &database.ClusterStats{
		ShortCount:      12,
		BaselineCount:   24,
		SourceDiversity: 5,
	}
}

func healthyCluster() *models.Cluster {
	return &models.Cluster{Coherence: 0.7, Level: 1}
}

func TestEvaluateEmits(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	d := Evaluate(healthyStats(), healthyCluster(), testTrendConfig(), now)
	if !d.Emit || d.Reason != "emitted" {
		t.Fatalf("decision = %+v, want emit", d)
	}
	if math.Abs(d.FreqRatio-12) > 1e-9 {
		t.Fatalf("freq ratio = %v, want 12", d.FreqRatio)
	}
}

func TestEvaluateGateOrder(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	cfg := testTrendConfig()
	recent := now.Add(-time.Hour)

	cases := []struct {
		name    string
		stats   *database.ClusterStats
		cluster *models.Cluster
		reason  string
	}{
		{
			name:    "generic cluster never emits",
			stats:   healthyStats(),
			cluster: &models.Cluster{Coherence: 0.9, IsGeneric: true},
			reason:  "generic_cluster",
		},
		{
			name:    "coherence below threshold",
			stats:   healthyStats(),
			cluster: &models.Cluster{Coherence: 0.4},
			reason:  "low_coherence",
		},
		{
			name: "diversity below minimum",
			stats: &database.ClusterStats{
				ShortCount: 12, BaselineCount: 24, SourceDiversity: 2,
			},
			cluster: healthyCluster(),
			reason:  "source_diversity_too_low",
		},
		{
			name: "ratio below threshold",
			stats: &database.ClusterStats{
				ShortCount: 2, BaselineCount: 24, SourceDiversity: 5,
			},
			cluster: healthyCluster(),
			reason:  "below_freq_ratio",
		},
		{
			name: "cooldown holds the announcement",
			stats: &database.ClusterStats{
				ShortCount: 12, BaselineCount: 24, SourceDiversity: 5,
				LastEmittedAt: &recent,
			},
			cluster: healthyCluster(),
			reason:  "cooldown_active",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.stats, tc.cluster, cfg, now)
			if d.Emit {
				t.Fatalf("unexpected emit: %+v", d)
			}
			if d.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", d.Reason, tc.reason)
			}
		})
	}
}

func TestEvaluateColdBaselineNeedsRealVolume(t *testing.T) {
	// Empty baseline is floored at one unit: two posts in the short window
	// give ratio 2, below a threshold of 3.
	now := time.Now()
	d := Evaluate(&database.ClusterStats{
		ShortCount: 2, BaselineCount: 0, SourceDiversity: 5,
	}, healthyCluster(), testTrendConfig(), now)
	if d.Emit {
		t.Fatalf("cold cluster emitted with ratio %v", d.FreqRatio)
	}
	if d.FreqRatio != 2 {
		t.Fatalf("cold ratio = %v, want 2", d.FreqRatio)
	}

	d = Evaluate(&database.ClusterStats{
		ShortCount: 4, BaselineCount: 0, SourceDiversity: 5,
	}, healthyCluster(), testTrendConfig(), now)
	if !d.Emit {
		t.Fatalf("genuine spike on cold cluster not emitted: %+v", d)
	}
}

func TestEvaluateCooldownExpired(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	old := now.Add(-5 * time.Hour)
	stats := healthyStats()
	stats.LastEmittedAt = &old
	d := Evaluate(stats, healthyCluster(), testTrendConfig(), now)
	if !d.Emit {
		t.Fatalf("expired cooldown blocked emission: %+v", d)
	}
}

func TestResolverPicksNearestAboveThreshold(t *testing.T) {
	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	r := NewResolver(db, testTrendConfig())
	now := time.Now().UTC()

	politics, err := r.OpenCluster(ctx, "t1", "politics", []float32{1, 0, 0}, now)
	if err != nil {
		t.Fatalf("open cluster: %v", err)
	}
	if _, err := r.OpenCluster(ctx, "t1", "sports", []float32{0, 1, 0}, now); err != nil {
		t.Fatalf("open cluster: %v", err)
	}

	got, score, err := r.Resolve(ctx, "t1", []float32{0.9, 0.1, 0})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got == nil || got.ClusterUUID != politics.ClusterUUID {
		t.Fatalf("resolved %+v, want politics cluster", got)
	}
	if score < 0.8 {
		t.Fatalf("score = %v, want above similarity threshold", score)
	}

	// A vector far from every centroid resolves to nothing.
	got, _, err = r.Resolve(ctx, "t1", []float32{0.5, 0.5, 0.7})
	if err != nil {
		t.Fatalf("resolve far vector: %v", err)
	}
	if got != nil {
		t.Fatalf("far vector resolved to %q, want no cluster", got.Label)
	}
}
