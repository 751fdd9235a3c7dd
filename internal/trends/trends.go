// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package trends resolves posts to topic clusters by embedding similarity
// and decides when a cluster's activity spike is worth announcing.
package trends

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// Cosine computes the cosine similarity of two vectors. Mismatched or empty
// vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Resolver assigns posts to the nearest active cluster.
type Resolver struct {
	db  *database.DB
	cfg config.TrendConfig
}

// NewResolver builds a resolver.
func NewResolver(db *database.DB, cfg config.TrendConfig) *Resolver {
	return &Resolver{db: db, cfg: cfg}
}

// Resolve finds the best-matching active cluster for an embedding. Returns
// nil when no centroid clears the similarity threshold; the caller then
// opens a new cluster.
func (r *Resolver) Resolve(ctx context.Context, tenant string, embedding []float32) (*models.Cluster, float64, error) {
	clusters, err := r.db.ListActiveClusters(ctx, tenant)
	if err != nil {
		return nil, 0, err
	}
	var (
		best      *models.Cluster
		bestScore float64
	)
	for _, c := range clusters {
		score := Cosine(embedding, c.Centroid)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == nil || bestScore < r.cfg.SimilarityThreshold {
		return nil, bestScore, nil
	}
	return best, bestScore, nil
}

// OpenCluster creates a fresh top-level cluster seeded with the post's
// embedding as centroid.
func (r *Resolver) OpenCluster(ctx context.Context, tenant, label string, embedding []float32, now time.Time) (*models.Cluster, error) {
	c := &models.Cluster{
		ClusterUUID:    uuid.New(),
		Tenant:         tenant,
		Label:          label,
		Centroid:       embedding,
		Status:         models.ClusterEmerging,
		Level:          1,
		LastActivityAt: now,
	}
	if err := r.db.CreateCluster(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Decision is the outcome of a trend evaluation. Reason names the first
// failed gate, or "emitted".
type Decision struct {
	Emit      bool
	Reason    string
	FreqRatio float64
}

// Evaluate applies the emergence gates to a cluster's activity snapshot.
// Gate order: generic clusters never emit, then coherence, source
// diversity, frequency ratio, and the per-cluster cooldown.
func Evaluate(stats *database.ClusterStats, cluster *models.Cluster, cfg config.TrendConfig, now time.Time) Decision {
	ratio := freqRatio(stats, cfg)
	d := Decision{FreqRatio: ratio}

	switch {
	case cluster.IsGeneric:
		d.Reason = "generic_cluster"
	case cluster.Coherence < cfg.CoherenceThreshold:
		d.Reason = "low_coherence"
	case stats.SourceDiversity < cfg.MinSourceDiversity:
		d.Reason = "source_diversity_too_low"
	case ratio < cfg.FreqRatioThreshold:
		d.Reason = "below_freq_ratio"
	case stats.LastEmittedAt != nil && now.Sub(*stats.LastEmittedAt) < cfg.Cooldown:
		d.Reason = "cooldown_active"
	default:
		d.Emit = true
		d.Reason = "emitted"
	}
	return d
}

// freqRatio compares short-window activity against the baseline normalized
// to the same window length. A near-empty baseline is floored at one unit
// so brand-new clusters need genuine volume, not division by zero.
func freqRatio(stats *database.ClusterStats, cfg config.TrendConfig) float64 {
	if cfg.BaselineWindow <= 0 || cfg.ShortWindow <= 0 {
		return 0
	}
	norm := float64(stats.BaselineCount) * (cfg.ShortWindow.Seconds() / cfg.BaselineWindow.Seconds())
	if norm < 1 {
		norm = 1
	}
	return float64(stats.ShortCount) / norm
}
