// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package quota enforces per-tenant storage ceilings, the crawl trigger
// policy, and provider rate limits.
package quota

import (
	"context"
	"fmt"

	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
)

// StorageQuota checks uploads against the tenant byte ceiling.
type StorageQuota struct {
	db       *database.DB
	maxBytes int64
}

// NewStorageQuota builds the checker. maxGB is the per-tenant ceiling.
func NewStorageQuota(db *database.DB, maxGB float64) *StorageQuota {
	return &StorageQuota{db: db, maxBytes: int64(maxGB * (1 << 30))}
}

// MaxBytes reports the configured ceiling.
func (q *StorageQuota) MaxBytes() int64 {
	return q.maxBytes
}

// Check admits an upload of size bytes, or returns QuotaExhausted. The
// check is advisory (racing uploads may overshoot by one object); the
// reconcile pass trues the counters up.
func (q *StorageQuota) Check(ctx context.Context, tenant, contentType string, size int64) error {
	used, err := q.db.TotalStorageBytes(ctx, tenant)
	if err != nil {
		return fmt.Errorf("read storage usage: %w", err)
	}
	if used+size > q.maxBytes {
		metrics.QuotaRejections.WithLabelValues(tenant, contentType).Inc()
		return errclass.Newf(errclass.QuotaExhausted,
			"tenant %s storage quota exhausted: %d+%d > %d", tenant, used, size, q.maxBytes)
	}
	return nil
}

// Add accounts a completed upload and refreshes the usage gauge.
func (q *StorageQuota) Add(ctx context.Context, tenant, contentType string, size int64) error {
	if err := q.db.AddStorageUsage(ctx, tenant, contentType, size, 1); err != nil {
		return err
	}
	u, err := q.db.GetStorageUsage(ctx, tenant, contentType)
	if err == nil {
		metrics.StorageBytes.WithLabelValues(tenant, contentType).Set(float64(u.Bytes))
	}
	return nil
}

// Reconcile recomputes media usage from ground truth.
func (q *StorageQuota) Reconcile(ctx context.Context, tenant string) error {
	u, err := q.db.ReconcileMediaUsage(ctx, tenant)
	if err != nil {
		return err
	}
	metrics.StorageBytes.WithLabelValues(tenant, u.ContentType).Set(float64(u.Bytes))
	return nil
}
