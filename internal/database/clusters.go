// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// CreateCluster persists a new trend cluster.
func (db *DB) CreateCluster(ctx context.Context, c *models.Cluster) error {
	if err := c.Validate(); err != nil {
		return errclass.Wrap(errclass.SchemaInvalid, err, "invalid cluster")
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	centroid, err := json.Marshal(c.Centroid)
	if err != nil {
		return fmt.Errorf("marshal centroid: %w", err)
	}
	var parent *string
	if c.ParentUUID != nil {
		s := c.ParentUUID.String()
		parent = &s
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO clusters (
			cluster_uuid, tenant, label, primary_topic, centroid, status,
			is_generic, coherence, parent_uuid, level, last_activity_at
		) VALUES (?, ?, ?, ?, CAST(? AS JSON), ?, ?, ?, ?, ?, ?)`,
		c.ClusterUUID.String(), c.Tenant, c.Label, c.PrimaryTopic,
		string(centroid), c.Status, c.IsGeneric, c.Coherence, parent,
		c.Level, c.LastActivityAt)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}
	return nil
}

// ListActiveClusters returns non-closed clusters of a tenant with their
// centroids, for similarity resolution.
func (db *DB) ListActiveClusters(ctx context.Context, tenant string) ([]*models.Cluster, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT cluster_uuid, tenant, label, primary_topic, centroid, status,
		       is_generic, coherence, parent_uuid, level, last_activity_at
		FROM clusters
		WHERE tenant = ? AND status != ?`, tenant, models.ClusterClosed)
	if err != nil {
		return nil, fmt.Errorf("list active clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func scanCluster(row rowScanner) (*models.Cluster, error) {
	var (
		c        models.Cluster
		cUUID    string
		topic    sql.NullString
		centroid sql.NullString
		parent   sql.NullString
	)
	err := row.Scan(&cUUID, &c.Tenant, &c.Label, &topic, &centroid, &c.Status,
		&c.IsGeneric, &c.Coherence, &parent, &c.Level, &c.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "cluster not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	if c.ClusterUUID, err = uuid.Parse(cUUID); err != nil {
		return nil, fmt.Errorf("parse cluster uuid: %w", err)
	}
	c.PrimaryTopic = topic.String
	if centroid.Valid && centroid.String != "" {
		if err := json.Unmarshal([]byte(centroid.String), &c.Centroid); err != nil {
			return nil, fmt.Errorf("unmarshal centroid: %w", err)
		}
	}
	if parent.Valid && parent.String != "" {
		p, err := uuid.Parse(parent.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent uuid: %w", err)
		}
		c.ParentUUID = &p
	}
	return &c, nil
}

// GetCluster loads one cluster by UUID.
func (db *DB) GetCluster(ctx context.Context, clusterUUID uuid.UUID) (*models.Cluster, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, `
		SELECT cluster_uuid, tenant, label, primary_topic, centroid, status,
		       is_generic, coherence, parent_uuid, level, last_activity_at
		FROM clusters WHERE cluster_uuid = ?`, clusterUUID.String())
	return scanCluster(row)
}

// RecordClusterEvent appends one post observation to a cluster's rolling
// activity. A redelivered post lands on the (cluster, post) constraint and
// is ignored.
func (db *DB) RecordClusterEvent(ctx context.Context, clusterUUID uuid.UUID, tenant string, postUUID, channelUUID uuid.UUID, groupedID *int64, observedAt time.Time) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cluster event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cluster_events (cluster_uuid, tenant, post_uuid, channel_uuid, grouped_id, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cluster_uuid, post_uuid) DO NOTHING`,
		clusterUUID.String(), tenant, postUUID.String(), channelUUID.String(),
		groupedID, observedAt); err != nil {
		return fmt.Errorf("record cluster event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE clusters SET last_activity_at = ?
		WHERE cluster_uuid = ? AND last_activity_at < ?`,
		observedAt, clusterUUID.String(), observedAt); err != nil {
		return fmt.Errorf("touch cluster activity: %w", err)
	}
	return tx.Commit()
}

// ClusterStats is the rolling activity snapshot trend evaluation runs on.
// Album posts sharing a grouped_id count once.
type ClusterStats struct {
	ShortCount      int
	BaselineCount   int
	SourceDiversity int
	LastEmittedAt   *time.Time
}

// ClusterStatsSince computes the short-window and baseline-window event
// counts plus distinct-channel diversity for one cluster at time now.
func (db *DB) ClusterStatsSince(ctx context.Context, clusterUUID uuid.UUID, now time.Time, short, baseline time.Duration) (*ClusterStats, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	stats := &ClusterStats{}
	shortFrom := now.Add(-short)
	baselineFrom := now.Add(-baseline)

	// COALESCE folds album rows into one unit per grouped_id; ungrouped
	// posts count individually by their own uuid.
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT CASE WHEN observed_at >= ?
				THEN COALESCE(CAST(grouped_id AS VARCHAR), CAST(post_uuid AS VARCHAR)) END),
			COUNT(DISTINCT CASE WHEN observed_at >= ? AND observed_at < ?
				THEN COALESCE(CAST(grouped_id AS VARCHAR), CAST(post_uuid AS VARCHAR)) END),
			COUNT(DISTINCT CASE WHEN observed_at >= ? THEN channel_uuid END)
		FROM cluster_events
		WHERE cluster_uuid = ?`,
		shortFrom, baselineFrom, shortFrom, shortFrom,
		clusterUUID.String()).Scan(
		&stats.ShortCount, &stats.BaselineCount, &stats.SourceDiversity)
	if err != nil {
		return nil, fmt.Errorf("cluster stats: %w", err)
	}

	var lastEmitted sql.NullTime
	err = db.conn.QueryRowContext(ctx,
		`SELECT last_emitted_at FROM clusters WHERE cluster_uuid = ?`,
		clusterUUID.String()).Scan(&lastEmitted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.New(errclass.NotFound, "cluster not found")
	}
	if err != nil {
		return nil, fmt.Errorf("cluster last emitted: %w", err)
	}
	if lastEmitted.Valid {
		t := lastEmitted.Time
		stats.LastEmittedAt = &t
	}
	return stats, nil
}

// MarkClusterEmitted stamps the cooldown clock after a trend event.
func (db *DB) MarkClusterEmitted(ctx context.Context, clusterUUID uuid.UUID, at time.Time) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`UPDATE clusters SET last_emitted_at = ? WHERE cluster_uuid = ?`,
		at, clusterUUID.String())
	if err != nil {
		return fmt.Errorf("mark cluster emitted: %w", err)
	}
	return nil
}

// CloseStaleClusters transitions clusters inactive beyond maxIdle to the
// closed status.
func (db *DB) CloseStaleClusters(ctx context.Context, tenant string, now time.Time, maxIdle time.Duration) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE clusters SET status = ?
		WHERE tenant = ? AND status != ? AND last_activity_at < ?`,
		models.ClusterClosed, tenant, models.ClusterClosed, now.Add(-maxIdle))
	if err != nil {
		return 0, fmt.Errorf("close stale clusters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
