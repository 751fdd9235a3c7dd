// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package database

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// GraphNode is one merged node in the relationship projection.
type GraphNode struct {
	Key        string
	Tenant     string
	Label      string
	Properties map[string]any
}

// GraphEdge is one merged relationship between two node keys.
type GraphEdge struct {
	FromKey    string
	ToKey      string
	Tenant     string
	Relation   string
	Properties map[string]any
}

// MergeNode upserts a graph node. Replayed events converge to a single row
// per (tenant, label, key).
func (db *DB) MergeNode(ctx context.Context, n *GraphNode) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	props, err := marshalProps(n.Properties)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO graph_nodes (node_key, tenant, label, properties)
		VALUES (?, ?, ?, CAST(NULLIF(?, '') AS JSON))
		ON CONFLICT (tenant, label, node_key) DO UPDATE SET
			properties = excluded.properties,
			updated_at = CURRENT_TIMESTAMP`,
		n.Key, n.Tenant, n.Label, props)
	if err != nil {
		return fmt.Errorf("merge node: %w", err)
	}
	return nil
}

// MergeEdge upserts a graph edge keyed on (tenant, relation, from, to).
func (db *DB) MergeEdge(ctx context.Context, e *GraphEdge) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	props, err := marshalProps(e.Properties)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO graph_edges (from_key, to_key, tenant, relation, properties)
		VALUES (?, ?, ?, ?, CAST(NULLIF(?, '') AS JSON))
		ON CONFLICT (tenant, relation, from_key, to_key) DO UPDATE SET
			properties = excluded.properties,
			updated_at = CURRENT_TIMESTAMP`,
		e.FromKey, e.ToKey, e.Tenant, e.Relation, props)
	if err != nil {
		return fmt.Errorf("merge edge: %w", err)
	}
	return nil
}

func marshalProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshal graph properties: %w", err)
	}
	return string(raw), nil
}

// CountEdges returns the number of edges of one relation for a node key.
// Used by tests and the health surface.
func (db *DB) CountEdges(ctx context.Context, tenant, relation, fromKey string) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM graph_edges
		WHERE tenant = ? AND relation = ? AND from_key = ?`,
		tenant, relation, fromKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}
