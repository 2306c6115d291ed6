package db

import (
	"context"
	"fmt"
)

// schema covers the compositor node table and the event tables the
// analytics loaders read. Timestamps are TEXT in TimeLayout.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		node_type TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, position)`,
	`CREATE TABLE IF NOT EXISTS storyfragments (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS panes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS beliefs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		email TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fingerprints (
		id TEXT PRIMARY KEY,
		lead_id TEXT REFERENCES leads(id),
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		fingerprint_id TEXT NOT NULL REFERENCES fingerprints(id),
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		object_id TEXT NOT NULL,
		object_type TEXT NOT NULL,
		verb TEXT NOT NULL,
		fingerprint_id TEXT NOT NULL,
		visit_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at)`,
	`CREATE TABLE IF NOT EXISTS heldbeliefs (
		id TEXT PRIMARY KEY,
		belief_id TEXT NOT NULL REFERENCES beliefs(id),
		fingerprint_id TEXT NOT NULL,
		verb TEXT NOT NULL,
		object TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS epinets (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		options_payload TEXT NOT NULL DEFAULT '[]'
	)`,
}

// InitSchema creates any missing tables
func (d *DB) InitSchema(ctx context.Context) error {
	qs := make([]Query, len(schema))
	for i, s := range schema {
		qs[i] = Query{SQL: s}
	}
	if err := d.ExecuteQueries(ctx, qs); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
