package db

import (
	"context"
	"fmt"
	"time"
)

// scanNode scans a row into a NodeRow. The row must have all 6 columns in standard order.
func scanNode(scanner interface{ Scan(dest ...any) error }) (NodeRow, error) {
	var n NodeRow
	err := scanner.Scan(&n.ID, &n.ParentID, &n.NodeType, &n.Position, &n.Payload, &n.UpdatedAt)
	return n, err
}

// AllNodes returns all nodes ordered by parent then position
func (d *DB) AllNodes(ctx context.Context) ([]NodeRow, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, parent_id, node_type, position, payload, updated_at
		FROM nodes ORDER BY parent_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []NodeRow
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode returns a single node by ID
func (d *DB) GetNode(ctx context.Context, id string) (*NodeRow, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, parent_id, node_type, position, payload, updated_at
		FROM nodes WHERE id = ?
	`, id)

	n, err := scanNode(row)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ReplaceNodes swaps the stored tree for nodes in a single transaction
func (d *DB) ReplaceNodes(ctx context.Context, nodes []NodeRow) error {
	now := FormatTime(time.Now())
	qs := make([]Query, 0, len(nodes)+1)
	qs = append(qs, Query{SQL: `DELETE FROM nodes`})
	for _, n := range nodes {
		updated := n.UpdatedAt
		if updated == "" {
			updated = now
		}
		payload := n.Payload
		if payload == "" {
			payload = "{}"
		}
		qs = append(qs, Query{
			SQL: `INSERT INTO nodes (id, parent_id, node_type, position, payload, updated_at)
			      VALUES (?, ?, ?, ?, ?, ?)`,
			Args: []any{n.ID, n.ParentID, n.NodeType, n.Position, payload, updated},
		})
	}
	if err := d.ExecuteQueries(ctx, qs); err != nil {
		return fmt.Errorf("saving %d nodes: %w", len(nodes), err)
	}
	return nil
}
