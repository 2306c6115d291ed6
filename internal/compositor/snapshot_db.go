package compositor

import (
	"context"
	"encoding/json"
	"fmt"

	"storykeep/internal/db"
)

// LoadFromDB builds a Store from the persisted node table
func LoadFromDB(ctx context.Context, d *db.DB, cfg Config) (*Store, error) {
	rows, err := d.AllNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading nodes: %w", err)
	}

	nodes := make([]Node, 0, len(rows))
	for _, r := range rows {
		var n Node
		if r.Payload != "" {
			if err := json.Unmarshal([]byte(r.Payload), &n); err != nil {
				return nil, fmt.Errorf("decoding node %s: %w", r.ID, err)
			}
		}
		n.ID = r.ID
		n.NodeType = NodeType(r.NodeType)
		n.ParentID = ""
		if r.ParentID != nil {
			n.ParentID = *r.ParentID
		}
		nodes = append(nodes, n)
	}

	s := NewStore(cfg)
	s.BuildFromNodes(nodes)
	return s, nil
}

// SaveToDB replaces the persisted node table with the reachable tree
func SaveToDB(ctx context.Context, d *db.DB, s *Store) error {
	s.mu.Lock()
	var rows []db.NodeRow
	var walk func(id string, position int) error
	walk = func(id string, position int) error {
		n := s.nodes[id]
		payload := *n.Clone()
		payload.ID, payload.ParentID, payload.NodeType = "", "", ""
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding node %s: %w", id, err)
		}
		row := db.NodeRow{ID: n.ID, NodeType: string(n.NodeType), Position: position, Payload: string(b)}
		if n.ParentID != "" {
			p := n.ParentID
			row.ParentID = &p
		}
		rows = append(rows, row)
		for i, c := range s.children[id] {
			if err := walk(c, i); err != nil {
				return err
			}
		}
		return nil
	}
	var err error
	if s.rootID != "" {
		err = walk(s.rootID, 0)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return d.ReplaceNodes(ctx, rows)
}
