package db

// NodeRow is a persisted compositor node. Type specific fields live in the
// JSON payload so the table does not track every node kind.
type NodeRow struct {
	ID        string  `json:"id"`
	ParentID  *string `json:"parent_id"`
	NodeType  string  `json:"node_type"`
	Position  int     `json:"position"`   // index in the parent's child list
	Payload   string  `json:"payload"`    // JSON string
	UpdatedAt string  `json:"updated_at"` // TimeLayout
}
