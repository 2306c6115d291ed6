package compositor

// OpKind tags a recorded mutation
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpDelete OpKind = "delete"
	OpMove   OpKind = "move"
	OpUpdate OpKind = "update"
)

// Placement is where a subtree root sits in its parent's child list
type Placement struct {
	NodeID   string `json:"nodeId"`
	ParentID string `json:"parentId"`
	Index    int    `json:"index"`
}

// Payload carries node copies and positions, never live references.
// Nodes are listed parents before children, siblings in order.
type Payload struct {
	Nodes  []Node      `json:"nodes,omitempty"`
	Roots  []Placement `json:"roots,omitempty"`
	From   *Placement  `json:"from,omitempty"`
	To     *Placement  `json:"to,omitempty"`
	Before *Node       `json:"before,omitempty"`
	After  *Node       `json:"after,omitempty"`
}

// Patch is one reversible command
type Patch struct {
	Op      OpKind  `json:"op"`
	Payload Payload `json:"payload"`
}

// DefaultHistoryLimit caps how many patches are kept
const DefaultHistoryLimit = 100

// History is a linear undo/redo log. cursor counts applied patches;
// patches[cursor:] is the redo tail.
type History struct {
	patches []Patch
	cursor  int
	limit   int
}

// NewHistory returns a History keeping at most limit patches
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Add truncates the redo tail and appends p
func (h *History) Add(p Patch) {
	h.patches = append(h.patches[:h.cursor], p)
	if len(h.patches) > h.limit {
		drop := len(h.patches) - h.limit
		h.patches = append([]Patch(nil), h.patches[drop:]...)
	}
	h.cursor = len(h.patches)
}

// CanUndo reports whether a patch can be undone
func (h *History) CanUndo() bool { return h.cursor > 0 }

// CanRedo reports whether an undone patch can be reapplied
func (h *History) CanRedo() bool { return h.cursor < len(h.patches) }

// Len returns the number of stored patches
func (h *History) Len() int { return len(h.patches) }

// Cursor returns the number of applied patches
func (h *History) Cursor() int { return h.cursor }

func (h *History) stepBack() (Patch, bool) {
	if !h.CanUndo() {
		return Patch{}, false
	}
	h.cursor--
	return h.patches[h.cursor], true
}

func (h *History) stepForward() (Patch, bool) {
	if !h.CanRedo() {
		return Patch{}, false
	}
	p := h.patches[h.cursor]
	h.cursor++
	return p, true
}

func (h *History) clear() {
	h.patches = nil
	h.cursor = 0
}
