package compositor

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Location is where an insertion lands relative to an anchor node
type Location string

const (
	LocationBefore Location = "before"
	LocationAfter  Location = "after"
	LocationNone   Location = "none"
)

// Config controls Store construction
type Config struct {
	HistoryLimit int
	Logger       *slog.Logger
	NewID        func() string // defaults to time-ordered UUIDv7
}

// DefaultConfig returns the Store defaults
func DefaultConfig() Config {
	return Config{HistoryLimit: DefaultHistoryLimit}
}

func newNodeID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Store owns every node of one compositor tree. Structural errors such as
// unknown ids degrade to no-ops; nothing here panics on stale references.
//
// Mutations run to completion under mu. Notifications fire afterwards,
// so callbacks may read the store.
type Store struct {
	mu        sync.Mutex
	nodes     map[string]*Node
	children  map[string][]string
	ancestors map[string][]string // nearest parent first; reset on structural change
	rootID    string
	clickedID string

	bus     *Bus
	history *History
	log     *slog.Logger
	newID   func() string
}

// NewStore returns an empty Store
func NewStore(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = newNodeID
	}
	return &Store{
		nodes:     make(map[string]*Node),
		children:  make(map[string][]string),
		ancestors: make(map[string][]string),
		bus:       NewBus(),
		history:   NewHistory(cfg.HistoryLimit),
		log:       cfg.Logger.With("component", "compositor"),
		newID:     cfg.NewID,
	}
}

// Subscribe registers cb for notifications on nodeID or any descendant.
// Use RootNodeName to hear every change that reaches the root.
func (s *Store) Subscribe(nodeID string, cb Callback) func() {
	return s.bus.Subscribe(nodeID, cb)
}

// NotifyNode fires subscribers of nodeID and of each ancestor up to the root
func (s *Store) NotifyNode(nodeID string) {
	s.notify(nodeID)
}

func (s *Store) notify(ids ...string) {
	for _, id := range ids {
		s.mu.Lock()
		chain := s.chainLocked(id)
		s.mu.Unlock()
		s.bus.fire(chain)
	}
}

func (s *Store) chainLocked(id string) []string {
	if id == RootNodeName {
		return []string{RootNodeName}
	}
	if _, ok := s.nodes[id]; !ok {
		return []string{id}
	}
	anc := s.ancestorsLocked(id)
	chain := make([]string, 0, len(anc)+2)
	chain = append(chain, id)
	chain = append(chain, anc...)
	if chain[len(chain)-1] == s.rootID && s.rootID != RootNodeName {
		chain = append(chain, RootNodeName)
	}
	return chain
}

func (s *Store) ancestorsLocked(id string) []string {
	if c, ok := s.ancestors[id]; ok {
		return c
	}
	n := s.nodes[id]
	if n == nil || n.ParentID == "" {
		s.ancestors[id] = nil
		return nil
	}
	up := s.ancestorsLocked(n.ParentID)
	c := make([]string, 0, len(up)+1)
	c = append(c, n.ParentID)
	c = append(c, up...)
	s.ancestors[id] = c
	return c
}

func (s *Store) invalidateLocked() {
	clear(s.ancestors)
}

// isDescendantLocked reports whether id sits strictly below ancestorID
func (s *Store) isDescendantLocked(id, ancestorID string) bool {
	for _, a := range s.ancestorsLocked(id) {
		if a == ancestorID {
			return true
		}
	}
	return false
}

func (s *Store) indexOfLocked(parentID, id string) int {
	for i, c := range s.children[parentID] {
		if c == id {
			return i
		}
	}
	return -1
}

// linkLocked stores n and registers it under its parent at index
// (negative or out of range appends). Returns false when n cannot be placed.
func (s *Store) linkLocked(n *Node, index int) bool {
	if _, exists := s.nodes[n.ID]; exists || n.ID == "" {
		return false
	}
	if n.ParentID == "" {
		if s.rootID != "" {
			return false
		}
		s.rootID = n.ID
		s.nodes[n.ID] = n
		s.invalidateLocked()
		return true
	}
	parent := s.nodes[n.ParentID]
	if parent == nil {
		return false
	}

	// A declared pane linking in load order leaves PaneIDs as declared
	declared := false
	if index < 0 && parent.NodeType == NodeTypeStoryFragment && n.NodeType == NodeTypePane {
		index = s.paneIndexLocked(parent, n.ID)
		declared = index >= 0
	}
	list := s.children[n.ParentID]
	if index < 0 || index > len(list) {
		index = len(list)
	}
	list = append(list, "")
	copy(list[index+1:], list[index:])
	list[index] = n.ID
	s.children[n.ParentID] = list
	s.nodes[n.ID] = n

	if parent.NodeType == NodeTypeStoryFragment && !declared {
		s.syncPaneIDsLocked(parent)
	}
	s.invalidateLocked()
	return true
}

// paneIndexLocked places a pane among the linked panes following the
// fragment's declared PaneIDs order.
func (s *Store) paneIndexLocked(frag *Node, paneID string) int {
	declared := -1
	for i, id := range frag.PaneIDs {
		if id == paneID {
			declared = i
			break
		}
	}
	if declared < 0 {
		return -1
	}
	pos := 0
	for _, id := range frag.PaneIDs[:declared] {
		if s.indexOfLocked(frag.ID, id) >= 0 {
			pos++
		}
	}
	return pos
}

// syncPaneIDsLocked rewrites PaneIDs as linked panes followed by declared
// panes not loaded yet.
func (s *Store) syncPaneIDsLocked(frag *Node) {
	ids := append([]string(nil), s.children[frag.ID]...)
	for _, id := range frag.PaneIDs {
		if _, ok := s.nodes[id]; !ok {
			ids = append(ids, id)
		}
	}
	frag.PaneIDs = ids
}

// removeSubtreeLocked detaches id and drops it and every descendant.
// Removed nodes are returned parents first.
func (s *Store) removeSubtreeLocked(id string) ([]Node, Placement, bool) {
	n := s.nodes[id]
	if n == nil {
		return nil, Placement{}, false
	}
	place := Placement{NodeID: id, ParentID: n.ParentID, Index: s.indexOfLocked(n.ParentID, id)}

	var removed []Node
	var walk func(string)
	walk = func(cur string) {
		node := s.nodes[cur]
		if node == nil {
			return
		}
		removed = append(removed, *node.Clone())
		for _, c := range s.children[cur] {
			walk(c)
		}
	}
	walk(id)

	for _, r := range removed {
		delete(s.nodes, r.ID)
		delete(s.children, r.ID)
		if r.ID == s.clickedID {
			s.clickedID = ""
		}
	}

	if n.ParentID != "" {
		list := s.children[n.ParentID]
		if place.Index >= 0 {
			list = append(list[:place.Index:place.Index], list[place.Index+1:]...)
		}
		if len(list) == 0 {
			delete(s.children, n.ParentID)
		} else {
			s.children[n.ParentID] = list
		}
		if parent := s.nodes[n.ParentID]; parent != nil && parent.NodeType == NodeTypeStoryFragment {
			kept := parent.PaneIDs[:0:0]
			for _, p := range parent.PaneIDs {
				if p != id {
					kept = append(kept, p)
				}
			}
			parent.PaneIDs = kept
		}
	}
	if id == s.rootID {
		s.rootID = ""
	}
	s.invalidateLocked()
	return removed, place, true
}

// insertNodesLocked relinks copies of nodes. Roots are placed at their
// recorded index; every other node appends under its parent.
func (s *Store) insertNodesLocked(nodes []Node, roots []Placement) {
	at := make(map[string]Placement, len(roots))
	for _, r := range roots {
		at[r.NodeID] = r
	}
	for i := range nodes {
		c := nodes[i].Clone()
		idx := -1
		if p, ok := at[c.ID]; ok {
			c.ParentID = p.ParentID
			idx = p.Index
		}
		if !s.linkLocked(c, idx) {
			s.log.Debug("relink skipped", "node", c.ID, "parent", c.ParentID)
		}
	}
}

func notifyTarget(parentID string) string {
	if parentID == "" {
		return RootNodeName
	}
	return parentID
}

// BuildFromNodes replaces the tree with nodes and clears history. Parents are
// linked before children regardless of input order; nodes whose parent never
// appears are dropped.
func (s *Store) BuildFromNodes(nodes []Node) {
	s.mu.Lock()
	s.nodes = make(map[string]*Node, len(nodes))
	s.children = make(map[string][]string)
	s.ancestors = make(map[string][]string)
	s.rootID = ""
	s.clickedID = ""
	s.history.clear()

	byParent := make(map[string][]int)
	for i, n := range nodes {
		byParent[n.ParentID] = append(byParent[n.ParentID], i)
	}
	queue := append([]int(nil), byParent[""]...)
	linked := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		n := nodes[i].Clone()
		if !s.linkLocked(n, -1) {
			s.log.Debug("build skipped node", "node", n.ID, "parent", n.ParentID)
			continue
		}
		linked++
		queue = append(queue, byParent[n.ID]...)
	}
	if dropped := len(nodes) - linked; dropped > 0 {
		s.log.Debug("build dropped unreachable nodes", "count", dropped)
	}
	s.mu.Unlock()
	s.notify(RootNodeName)
}

// AddNodes inserts nodes under their declared parents, in order. A node whose
// parent is unknown is skipped; callers add parents first.
func (s *Store) AddNodes(nodes ...Node) {
	s.mu.Lock()
	var added []Node
	var roots []Placement
	inBatch := make(map[string]bool)
	for i := range nodes {
		c := nodes[i].Clone()
		if !s.linkLocked(c, -1) {
			s.log.Debug("addNodes: cannot place node", "node", c.ID, "parent", c.ParentID)
			continue
		}
		added = append(added, *c.Clone())
		inBatch[c.ID] = true
		if !inBatch[c.ParentID] {
			roots = append(roots, Placement{NodeID: c.ID, ParentID: c.ParentID, Index: s.indexOfLocked(c.ParentID, c.ID)})
		}
	}
	if len(added) > 0 {
		s.history.Add(Patch{Op: OpAdd, Payload: Payload{Nodes: added, Roots: roots}})
	}
	s.mu.Unlock()

	for _, r := range roots {
		s.notify(notifyTarget(r.ParentID))
	}
}

// DeleteNode removes id and its subtree, returning the removed nodes
func (s *Store) DeleteNode(id string) []Node {
	s.mu.Lock()
	removed, place, ok := s.removeSubtreeLocked(id)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.history.Add(Patch{Op: OpDelete, Payload: Payload{Nodes: removed, Roots: []Placement{place}}})
	s.mu.Unlock()

	s.notify(notifyTarget(place.ParentID))
	return removed
}

// DeleteChildren removes every child subtree of parentID
func (s *Store) DeleteChildren(parentID string) []Node {
	s.mu.Lock()
	kids := append([]string(nil), s.children[parentID]...)
	if len(kids) == 0 {
		s.mu.Unlock()
		return nil
	}
	var removed []Node
	var roots []Placement
	for i, id := range kids {
		nodes, place, ok := s.removeSubtreeLocked(id)
		if !ok {
			continue
		}
		place.Index = i
		removed = append(removed, nodes...)
		roots = append(roots, place)
	}
	s.history.Add(Patch{Op: OpDelete, Payload: Payload{Nodes: removed, Roots: roots}})
	s.mu.Unlock()

	s.notify(parentID)
	return removed
}

// MoveNode relocates nodeID and its subtree before or after anchorID. Ids are
// preserved. Returns false when the move is structurally impossible.
func (s *Store) MoveNode(nodeID, anchorID string, loc Location) bool {
	if loc != LocationBefore && loc != LocationAfter {
		return false
	}
	s.mu.Lock()
	node, anchor := s.nodes[nodeID], s.nodes[anchorID]
	if node == nil || anchor == nil || nodeID == anchorID || node.ParentID == "" || anchor.ParentID == "" ||
		s.isDescendantLocked(anchorID, nodeID) {
		s.mu.Unlock()
		return false
	}

	removed, from, _ := s.removeSubtreeLocked(nodeID)
	idx := s.indexOfLocked(anchor.ParentID, anchorID)
	if loc == LocationAfter {
		idx++
	}
	to := Placement{NodeID: nodeID, ParentID: anchor.ParentID, Index: idx}
	s.insertNodesLocked(removed, []Placement{to})
	s.history.Add(Patch{Op: OpMove, Payload: Payload{From: &from, To: &to}})
	s.mu.Unlock()

	s.notify(from.ParentID)
	if to.ParentID != from.ParentID {
		s.notify(to.ParentID)
	}
	return true
}

// UpdateNode replaces the content fields of an existing node. Structural
// fields are kept from the stored node.
func (s *Store) UpdateNode(n Node) bool {
	s.mu.Lock()
	cur := s.nodes[n.ID]
	if cur == nil {
		s.mu.Unlock()
		return false
	}
	before := cur.Clone()
	s.replaceContentLocked(cur, &n)
	after := cur.Clone()
	s.history.Add(Patch{Op: OpUpdate, Payload: Payload{Before: before, After: after}})
	s.mu.Unlock()

	s.notify(n.ID)
	return true
}

func (s *Store) replaceContentLocked(cur, src *Node) {
	parentID, nodeType, panes := cur.ParentID, cur.NodeType, cur.PaneIDs
	*cur = *src.Clone()
	cur.ParentID, cur.NodeType, cur.PaneIDs = parentID, nodeType, panes
}

// Undo reverts the most recent applied patch
func (s *Store) Undo() bool {
	s.mu.Lock()
	p, ok := s.history.stepBack()
	var targets []string
	if ok {
		targets = s.applyLocked(p, true)
	}
	s.mu.Unlock()
	s.notify(targets...)
	return ok
}

// Redo reapplies the most recently undone patch
func (s *Store) Redo() bool {
	s.mu.Lock()
	p, ok := s.history.stepForward()
	var targets []string
	if ok {
		targets = s.applyLocked(p, false)
	}
	s.mu.Unlock()
	s.notify(targets...)
	return ok
}

// CanUndo reports whether Undo would do anything
func (s *Store) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

// CanRedo reports whether Redo would do anything
func (s *Store) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

// HistoryLen returns the number of recorded patches
func (s *Store) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

// applyLocked replays p forward or in reverse without recording it and
// returns the ids to notify.
func (s *Store) applyLocked(p Patch, reverse bool) []string {
	var targets []string
	insert := func() {
		s.insertNodesLocked(p.Payload.Nodes, p.Payload.Roots)
		for _, r := range p.Payload.Roots {
			targets = append(targets, notifyTarget(r.ParentID))
		}
	}
	remove := func() {
		roots := p.Payload.Roots
		for i := len(roots) - 1; i >= 0; i-- {
			s.removeSubtreeLocked(roots[i].NodeID)
			targets = append(targets, notifyTarget(roots[i].ParentID))
		}
	}

	switch p.Op {
	case OpAdd:
		if reverse {
			remove()
		} else {
			insert()
		}
	case OpDelete:
		if reverse {
			insert()
		} else {
			remove()
		}
	case OpMove:
		src, dst := p.Payload.From, p.Payload.To
		if reverse {
			src, dst = dst, src
		}
		if src == nil || dst == nil {
			return nil
		}
		removed, _, ok := s.removeSubtreeLocked(src.NodeID)
		if !ok {
			return nil
		}
		s.insertNodesLocked(removed, []Placement{{NodeID: dst.NodeID, ParentID: dst.ParentID, Index: dst.Index}})
		targets = append(targets, src.ParentID)
		if dst.ParentID != src.ParentID {
			targets = append(targets, dst.ParentID)
		}
	case OpUpdate:
		want := p.Payload.After
		if reverse {
			want = p.Payload.Before
		}
		if want == nil {
			return nil
		}
		if cur := s.nodes[want.ID]; cur != nil {
			s.replaceContentLocked(cur, want)
			targets = append(targets, want.ID)
		}
	}
	return targets
}

// Node returns a copy of the node with id
func (s *Store) Node(id string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	if n == nil {
		return Node{}, false
	}
	return *n.Clone(), true
}

// AllNodes returns a copy of every node keyed by id
func (s *Store) AllNodes() map[string]Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Node, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = *n.Clone()
	}
	return out
}

// Len returns the number of nodes
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// RootID returns the tree root, or "" for an empty store
func (s *Store) RootID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootID
}

// GetChildNodeIDs returns the ordered child ids of parentID. Unknown parents
// and leaves yield an empty slice.
func (s *Store) GetChildNodeIDs(parentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.children[parentID]...)
}

// ParentOf returns the parent id of id, or "" for the root and unknown ids
func (s *Store) ParentOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.nodes[id]; n != nil {
		return n.ParentID
	}
	return ""
}

// ClosestOfType returns id itself or its nearest ancestor of type t
func (s *Store) ClosestOfType(id string, t NodeType) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	if n == nil {
		return "", false
	}
	if n.NodeType == t {
		return id, true
	}
	for _, a := range s.ancestorsLocked(id) {
		if s.nodes[a].NodeType == t {
			return a, true
		}
	}
	return "", false
}

// StoryFragmentBySlug finds a story fragment id by slug
func (s *Store) StoryFragmentBySlug(slug string) (string, bool) {
	return s.findBy(func(n *Node) bool { return n.NodeType == NodeTypeStoryFragment && n.Slug == slug })
}

// ContextPaneBySlug finds a context pane id by slug
func (s *Store) ContextPaneBySlug(slug string) (string, bool) {
	return s.findBy(func(n *Node) bool { return n.NodeType == NodeTypePane && n.IsContextPane && n.Slug == slug })
}

func (s *Store) findBy(match func(*Node) bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.nodes {
		if match(n) {
			return id, true
		}
	}
	return "", false
}

// ImpressionsForPanes returns impression nodes owned by any of paneIDs,
// in pane order.
func (s *Store) ImpressionsForPanes(paneIDs []string) []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Node
	for _, p := range paneIDs {
		for _, c := range s.children[p] {
			if n := s.nodes[c]; n != nil && n.NodeType == NodeTypeImpression {
				out = append(out, *n.Clone())
			}
		}
	}
	return out
}

// PaneBeliefs returns the belief gating filters of a pane
func (s *Store) PaneBeliefs(paneID string) (held, withheld map[string][]string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[paneID]
	if n == nil || n.NodeType != NodeTypePane {
		return nil, nil, false
	}
	return cloneFilter(n.HeldBeliefs), cloneFilter(n.WithheldBeliefs), true
}

var decoratorTags = map[string]bool{"em": true, "strong": true}

// SetClickedNode records the clicked element, climbing past inline
// decorators to the element that owns them. Returns the recorded id.
func (s *Store) SetClickedNode(id string) string {
	s.mu.Lock()
	n := s.nodes[id]
	for n != nil && n.NodeType == NodeTypeTagElement && decoratorTags[n.TagName] {
		parent := s.nodes[n.ParentID]
		if parent == nil || parent.NodeType != NodeTypeTagElement {
			break
		}
		n = parent
	}
	prev := s.clickedID
	if n == nil {
		s.clickedID = ""
	} else {
		s.clickedID = n.ID
	}
	cur := s.clickedID
	s.mu.Unlock()

	if prev != "" && prev != cur {
		s.notify(prev)
	}
	if cur != "" {
		s.notify(cur)
	}
	return cur
}

// ClickedNodeID returns the last recorded clicked element
func (s *Store) ClickedNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clickedID
}
