package compositor

import "sync"

// DragState is the coordinator's gesture phase
type DragState int

const (
	DragIdle DragState = iota
	DragDragging
	DragHovering
)

func (d DragState) String() string {
	switch d {
	case DragDragging:
		return "dragging"
	case DragHovering:
		return "hovering"
	default:
		return "idle"
	}
}

// TargetRect is the bounding box of a hovered element in page coordinates
type TargetRect struct {
	NodeID string
	Top    float64
	Bottom float64
}

// Contains reports whether y falls inside the rect
func (r TargetRect) Contains(y float64) bool { return y >= r.Top && y <= r.Bottom }

// Midpoint is the vertical center of the rect
func (r TargetRect) Midpoint() float64 { return (r.Top + r.Bottom) / 2 }

// DragSource records where the dragged subtree came from
type DragSource struct {
	NodeID     string `json:"nodeId"`
	Mode       string `json:"mode"`
	FragmentID string `json:"fragmentId,omitempty"`
	PaneID     string `json:"paneId,omitempty"`
	ParentID   string `json:"parentId"`
	Index      int    `json:"index"`
}

// Hover is the current drop candidate
type Hover struct {
	TargetID  string   `json:"targetId"`
	AnchorID  string   `json:"anchorId"`
	Preferred Location `json:"preferred"`
	Location  Location `json:"location"`
}

// DragCoordinator turns pointer gestures into validated moves. One gesture
// at a time; Start while a gesture is active is refused.
type DragCoordinator struct {
	store *Store

	mu     sync.Mutex
	state  DragState
	source *DragSource
	hover  *Hover
}

// NewDragCoordinator returns an idle coordinator over store
func NewDragCoordinator(store *Store) *DragCoordinator {
	return &DragCoordinator{store: store}
}

// State returns the gesture phase
func (c *DragCoordinator) State() DragState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Source returns the dragged node's origin, if dragging
func (c *DragCoordinator) Source() (DragSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source == nil {
		return DragSource{}, false
	}
	return *c.source, true
}

// Hover returns the current hover target, if any
func (c *DragCoordinator) Hover() (Hover, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hover == nil {
		return Hover{}, false
	}
	return *c.hover, true
}

// GhostVisible reports whether an insertion preview should be drawn
func (c *DragCoordinator) GhostVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hover != nil && c.hover.Location != LocationNone
}

// Start begins dragging nodeID. Only tag elements can be dragged.
func (c *DragCoordinator) Start(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != DragIdle {
		return false
	}

	s := c.store
	s.mu.Lock()
	n := s.nodes[nodeID]
	if n == nil || n.NodeType != NodeTypeTagElement || n.ParentID == "" {
		s.mu.Unlock()
		return false
	}
	src := &DragSource{
		NodeID:   nodeID,
		Mode:     dragMode(n),
		ParentID: n.ParentID,
		Index:    s.indexOfLocked(n.ParentID, nodeID),
	}
	for _, a := range s.ancestorsLocked(nodeID) {
		switch s.nodes[a].NodeType {
		case NodeTypePane:
			if src.PaneID == "" {
				src.PaneID = a
			}
		case NodeTypeStoryFragment:
			if src.FragmentID == "" {
				src.FragmentID = a
			}
		}
	}
	s.mu.Unlock()

	c.source = src
	c.hover = nil
	c.state = DragDragging
	return true
}

func dragMode(n *Node) string {
	if n.CodeHookTarget != "" {
		return "code"
	}
	return n.TagName
}

// Move updates the hover from the pointer position. The preferred side comes
// from the target's midpoint; if the grammar refuses it the other side is
// tried, then LocationNone. Returns the resolved location.
func (c *DragCoordinator) Move(pointerY float64, target TargetRect) Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == DragIdle {
		return LocationNone
	}
	if !target.Contains(pointerY) || target.NodeID == "" {
		c.hover = nil
		c.state = DragDragging
		return LocationNone
	}

	s := c.store
	s.mu.Lock()
	_, exists := s.nodes[target.NodeID]
	inside := target.NodeID == c.source.NodeID || s.isDescendantLocked(target.NodeID, c.source.NodeID)
	var perm InsertPermission
	if exists && !inside {
		perm = s.allowInsertLocked(target.NodeID, c.source.Mode)
	}
	s.mu.Unlock()
	if !exists {
		c.hover = nil
		c.state = DragDragging
		return LocationNone
	}

	preferred := LocationAfter
	if pointerY < target.Midpoint() {
		preferred = LocationBefore
	}
	loc := resolveLocation(preferred, perm)

	anchor := target.NodeID
	if loc != LocationNone {
		anchor = c.store.ResolveAnchor(target.NodeID, c.source.Mode)
	}
	c.hover = &Hover{TargetID: target.NodeID, AnchorID: anchor, Preferred: preferred, Location: loc}
	c.state = DragHovering
	return loc
}

func resolveLocation(preferred Location, perm InsertPermission) Location {
	before, after := perm.AllowInsertBefore, perm.AllowInsertAfter
	switch {
	case preferred == LocationBefore && before:
		return LocationBefore
	case preferred == LocationAfter && after:
		return LocationAfter
	case before:
		return LocationBefore
	case after:
		return LocationAfter
	}
	return LocationNone
}

// Leave clears the hover when the pointer exits every target
func (c *DragCoordinator) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == DragHovering {
		c.hover = nil
		c.state = DragDragging
	}
}

// Drop finishes the gesture. With a valid hover the dragged subtree is moved
// and true is returned; otherwise the tree is untouched.
func (c *DragCoordinator) Drop() bool {
	c.mu.Lock()
	src, hover := c.source, c.hover
	c.reset()
	c.mu.Unlock()

	if src == nil || hover == nil || hover.Location == LocationNone {
		return false
	}
	return c.store.MoveNode(src.NodeID, hover.AnchorID, hover.Location)
}

// Cancel abandons the gesture without mutating the tree
func (c *DragCoordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *DragCoordinator) reset() {
	c.state = DragIdle
	c.source = nil
	c.hover = nil
}
