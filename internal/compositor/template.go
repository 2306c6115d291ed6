package compositor

// instantiateLocked clones t with a fresh id for every node and returns the
// copies parents first. The clone's root is parented to parentID.
func (s *Store) instantiateLocked(t *Template, parentID string) []Node {
	var out []Node
	var walk func(t *Template, parentID string)
	walk = func(t *Template, parentID string) {
		n := t.Node.Clone()
		n.ID = s.newID()
		n.ParentID = parentID
		n.PaneIDs = nil
		out = append(out, *n)
		for _, child := range t.Nodes {
			if child != nil {
				walk(child, n.ID)
			}
		}
	}
	walk(t, parentID)
	return out
}

func isContainer(n *Node) bool {
	return n != nil && (n.NodeType == NodeTypeMarkdown || n.NodeType == NodeTypeTagElement)
}

// AddTemplateNode clones tmpl into parentID, a Markdown node or a tag
// container below one. With an anchor the clone lands before or after it in
// the anchor's own parent, which must be parentID or sit below it; without
// one it is appended. Returns the id of the inserted root, or false when the
// parent or anchor is invalid.
func (s *Store) AddTemplateNode(parentID string, tmpl *Template, anchorID string, loc Location) (string, bool) {
	if tmpl == nil {
		return "", false
	}
	s.mu.Lock()
	parent := s.nodes[parentID]
	if !isContainer(parent) {
		s.mu.Unlock()
		s.log.Debug("addTemplateNode: invalid parent", "parent", parentID)
		return "", false
	}

	target, index := parentID, -1
	if anchorID != "" && (loc == LocationBefore || loc == LocationAfter) {
		anchor := s.nodes[anchorID]
		if anchor == nil || (anchor.ParentID != parentID && !s.isDescendantLocked(anchor.ParentID, parentID)) {
			s.mu.Unlock()
			s.log.Debug("addTemplateNode: anchor outside parent", "parent", parentID, "anchor", anchorID)
			return "", false
		}
		target = anchor.ParentID
		index = s.indexOfLocked(target, anchorID)
		if loc == LocationAfter {
			index++
		}
	}

	nodes := s.instantiateLocked(tmpl, target)
	if !s.linkLocked(nodes[0].Clone(), index) {
		s.mu.Unlock()
		return "", false
	}
	for _, n := range nodes[1:] {
		s.linkLocked(n.Clone(), -1)
	}
	root := Placement{NodeID: nodes[0].ID, ParentID: target, Index: s.indexOfLocked(target, nodes[0].ID)}
	s.history.Add(Patch{Op: OpAdd, Payload: Payload{Nodes: nodes, Roots: []Placement{root}}})
	s.mu.Unlock()

	s.notify(target)
	return root.NodeID, true
}

// AddTemplatePane clones a pane and its markdown into a story fragment (or
// the root for context panes), positioned relative to an existing pane.
func (s *Store) AddTemplatePane(ownerID string, tmpl *PaneTemplate, anchorID string, loc Location) (string, bool) {
	if tmpl == nil {
		return "", false
	}
	s.mu.Lock()
	owner := s.nodes[ownerID]
	if owner == nil || (owner.NodeType != NodeTypeStoryFragment && owner.NodeType != NodeTypeRoot) {
		s.mu.Unlock()
		s.log.Debug("addTemplatePane: invalid owner", "owner", ownerID)
		return "", false
	}

	index := -1
	if anchorID != "" && (loc == LocationBefore || loc == LocationAfter) {
		index = s.indexOfLocked(ownerID, anchorID)
		if index < 0 {
			s.mu.Unlock()
			return "", false
		}
		if loc == LocationAfter {
			index++
		}
	}

	pane := &Template{Node: tmpl.Pane}
	pane.NodeType = NodeTypePane
	if tmpl.Markdown != nil {
		md := *tmpl.Markdown
		md.NodeType = NodeTypeMarkdown
		pane.Nodes = []*Template{&md}
	}
	nodes := s.instantiateLocked(pane, ownerID)
	if !s.linkLocked(nodes[0].Clone(), index) {
		s.mu.Unlock()
		return "", false
	}
	for _, n := range nodes[1:] {
		s.linkLocked(n.Clone(), -1)
	}
	root := Placement{NodeID: nodes[0].ID, ParentID: ownerID, Index: s.indexOfLocked(ownerID, nodes[0].ID)}
	s.history.Add(Patch{Op: OpAdd, Payload: Payload{Nodes: nodes, Roots: []Placement{root}}})
	s.mu.Unlock()

	s.notify(ownerID)
	return root.NodeID, true
}
