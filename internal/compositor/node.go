package compositor

// NodeType tags the kind of a compositor node
type NodeType string

const (
	NodeTypeRoot          NodeType = "Root"
	NodeTypeFile          NodeType = "File"
	NodeTypeMenu          NodeType = "Menu"
	NodeTypeResource      NodeType = "Resource"
	NodeTypeTractStack    NodeType = "TractStack"
	NodeTypeStoryFragment NodeType = "StoryFragment"
	NodeTypePane          NodeType = "Pane"
	NodeTypeBgPane        NodeType = "BgPane"
	NodeTypeImpression    NodeType = "Impression"
	NodeTypeMarkdown      NodeType = "Markdown"
	NodeTypeTagElement    NodeType = "TagElement"
	NodeTypeBelief        NodeType = "Belief"
)

// RootNodeName is the subscription alias that fires whenever a notification
// reaches the tree root.
const RootNodeName = "root"

// Node is a single addressable unit in the content tree. Structural fields
// (ID, ParentID, NodeType) are owned by the Store; the rest is content.
type Node struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parentId,omitempty"`
	NodeType NodeType `json:"nodeType"`

	TagName      string `json:"tagName,omitempty"`
	Copy         string `json:"copy,omitempty"`
	Href         string `json:"href,omitempty"`
	Src          string `json:"src,omitempty"`
	Alt          string `json:"alt,omitempty"`
	Title        string `json:"title,omitempty"`
	Slug         string `json:"slug,omitempty"`
	MarkdownBody string `json:"markdownBody,omitempty"`

	ElementCSS      string            `json:"elementCss,omitempty"`
	OverrideClasses map[string]string `json:"overrideClasses,omitempty"` // viewport -> classes

	// Belief gating filters: belief slug -> accepted values
	HeldBeliefs     map[string][]string `json:"heldBeliefs,omitempty"`
	WithheldBeliefs map[string][]string `json:"withheldBeliefs,omitempty"`

	PaneIDs       []string `json:"paneIds,omitempty"` // StoryFragment only, mirrors child order
	IsContextPane bool     `json:"isContextPane,omitempty"`

	CodeHookTarget  string            `json:"codeHookTarget,omitempty"`
	CodeHookPayload map[string]string `json:"codeHookPayload,omitempty"`
}

// Clone returns a deep copy of n
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.OverrideClasses = cloneStringMap(n.OverrideClasses)
	c.CodeHookPayload = cloneStringMap(n.CodeHookPayload)
	c.HeldBeliefs = cloneFilter(n.HeldBeliefs)
	c.WithheldBeliefs = cloneFilter(n.WithheldBeliefs)
	if n.PaneIDs != nil {
		c.PaneIDs = append([]string(nil), n.PaneIDs...)
	}
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFilter(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Template is a pre-authored node subtree cloned on insertion
type Template struct {
	Node
	Nodes []*Template `json:"nodes,omitempty"`
}

// PaneTemplate seeds a new pane with its markdown block
type PaneTemplate struct {
	Pane     Node      `json:"pane"`
	Markdown *Template `json:"markdown,omitempty"`
}
