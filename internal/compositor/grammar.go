package compositor

// InsertPermission says on which side of a target a new element may go
type InsertPermission struct {
	AllowInsertBefore bool `json:"allowInsertBefore"`
	AllowInsertAfter  bool `json:"allowInsertAfter"`
}

// Any reports whether either side is allowed
func (p InsertPermission) Any() bool { return p.AllowInsertBefore || p.AllowInsertAfter }

// ToolAddModes are the element kinds the editor toolbar can insert
var ToolAddModes = []string{"p", "h2", "h3", "h4", "img", "signup", "yt", "bunny", "belief", "identify", "toggle", "aside"}

// widgetModes render as code elements
var widgetModes = map[string]bool{
	"signup": true, "yt": true, "bunny": true, "belief": true, "identify": true, "toggle": true,
}

// containerKey is the grammar key for children of a Markdown node
const containerKey = "markdown"

// childGrammar maps a container (tag name, or containerKey) to the tags it
// may hold as direct children.
var childGrammar = map[string]map[string]bool{
	containerKey: tagSet("p", "h2", "h3", "h4", "h5", "img", "code", "ol", "ul", "aside"),
	"ol":         tagSet("li"),
	"ul":         tagSet("li"),
	"li":         tagSet("img", "text", "a", "button", "em", "strong", "span"),
	"p":          tagSet("text", "a", "button", "em", "strong", "span", "img"),
	"h2":         tagSet("text", "em", "strong", "span", "a"),
	"h3":         tagSet("text", "em", "strong", "span", "a"),
	"h4":         tagSet("text", "em", "strong", "span", "a"),
	"h5":         tagSet("text", "em", "strong", "span", "a"),
	"aside":      tagSet("ol", "ul", "p"),
	"a":          tagSet("text"),
	"button":     tagSet("text"),
	"em":         tagSet("text"),
	"strong":     tagSet("text"),
}

// inlineTags never accept block siblings
var inlineTags = tagSet("text", "a", "button", "em", "strong", "span")

// sealedTags accept no neighbours at all
var sealedTags = tagSet("parent", "modal")

func tagSet(tags ...string) map[string]bool {
	m := make(map[string]bool, len(tags))
	for _, t := range tags {
		m[t] = true
	}
	return m
}

// insertTag maps a toolbar mode to the tag it produces
func insertTag(mode string) string {
	if widgetModes[mode] {
		return "code"
	}
	return mode
}

func (s *Store) containerKeyLocked(parentID string) (string, bool) {
	parent := s.nodes[parentID]
	switch {
	case parent == nil:
		return "", false
	case parent.NodeType == NodeTypeMarkdown:
		return containerKey, true
	case parent.NodeType == NodeTypeTagElement:
		return parent.TagName, true
	}
	return "", false
}

// AllowInsert reports whether an element of mode may be inserted directly
// before or after targetID. The mutation API does not recheck this.
func (s *Store) AllowInsert(targetID, mode string) InsertPermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowInsertLocked(targetID, mode)
}

func (s *Store) allowInsertLocked(targetID, mode string) InsertPermission {
	target := s.nodes[targetID]
	if target == nil || target.NodeType != NodeTypeTagElement || sealedTags[target.TagName] {
		return InsertPermission{}
	}
	if target.TagName == "li" {
		return s.allowInsertLiLocked(target, mode)
	}
	tag := insertTag(mode)
	if inlineTags[target.TagName] && !inlineTags[tag] {
		return InsertPermission{}
	}
	key, ok := s.containerKeyLocked(target.ParentID)
	if !ok || !childGrammar[key][tag] {
		return InsertPermission{}
	}
	return InsertPermission{AllowInsertBefore: true, AllowInsertAfter: true}
}

// AllowInsertLi is AllowInsert for list item targets. List items and
// gallery images go beside the item; other blocks may only leave the list
// from its first item (before) or last item (after).
func (s *Store) AllowInsertLi(targetID, mode string) InsertPermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.nodes[targetID]
	if target == nil || target.TagName != "li" {
		return InsertPermission{}
	}
	return s.allowInsertLiLocked(target, mode)
}

func (s *Store) allowInsertLiLocked(target *Node, mode string) InsertPermission {
	tag := insertTag(mode)
	if tag == "li" || (tag == "img" && s.holdsImageLocked(target.ID)) {
		return InsertPermission{AllowInsertBefore: true, AllowInsertAfter: true}
	}

	list := s.nodes[target.ParentID]
	if list == nil {
		return InsertPermission{}
	}
	key, ok := s.containerKeyLocked(list.ParentID)
	if !ok || !childGrammar[key][tag] {
		return InsertPermission{}
	}
	siblings := s.children[list.ID]
	return InsertPermission{
		AllowInsertBefore: len(siblings) > 0 && siblings[0] == target.ID,
		AllowInsertAfter:  len(siblings) > 0 && siblings[len(siblings)-1] == target.ID,
	}
}

func (s *Store) holdsImageLocked(id string) bool {
	for _, c := range s.children[id] {
		if n := s.nodes[c]; n != nil && n.TagName == "img" {
			return true
		}
	}
	return false
}

// ResolveAnchor returns the node an allowed insertion actually attaches to.
// A block leaving a list through its first or last item anchors on the list.
func (s *Store) ResolveAnchor(targetID, mode string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.nodes[targetID]
	if target == nil || target.TagName != "li" {
		return targetID
	}
	tag := insertTag(mode)
	if tag == "li" || (tag == "img" && s.holdsImageLocked(targetID)) {
		return targetID
	}
	return target.ParentID
}

// TemplateFor returns a fresh copy of the starter template for a toolbar
// mode. Unknown modes fall back to a paragraph.
func TemplateFor(mode string) *Template {
	text := func(body string) *Template {
		return &Template{Node: Node{NodeType: NodeTypeTagElement, TagName: "text", Copy: body}}
	}
	tag := func(name string, nodes ...*Template) *Template {
		return &Template{Node: Node{NodeType: NodeTypeTagElement, TagName: name}, Nodes: nodes}
	}
	widget := func(hook, payload string) *Template {
		t := tag("code", text(hook+"("+payload+")"))
		t.CodeHookTarget = hook
		return t
	}

	switch mode {
	case "h2":
		return tag("h2", text("Heading"))
	case "h3":
		return tag("h3", text("Subheading"))
	case "h4":
		return tag("h4", text("Section heading"))
	case "img":
		t := tag("img")
		t.Src = "/static.jpg"
		t.Alt = "Placeholder image"
		return t
	case "toggle":
		return widget("toggle", "BELIEF|Toggle prompt")
	case "yt":
		return widget("youtube", "EMBED|Title")
	case "bunny":
		return widget("bunny", "EMBED|Title")
	case "belief":
		return widget("belief", "BELIEF|likert|Belief prompt")
	case "identify":
		return widget("identifyAs", "BELIEF|TARGET_VALUE|Identify prompt")
	case "signup":
		return widget("signup", "Email sign up|Keep me updated|false")
	case "aside":
		return tag("aside", tag("ol", tag("li", text("Aside"))))
	default:
		return tag("p", text("Paragraph"))
	}
}
