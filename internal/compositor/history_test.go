package compositor

import (
	"reflect"
	"testing"
)

func TestUndoRedo_RoundTrip(t *testing.T) {
	mutations := []struct {
		name string
		do   func(s *Store)
	}{
		{"delete leaf subtree", func(s *Store) { s.DeleteNode("p_1") }},
		{"delete pane", func(s *Store) { s.DeleteNode("pane") }},
		{"delete children", func(s *Store) { s.DeleteChildren("md") }},
		{"template after", func(s *Store) { s.AddTemplateNode("md", TemplateFor("yt"), "h2_1", LocationAfter) }},
		{"template pane", func(s *Store) {
			s.AddTemplatePane("sf", &PaneTemplate{Markdown: &Template{}}, "pane", LocationAfter)
		}},
		{"add nodes", func(s *Store) { s.AddNodes(tag("x", "md", "p"), tag("xt", "x", "text")) }},
		{"move within list", func(s *Store) { s.MoveNode("li_2", "li_1", LocationBefore) }},
		{"move across parents", func(s *Store) { s.MoveNode("p_1em", "li_1", LocationAfter) }},
		{"update", func(s *Store) { s.UpdateNode(Node{ID: "h2_1", TagName: "h3", Copy: "changed"}) }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			s := newFixtureStore(t)
			pre := treeState(s)
			m.do(s)
			post := treeState(s)
			if reflect.DeepEqual(pre, post) {
				t.Fatal("mutation had no effect")
			}

			if !s.Undo() {
				t.Fatal("Undo returned false")
			}
			if got := treeState(s); !reflect.DeepEqual(got, pre) {
				t.Errorf("undo did not restore pre-mutation state\n got: %v\nwant: %v", got, pre)
			}
			if !s.Redo() {
				t.Fatal("Redo returned false")
			}
			if got := treeState(s); !reflect.DeepEqual(got, post) {
				t.Errorf("redo did not restore post-mutation state\n got: %v\nwant: %v", got, post)
			}
		})
	}
}

func TestUndo_EmptyHistory(t *testing.T) {
	s := newFixtureStore(t)
	if s.Undo() || s.Redo() {
		t.Error("undo/redo on empty history should report false")
	}
	if s.CanUndo() || s.CanRedo() {
		t.Error("nothing to undo or redo")
	}
}

func TestNewPatchTruncatesRedoTail(t *testing.T) {
	s := newFixtureStore(t)
	s.DeleteNode("p_1")
	s.DeleteNode("h2_1")
	s.Undo()
	s.Undo()
	if !s.CanRedo() {
		t.Fatal("expected redo available")
	}

	s.DeleteNode("ul_1")
	if s.CanRedo() {
		t.Error("new mutation must truncate the redo tail")
	}
	if s.HistoryLen() != 1 {
		t.Errorf("history len = %d, want 1", s.HistoryLen())
	}
	assertChildren(t, s, "md", "h2_1", "p_1")
}

func TestUndo_FiresNotifications(t *testing.T) {
	s := newFixtureStore(t)
	s.DeleteNode("p_1")
	fired := 0
	s.Subscribe("md", func(string) { fired++ })
	s.Undo()
	if fired != 1 {
		t.Errorf("undo fired %d notifications on md, want 1", fired)
	}
}

func TestHistory_Limit(t *testing.T) {
	h := NewHistory(2)
	for i := 0; i < 3; i++ {
		h.Add(Patch{Op: OpUpdate})
	}
	if h.Len() != 2 || h.Cursor() != 2 {
		t.Errorf("len=%d cursor=%d, want 2/2", h.Len(), h.Cursor())
	}
	if NewHistory(0).limit != DefaultHistoryLimit {
		t.Error("non-positive limit should fall back to the default")
	}
}
