package compositor

import (
	"context"
	"reflect"
	"testing"

	"storykeep/internal/db"
)

func TestSaveAndLoadFromDB(t *testing.T) {
	ctx := context.Background()
	d, err := db.OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}

	s := newFixtureStore(t)
	s.UpdateNode(Node{ID: "h2_1", TagName: "h2", OverrideClasses: map[string]string{"mobile": "text-lg"}})
	s.MoveNode("li_2", "li_1", LocationBefore)

	if err := SaveToDB(ctx, d, s); err != nil {
		t.Fatalf("SaveToDB: %v", err)
	}
	loaded, err := LoadFromDB(ctx, d, testConfig())
	if err != nil {
		t.Fatalf("LoadFromDB: %v", err)
	}

	if !reflect.DeepEqual(treeState(loaded), treeState(s)) {
		t.Errorf("loaded tree differs from saved tree")
	}
	assertChildren(t, loaded, "ul_1", "li_2", "li_1")
	if loaded.HistoryLen() != 0 {
		t.Error("loading should start with empty history")
	}
}
