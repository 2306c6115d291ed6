package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storykeep/internal/analytics"
	"storykeep/internal/compositor"
	"storykeep/internal/db"
)

// runCmd executes the root command with fresh flag values
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dbPath, configPath, logLevel, tenantFlag = "", "", "", ""
	treeJSON, treeBefore, analyticsJSON, epinetJSON = false, false, false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func quietEnv(t *testing.T) {
	t.Setenv("STORYKEEP_DB", "")
	t.Setenv("STORYKEEP_CONFIG", "")
	t.Setenv("STORYKEEP_LOG_LEVEL", "error")
}

func initDB(t *testing.T) string {
	t.Helper()
	quietEnv(t)
	path := filepath.Join(t.TempDir(), "test.db")
	if _, err := runCmd(t, "db", "init", "--db", path); err != nil {
		t.Fatalf("db init: %v", err)
	}
	return path
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverDB(t *testing.T) {
	quietEnv(t)
	cfg.DBPath = ""

	dir := t.TempDir()
	envDB := filepath.Join(dir, "env.db")
	touch(t, envDB)

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("STORYKEEP_DB", envDB)
		dbPath = filepath.Join(dir, "missing.db")
		defer func() { dbPath = "" }()
		got, err := DiscoverDB()
		if err != nil || got != envDB {
			t.Errorf("DiscoverDB() = %q, %v; want %q", got, err, envDB)
		}
	})

	t.Run("missing flag path", func(t *testing.T) {
		dbPath = filepath.Join(dir, "missing.db")
		defer func() { dbPath = "" }()
		if _, err := DiscoverDB(); err == nil || !strings.Contains(err.Error(), "--db") {
			t.Errorf("expected --db error, got %v", err)
		}
	})

	t.Run("walk up", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, dbFileName))
		sub := filepath.Join(root, "a", "b")
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		t.Chdir(sub)
		got, err := DiscoverDB()
		if err != nil {
			t.Fatal(err)
		}
		want, _ := os.Stat(filepath.Join(root, dbFileName))
		have, _ := os.Stat(got)
		if !os.SameFile(want, have) {
			t.Errorf("DiscoverDB() = %q, want the walk-up database", got)
		}
	})
}

func TestTolerateBusy(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"throttled", analytics.ErrThrottled, nil},
		{"lock held", fmt.Errorf("load: %w", analytics.ErrLockHeld), nil},
		{"other", boom, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tolerateBusy(tt.in); !errors.Is(got, tt.want) || (tt.want == nil && got != nil) {
				t.Errorf("tolerateBusy(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNodeLabel(t *testing.T) {
	tests := []struct {
		node compositor.Node
		want string
	}{
		{compositor.Node{NodeType: compositor.NodeTypeTagElement, TagName: "p"}, "<p>"},
		{compositor.Node{NodeType: compositor.NodeTypeTagElement, TagName: "text", Copy: "Hello"}, `"Hello"`},
		{compositor.Node{NodeType: compositor.NodeTypePane, Title: "Hero"}, "Pane Hero"},
		{compositor.Node{NodeType: compositor.NodeTypeMarkdown}, "Markdown"},
	}
	for _, tt := range tests {
		if got := nodeLabel(tt.node); got != tt.want {
			t.Errorf("nodeLabel(%+v) = %q, want %q", tt.node, got, tt.want)
		}
	}
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Errorf("truncate = %q", got)
	}
}

const treeFixture = `[
	{"id": "root", "nodeType": "Root"},
	{"id": "sf", "parentId": "root", "nodeType": "StoryFragment", "title": "Home", "slug": "home"},
	{"id": "pane", "parentId": "sf", "nodeType": "Pane", "title": "Hero"},
	{"id": "md", "parentId": "pane", "nodeType": "Markdown"},
	{"id": "h2_1", "parentId": "md", "nodeType": "TagElement", "tagName": "h2"},
	{"id": "p_1", "parentId": "md", "nodeType": "TagElement", "tagName": "p"}
]`

func TestTreeCommands(t *testing.T) {
	path := initDB(t)
	fixture := filepath.Join(t.TempDir(), "tree.json")
	if err := os.WriteFile(fixture, []byte(treeFixture), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "tree", "import", fixture, "--db", path)
	if err != nil || !strings.Contains(out, "Imported 6 of 6 nodes") {
		t.Fatalf("import: %q, %v", out, err)
	}

	out, err = runCmd(t, "tree", "insert", "p_1", "p", "--db", path)
	if err != nil || !strings.HasPrefix(out, "Inserted p ") {
		t.Fatalf("insert: %q, %v", out, err)
	}

	if _, err := runCmd(t, "tree", "insert", "root", "p", "--db", path); err == nil {
		t.Error("inserting next to the root should be refused")
	}

	out, err = runCmd(t, "tree", "show", "md", "--db", path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(out, "<p>"); n != 2 {
		t.Errorf("expected 2 paragraphs after insert, got %d:\n%s", n, out)
	}
	if !strings.Contains(out, `"Paragraph"`) {
		t.Errorf("inserted paragraph should carry starter text:\n%s", out)
	}

	if _, err := runCmd(t, "tree", "move", "h2_1", "p_1", "--db", path); err != nil {
		t.Fatalf("move: %v", err)
	}
	d, err := db.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := compositor.LoadFromDB(context.Background(), d, compositor.DefaultConfig())
	d.Close()
	if err != nil {
		t.Fatal(err)
	}
	kids := s.GetChildNodeIDs("md")
	if len(kids) != 3 || kids[0] != "p_1" || kids[1] != "h2_1" {
		t.Errorf("children after move = %v", kids)
	}

	out, err = runCmd(t, "tree", "delete", "pane", "--db", path)
	if err != nil || !strings.Contains(out, "Deleted 6 nodes") {
		t.Errorf("delete: %q, %v", out, err)
	}
	if _, err := runCmd(t, "tree", "delete", "pane", "--db", path); err == nil {
		t.Error("deleting a missing node should fail")
	}
}

func TestAnalyticsCommandsOnEmptyDatabase(t *testing.T) {
	path := initDB(t)

	out, err := runCmd(t, "analytics", "content", "--db", path)
	if err != nil || !strings.Contains(out, "No content activity") {
		t.Errorf("content: %q, %v", out, err)
	}

	out, err = runCmd(t, "analytics", "leads", "--json", "--db", path)
	if err != nil || !strings.Contains(out, `"status": "complete"`) {
		t.Errorf("leads: %q, %v", out, err)
	}
}

func TestEpinetList(t *testing.T) {
	path := initDB(t)
	d, err := db.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	err = d.ExecuteQueries(context.Background(), []db.Query{{
		SQL:  `INSERT INTO epinets (id, title, options_payload) VALUES ('e1', 'Signup', ?)`,
		Args: []any{`{"steps":[{"gateType":"belief","values":["BELIEVES_YES"]}],"promoted":true}`},
	}})
	d.Close()
	if err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "epinet", "list", "--db", path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "e1  Signup (promoted)  1 steps"; !strings.Contains(out, want) {
		t.Errorf("epinet list = %q, want %q", out, want)
	}

	if _, err := runCmd(t, "epinet", "metrics", "e1", "--duration", "hourly", "--db", path); err == nil {
		t.Error("unknown duration should fail")
	}
}
