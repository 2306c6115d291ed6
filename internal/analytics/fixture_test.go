package analytics

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storykeep/internal/db"
)

const tenant = "default"

// testNow sits half way through the 2024-03-10-05 hour
var testNow = time.Date(2024, 3, 10, 5, 30, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig(c *testClock) Config {
	cfg := DefaultConfig()
	cfg.Now = c.Now
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.InitSchema(context.Background()))
	return d
}

// at renders the time minutes past the hour that is hoursAgo before testNow
func at(hoursAgo, minutes int) string {
	base := testNow.Truncate(time.Hour)
	return db.FormatTime(base.Add(-time.Duration(hoursAgo)*time.Hour + time.Duration(minutes)*time.Minute))
}

func mustExec(t *testing.T, d *db.DB, sql string, args ...any) {
	t.Helper()
	require.NoError(t, d.ExecuteQueries(context.Background(), []db.Query{{SQL: sql, Args: args}}))
}

const funnelPayload = `{"steps":[
	{"gateType":"commitmentAction","title":"Viewed","values":["PAGEVIEWED"],"objectType":"StoryFragment"},
	{"gateType":"belief","title":"Believers","values":["BELIEVES_YES"]},
	{"gateType":"conversionAction","title":"Clicked","values":["CLICKED"],"objectType":"Pane","objectIds":["pane1"]}
],"promoted":true}`

// Node ids of the funnel steps applied to the seeded content
const (
	nodeViewed  = "commitmentAction-StoryFragment-PAGEVIEWED-sf1"
	nodeBelief  = "belief-BELIEVES_YES-b1"
	nodeClicked = "conversionAction-Pane-CLICKED-pane1"
)

// seedEvents loads one lead, three anonymous visitors and a funnel.
// Current hour: fp_a views and reads sf1 and believes, fp_b views sf1,
// fp_known believes and clicks pane1. Two hours ago fp_c views sf1.
// Thirty hours ago fp_a views sf1.
func seedEvents(t *testing.T, d *db.DB) {
	t.Helper()
	mustExec(t, d, `INSERT INTO leads (id, email, created_at) VALUES ('lead1', 'a@example.com', ?)`, at(100, 0))
	for _, fp := range []struct{ id, lead string }{{"fp_known", "lead1"}, {"fp_a", ""}, {"fp_b", ""}, {"fp_c", ""}} {
		var lead any
		if fp.lead != "" {
			lead = fp.lead
		}
		mustExec(t, d, `INSERT INTO fingerprints (id, lead_id, created_at) VALUES (?, ?, ?)`, fp.id, lead, at(100, 0))
	}
	mustExec(t, d, `INSERT INTO storyfragments (id, title, slug) VALUES ('sf1', 'Home', 'home')`)
	mustExec(t, d, `INSERT INTO panes (id, title, slug) VALUES ('pane1', 'Hero', 'hero')`)
	mustExec(t, d, `INSERT INTO beliefs (id, title, slug) VALUES ('b1', 'Likes Go', 'likes-go')`)

	visits := []struct {
		id, fp string
		ago, m int
	}{
		{"v1", "fp_a", 0, 5}, {"v2", "fp_b", 0, 10}, {"v3", "fp_known", 0, 15},
		{"v4", "fp_c", 2, 0}, {"v5", "fp_a", 30, 0},
	}
	for _, v := range visits {
		mustExec(t, d, `INSERT INTO visits (id, fingerprint_id, created_at) VALUES (?, ?, ?)`, v.id, v.fp, at(v.ago, v.m))
	}

	actions := []struct {
		id, obj, typ, verb, fp string
		ago, m                 int
	}{
		{"a1", "sf1", "StoryFragment", "PAGEVIEWED", "fp_a", 0, 6},
		{"a2", "sf1", "StoryFragment", "PAGEVIEWED", "fp_b", 0, 11},
		{"a3", "sf1", "StoryFragment", "READ", "fp_a", 0, 7},
		{"a4", "pane1", "Pane", "CLICKED", "fp_known", 0, 16},
		{"a5", "sf1", "StoryFragment", "PAGEVIEWED", "fp_c", 2, 1},
		{"a6", "sf1", "StoryFragment", "PAGEVIEWED", "fp_a", 30, 1},
	}
	for _, a := range actions {
		mustExec(t, d, `INSERT INTO actions (id, object_id, object_type, verb, fingerprint_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			a.id, a.obj, a.typ, a.verb, a.fp, at(a.ago, a.m))
	}

	mustExec(t, d, `INSERT INTO heldbeliefs (id, belief_id, fingerprint_id, verb, object, updated_at) VALUES ('hb1', 'b1', 'fp_a', 'BELIEVES_YES', NULL, ?)`, at(0, 8))
	mustExec(t, d, `INSERT INTO heldbeliefs (id, belief_id, fingerprint_id, verb, object, updated_at) VALUES ('hb2', 'b1', 'fp_known', 'BELIEVES_YES', NULL, ?)`, at(0, 17))
	mustExec(t, d, `INSERT INTO epinets (id, title, options_payload) VALUES ('e1', 'Main funnel', ?)`, funnelPayload)
}
