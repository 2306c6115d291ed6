package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storykeep/internal/db"
)

func newTestEpinetLoader(t *testing.T) (*EpinetLoader, *db.DB, *testClock) {
	t.Helper()
	d := setupTestDB(t)
	seedEvents(t, d)
	clk := newTestClock()
	return NewEpinetLoader(d, nil, testConfig(clk)), d, clk
}

func TestEpinetLoader_LoadBuildsHourBuckets(t *testing.T) {
	l, _, _ := newTestEpinetLoader(t)
	require.NoError(t, l.Load(context.Background(), tenant))

	data, ok := l.Store().Get(tenant)
	require.True(t, ok)
	assert.Equal(t, "2024-03-10-05", data.LastFullHour)
	assert.True(t, l.Store().IsCacheValid(tenant))

	byHour := data.Epinets["e1"]
	require.NotNil(t, byHour)
	assert.Len(t, byHour, MaxAnalyticsHours)

	now := byHour["2024-03-10-05"]
	require.NotNil(t, now)
	require.Contains(t, now.Steps, nodeViewed)
	assert.Equal(t, []string{"fp_a", "fp_b"}, now.Steps[nodeViewed].Visitors.Sorted())
	assert.Equal(t, "Viewed: Home", now.Steps[nodeViewed].Name)
	assert.Equal(t, 1, now.Steps[nodeViewed].StepIndex)

	assert.Equal(t, []string{"fp_a", "fp_known"}, now.Steps[nodeBelief].Visitors.Sorted())
	assert.Equal(t, "Believes: Believers", now.Steps[nodeBelief].Name)
	assert.Equal(t, 2, now.Steps[nodeBelief].StepIndex)

	assert.Equal(t, []string{"fp_known"}, now.Steps[nodeClicked].Visitors.Sorted())
	assert.Equal(t, "Clicked: Hero", now.Steps[nodeClicked].Name)

	assert.True(t, now.Transitions[nodeViewed][nodeBelief].Has("fp_a"))
	assert.True(t, now.Transitions[nodeBelief][nodeClicked].Has("fp_known"))

	assert.Equal(t, []string{"fp_c"}, byHour["2024-03-10-03"].Steps[nodeViewed].Visitors.Sorted())
	assert.Equal(t, []string{"fp_a"}, byHour["2024-03-08-23"].Steps[nodeViewed].Visitors.Sorted())

	st := l.LoadingStatus(tenant)
	assert.False(t, st.Loading)
	assert.Equal(t, 100, st.Progress.PercentComplete())
	assert.Empty(t, st.Progress.CurrentEpinetID)
}

func TestEpinetLoader_LoadSpan(t *testing.T) {
	l, _, clk := newTestEpinetLoader(t)
	hours, currentOnly := l.loadSpan(tenant, clk.Now())
	assert.Equal(t, MaxAnalyticsHours, hours)
	assert.False(t, currentOnly)

	require.NoError(t, l.Load(context.Background(), tenant))
	hours, currentOnly = l.loadSpan(tenant, clk.Now())
	assert.Equal(t, 1, hours)
	assert.True(t, currentOnly)

	clk.Advance(time.Hour)
	hours, currentOnly = l.loadSpan(tenant, clk.Now())
	assert.Equal(t, 1, hours)
	assert.True(t, currentOnly, "next hour without a gap")

	clk.Advance(2 * time.Hour)
	hours, currentOnly = l.loadSpan(tenant, clk.Now())
	assert.Equal(t, 4, hours)
	assert.False(t, currentOnly)
}

func TestEpinetLoader_CurrentHourReloadKeepsHistory(t *testing.T) {
	l, d, clk := newTestEpinetLoader(t)
	ctx := context.Background()
	require.NoError(t, l.Load(ctx, tenant))
	before, _ := l.Store().Get(tenant)

	clk.Advance(LoadingThrottle)
	mustExec(t, d, `INSERT INTO actions (id, object_id, object_type, verb, fingerprint_id, created_at) VALUES ('a9', 'sf1', 'StoryFragment', 'PAGEVIEWED', 'fp_c', ?)`, at(0, 40))
	require.NoError(t, l.Load(ctx, tenant))

	after, _ := l.Store().Get(tenant)
	assert.True(t, after.Epinets["e1"]["2024-03-10-05"].Steps[nodeViewed].Visitors.Has("fp_c"))
	assert.Same(t, before.Epinets["e1"]["2024-03-10-03"], after.Epinets["e1"]["2024-03-10-03"])
	assert.False(t, before.Epinets["e1"]["2024-03-10-05"].Steps[nodeViewed].Visitors.Has("fp_c"), "published buckets are not mutated")
}

func TestEpinetLoader_Throttled(t *testing.T) {
	l, _, _ := newTestEpinetLoader(t)
	ctx := context.Background()
	require.NoError(t, l.Load(ctx, tenant))
	assert.ErrorIs(t, l.Load(ctx, tenant), ErrThrottled)
}

func TestEpinetLoader_LockHeld(t *testing.T) {
	d := setupTestDB(t)
	clk := newTestClock()
	locks := NewMemoryLocks(LockTTL, clk.Now)
	l := NewEpinetLoader(d, locks, testConfig(clk))
	ok, _ := locks.TryAcquire(context.Background(), LockEpinet, tenant, "2024-03-10-05")
	require.True(t, ok)
	assert.ErrorIs(t, l.Load(context.Background(), tenant), ErrLockHeld)
}

func TestEpinetLoader_NoEpinets(t *testing.T) {
	d := setupTestDB(t)
	l := NewEpinetLoader(d, nil, testConfig(newTestClock()))
	require.NoError(t, l.Load(context.Background(), tenant))
	data, ok := l.Store().Get(tenant)
	require.True(t, ok)
	assert.Empty(t, data.Epinets)
	assert.True(t, l.Store().IsCacheValid(tenant))
}

func TestRecordEvent_LinksFromPreviousNode(t *testing.T) {
	l, _, _ := newTestEpinetLoader(t)
	ctx := context.Background()
	require.NoError(t, l.Load(ctx, tenant))
	before, _ := l.Store().Get(tenant)
	published := before.Epinets["e1"]["2024-03-10-05"]

	require.NoError(t, l.RecordEvent(ctx, tenant, Event{ID: "pane1", Type: "Pane", Verb: "CLICKED"}, "fp_b"))

	after, _ := l.Store().Get(tenant)
	bucket := after.Epinets["e1"]["2024-03-10-05"]
	assert.True(t, bucket.Steps[nodeClicked].Visitors.Has("fp_b"))
	assert.True(t, bucket.Transitions[nodeViewed][nodeClicked].Has("fp_b"))
	assert.False(t, published.Steps[nodeClicked].Visitors.Has("fp_b"), "copy on write")
}

func TestRecordEvent_BeliefWithoutHistory(t *testing.T) {
	l, _, _ := newTestEpinetLoader(t)
	ctx := context.Background()
	require.NoError(t, l.Load(ctx, tenant))

	require.NoError(t, l.RecordEvent(ctx, tenant, Event{ID: "b1", Type: "Belief", Verb: "BELIEVES_YES"}, "fp_c"))
	data, _ := l.Store().Get(tenant)
	bucket := data.Epinets["e1"]["2024-03-10-05"]
	assert.True(t, bucket.Steps[nodeBelief].Visitors.Has("fp_c"))
	for from, tos := range bucket.Transitions {
		for to, v := range tos {
			assert.False(t, v.Has("fp_c"), "unexpected link %s -> %s", from, to)
		}
	}
}

func TestRecordEvent_IgnoresUnmatched(t *testing.T) {
	l, _, _ := newTestEpinetLoader(t)
	ctx := context.Background()
	require.NoError(t, l.Load(ctx, tenant))
	before, _ := l.Store().Get(tenant)

	require.NoError(t, l.RecordEvent(ctx, tenant, Event{ID: "pane1", Type: "Pane", Verb: "READ"}, "fp_b"))
	require.NoError(t, l.RecordEvent(ctx, tenant, Event{ID: "pane1", Type: "Pane", Verb: "CLICKED"}, ""))
	after, _ := l.Store().Get(tenant)
	assert.Same(t, before, after)
}

func TestRecordEvent_ColdTenant(t *testing.T) {
	l, _, _ := newTestEpinetLoader(t)
	require.NoError(t, l.RecordEvent(context.Background(), tenant, Event{ID: "sf1", Type: "StoryFragment", Verb: "PAGEVIEWED"}, "fp_z"))
	data, ok := l.Store().Get(tenant)
	require.True(t, ok)
	assert.True(t, data.Epinets["e1"]["2024-03-10-05"].Steps[nodeViewed].Visitors.Has("fp_z"))
	assert.False(t, l.Store().IsCacheValid(tenant), "live events do not make the cache current")
}
