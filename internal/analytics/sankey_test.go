package analytics

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadedEpinetLoader(t *testing.T) *EpinetLoader {
	t.Helper()
	l, _, _ := newTestEpinetLoader(t)
	require.NoError(t, l.Load(context.Background(), tenant))
	return l
}

func nodeIDs(m *EpinetMetrics) []string {
	ids := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		ids[i] = n.ID
	}
	return ids
}

func TestGetEpinetMetrics_ColdStartsBackgroundLoad(t *testing.T) {
	l, _, _ := newTestEpinetLoader(t)
	ctx := context.Background()

	m, err := l.GetEpinetMetrics(ctx, tenant, "e1", DurationWeekly, VisitorFilter{})
	require.NoError(t, err)
	assert.Equal(t, StatusLoading, m.Status)
	assert.Empty(t, m.Nodes)

	l.Wait()
	m, err = l.GetEpinetMetrics(ctx, tenant, "e1", DurationWeekly, VisitorFilter{})
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, m.Status)
	assert.Equal(t, "User Journey Flow", m.Title)
	assert.Equal(t, []string{nodeViewed, nodeBelief, nodeClicked}, nodeIDs(m))
}

func TestGetEpinetMetrics_FlowDiagram(t *testing.T) {
	l := loadedEpinetLoader(t)
	m, err := l.GetEpinetMetrics(context.Background(), tenant, "e1", DurationWeekly, VisitorFilter{})
	require.NoError(t, err)

	require.Len(t, m.Nodes, 3)
	assert.Equal(t, SankeyNode{ID: nodeViewed, Name: "Viewed: Home"}, m.Nodes[0])
	assert.Equal(t, []SankeyLink{
		{Source: 0, Target: 1, Value: 1},
		{Source: 1, Target: 2, Value: 1},
	}, m.Links)
}

func TestGetEpinetMetrics_VisitorFilters(t *testing.T) {
	l := loadedEpinetLoader(t)
	ctx := context.Background()

	known, err := l.GetEpinetMetrics(ctx, tenant, "e1", DurationMonthly, VisitorFilter{VisitorType: VisitorsKnown})
	require.NoError(t, err)
	assert.Equal(t, []string{nodeBelief, nodeClicked}, nodeIDs(known))
	assert.Equal(t, []SankeyLink{{Source: 0, Target: 1, Value: 1}}, known.Links)

	anon, err := l.GetEpinetMetrics(ctx, tenant, "e1", DurationMonthly, VisitorFilter{VisitorType: VisitorsAnonymous})
	require.NoError(t, err)
	assert.Equal(t, []string{nodeViewed, nodeBelief}, nodeIDs(anon))
	assert.Equal(t, []SankeyLink{{Source: 0, Target: 1, Value: 1}}, anon.Links)

	single, err := l.GetEpinetMetrics(ctx, tenant, "e1", DurationMonthly, VisitorFilter{SelectedUserID: "fp_c"})
	require.NoError(t, err)
	assert.Equal(t, []string{nodeViewed}, nodeIDs(single))
	assert.Empty(t, single.Links)
}

func TestGetEpinetMetrics_HourRange(t *testing.T) {
	l := loadedEpinetLoader(t)
	start, end := 3, 1
	m, err := l.GetEpinetMetrics(context.Background(), tenant, "e1", DurationMonthly, VisitorFilter{StartHour: &start, EndHour: &end})
	require.NoError(t, err)
	require.Len(t, m.Nodes, 1, "only fp_c two hours ago")
	assert.Equal(t, nodeViewed, m.Nodes[0].ID)
}

func TestGetEpinetMetrics_UnknownEpinet(t *testing.T) {
	l := loadedEpinetLoader(t)
	_, err := l.GetEpinetMetrics(context.Background(), tenant, "nope", DurationDaily, VisitorFilter{})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestGetEpinetMetrics_StaleServesRefreshing(t *testing.T) {
	l, _, clk := newTestEpinetLoader(t)
	ctx := context.Background()
	require.NoError(t, l.Load(ctx, tenant))

	clk.Advance(AnalyticsCacheTTL + LoadingThrottle)
	m, err := l.GetEpinetMetrics(ctx, tenant, "e1", DurationDaily, VisitorFilter{})
	require.NoError(t, err)
	assert.Equal(t, StatusRefreshing, m.Status)
	assert.NotEmpty(t, m.Nodes)
	l.Wait()
	assert.True(t, l.Store().IsCacheValid(tenant))
}

func TestBuildSankey_KeepsBusiestNodes(t *testing.T) {
	b := newHourlyEpinetData()
	for i := range 20 {
		id := fmt.Sprintf("n%02d", i)
		for v := 0; v <= i; v++ {
			b.addVisitor(id, id, 1, fmt.Sprintf("v%d", v))
		}
	}
	m := buildSankey(map[string]*HourlyEpinetData{"h": b}, []string{"h"}, nil, 16)
	require.Len(t, m.Nodes, 16)
	assert.Equal(t, "n19", m.Nodes[0].ID)
	assert.Equal(t, "n04", m.Nodes[15].ID)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("Daily")
	require.NoError(t, err)
	assert.Equal(t, 24, d.Hours())
	assert.Equal(t, 168, DurationWeekly.Hours())
	assert.Equal(t, MaxAnalyticsHours, DurationMonthly.Hours())
	_, err = ParseDuration("yearly")
	assert.Error(t, err)
}

func TestFilteredVisitorIDs(t *testing.T) {
	l := loadedEpinetLoader(t)
	ctx := context.Background()

	all, err := l.FilteredVisitorIDs(ctx, tenant, "e1", VisitorsAll, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []VisitorActivity{
		{ID: "fp_a", Count: 3},
		{ID: "fp_known", Count: 2, IsKnown: true},
		{ID: "fp_b", Count: 1},
		{ID: "fp_c", Count: 1},
	}, all)

	known, err := l.FilteredVisitorIDs(ctx, tenant, "e1", VisitorsKnown, nil, nil)
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "fp_known", known[0].ID)

	start, end := 0, 0
	recent, err := l.FilteredVisitorIDs(ctx, tenant, "e1", VisitorsAnonymous, &start, &end)
	require.NoError(t, err)
	assert.Equal(t, []VisitorActivity{{ID: "fp_a", Count: 2}, {ID: "fp_b", Count: 1}}, recent)

	missing, err := l.FilteredVisitorIDs(ctx, tenant, "nope", VisitorsAll, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
