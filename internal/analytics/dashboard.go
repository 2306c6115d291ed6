package analytics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"storykeep/internal/db"
)

// ContentAnalytics is the per-content dashboard row
type ContentAnalytics struct {
	ID                    string `json:"id"`
	Slug                  string `json:"slug"`
	TotalActions          int    `json:"total_actions"`
	UniqueVisitors        int    `json:"unique_visitors"`
	Last24hActions        int    `json:"last_24h_actions"`
	Last7dActions         int    `json:"last_7d_actions"`
	Last28dActions        int    `json:"last_28d_actions"`
	Last24hUniqueVisitors int    `json:"last_24h_unique_visitors"`
	Last7dUniqueVisitors  int    `json:"last_7d_unique_visitors"`
	Last28dUniqueVisitors int    `json:"last_28d_unique_visitors"`
	TotalLeads            int    `json:"total_leads"`
}

// SiteSummary aggregates site buckets over a window
type SiteSummary struct {
	Hours             int            `json:"hours"`
	TotalVisits       int            `json:"total_visits"`
	KnownVisitors     int            `json:"known_visitors"`
	AnonymousVisitors int            `json:"anonymous_visitors"`
	EventCounts       map[string]int `json:"event_counts"`
}

const contentSlugsSQL = `
SELECT id, slug FROM storyfragments
UNION ALL
SELECT id, slug FROM panes`

// ensureLoaded loads the full horizon when the cache is stale. Contention
// with another loader is not an error.
func (a *Aggregator) ensureLoaded(ctx context.Context, tenant string) error {
	if a.store.IsCacheValid(tenant) {
		return nil
	}
	err := a.LoadHourlyAnalytics(ctx, tenant, MaxAnalyticsHours)
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrLockHeld) {
		return nil
	}
	return err
}

// StoryfragmentAnalytics returns per-content totals over 24h, 7d, 28d and
// the whole horizon, busiest first
func (a *Aggregator) StoryfragmentAnalytics(ctx context.Context, tenant string) ([]ContentAnalytics, error) {
	if err := a.ensureLoaded(ctx, tenant); err != nil {
		return nil, err
	}
	t, ok := a.store.Get(tenant)
	if !ok {
		return nil, ErrNoData
	}

	rs, err := a.exec.Execute(ctx, db.Query{SQL: contentSlugsSQL})
	if err != nil {
		return nil, fmt.Errorf("reading content slugs: %w", err)
	}
	slugs := make(map[string]string, len(rs.Rows))
	for _, r := range rs.Rows {
		slugs[r.String("id")] = r.String("slug")
	}

	now := a.cfg.Now()
	h24 := HourKeysForTimeRange(now, 24)
	h7d := HourKeysForTimeRange(now, 168)
	h28d := HourKeysForTimeRange(now, MaxAnalyticsHours)

	out := make([]ContentAnalytics, 0, len(t.ContentData))
	for id, byHour := range t.ContentData {
		all := slices.Collect(maps.Keys(byHour))
		total, visitors := sumContent(byHour, all)
		a24, v24 := sumContent(byHour, h24)
		a7, v7 := sumContent(byHour, h7d)
		a28, v28 := sumContent(byHour, h28d)
		out = append(out, ContentAnalytics{
			ID:                    id,
			Slug:                  slugs[id],
			TotalActions:          total,
			UniqueVisitors:        visitors,
			Last24hActions:        a24,
			Last7dActions:         a7,
			Last28dActions:        a28,
			Last24hUniqueVisitors: v24,
			Last7dUniqueVisitors:  v7,
			Last28dUniqueVisitors: v28,
			TotalLeads:            t.TotalLeads,
		})
	}
	slices.SortFunc(out, func(x, y ContentAnalytics) int {
		if c := cmp.Compare(y.TotalActions, x.TotalActions); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

func sumContent(byHour map[string]*HourlyContentData, keys []string) (int, int) {
	actions := 0
	visitors := VisitorSet{}
	for _, k := range keys {
		b := byHour[k]
		if b == nil {
			continue
		}
		actions += b.Actions
		visitors.Union(b.UniqueVisitors)
	}
	return actions, len(visitors)
}

// SiteSummary aggregates the tenant's site buckets over the last hours
func (a *Aggregator) SiteSummary(ctx context.Context, tenant string, hours int) (SiteSummary, error) {
	if err := a.ensureLoaded(ctx, tenant); err != nil {
		return SiteSummary{}, err
	}
	t, ok := a.store.Get(tenant)
	if !ok {
		return SiteSummary{}, ErrNoData
	}
	if hours <= 0 || hours > MaxAnalyticsHours {
		hours = MaxAnalyticsHours
	}

	s := SiteSummary{Hours: hours, EventCounts: map[string]int{}}
	known, anon := VisitorSet{}, VisitorSet{}
	for _, k := range HourKeysForTimeRange(a.cfg.Now(), hours) {
		b := t.SiteData[k]
		if b == nil {
			continue
		}
		s.TotalVisits += b.TotalVisits
		known.Union(b.KnownVisitors)
		anon.Union(b.AnonymousVisitors)
		for verb, n := range b.EventCounts {
			s.EventCounts[verb] += n
		}
	}
	s.KnownVisitors, s.AnonymousVisitors = len(known), len(anon)
	return s, nil
}
