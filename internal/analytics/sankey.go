package analytics

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Duration is a named metrics window
type Duration string

const (
	DurationDaily   Duration = "daily"
	DurationWeekly  Duration = "weekly"
	DurationMonthly Duration = "monthly"
)

// Hours returns the window length; unknown names mean weekly
func (d Duration) Hours() int {
	switch d {
	case DurationDaily:
		return 24
	case DurationMonthly:
		return MaxAnalyticsHours
	default:
		return 168
	}
}

// ParseDuration validates a window name
func ParseDuration(s string) (Duration, error) {
	switch d := Duration(strings.ToLower(s)); d {
	case DurationDaily, DurationWeekly, DurationMonthly:
		return d, nil
	}
	return "", fmt.Errorf("unknown duration %q (want daily, weekly or monthly)", s)
}

// Visitor types accepted by VisitorFilter
const (
	VisitorsAll       = "all"
	VisitorsKnown     = "known"
	VisitorsAnonymous = "anonymous"
)

// VisitorFilter narrows funnel metrics. StartHour and EndHour are hours ago
// and replace the duration window when both are set.
type VisitorFilter struct {
	VisitorType    string
	SelectedUserID string
	StartHour      *int
	EndHour        *int
}

func (f VisitorFilter) active() bool {
	return f.SelectedUserID != "" || f.VisitorType == VisitorsKnown || f.VisitorType == VisitorsAnonymous
}

// Metric result statuses
const (
	StatusLoading    = "loading"
	StatusRefreshing = "refreshing"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// SankeyNode is one node of the flow diagram
type SankeyNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SankeyLink connects two entries of Nodes by index
type SankeyLink struct {
	Source int `json:"source"`
	Target int `json:"target"`
	Value  int `json:"value"`
}

// EpinetMetrics is the flow diagram of one funnel
type EpinetMetrics struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Nodes   []SankeyNode `json:"nodes"`
	Links   []SankeyLink `json:"links"`
}

const sankeyTitle = "User Journey Flow"

func loadingMetrics(epinetID string, st LoadingState) *EpinetMetrics {
	return &EpinetMetrics{
		ID:      epinetID,
		Title:   sankeyTitle + " (Loading...)",
		Status:  StatusLoading,
		Message: fmt.Sprintf("Computing epinet data (%d%% complete)", st.Progress.PercentComplete()),
		Nodes:   []SankeyNode{},
		Links:   []SankeyLink{},
	}
}

// window returns the hour keys a metrics call covers
func (l *EpinetLoader) window(d Duration, f VisitorFilter) []string {
	now := l.cfg.Now()
	if f.StartHour != nil && f.EndHour != nil {
		return hourKeysBetween(now, *f.StartHour, *f.EndHour)
	}
	return HourKeysForTimeRange(now, d.Hours())
}

// GetEpinetMetrics builds the flow diagram of epinetID. While data is
// missing a background load starts and a loading result is returned; stale
// data is served with status refreshing while it reloads.
func (l *EpinetLoader) GetEpinetMetrics(ctx context.Context, tenant, epinetID string, d Duration, f VisitorFilter) (*EpinetMetrics, error) {
	now := l.cfg.Now()
	st := l.tracker.status(tenant)
	key := tenant + "/" + epinetID

	l.mu.Lock()
	last := l.computed[key]
	l.mu.Unlock()
	if st.Loading && now.Sub(last) < l.cfg.ComputationThrottle {
		return loadingMetrics(epinetID, st), nil
	}

	t, ok := l.store.Get(tenant)
	if !ok {
		if !st.Loading {
			l.triggerLoad(tenant)
		}
		return loadingMetrics(epinetID, st), nil
	}
	byHour, ok := t.Epinets[epinetID]
	if !ok {
		if st.Loading {
			return loadingMetrics(epinetID, st), nil
		}
		if !l.store.IsCacheValid(tenant) {
			l.triggerLoad(tenant)
			return loadingMetrics(epinetID, st), nil
		}
		return nil, ErrNoData
	}

	status := StatusComplete
	switch {
	case st.Loading:
		status = StatusRefreshing
	case !l.store.IsCacheValid(tenant):
		l.triggerLoad(tenant)
		status = StatusRefreshing
	}

	l.mu.Lock()
	l.computed[key] = now
	l.mu.Unlock()

	keys := l.window(d, f)
	var allow VisitorSet
	if f.active() {
		var err error
		if allow, err = l.filterVisitors(ctx, tenant, byHour, keys, f); err != nil {
			return nil, err
		}
	}

	m := buildSankey(byHour, keys, allow, l.cfg.MaxNodes)
	m.ID, m.Title, m.Status = epinetID, sankeyTitle, status
	return m, nil
}

// filterVisitors returns the visitors allowed by f within keys
func (l *EpinetLoader) filterVisitors(ctx context.Context, tenant string, byHour map[string]*HourlyEpinetData, keys []string, f VisitorFilter) (VisitorSet, error) {
	if f.SelectedUserID != "" {
		return NewVisitorSet(f.SelectedUserID), nil
	}
	known, err := l.known.Load(ctx, tenant)
	if err != nil {
		return nil, err
	}
	allow := VisitorSet{}
	for _, k := range keys {
		b := byHour[k]
		if b == nil {
			continue
		}
		for _, n := range b.Steps {
			for v := range n.Visitors {
				if known.Has(v) == (f.VisitorType == VisitorsKnown) {
					allow.Add(v)
				}
			}
		}
	}
	return allow, nil
}

// buildSankey merges the buckets of keys, keeps the maxNodes busiest nodes
// and links consecutive steps. A nil allow set admits every visitor.
func buildSankey(byHour map[string]*HourlyEpinetData, keys []string, allow VisitorSet, maxNodes int) *EpinetMetrics {
	admit := func(dst, src VisitorSet) {
		for v := range src {
			if allow == nil || allow.Has(v) {
				dst.Add(v)
			}
		}
	}

	counts := map[string]VisitorSet{}
	info := map[string]*EpinetNode{}
	links := map[string]map[string]VisitorSet{}
	for _, k := range keys {
		b := byHour[k]
		if b == nil {
			continue
		}
		for id, n := range b.Steps {
			if counts[id] == nil {
				counts[id] = VisitorSet{}
				info[id] = n
			}
			admit(counts[id], n.Visitors)
		}
		for from, tos := range b.stepTransitions() {
			if links[from] == nil {
				links[from] = map[string]VisitorSet{}
			}
			for to, v := range tos {
				if links[from][to] == nil {
					links[from][to] = VisitorSet{}
				}
				admit(links[from][to], v)
			}
		}
	}

	ids := slices.DeleteFunc(slices.Collect(maps.Keys(counts)), func(id string) bool {
		return len(counts[id]) == 0
	})
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(len(counts[b]), len(counts[a])); c != 0 {
			return c
		}
		if c := cmp.Compare(info[a].StepIndex, info[b].StepIndex); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(ids) > maxNodes {
		ids = ids[:maxNodes]
	}

	m := &EpinetMetrics{Nodes: make([]SankeyNode, len(ids)), Links: []SankeyLink{}}
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		name := info[id].Name
		if name == "" {
			name = id
		}
		m.Nodes[i] = SankeyNode{ID: id, Name: name}
		index[id] = i
	}
	for from, tos := range links {
		src, ok := index[from]
		if !ok {
			continue
		}
		for to := range tos {
			dst, ok := index[to]
			if !ok || len(links[from][to]) == 0 {
				continue
			}
			m.Links = append(m.Links, SankeyLink{Source: src, Target: dst, Value: len(links[from][to])})
		}
	}
	slices.SortFunc(m.Links, func(a, b SankeyLink) int {
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
	return m
}

// VisitorActivity is a visitor's step count inside a window
type VisitorActivity struct {
	ID      string `json:"id"`
	Count   int    `json:"count"`
	IsKnown bool   `json:"isKnown"`
}

// FilteredVisitorIDs lists the visitors of an epinet, most active first.
// Without a start/end range every loaded hour is scanned.
func (l *EpinetLoader) FilteredVisitorIDs(ctx context.Context, tenant, epinetID, visitorType string, startHour, endHour *int) ([]VisitorActivity, error) {
	t, ok := l.store.Get(tenant)
	if !ok {
		return nil, ErrNoData
	}
	byHour := t.Epinets[epinetID]
	if byHour == nil {
		return []VisitorActivity{}, nil
	}
	known, err := l.known.Load(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var keys []string
	if startHour != nil && endHour != nil {
		keys = hourKeysBetween(l.cfg.Now(), *startHour, *endHour)
	} else {
		keys = slices.Collect(maps.Keys(byHour))
	}

	counts := map[string]int{}
	for _, k := range keys {
		b := byHour[k]
		if b == nil {
			continue
		}
		for _, n := range b.Steps {
			for v := range n.Visitors {
				counts[v]++
			}
		}
	}

	out := make([]VisitorActivity, 0, len(counts))
	for id, n := range counts {
		isKnown := known.Has(id)
		switch visitorType {
		case VisitorsKnown:
			if !isKnown {
				continue
			}
		case VisitorsAnonymous:
			if isKnown {
				continue
			}
		}
		out = append(out, VisitorActivity{ID: id, Count: n, IsKnown: isKnown})
	}
	slices.SortFunc(out, func(a, b VisitorActivity) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
