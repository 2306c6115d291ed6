package analytics

import (
	"context"
	"maps"
	"slices"
	"time"
)

// LeadMetrics compares first-time and returning funnel visitors
type LeadMetrics struct {
	TotalVisits            int     `json:"total_visits"`
	LastActivity           string  `json:"last_activity"`
	FirstTime24h           int     `json:"first_time_24h"`
	Returning24h           int     `json:"returning_24h"`
	FirstTime7d            int     `json:"first_time_7d"`
	Returning7d            int     `json:"returning_7d"`
	FirstTime28d           int     `json:"first_time_28d"`
	Returning28d           int     `json:"returning_28d"`
	FirstTime24hPercentage float64 `json:"first_time_24h_percentage"`
	Returning24hPercentage float64 `json:"returning_24h_percentage"`
	FirstTime7dPercentage  float64 `json:"first_time_7d_percentage"`
	Returning7dPercentage  float64 `json:"returning_7d_percentage"`
	FirstTime28dPercentage float64 `json:"first_time_28d_percentage"`
	Returning28dPercentage float64 `json:"returning_28d_percentage"`
	TotalLeads             int     `json:"total_leads"`
	Status                 string  `json:"status,omitempty"`
}

type visitorSplit struct {
	known, anonymous VisitorSet
}

func (v visitorSplit) total() int { return len(v.known) + len(v.anonymous) }

// percentages returns anonymous and known shares, zero when empty
func (v visitorSplit) percentages() (float64, float64) {
	total := v.total()
	if total == 0 {
		return 0, 0
	}
	return float64(len(v.anonymous)) / float64(total) * 100, float64(len(v.known)) / float64(total) * 100
}

// splitVisitors classifies every step visitor of every epinet within keys
func splitVisitors(t *TenantEpinets, keys []string, known VisitorSet) visitorSplit {
	s := visitorSplit{known: VisitorSet{}, anonymous: VisitorSet{}}
	for _, byHour := range t.Epinets {
		for _, k := range keys {
			b := byHour[k]
			if b == nil {
				continue
			}
			for _, n := range b.Steps {
				for v := range n.Visitors {
					if known.Has(v) {
						s.known.Add(v)
					} else {
						s.anonymous.Add(v)
					}
				}
			}
		}
	}
	return s
}

// ComputeLeadMetrics summarizes funnel visitors over 24h, 7d and 28d. While
// a load runs, calls within the computation throttle get the previous result
// marked loading; missing data starts a background load.
func (l *EpinetLoader) ComputeLeadMetrics(ctx context.Context, tenant string) (LeadMetrics, error) {
	known, err := l.known.Load(ctx, tenant)
	if err != nil {
		l.log.Error("computing lead metrics", "tenant", tenant, "error", err)
		return LeadMetrics{Status: StatusError}, err
	}

	now := l.cfg.Now()
	st := l.tracker.status(tenant)
	key := tenant + "/leads"

	l.mu.Lock()
	last, prev := l.computed[key], l.leads[tenant]
	l.mu.Unlock()
	if st.Loading && now.Sub(last) < l.cfg.ComputationThrottle {
		prev.Status = StatusLoading
		return prev, nil
	}

	t, ok := l.store.Get(tenant)
	status := StatusComplete
	switch {
	case !ok:
		if !st.Loading {
			l.triggerLoad(tenant)
		}
		return LeadMetrics{Status: StatusLoading}, nil
	case st.Loading:
		status = StatusLoading
	case !l.store.IsCacheValid(tenant):
		l.triggerLoad(tenant)
		status = StatusRefreshing
	}

	m24 := splitVisitors(t, HourKeysForTimeRange(now, 24), known)
	m7d := splitVisitors(t, HourKeysForTimeRange(now, 168), known)
	m28d := splitVisitors(t, HourKeysForTimeRange(now, MaxAnalyticsHours), known)

	hours := map[string]bool{}
	for _, byHour := range t.Epinets {
		for k := range byHour {
			hours[k] = true
		}
	}
	all := splitVisitors(t, slices.Collect(maps.Keys(hours)), known)

	m := LeadMetrics{
		TotalVisits:  all.total(),
		FirstTime24h: len(m24.anonymous),
		Returning24h: len(m24.known),
		FirstTime7d:  len(m7d.anonymous),
		Returning7d:  len(m7d.known),
		FirstTime28d: len(m28d.anonymous),
		Returning28d: len(m28d.known),
		TotalLeads:   len(known),
		Status:       status,
	}
	if !t.LastUpdated.IsZero() {
		m.LastActivity = t.LastUpdated.UTC().Format(time.RFC3339)
	}
	m.FirstTime24hPercentage, m.Returning24hPercentage = m24.percentages()
	m.FirstTime7dPercentage, m.Returning7dPercentage = m7d.percentages()
	m.FirstTime28dPercentage, m.Returning28dPercentage = m28d.percentages()

	l.mu.Lock()
	l.computed[key] = now
	l.leads[tenant] = m
	l.mu.Unlock()
	return m, nil
}
