package analytics

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"
)

// VisitorSet is a set of fingerprint ids
type VisitorSet map[string]struct{}

// NewVisitorSet returns a set holding ids
func NewVisitorSet(ids ...string) VisitorSet {
	s := make(VisitorSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id; empty ids are ignored
func (s VisitorSet) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

// Has reports membership
func (s VisitorSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Union adds every member of other
func (s VisitorSet) Union(other VisitorSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Clone returns an independent copy
func (s VisitorSet) Clone() VisitorSet {
	return maps.Clone(s)
}

// Sorted returns the members in lexical order
func (s VisitorSet) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// MarshalJSON encodes the set as a sorted array
func (s VisitorSet) MarshalJSON() ([]byte, error) {
	ids := s.Sorted()
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// HourlyContentData aggregates actions on one story fragment or pane in one hour
type HourlyContentData struct {
	UniqueVisitors    VisitorSet     `json:"uniqueVisitors"`
	KnownVisitors     VisitorSet     `json:"knownVisitors"`
	AnonymousVisitors VisitorSet     `json:"anonymousVisitors"`
	Actions           int            `json:"actions"`
	EventCounts       map[string]int `json:"eventCounts"`
}

func newHourlyContentData() *HourlyContentData {
	return &HourlyContentData{
		UniqueVisitors:    VisitorSet{},
		KnownVisitors:     VisitorSet{},
		AnonymousVisitors: VisitorSet{},
		EventCounts:       map[string]int{},
	}
}

// HourlySiteData aggregates site-wide visits in one hour
type HourlySiteData struct {
	TotalVisits       int            `json:"totalVisits"`
	KnownVisitors     VisitorSet     `json:"knownVisitors"`
	AnonymousVisitors VisitorSet     `json:"anonymousVisitors"`
	EventCounts       map[string]int `json:"eventCounts"`
}

func newHourlySiteData() *HourlySiteData {
	return &HourlySiteData{
		KnownVisitors:     VisitorSet{},
		AnonymousVisitors: VisitorSet{},
		EventCounts:       map[string]int{},
	}
}

// TenantAnalytics is one tenant's published rollup. Published values are
// never mutated again; loaders build a new copy and swap it in.
type TenantAnalytics struct {
	// ContentData is keyed by content id, then hour key
	ContentData  map[string]map[string]*HourlyContentData `json:"contentData"`
	SiteData     map[string]*HourlySiteData               `json:"siteData"`
	LastFullHour string                                   `json:"lastFullHour"`
	LastUpdated  time.Time                                `json:"lastUpdated"`
	TotalLeads   int                                      `json:"totalLeads"`
	LastActivity string                                   `json:"lastActivity"`
}

func newTenantAnalytics() *TenantAnalytics {
	return &TenantAnalytics{
		ContentData: map[string]map[string]*HourlyContentData{},
		SiteData:    map[string]*HourlySiteData{},
	}
}

// clone copies the map structure; bucket values are shared
func (t *TenantAnalytics) clone() *TenantAnalytics {
	c := *t
	c.ContentData = make(map[string]map[string]*HourlyContentData, len(t.ContentData))
	for id, hours := range t.ContentData {
		c.ContentData[id] = maps.Clone(hours)
	}
	c.SiteData = maps.Clone(t.SiteData)
	if c.SiteData == nil {
		c.SiteData = map[string]*HourlySiteData{}
	}
	return &c
}

// Store holds the published analytics of every tenant
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*TenantAnalytics
	ttl     time.Duration
	now     func() time.Time
}

// NewStore returns an empty store whose entries stay fresh for ttl
func NewStore(ttl time.Duration, now func() time.Time) *Store {
	if ttl <= 0 {
		ttl = AnalyticsCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Store{tenants: map[string]*TenantAnalytics{}, ttl: ttl, now: now}
}

// Get returns the tenant's published rollup. Treat it as read-only.
func (s *Store) Get(tenant string) (*TenantAnalytics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenant]
	return t, ok
}

// Publish replaces the tenant's rollup
func (s *Store) Publish(tenant string, data *TenantAnalytics) {
	s.mu.Lock()
	s.tenants[tenant] = data
	s.mu.Unlock()
}

// IsCacheValid reports whether the tenant's rollup covers the current hour
// and was refreshed within the TTL
func (s *Store) IsCacheValid(tenant string) bool {
	t, ok := s.Get(tenant)
	if !ok {
		return false
	}
	now := s.now()
	current := FormatHourKey(now)
	if t.LastFullHour != current {
		return false
	}
	if _, ok := t.SiteData[current]; !ok {
		return false
	}
	return now.Sub(t.LastUpdated) < s.ttl
}
