package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"storykeep/internal/db"
)

// Config holds tunables shared by the analytics loaders
type Config struct {
	CacheTTL             time.Duration
	LoadThrottle         time.Duration
	ComputationThrottle  time.Duration
	LockTTL              time.Duration
	ChunkHours           int
	RecentChunkHours     int
	HistoricalChunkHours int
	MaxNodes             int
	Now                  func() time.Time
	Logger               *slog.Logger
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		CacheTTL:             AnalyticsCacheTTL,
		LoadThrottle:         LoadingThrottle,
		ComputationThrottle:  ComputationThrottle,
		LockTTL:              LockTTL,
		ChunkHours:           24,
		RecentChunkHours:     48,
		HistoricalChunkHours: 168,
		MaxNodes:             16,
		Now:                  time.Now,
		Logger:               slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.LoadThrottle < 0 {
		c.LoadThrottle = 0
	}
	if c.ComputationThrottle < 0 {
		c.ComputationThrottle = 0
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.ChunkHours <= 0 {
		c.ChunkHours = d.ChunkHours
	}
	if c.RecentChunkHours <= 0 {
		c.RecentChunkHours = d.RecentChunkHours
	}
	if c.HistoricalChunkHours <= 0 {
		c.HistoricalChunkHours = d.HistoricalChunkHours
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = d.MaxNodes
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// Progress tracks chunk completion of a running load
type Progress struct {
	Total           int    `json:"total"`
	Completed       int    `json:"completed"`
	CurrentEpinetID string `json:"currentEpinetId,omitempty"`
}

// PercentComplete is Completed over Total, 0 when nothing is planned
func (p Progress) PercentComplete() int {
	if p.Total == 0 {
		return 0
	}
	return p.Completed * 100 / p.Total
}

// LoadingState is a tenant's load status
type LoadingState struct {
	Loading         bool      `json:"loading"`
	LastLoadAttempt time.Time `json:"lastLoadAttempt"`
	Error           string    `json:"error,omitempty"`
	Progress        Progress  `json:"progress"`
}

// loadTracker throttles loads per tenant and records their progress
type loadTracker struct {
	mu     sync.Mutex
	states map[string]*LoadingState
}

func newLoadTracker() *loadTracker {
	return &loadTracker{states: map[string]*LoadingState{}}
}

func (lt *loadTracker) state(tenant string) *LoadingState {
	s := lt.states[tenant]
	if s == nil {
		s = &LoadingState{}
		lt.states[tenant] = s
	}
	return s
}

// begin marks a load as started unless one is in flight or the last
// attempt is younger than throttle
func (lt *loadTracker) begin(tenant string, now time.Time, throttle time.Duration) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	s := lt.state(tenant)
	if s.Loading {
		return false
	}
	if !s.LastLoadAttempt.IsZero() && now.Sub(s.LastLoadAttempt) < throttle {
		return false
	}
	s.Loading = true
	s.LastLoadAttempt = now
	s.Error = ""
	s.Progress = Progress{}
	return true
}

func (lt *loadTracker) setProgress(tenant string, p Progress) {
	lt.mu.Lock()
	lt.state(tenant).Progress = p
	lt.mu.Unlock()
}

func (lt *loadTracker) finish(tenant string, err error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	s := lt.state(tenant)
	s.Loading = false
	s.Progress.CurrentEpinetID = ""
	if err != nil && !errors.Is(err, ErrLockHeld) {
		s.Error = err.Error()
	}
}

func (lt *loadTracker) status(tenant string) LoadingState {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if s, ok := lt.states[tenant]; ok {
		return *s
	}
	return LoadingState{}
}

const totalLeadsSQL = `SELECT COUNT(*) AS total_leads FROM leads`

const lastActivitySQL = `SELECT MAX(created_at) AS last_activity FROM visits`

const siteRowsSQL = `
WITH visit_fingerprints AS (
	SELECT strftime('%Y-%m-%d-%H', v.created_at) AS hour_key,
	       v.id AS visit_id, v.fingerprint_id, f.lead_id
	FROM visits v
	JOIN fingerprints f ON f.id = v.fingerprint_id
	WHERE v.created_at >= ? AND v.created_at < ?
),
verb_counts AS (
	SELECT strftime('%Y-%m-%d-%H', created_at) AS hour_key, verb, COUNT(*) AS count
	FROM actions
	WHERE created_at >= ? AND created_at < ?
	GROUP BY hour_key, verb
)
SELECT vf.hour_key,
       COUNT(DISTINCT vf.visit_id) AS total_visits,
       GROUP_CONCAT(DISTINCT CASE WHEN vf.lead_id IS NULL THEN vf.fingerprint_id END) AS anonymous_fingerprints,
       GROUP_CONCAT(DISTINCT CASE WHEN vf.lead_id IS NOT NULL THEN vf.fingerprint_id END) AS known_fingerprints,
       (SELECT json_group_object(vc.verb, vc.count) FROM verb_counts vc WHERE vc.hour_key = vf.hour_key) AS event_counts
FROM visit_fingerprints vf
GROUP BY vf.hour_key`

const contentRowsSQL = `
WITH verb_counts AS (
	SELECT strftime('%Y-%m-%d-%H', created_at) AS hour_key,
	       object_id, object_type, verb, COUNT(*) AS count
	FROM actions
	WHERE created_at >= ? AND created_at < ?
	  AND object_type IN ('StoryFragment', 'Pane')
	GROUP BY hour_key, object_id, object_type, verb
),
visitors AS (
	SELECT strftime('%Y-%m-%d-%H', a.created_at) AS hour_key, a.object_id, a.object_type,
	       GROUP_CONCAT(DISTINCT a.fingerprint_id) AS fingerprints,
	       GROUP_CONCAT(DISTINCT CASE WHEN f.lead_id IS NOT NULL THEN a.fingerprint_id END) AS known_fingerprints
	FROM actions a
	LEFT JOIN fingerprints f ON f.id = a.fingerprint_id
	WHERE a.created_at >= ? AND a.created_at < ?
	  AND a.object_type IN ('StoryFragment', 'Pane')
	GROUP BY hour_key, a.object_id, a.object_type
)
SELECT vc.hour_key, vc.object_id, vc.object_type,
       v.fingerprints, v.known_fingerprints,
       SUM(vc.count) AS total_actions,
       json_group_object(vc.verb, vc.count) AS event_counts
FROM verb_counts vc
JOIN visitors v ON v.hour_key = vc.hour_key AND v.object_id = vc.object_id AND v.object_type = vc.object_type
GROUP BY vc.hour_key, vc.object_id, vc.object_type`

// Aggregator loads hourly content and site rollups into a Store
type Aggregator struct {
	exec    db.Executor
	locks   LockManager
	store   *Store
	tracker *loadTracker
	cfg     Config
	log     *slog.Logger
}

// NewAggregator builds an aggregator over exec. A nil lock manager uses
// process-local locks.
func NewAggregator(exec db.Executor, locks LockManager, cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	if locks == nil {
		locks = NewMemoryLocks(cfg.LockTTL, cfg.Now)
	}
	return &Aggregator{
		exec:    exec,
		locks:   locks,
		store:   NewStore(cfg.CacheTTL, cfg.Now),
		tracker: newLoadTracker(),
		cfg:     cfg,
		log:     cfg.Logger.With("component", "analytics"),
	}
}

// Store returns the published rollups
func (a *Aggregator) Store() *Store { return a.store }

// IsAnalyticsCacheValid reports whether the tenant's rollup is current
func (a *Aggregator) IsAnalyticsCacheValid(tenant string) bool {
	return a.store.IsCacheValid(tenant)
}

// LoadingStatus returns the tenant's load status
func (a *Aggregator) LoadingStatus(tenant string) LoadingState {
	return a.tracker.status(tenant)
}

// RefreshHourlyAnalytics loads the hours elapsed since the last load, the
// previous partial hour included and at most one chunk. A cold tenant loads
// the whole horizon.
func (a *Aggregator) RefreshHourlyAnalytics(ctx context.Context, tenant string) error {
	hours := MaxAnalyticsHours
	if prev, ok := a.store.Get(tenant); ok && prev.LastFullHour != "" {
		gap := HoursBetween(prev.LastFullHour, FormatHourKey(a.cfg.Now()))
		hours = min(gap+1, a.cfg.ChunkHours)
	}
	return a.LoadHourlyAnalytics(ctx, tenant, hours)
}

// LoadHourlyAnalytics reloads the most recent hours buckets of a tenant.
// Returns ErrThrottled or ErrLockHeld when another load owns the work.
func (a *Aggregator) LoadHourlyAnalytics(ctx context.Context, tenant string, hours int) (err error) {
	if hours <= 0 || hours > MaxAnalyticsHours {
		hours = MaxAnalyticsHours
	}
	now := a.cfg.Now()
	if !a.tracker.begin(tenant, now, a.cfg.LoadThrottle) {
		loadsTotal.WithLabelValues("content", "throttled").Inc()
		return ErrThrottled
	}
	defer func() { a.tracker.finish(tenant, err) }()

	current := FormatHourKey(now)
	ok, err := a.locks.TryAcquire(ctx, LockAnalytics, tenant, current)
	if err != nil {
		return fmt.Errorf("acquiring analytics lock: %w", err)
	}
	if !ok {
		a.log.Debug("analytics lock held, skipping load", "tenant", tenant, "hour", current)
		loadsTotal.WithLabelValues("content", "lock_held").Inc()
		return ErrLockHeld
	}
	defer func() {
		if rerr := a.locks.Release(context.WithoutCancel(ctx), LockAnalytics, tenant, current); rerr != nil {
			a.log.Warn("releasing analytics lock", "tenant", tenant, "error", rerr)
		}
	}()

	started := time.Now()
	if err := a.load(ctx, tenant, now, hours); err != nil {
		a.log.Error("loading hourly analytics", "tenant", tenant, "hours", hours, "error", err)
		loadsTotal.WithLabelValues("content", "error").Inc()
		return err
	}
	loadsTotal.WithLabelValues("content", "ok").Inc()
	loadDuration.WithLabelValues("content").Observe(time.Since(started).Seconds())
	return nil
}

func (a *Aggregator) load(ctx context.Context, tenant string, now time.Time, hours int) error {
	var totalLeads int
	var lastActivity string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rs, err := a.exec.Execute(gctx, db.Query{SQL: totalLeadsSQL})
		if err != nil {
			return fmt.Errorf("counting leads: %w", err)
		}
		if len(rs.Rows) > 0 {
			totalLeads = int(rs.Rows[0].Int("total_leads"))
		}
		return nil
	})
	g.Go(func() error {
		rs, err := a.exec.Execute(gctx, db.Query{SQL: lastActivitySQL})
		if err != nil {
			return fmt.Errorf("reading last activity: %w", err)
		}
		if len(rs.Rows) > 0 {
			lastActivity = rs.Rows[0].String("last_activity")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	next := newTenantAnalytics()
	if prev, ok := a.store.Get(tenant); ok {
		next = prev.clone()
	}
	next.TotalLeads = totalLeads
	next.LastActivity = lastActivity

	keys := HourKeysForTimeRange(now, hours)
	for _, byHour := range next.ContentData {
		for _, k := range keys {
			delete(byHour, k)
		}
	}
	for _, k := range keys {
		delete(next.SiteData, k)
	}

	current := FormatHourKey(now)
	chunks := chunkKeys(keys, a.cfg.ChunkHours)
	a.tracker.setProgress(tenant, Progress{Total: len(chunks)})
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		from, to, err := keyRange(chunk)
		if err != nil {
			return err
		}
		if err := a.loadSiteRows(ctx, next, from, to); err != nil {
			return err
		}
		for _, k := range chunk {
			if next.SiteData[k] == nil {
				next.SiteData[k] = newHourlySiteData()
			}
		}
		if err := a.loadContentRows(ctx, next, from, to); err != nil {
			return err
		}

		next.LastFullHour = current
		next.LastUpdated = a.cfg.Now()
		a.store.Publish(tenant, next.clone())
		a.tracker.setProgress(tenant, Progress{Total: len(chunks), Completed: i + 1})
	}

	trimTenantAnalytics(next, now)
	a.store.Publish(tenant, next)
	return nil
}

func (a *Aggregator) loadSiteRows(ctx context.Context, t *TenantAnalytics, from, to time.Time) error {
	start, end := db.FormatTime(from), db.FormatTime(to)
	rs, err := a.exec.Execute(ctx, db.Query{SQL: siteRowsSQL, Args: []any{start, end, start, end}})
	if err != nil {
		return fmt.Errorf("querying site analytics: %w", err)
	}
	for _, r := range rs.Rows {
		b := newHourlySiteData()
		b.TotalVisits = int(r.Int("total_visits"))
		for _, id := range splitList(r.String("anonymous_fingerprints")) {
			b.AnonymousVisitors.Add(id)
		}
		for _, id := range splitList(r.String("known_fingerprints")) {
			b.KnownVisitors.Add(id)
		}
		b.EventCounts = parseEventCounts(r.String("event_counts"))
		t.SiteData[r.String("hour_key")] = b
	}
	return nil
}

func (a *Aggregator) loadContentRows(ctx context.Context, t *TenantAnalytics, from, to time.Time) error {
	start, end := db.FormatTime(from), db.FormatTime(to)
	rs, err := a.exec.Execute(ctx, db.Query{SQL: contentRowsSQL, Args: []any{start, end, start, end}})
	if err != nil {
		return fmt.Errorf("querying content analytics: %w", err)
	}
	for _, r := range rs.Rows {
		id, hour := r.String("object_id"), r.String("hour_key")
		known := NewVisitorSet(splitList(r.String("known_fingerprints"))...)
		b := newHourlyContentData()
		for _, fp := range splitList(r.String("fingerprints")) {
			b.UniqueVisitors.Add(fp)
			if known.Has(fp) {
				b.KnownVisitors.Add(fp)
			} else {
				b.AnonymousVisitors.Add(fp)
			}
		}
		b.Actions = int(r.Int("total_actions"))
		b.EventCounts = parseEventCounts(r.String("event_counts"))
		if t.ContentData[id] == nil {
			t.ContentData[id] = map[string]*HourlyContentData{}
		}
		t.ContentData[id][hour] = b
	}
	return nil
}

// trimTenantAnalytics drops buckets older than the retention horizon
func trimTenantAnalytics(t *TenantAnalytics, now time.Time) {
	oldest := oldestRetainedKey(now)
	for id, byHour := range t.ContentData {
		for k := range byHour {
			if k < oldest {
				delete(byHour, k)
			}
		}
		if len(byHour) == 0 {
			delete(t.ContentData, id)
		}
	}
	for k := range t.SiteData {
		if k < oldest {
			delete(t.SiteData, k)
		}
	}
}

// oldestRetainedKey is the oldest hour inside MaxAnalyticsHours. Hour keys
// are zero padded, so string order is time order.
func oldestRetainedKey(now time.Time) string {
	return FormatHourKey(now.UTC().Truncate(time.Hour).Add(-(MaxAnalyticsHours - 1) * time.Hour))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseEventCounts decodes a verb → count JSON object; bad input yields an
// empty map
func parseEventCounts(s string) map[string]int {
	counts := map[string]int{}
	if s == "" {
		return counts
	}
	var raw map[string]float64
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return counts
	}
	for verb, n := range raw {
		if verb != "" && n > 0 {
			counts[verb] = int(n)
		}
	}
	return counts
}
