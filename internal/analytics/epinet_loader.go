package analytics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"storykeep/internal/db"
)

// TenantEpinets is one tenant's published funnel rollup
type TenantEpinets struct {
	// Epinets is keyed by epinet id, then hour key
	Epinets      map[string]map[string]*HourlyEpinetData `json:"epinets"`
	LastFullHour string                                  `json:"lastFullHour"`
	LastUpdated  time.Time                               `json:"lastUpdated"`
}

func newTenantEpinets() *TenantEpinets {
	return &TenantEpinets{Epinets: map[string]map[string]*HourlyEpinetData{}}
}

// clone copies the map structure; buckets are shared
func (t *TenantEpinets) clone() *TenantEpinets {
	c := *t
	c.Epinets = make(map[string]map[string]*HourlyEpinetData, len(t.Epinets))
	for id, byHour := range t.Epinets {
		c.Epinets[id] = maps.Clone(byHour)
	}
	return &c
}

// EpinetStore holds the published funnel rollups of every tenant
type EpinetStore struct {
	mu      sync.RWMutex
	tenants map[string]*TenantEpinets
	ttl     time.Duration
	now     func() time.Time
}

// NewEpinetStore returns an empty store
func NewEpinetStore(ttl time.Duration, now func() time.Time) *EpinetStore {
	if ttl <= 0 {
		ttl = AnalyticsCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &EpinetStore{tenants: map[string]*TenantEpinets{}, ttl: ttl, now: now}
}

// Get returns the tenant's published rollup. Treat it as read-only.
func (s *EpinetStore) Get(tenant string) (*TenantEpinets, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenant]
	return t, ok
}

// Publish replaces the tenant's rollup
func (s *EpinetStore) Publish(tenant string, data *TenantEpinets) {
	s.mu.Lock()
	s.tenants[tenant] = data
	s.mu.Unlock()
}

// IsCacheValid reports whether the tenant was loaded this hour within the TTL
func (s *EpinetStore) IsCacheValid(tenant string) bool {
	t, ok := s.Get(tenant)
	if !ok {
		return false
	}
	now := s.now()
	return t.LastFullHour == FormatHourKey(now) && now.Sub(t.LastUpdated) < s.ttl
}

const epinetsSQL = `SELECT id, title, options_payload FROM epinets ORDER BY id`

const contentTitlesSQL = `
SELECT id, title FROM storyfragments
UNION ALL
SELECT id, title FROM panes
UNION ALL
SELECT id, title FROM beliefs`

// EpinetLoader fills the EpinetStore from held beliefs and actions and
// serves funnel metrics from it
type EpinetLoader struct {
	exec    db.Executor
	locks   LockManager
	store   *EpinetStore
	known   *KnownFingerprints
	tracker *loadTracker
	cfg     Config
	log     *slog.Logger

	mu       sync.Mutex
	defs     map[string][]Epinet
	titles   map[string]map[string]string
	computed map[string]time.Time
	leads    map[string]LeadMetrics
	pending  map[string]bool
	wg       sync.WaitGroup
}

// NewEpinetLoader builds a loader over exec. A nil lock manager uses
// process-local locks.
func NewEpinetLoader(exec db.Executor, locks LockManager, cfg Config) *EpinetLoader {
	cfg = cfg.withDefaults()
	if locks == nil {
		locks = NewMemoryLocks(cfg.LockTTL, cfg.Now)
	}
	return &EpinetLoader{
		exec:     exec,
		locks:    locks,
		store:    NewEpinetStore(cfg.CacheTTL, cfg.Now),
		known:    NewKnownFingerprints(exec, cfg.CacheTTL, cfg.Now),
		tracker:  newLoadTracker(),
		cfg:      cfg,
		log:      cfg.Logger.With("component", "epinet"),
		defs:     map[string][]Epinet{},
		titles:   map[string]map[string]string{},
		computed: map[string]time.Time{},
		leads:    map[string]LeadMetrics{},
		pending:  map[string]bool{},
	}
}

// Store returns the published rollups
func (l *EpinetLoader) Store() *EpinetStore { return l.store }

// Known returns the known-fingerprint cache
func (l *EpinetLoader) Known() *KnownFingerprints { return l.known }

// LoadingStatus returns the tenant's load status
func (l *EpinetLoader) LoadingStatus(tenant string) LoadingState {
	return l.tracker.status(tenant)
}

// Wait blocks until background loads started by metric calls finish
func (l *EpinetLoader) Wait() { l.wg.Wait() }

// Epinets reads and parses every funnel definition
func (l *EpinetLoader) Epinets(ctx context.Context, tenant string) ([]Epinet, error) {
	rs, err := l.exec.Execute(ctx, db.Query{SQL: epinetsSQL})
	if err != nil {
		return nil, fmt.Errorf("reading epinets: %w", err)
	}
	out := make([]Epinet, 0, len(rs.Rows))
	for _, r := range rs.Rows {
		steps, promoted := ParseEpinetPayload(r.String("options_payload"))
		out = append(out, Epinet{ID: r.String("id"), Title: r.String("title"), Steps: steps, Promoted: promoted})
	}
	l.mu.Lock()
	l.defs[tenant] = out
	l.mu.Unlock()
	return out, nil
}

func (l *EpinetLoader) cachedEpinets(ctx context.Context, tenant string) ([]Epinet, error) {
	l.mu.Lock()
	defs, ok := l.defs[tenant]
	l.mu.Unlock()
	if ok {
		return defs, nil
	}
	return l.Epinets(ctx, tenant)
}

func (l *EpinetLoader) contentTitles(ctx context.Context, tenant string, refresh bool) (map[string]string, error) {
	l.mu.Lock()
	titles, ok := l.titles[tenant]
	l.mu.Unlock()
	if ok && !refresh {
		return titles, nil
	}
	rs, err := l.exec.Execute(ctx, db.Query{SQL: contentTitlesSQL})
	if err != nil {
		return nil, fmt.Errorf("reading content titles: %w", err)
	}
	titles = make(map[string]string, len(rs.Rows))
	for _, r := range rs.Rows {
		titles[r.String("id")] = r.String("title")
	}
	l.mu.Lock()
	l.titles[tenant] = titles
	l.mu.Unlock()
	return titles, nil
}

// loadSpan sizes the next load: the full horizon when cold, the gap since
// the last load, or just the current hour
func (l *EpinetLoader) loadSpan(tenant string, now time.Time) (int, bool) {
	t, ok := l.store.Get(tenant)
	if !ok || t.LastFullHour == "" {
		return MaxAnalyticsHours, false
	}
	current := FormatHourKey(now)
	if t.LastFullHour == current {
		return 1, true
	}
	if gap := HoursBetween(t.LastFullHour, current); gap > 1 {
		return min(gap+1, MaxAnalyticsHours), false
	}
	return 1, true
}

// Load brings the tenant's funnel buckets up to date. Returns ErrThrottled
// or ErrLockHeld when another load owns the work.
func (l *EpinetLoader) Load(ctx context.Context, tenant string) (err error) {
	now := l.cfg.Now()
	hours, currentOnly := l.loadSpan(tenant, now)
	if !l.tracker.begin(tenant, now, l.cfg.LoadThrottle) {
		loadsTotal.WithLabelValues("epinet", "throttled").Inc()
		return ErrThrottled
	}
	defer func() { l.tracker.finish(tenant, err) }()

	current := FormatHourKey(now)
	ok, err := l.locks.TryAcquire(ctx, LockEpinet, tenant, current)
	if err != nil {
		return fmt.Errorf("acquiring epinet lock: %w", err)
	}
	if !ok {
		l.log.Debug("epinet lock held, skipping load", "tenant", tenant, "hour", current)
		loadsTotal.WithLabelValues("epinet", "lock_held").Inc()
		return ErrLockHeld
	}
	defer func() {
		if rerr := l.locks.Release(context.WithoutCancel(ctx), LockEpinet, tenant, current); rerr != nil {
			l.log.Warn("releasing epinet lock", "tenant", tenant, "error", rerr)
		}
	}()

	started := time.Now()
	if err := l.load(ctx, tenant, now, hours, currentOnly); err != nil {
		l.log.Error("loading epinet data", "tenant", tenant, "hours", hours, "error", err)
		loadsTotal.WithLabelValues("epinet", "error").Inc()
		return err
	}
	loadsTotal.WithLabelValues("epinet", "ok").Inc()
	loadDuration.WithLabelValues("epinet").Observe(time.Since(started).Seconds())
	return nil
}

func (l *EpinetLoader) load(ctx context.Context, tenant string, now time.Time, hours int, currentOnly bool) error {
	epinets, err := l.Epinets(ctx, tenant)
	if err != nil {
		return err
	}
	titles, err := l.contentTitles(ctx, tenant, true)
	if err != nil {
		return err
	}

	keys := HourKeysForTimeRange(now, hours)
	var chunks [][]string
	if currentOnly {
		chunks = [][]string{keys}
	} else {
		recent := min(l.cfg.RecentChunkHours, len(keys))
		chunks = append([][]string{keys[:recent]}, chunkKeys(keys[recent:], l.cfg.HistoricalChunkHours)...)
	}

	work := make(map[string]map[string]*HourlyEpinetData, len(epinets))
	for _, e := range epinets {
		work[e.ID] = make(map[string]*HourlyEpinetData, len(keys))
		for _, k := range keys {
			work[e.ID][k] = newHourlyEpinetData()
		}
	}

	analysis := analyzeEpinets(epinets)
	progress := Progress{Total: len(chunks) * len(epinets)}
	l.tracker.setProgress(tenant, progress)
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		from, to, err := keyRange(chunk)
		if err != nil {
			return err
		}
		beliefs, err := l.beliefRows(ctx, analysis, from, to)
		if err != nil {
			return err
		}
		actions, err := l.actionRows(ctx, analysis, from, to)
		if err != nil {
			return err
		}
		for _, e := range epinets {
			progress.CurrentEpinetID = e.ID
			foldBeliefRows(work[e.ID], e, beliefs, titles)
			foldActionRows(work[e.ID], e, actions, titles)
			progress.Completed++
			l.tracker.setProgress(tenant, progress)
		}
	}

	for _, byHour := range work {
		for _, bucket := range byHour {
			bucket.computeChronologicalTransitions()
		}
	}

	next := newTenantEpinets()
	if prev, ok := l.store.Get(tenant); ok {
		next = prev.clone()
	}
	for id, byHour := range work {
		if next.Epinets[id] == nil {
			next.Epinets[id] = map[string]*HourlyEpinetData{}
		}
		maps.Copy(next.Epinets[id], byHour)
	}
	if !currentOnly {
		oldest := oldestRetainedKey(now)
		for _, byHour := range next.Epinets {
			for k := range byHour {
				if k < oldest {
					delete(byHour, k)
				}
			}
		}
	}
	next.LastFullHour = FormatHourKey(now)
	next.LastUpdated = l.cfg.Now()
	l.store.Publish(tenant, next)
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendArgs(args []any, values []string) []any {
	for _, v := range values {
		args = append(args, v)
	}
	return args
}

func (l *EpinetLoader) beliefRows(ctx context.Context, a epinetAnalysis, from, to time.Time) ([]db.Row, error) {
	args := []any{db.FormatTime(from), db.FormatTime(to)}
	var conds []string
	if len(a.beliefVerbs) > 0 {
		conds = append(conds, "hb.verb IN ("+placeholders(len(a.beliefVerbs))+")")
		args = appendArgs(args, a.beliefVerbs)
	}
	if len(a.identifyValues) > 0 {
		conds = append(conds, "hb.object IN ("+placeholders(len(a.identifyValues))+")")
		args = appendArgs(args, a.identifyValues)
	}
	if len(conds) == 0 {
		return nil, nil
	}
	q := `SELECT strftime('%Y-%m-%d-%H', hb.updated_at) AS hour_key,
       hb.belief_id, hb.fingerprint_id, hb.verb, hb.object
FROM heldbeliefs hb
WHERE hb.updated_at >= ? AND hb.updated_at < ?
  AND (` + strings.Join(conds, " OR ") + `)`
	rs, err := l.exec.Execute(ctx, db.Query{SQL: q, Args: args})
	if err != nil {
		return nil, fmt.Errorf("querying held beliefs: %w", err)
	}
	return rs.Rows, nil
}

func (l *EpinetLoader) actionRows(ctx context.Context, a epinetAnalysis, from, to time.Time) ([]db.Row, error) {
	if len(a.actionVerbs) == 0 {
		return nil, nil
	}
	args := []any{db.FormatTime(from), db.FormatTime(to)}
	q := `SELECT strftime('%Y-%m-%d-%H', created_at) AS hour_key,
       object_id, object_type, fingerprint_id, verb
FROM actions
WHERE created_at >= ? AND created_at < ?
  AND verb IN (` + placeholders(len(a.actionVerbs)) + `)`
	args = appendArgs(args, a.actionVerbs)
	if len(a.actionTypes) > 0 {
		q += `
  AND object_type IN (` + placeholders(len(a.actionTypes)) + `)`
		args = appendArgs(args, a.actionTypes)
	}
	rs, err := l.exec.Execute(ctx, db.Query{SQL: q, Args: args})
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	return rs.Rows, nil
}

func bucketFor(byHour map[string]*HourlyEpinetData, hour string) *HourlyEpinetData {
	b := byHour[hour]
	if b == nil {
		b = newHourlyEpinetData()
		byHour[hour] = b
	}
	return b
}

func foldBeliefRows(byHour map[string]*HourlyEpinetData, e Epinet, rows []db.Row, titles map[string]string) {
	for _, r := range rows {
		beliefID, fp := r.String("belief_id"), r.String("fingerprint_id")
		verb, object := r.String("verb"), r.String("object")
		for i, step := range e.Steps {
			var hit bool
			switch step.GateType {
			case GateBelief:
				hit = slices.Contains(step.Values, verb)
			case GateIdentifyAs:
				hit = object != "" && slices.Contains(step.Values, object)
			}
			if hit {
				bucketFor(byHour, r.String("hour_key")).addVisitor(
					StepNodeID(step, beliefID), StepNodeName(step, beliefID, titles), i+1, fp)
			}
		}
	}
}

func foldActionRows(byHour map[string]*HourlyEpinetData, e Epinet, rows []db.Row, titles map[string]string) {
	for _, r := range rows {
		objectID, fp := r.String("object_id"), r.String("fingerprint_id")
		for i, step := range e.Steps {
			if step.GateType.isAction() && matchAction(step, r.String("object_type"), objectID, r.String("verb")) {
				bucketFor(byHour, r.String("hour_key")).addVisitor(
					StepNodeID(step, objectID), StepNodeName(step, objectID, titles), i+1, fp)
			}
		}
	}
}

// triggerLoad starts a background load unless one is already pending
func (l *EpinetLoader) triggerLoad(tenant string) {
	l.mu.Lock()
	if l.pending[tenant] {
		l.mu.Unlock()
		return
	}
	l.pending[tenant] = true
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.pending, tenant)
			l.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := l.Load(ctx, tenant); err != nil && !errors.Is(err, ErrThrottled) && !errors.Is(err, ErrLockHeld) {
			l.log.Error("background epinet load", "tenant", tenant, "error", err)
		}
	}()
}

// RecordEvent folds a live event into the current hour of every epinet
// whose steps it satisfies, linking it from the visitor's latest node
func (l *EpinetLoader) RecordEvent(ctx context.Context, tenant string, ev Event, fingerprint string) error {
	if fingerprint == "" || ev.ID == "" {
		return nil
	}
	epinets, err := l.cachedEpinets(ctx, tenant)
	if err != nil {
		return err
	}
	titles, err := l.contentTitles(ctx, tenant, false)
	if err != nil {
		return err
	}

	now := l.cfg.Now()
	current := FormatHourKey(now)
	previous := FormatHourKey(now.Add(-time.Hour))

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	var next *TenantEpinets
	if t, ok := l.store.tenants[tenant]; ok {
		next = t.clone()
	} else {
		next = newTenantEpinets()
	}

	changed := false
	for _, e := range epinets {
		var bucket *HourlyEpinetData
		for i, step := range e.Steps {
			if !MatchEventToStep(ev, step) {
				continue
			}
			byHour := next.Epinets[e.ID]
			if byHour == nil {
				byHour = map[string]*HourlyEpinetData{}
				next.Epinets[e.ID] = byHour
			}
			nodeID := StepNodeID(step, ev.ID)
			from := previousNode(byHour, fingerprint, nodeID, current, previous)
			if bucket == nil {
				if b := byHour[current]; b != nil {
					bucket = b.clone()
				} else {
					bucket = newHourlyEpinetData()
				}
				byHour[current] = bucket
			}
			bucket.addVisitor(nodeID, StepNodeName(step, ev.ID, titles), i+1, fingerprint)
			bucket.addTransition(from, nodeID, fingerprint)
			changed = true
		}
	}
	if changed {
		l.store.tenants[tenant] = next
	}
	return nil
}

// previousNode finds the visitor's furthest node in the current hour, then
// the previous hour, ignoring the node being recorded
func previousNode(byHour map[string]*HourlyEpinetData, visitor, exclude string, hours ...string) string {
	for _, h := range hours {
		b := byHour[h]
		if b == nil {
			continue
		}
		best, bestIdx := "", -1
		for id, n := range b.Steps {
			if id == exclude || !n.Visitors.Has(visitor) {
				continue
			}
			if n.StepIndex > bestIdx || (n.StepIndex == bestIdx && cmp.Less(id, best)) {
				best, bestIdx = id, n.StepIndex
			}
		}
		if best != "" {
			return best
		}
	}
	return ""
}
