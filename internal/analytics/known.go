package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"storykeep/internal/db"
)

const knownFingerprintsSQL = `SELECT id FROM fingerprints WHERE lead_id IS NOT NULL`

type knownEntry struct {
	ids      VisitorSet
	loadedAt time.Time
}

// KnownFingerprints caches the fingerprints linked to a lead. Concurrent
// misses for a tenant share one query.
type KnownFingerprints struct {
	exec  db.Executor
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]knownEntry
}

// NewKnownFingerprints returns an empty cache over exec
func NewKnownFingerprints(exec db.Executor, ttl time.Duration, now func() time.Time) *KnownFingerprints {
	if ttl <= 0 {
		ttl = AnalyticsCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &KnownFingerprints{exec: exec, ttl: ttl, now: now, cache: map[string]knownEntry{}}
}

// Load returns the tenant's known fingerprints, querying when the cached set
// is older than the TTL. The returned set is shared; do not modify it.
func (k *KnownFingerprints) Load(ctx context.Context, tenant string) (VisitorSet, error) {
	k.mu.RLock()
	e, ok := k.cache[tenant]
	k.mu.RUnlock()
	if ok && k.now().Sub(e.loadedAt) < k.ttl {
		return e.ids, nil
	}

	v, err, _ := k.group.Do(tenant, func() (any, error) {
		rs, err := k.exec.Execute(ctx, db.Query{SQL: knownFingerprintsSQL})
		if err != nil {
			return nil, fmt.Errorf("loading known fingerprints: %w", err)
		}
		ids := make(VisitorSet, len(rs.Rows))
		for _, r := range rs.Rows {
			ids.Add(r.String("id"))
		}
		k.mu.Lock()
		k.cache[tenant] = knownEntry{ids: ids, loadedAt: k.now()}
		k.mu.Unlock()
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(VisitorSet), nil
}

// Invalidate forgets the tenant's cached set
func (k *KnownFingerprints) Invalidate(tenant string) {
	k.mu.Lock()
	delete(k.cache, tenant)
	k.mu.Unlock()
}
