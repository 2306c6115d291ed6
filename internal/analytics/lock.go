package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LockTTL is how long a cache lock lives without release
const LockTTL = 30 * time.Second

// Lock types
const (
	LockAnalytics = "analytics"
	LockEpinet    = "epinet"
)

// LockKey builds the "{type}-{tenant}-{hour}" key of a cache lock
func LockKey(lockType, tenant, hourKey string) string {
	return fmt.Sprintf("%s-%s-%s", lockType, tenant, hourKey)
}

// LockManager guards against two loaders filling the same tenant hour.
// TryAcquire returning false is contention, not an error.
type LockManager interface {
	TryAcquire(ctx context.Context, lockType, tenant, hourKey string) (bool, error)
	Release(ctx context.Context, lockType, tenant, hourKey string) error
}

// CacheLock is a held in-process lock
type CacheLock struct {
	AcquiredAt time.Time
	ExpiresAt  time.Time
	TenantID   string
	HourKey    string
}

// MemoryLocks is a process-local LockManager. Expired locks are swept on
// acquisition.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]CacheLock
	ttl   time.Duration
	now   func() time.Time
}

var _ LockManager = (*MemoryLocks)(nil)

// NewMemoryLocks returns an empty lock table. A nil clock uses time.Now.
func NewMemoryLocks(ttl time.Duration, now func() time.Time) *MemoryLocks {
	if ttl <= 0 {
		ttl = LockTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLocks{locks: map[string]CacheLock{}, ttl: ttl, now: now}
}

// TryAcquire takes the lock if no live lock holds the key
func (m *MemoryLocks) TryAcquire(_ context.Context, lockType, tenant, hourKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, l := range m.locks {
		if !now.Before(l.ExpiresAt) {
			delete(m.locks, k)
		}
	}

	key := LockKey(lockType, tenant, hourKey)
	if _, held := m.locks[key]; held {
		lockAcquisitions.WithLabelValues(lockType, "held").Inc()
		return false, nil
	}
	m.locks[key] = CacheLock{AcquiredAt: now, ExpiresAt: now.Add(m.ttl), TenantID: tenant, HourKey: hourKey}
	lockAcquisitions.WithLabelValues(lockType, "acquired").Inc()
	return true, nil
}

// Release drops the lock; releasing a free key is a no-op
func (m *MemoryLocks) Release(_ context.Context, lockType, tenant, hourKey string) error {
	m.mu.Lock()
	delete(m.locks, LockKey(lockType, tenant, hourKey))
	m.mu.Unlock()
	return nil
}

// Held returns the live lock for a key, if any
func (m *MemoryLocks) Held(lockType, tenant, hourKey string) (CacheLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[LockKey(lockType, tenant, hourKey)]
	if !ok || !m.now().Before(l.ExpiresAt) {
		return CacheLock{}, false
	}
	return l, true
}
