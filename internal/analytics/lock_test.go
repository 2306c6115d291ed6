package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockKey(t *testing.T) {
	assert.Equal(t, "analytics-default-2024-03-10-05", LockKey(LockAnalytics, "default", "2024-03-10-05"))
}

func TestMemoryLocks_ExpireAfterTTL(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	locks := NewMemoryLocks(LockTTL, clk.Now)
	hour := FormatHourKey(clk.Now())

	ok, err := locks.TryAcquire(ctx, LockAnalytics, tenant, hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = locks.TryAcquire(ctx, LockAnalytics, tenant, hour)
	assert.False(t, ok, "second acquire within the TTL")

	held, ok := locks.Held(LockAnalytics, tenant, hour)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(LockTTL), held.ExpiresAt)
	assert.Equal(t, tenant, held.TenantID)

	clk.Advance(LockTTL + time.Millisecond)
	ok, _ = locks.TryAcquire(ctx, LockAnalytics, tenant, hour)
	assert.True(t, ok, "expired lock is swept")
}

func TestMemoryLocks_ReleaseAndIndependentKeys(t *testing.T) {
	ctx := context.Background()
	locks := NewMemoryLocks(0, nil)

	ok, _ := locks.TryAcquire(ctx, LockAnalytics, tenant, "2024-03-10-05")
	require.True(t, ok)
	ok, _ = locks.TryAcquire(ctx, LockEpinet, tenant, "2024-03-10-05")
	assert.True(t, ok, "lock types are independent")
	ok, _ = locks.TryAcquire(ctx, LockAnalytics, "other", "2024-03-10-05")
	assert.True(t, ok, "tenants are independent")

	require.NoError(t, locks.Release(ctx, LockAnalytics, tenant, "2024-03-10-05"))
	ok, _ = locks.TryAcquire(ctx, LockAnalytics, tenant, "2024-03-10-05")
	assert.True(t, ok)

	assert.NoError(t, locks.Release(ctx, LockAnalytics, tenant, "never-held"))
}

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestRedisLocks_OwnerCheckedRelease(t *testing.T) {
	ctx := context.Background()
	s, client := newRedisClient(t)
	first := NewRedisLocksWithClient(client, LockTTL)
	second := NewRedisLocksWithClient(client, LockTTL)

	ok, err := first.TryAcquire(ctx, LockEpinet, tenant, "2024-03-10-05")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, s.Exists("storykeep:lock:epinet-default-2024-03-10-05"))

	ok, err = second.TryAcquire(ctx, LockEpinet, tenant, "2024-03-10-05")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, second.Release(ctx, LockEpinet, tenant, "2024-03-10-05"))
	assert.True(t, s.Exists("storykeep:lock:epinet-default-2024-03-10-05"), "only the owner may release")

	require.NoError(t, first.Release(ctx, LockEpinet, tenant, "2024-03-10-05"))
	ok, _ = second.TryAcquire(ctx, LockEpinet, tenant, "2024-03-10-05")
	assert.True(t, ok)
}

func TestRedisLocks_ExpireAfterTTL(t *testing.T) {
	ctx := context.Background()
	s, client := newRedisClient(t)
	locks := NewRedisLocksWithClient(client, LockTTL)

	ok, _ := locks.TryAcquire(ctx, LockAnalytics, tenant, "h")
	require.True(t, ok)
	ok, _ = locks.TryAcquire(ctx, LockAnalytics, tenant, "h")
	assert.False(t, ok)

	s.FastForward(LockTTL + time.Second)
	ok, _ = locks.TryAcquire(ctx, LockAnalytics, tenant, "h")
	assert.True(t, ok)
}

func TestNewRedisLocks(t *testing.T) {
	s := miniredis.RunT(t)
	locks, err := NewRedisLocks("redis://"+s.Addr(), 0)
	require.NoError(t, err)
	defer locks.Close()

	ok, err := locks.TryAcquire(context.Background(), LockAnalytics, tenant, "h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, s.TTL("storykeep:lock:analytics-default-h"), time.Duration(0))

	_, err = NewRedisLocks("not a url", 0)
	assert.Error(t, err)
}
