package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still belongs to the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocks shares cache locks between processes through Redis
type RedisLocks struct {
	client *redis.Client
	prefix string
	owner  string
	ttl    time.Duration
}

var _ LockManager = (*RedisLocks)(nil)

// NewRedisLocks connects to redisURL and verifies the connection
func NewRedisLocks(redisURL string, ttl time.Duration) (*RedisLocks, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLocksWithClient(client, ttl), nil
}

// NewRedisLocksWithClient builds a lock manager over an existing client
func NewRedisLocksWithClient(client *redis.Client, ttl time.Duration) *RedisLocks {
	if ttl <= 0 {
		ttl = LockTTL
	}
	return &RedisLocks{
		client: client,
		prefix: "storykeep:lock:",
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (r *RedisLocks) key(lockType, tenant, hourKey string) string {
	return r.prefix + LockKey(lockType, tenant, hourKey)
}

// TryAcquire sets the key if absent with the lock TTL
func (r *RedisLocks) TryAcquire(ctx context.Context, lockType, tenant, hourKey string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(lockType, tenant, hourKey), r.owner, r.ttl).Result()
	if err != nil {
		lockAcquisitions.WithLabelValues(lockType, "error").Inc()
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if ok {
		lockAcquisitions.WithLabelValues(lockType, "acquired").Inc()
	} else {
		lockAcquisitions.WithLabelValues(lockType, "held").Inc()
	}
	return ok, nil
}

// Release deletes the key if this manager still owns it
func (r *RedisLocks) Release(ctx context.Context, lockType, tenant, hourKey string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(lockType, tenant, hourKey)}, r.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisLocks) Close() error {
	return r.client.Close()
}
