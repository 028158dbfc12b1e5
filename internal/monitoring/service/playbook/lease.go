package playbook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Lease serializes run creation per alert dedup key. Acquire returns
// ok=false when the key is already held; release is a no-op if the lease
// expired or was taken by someone else in the meantime.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLease is a SetNX token lease with a compare-and-delete release, so a
// holder that outlives its TTL cannot release a lease re-acquired by another
// evaluator instance.
type RedisLease struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLease(rdb *redis.Client) *RedisLease {
	return &RedisLease{rdb: rdb, prefix: "playbook:lease:"}
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		if _, err := releaseScript.Run(context.Background(), l.rdb, []string{full}, token).Result(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("lease release failed, will expire by TTL")
		}
	}
	return release, true, nil
}

// MemoryLease backs single-process deployments and tests. Same contract as
// RedisLease without the round trips.
type MemoryLease struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: map[string]time.Time{}, clock: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiry, ok := l.held[key]; ok && expiry.After(now) {
		return nil, false, nil
	}
	l.held[key] = now.Add(ttl)
	release := func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}
	return release, true, nil
}
