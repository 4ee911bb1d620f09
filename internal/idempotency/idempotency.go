// Package idempotency maps client-supplied idempotency keys to payout
// identities.
//
// The cache is a best-effort fast path: the durable external_id unique
// index on the payout table stays authoritative, and the service
// double-checks it on every cache miss.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL is the deduplication window for idempotency keys.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "payouts:idem:"

// Cache maps idempotency keys to payout ids.
type Cache interface {
	// Lookup returns the payout id for a key, if remembered.
	Lookup(ctx context.Context, key string) (string, bool, error)
	// Remember stores the mapping for the TTL window.
	Remember(ctx context.Context, key, payoutID string) error
}

// RedisCache backs the cache with a shared Redis instance so all API
// replicas observe the same fast path.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. A zero ttl uses DefaultTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		// Cache errors never fail the request path; the durable index
		// still dedupes.
		return "", false, nil
	}
	return val, true, nil
}

func (c *RedisCache) Remember(ctx context.Context, key, payoutID string) error {
	return c.client.Set(ctx, keyPrefix+key, payoutID, c.ttl).Err()
}

// MemoryCache implements Cache for single-process deployments and tests.
type MemoryCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payoutID string
	expires  time.Time
}

// NewMemoryCache creates an in-process cache. A zero ttl uses DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Lookup(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.payoutID, true, nil
}

func (c *MemoryCache) Remember(_ context.Context, key, payoutID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{payoutID: payoutID, expires: time.Now().Add(c.ttl)}

	// Opportunistic sweep so long-lived processes don't accumulate
	// expired keys.
	if len(c.entries) > 10000 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	return nil
}
