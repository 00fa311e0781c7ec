package fastpath

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kanoniv/kanoniv-cloud/pkg/redis"
)

const keyPrefix = "fastpath:"

// RedisCache is a Cache backed by the shared Redis client. Entries carry a
// TTL purely to bound memory; an expired entry falls back to the durable
// crosswalk lookup, it never changes the resolve outcome.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. A zero ttl keeps entries indefinitely.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *RedisCache) Lookup(ctx context.Context, tenantID, sourceSystem, externalID string) (string, bool, error) {
	entityID, err := c.client.Get(ctx, keyPrefix+EntryKey(tenantID, sourceSystem, externalID))
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return entityID, true, nil
}

func (c *RedisCache) Record(ctx context.Context, tenantID, sourceSystem, externalID, entityID string) error {
	return c.client.Set(ctx, keyPrefix+EntryKey(tenantID, sourceSystem, externalID), entityID, c.ttl)
}
