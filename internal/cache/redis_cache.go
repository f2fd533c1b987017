package cache

import (
	"context"
	"sync/atomic"
	"time"

	"reservoir/internal/storage"
)

const redisKeyPrefix = "reservoir:archive:"

// RedisCache keeps archive bytes in Redis with a TTL.
type RedisCache struct {
	client *storage.RedisClient
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func NewRedisCache(client *storage.RedisClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (rc *RedisCache) Name() string {
	return "redis"
}

func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := rc.client.GetBytes(ctx, redisKeyPrefix+key)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		rc.misses.Add(1)
		return nil, false, nil
	}
	rc.hits.Add(1)
	return data, true, nil
}

func (rc *RedisCache) Store(ctx context.Context, key string, data []byte) error {
	return rc.client.SetBytes(ctx, redisKeyPrefix+key, data, rc.ttl)
}

func (rc *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	return rc.client.DeletePrefix(ctx, redisKeyPrefix+prefix)
}

func (rc *RedisCache) Stats() LayerStats {
	return LayerStats{
		Name:   rc.Name(),
		Hits:   rc.hits.Load(),
		Misses: rc.misses.Load(),
	}
}
