package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache shares cached values across engine instances.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisCache wraps a Redis client. Keys are namespaced with prefix.
func NewRedisCache(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{rdb: rdb, prefix: prefix, logger: logger}
}

// Get treats Redis errors as misses; the caller reloads from the store.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache-get-failed", zap.String("key", key), zap.Error(err))
		}
		cacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}
	cacheHits.WithLabelValues("redis").Inc()
	return data, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.rdb.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.logger.Warn("cache-set-failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn("cache-invalidate-failed", zap.Strings("keys", keys), zap.Error(err))
		return
	}
	cacheInvalidations.WithLabelValues("redis").Add(float64(len(keys)))
}

// Close does not close the shared client; its owner does.
func (c *RedisCache) Close() error { return nil }
