package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// RistrettoCache is an in-process cache backed by Ristretto.
type RistrettoCache struct {
	cache  *ristretto.Cache
	logger *zap.Logger
}

// RistrettoConfig holds configuration for the Ristretto cache.
type RistrettoConfig struct {
	NumCounters int64 // keys tracked for admission, ~10x max items
	MaxCost     int64 // total bytes held
	BufferItems int64
	Logger      *zap.Logger
}

// NewRistrettoCache creates a Ristretto-backed cache. Cost is the value size
// in bytes.
func NewRistrettoCache(cfg *RistrettoConfig) (*RistrettoCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RistrettoCache{cache: c, logger: logger}, nil
}

func (r *RistrettoCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, found := r.cache.Get(key)
	if !found {
		cacheMisses.WithLabelValues("ristretto").Inc()
		return nil, false
	}
	data, ok := v.([]byte)
	if !ok {
		cacheMisses.WithLabelValues("ristretto").Inc()
		return nil, false
	}
	cacheHits.WithLabelValues("ristretto").Inc()
	return data, true
}

func (r *RistrettoCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ok := r.cache.SetWithTTL(key, value, int64(len(value))+1, ttl); !ok {
		r.logger.Debug("cache-set-dropped", zap.String("key", key))
	}
}

func (r *RistrettoCache) Invalidate(_ context.Context, keys ...string) {
	for _, k := range keys {
		r.cache.Del(k)
	}
	cacheInvalidations.WithLabelValues("ristretto").Add(float64(len(keys)))
}

func (r *RistrettoCache) Close() error {
	r.cache.Close()
	return nil
}

// Wait blocks until buffered writes are visible to Get.
func (r *RistrettoCache) Wait() {
	r.cache.Wait()
}
