package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/store"
)

// mapCache is a synchronous cache.Cache for tests.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *mapCache) Invalidate(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
}

func (c *mapCache) Close() error { return nil }

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	primary := store.NewMemoryStore()
	c := newMapCache()
	s := store.NewCachedStore(primary, c, time.Minute)

	require.NoError(t, s.Apply(ctx, &store.UnitOfWork{NewMarket: newMarket("m1")}))
	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	_, cached := c.Get(ctx, "market:m1")
	assert.True(t, cached)

	// A write that bypasses the decorator is invisible until invalidated.
	next := m.Clone()
	next.Volume = d("10")
	require.NoError(t, primary.Apply(ctx, &store.UnitOfWork{Market: &store.MarketUpdate{Market: next, ExpectedVersion: 1}}))
	got, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	// A lost compare-and-swap through the decorator drops the stale entry.
	err = s.Apply(ctx, &store.UnitOfWork{Market: &store.MarketUpdate{Market: got, ExpectedVersion: got.Version}})
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)
	got, err = s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.Volume.Equal(d("10")))

	// Successful writes invalidate too.
	next = got.Clone()
	next.Volume = d("25")
	require.NoError(t, s.Apply(ctx, &store.UnitOfWork{Market: &store.MarketUpdate{Market: next, ExpectedVersion: 2}}))
	got, err = s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.Volume.Equal(d("25")))

	_, err = s.GetMarket(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCachedStore_NilCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewCachedStore(store.NewMemoryStore(), nil, time.Minute)
	require.NoError(t, s.Apply(ctx, &store.UnitOfWork{NewMarket: newMarket("m1")}))
	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
}
