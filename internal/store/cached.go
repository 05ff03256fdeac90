package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/manaforge/market-engine/internal/cache"
	"github.com/manaforge/market-engine/internal/model"
)

// CachedStore wraps a primary Store with a read-through cache for market
// snapshots. Apply goes to the primary and invalidates every market the
// unit touched, including on a lost compare-and-swap, so the retry reads
// fresh state. Everything else passes through.
type CachedStore struct {
	Store
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, c cache.Cache, ttl time.Duration) *CachedStore {
	if c == nil {
		c = cache.Nop{}
	}
	return &CachedStore{Store: primary, cache: c, ttl: ttl}
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if data, ok := s.cache.Get(ctx, marketKey(id)); ok {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
		s.cache.Invalidate(ctx, marketKey(id))
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.cache.Set(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) Apply(ctx context.Context, uow *UnitOfWork) error {
	err := s.Store.Apply(ctx, uow)
	if err == nil || errors.Is(err, model.ErrConcurrencyConflict) {
		keys := make([]string, 0, 1)
		for _, id := range uow.MarketIDs() {
			keys = append(keys, marketKey(id))
		}
		if len(keys) > 0 {
			s.cache.Invalidate(ctx, keys...)
		}
	}
	return err
}

// Close closes the primary store. The cache is owned by the caller.
func (s *CachedStore) Close() error {
	return s.Store.Close()
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
