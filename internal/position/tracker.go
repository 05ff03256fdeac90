package position

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/cache"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/store"
)

// Tracker answers position queries. Folded positions are cached per user
// and market; writers call Invalidate after every committed fill, so the
// cache is never consulted for correctness.
type Tracker struct {
	store  store.Store
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewTracker creates a tracker. A nil cache disables caching.
func NewTracker(st store.Store, c cache.Cache, ttl time.Duration, logger *zap.Logger) *Tracker {
	if c == nil {
		c = cache.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: st, cache: c, ttl: ttl, logger: logger}
}

// PositionsFor returns a user's valued position on a market.
func (t *Tracker) PositionsFor(ctx context.Context, userID, contractID string) (*model.ContractPosition, error) {
	market, err := t.store.GetMarket(ctx, contractID)
	if err != nil {
		return nil, err
	}
	cp, err := t.fold(ctx, userID, contractID, false)
	if err != nil {
		return nil, err
	}
	Value(market, cp)
	return cp, nil
}

// Holdings returns a user's unvalued position. Trade validation uses it to
// check sells and redemptions. Callers must hold the market lock: only
// Holdings fills the cache, so an entry never outlives the commit that
// invalidates it.
func (t *Tracker) Holdings(ctx context.Context, userID, contractID string) (*model.ContractPosition, error) {
	return t.fold(ctx, userID, contractID, true)
}

func (t *Tracker) fold(ctx context.Context, userID, contractID string, fill bool) (*model.ContractPosition, error) {
	key := positionKey(contractID, userID)
	if data, ok := t.cache.Get(ctx, key); ok {
		var cp model.ContractPosition
		if err := json.Unmarshal(data, &cp); err == nil {
			return &cp, nil
		}
		t.logger.Warn("position-cache-corrupt", zap.String("key", key))
	}

	bets, err := t.store.ListUserBets(ctx, userID, contractID)
	if err != nil {
		return nil, err
	}
	loans, err := t.store.ListUserLoans(ctx, userID, contractID)
	if err != nil {
		return nil, err
	}
	cp := Fold(userID, contractID, bets, loans)
	if !fill {
		return cp, nil
	}
	if data, err := json.Marshal(cp); err == nil {
		t.cache.Set(ctx, key, data, t.ttl)
	}
	return cp, nil
}

// Invalidate drops cached positions after a write.
func (t *Tracker) Invalidate(ctx context.Context, contractID string, userIDs ...string) {
	keys := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		keys = append(keys, positionKey(contractID, u))
	}
	t.cache.Invalidate(ctx, keys...)
}

// Holders folds every user's position on a market from the store.
func (t *Tracker) Holders(ctx context.Context, contractID string) (map[string]*model.ContractPosition, error) {
	bets, err := t.store.ListBets(ctx, contractID)
	if err != nil {
		return nil, err
	}
	loans, err := t.store.ListLoans(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return ByUser(contractID, bets, loans), nil
}

func positionKey(contractID, userID string) string {
	return "positions:" + contractID + ":" + userID
}
