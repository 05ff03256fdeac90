package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge/market-engine/internal/cache"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/position"
	"github.com/manaforge/market-engine/internal/store"
)

func TestTracker_CachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	c, err := cache.NewRistrettoCache(&cache.RistrettoConfig{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	require.NoError(t, err)
	defer c.Close()

	market := &model.Market{
		ID: "m1", OutcomeType: model.OutcomeBinary,
		Outcomes: []string{model.OutcomeYes, model.OutcomeNo},
		Pool:     map[string]decimal.Decimal{model.OutcomeYes: decimal.NewFromInt(50), model.OutcomeNo: decimal.NewFromInt(50)},
	}
	require.NoError(t, ms.Apply(ctx, &store.UnitOfWork{NewMarket: market}))
	require.NoError(t, ms.Apply(ctx, &store.UnitOfWork{Bets: []model.Bet{{
		ID: "b1", UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes,
		Amount: decimal.NewFromInt(10), Shares: decimal.NewFromInt(20), CreatedTime: time.Now(),
	}}}))

	tr := position.NewTracker(ms, c, time.Minute, nil)
	cp, err := tr.PositionsFor(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.True(t, cp.Shares(model.OutcomeYes).Equal(decimal.NewFromInt(20)))
	assert.True(t, cp.Value.Equal(decimal.NewFromInt(10)), "value at p=0.5: %s", cp.Value)
	c.Wait()
	_, ok := c.Get(ctx, "positions:m1:alice")
	assert.False(t, ok, "unlocked reads do not fill the cache")

	_, err = tr.Holdings(ctx, "alice", "m1")
	require.NoError(t, err)
	c.Wait()

	require.NoError(t, ms.Apply(ctx, &store.UnitOfWork{Bets: []model.Bet{{
		ID: "b2", UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes,
		Amount: decimal.NewFromInt(5), Shares: decimal.NewFromInt(8), CreatedTime: time.Now(),
	}}}))

	cached, err := tr.Holdings(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.True(t, cached.Shares(model.OutcomeYes).Equal(decimal.NewFromInt(20)), "served from cache before invalidation")

	tr.Invalidate(ctx, "m1", "alice")
	fresh, err := tr.Holdings(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.True(t, fresh.Shares(model.OutcomeYes).Equal(decimal.NewFromInt(28)))

	// PositionsFor still reads through a filled entry.
	c.Wait()
	valued, err := tr.PositionsFor(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.True(t, valued.Shares(model.OutcomeYes).Equal(decimal.NewFromInt(28)))
}
