package orderbook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/orderbook"
	"github.com/manaforge/market-engine/internal/store"
)

type env struct {
	store  *store.MemoryStore
	ledger *ledger.Service
	book   *orderbook.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	locks := keylock.NewLocal()
	l := ledger.NewService(ms, locks, nil)
	return &env{store: ms, ledger: l, book: orderbook.NewService(ms, l, locks, nil, nil)}
}

// rest escrows amount from user and stores a pending order.
func (e *env) rest(t *testing.T, id, user string, amount int64, expiresAt *time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.Grant(ctx, user, decimal.NewFromInt(amount), "test")
	require.NoError(t, err)

	escrow, err := e.ledger.NewTransaction(model.UserAccountID(user), model.PoolAccountID("m1"),
		decimal.NewFromInt(amount), model.OrderEscrowDetail{ContractID: "m1", OrderID: id})
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, e.ledger.Commit(ctx, &store.UnitOfWork{
		Transactions: []model.Transaction{escrow},
		NewOrders: []model.LimitOrder{{
			ID: id, UserID: user, ContractID: "m1", Outcome: model.OutcomeYes,
			Amount: decimal.NewFromInt(amount), OrigAmount: decimal.NewFromInt(amount),
			LimitProb: decimal.NewFromFloat(0.3), Status: model.OrderPending,
			ExpiresAt: expiresAt, CreatedTime: now, UpdatedTime: now,
		}},
	}))
}

func (e *env) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func TestCancel_RefundsEscrow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.rest(t, "o1", "alice", 25, nil)
	assert.True(t, e.balance(t, "user:alice").IsZero())

	o, err := e.book.Cancel(ctx, "alice", "o1")
	require.NoError(t, err)
	assert.True(t, o.IsCancelled())
	assert.Equal(t, model.CancelByUser, o.CancelReason)
	assert.True(t, e.balance(t, "user:alice").Equal(decimal.NewFromInt(25)))
	assert.True(t, e.balance(t, "pool:m1").IsZero())

	_, err = e.book.Cancel(ctx, "alice", "o1")
	assert.True(t, errors.Is(err, model.ErrOrderNotPending), "got %v", err)
}

func TestCancel_OnlyOwner(t *testing.T) {
	e := newEnv(t)
	e.rest(t, "o1", "alice", 25, nil)

	_, err := e.book.Cancel(context.Background(), "mallory", "o1")
	assert.True(t, errors.Is(err, model.ErrForbidden), "got %v", err)
	_, err = e.book.Cancel(context.Background(), "alice", "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound), "got %v", err)
}

func TestExpireOrders_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	e.rest(t, "expired", "alice", 10, &past)
	e.rest(t, "live", "bob", 10, &future)
	e.rest(t, "forever", "carol", 10, nil)

	n, err := e.book.ExpireOrders(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.book.ExpireOrders(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep must be a no-op")

	o, err := e.store.GetOrder(ctx, "expired")
	require.NoError(t, err)
	assert.True(t, o.IsCancelled())
	assert.Equal(t, model.CancelByExpiry, o.CancelReason)
	assert.True(t, e.balance(t, "user:alice").Equal(decimal.NewFromInt(10)), "refunded once")

	live, err := e.store.GetOrder(ctx, "live")
	require.NoError(t, err)
	assert.True(t, live.IsPending())
	assert.True(t, e.balance(t, "pool:m1").Equal(decimal.NewFromInt(20)))
}

func TestCancelAndExpire_BoundedByLockTimeout(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	locks := keylock.WithTimeout(keylock.NewLocal(), 20*time.Millisecond)
	l := ledger.NewService(ms, locks, nil)
	e := &env{store: ms, ledger: l, book: orderbook.NewService(ms, l, locks, nil, nil)}
	past := time.Now().UTC().Add(-time.Minute)
	e.rest(t, "o1", "alice", 10, &past)

	// A holder that never releases the market.
	unlock, err := locks.Lock(ctx, keylock.MarketKey("m1"))
	require.NoError(t, err)
	defer unlock()

	_, err = e.book.Cancel(ctx, "alice", "o1")
	assert.ErrorIs(t, err, keylock.ErrLockTimeout)

	n, err := e.book.ExpireOrders(ctx, time.Now().UTC())
	assert.ErrorIs(t, err, keylock.ErrLockTimeout)
	assert.Zero(t, n)

	o, err := ms.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, o.Status)
}
