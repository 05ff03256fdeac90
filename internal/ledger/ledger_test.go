package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ledger.NewService(ms, keylock.NewLocal(), nil), ms
}

func TestGrant_CreditsUserFromBank(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	tx, err := l.Grant(ctx, "alice", d(100), "signup")
	require.NoError(t, err)
	assert.Equal(t, model.CategoryBonus, tx.Category)

	bal, err := l.Balance(ctx, model.UserAccountID("alice"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(100)), "alice balance %s", bal)

	bank, err := l.Balance(ctx, model.BankAccountID)
	require.NoError(t, err)
	assert.True(t, bank.Equal(d(-100)), "bank may go negative, got %s", bank)
}

func TestRecord_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Grant(ctx, "alice", d(10), "signup")
	require.NoError(t, err)

	_, err = l.Record(ctx, ledger.TransactionRequest{
		FromID: model.UserAccountID("alice"),
		ToID:   model.PoolAccountID("m1"),
		Amount: d(10.01),
		Detail: model.TradeDetail{ContractID: "m1", BetID: "b1"},
	})
	assert.True(t, errors.Is(err, model.ErrInsufficientBalance), "got %v", err)

	bal, _ := l.Balance(ctx, model.UserAccountID("alice"))
	assert.True(t, bal.Equal(d(10)), "failed debit must not change balance, got %s", bal)
}

func TestRecord_RejectsInvalidTransactions(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	tests := []struct {
		name string
		req  ledger.TransactionRequest
	}{
		{"zero-amount", ledger.TransactionRequest{FromID: model.BankAccountID, ToID: "user:a", Amount: decimal.Zero, Detail: model.BonusDetail{}}},
		{"negative-amount", ledger.TransactionRequest{FromID: model.BankAccountID, ToID: "user:a", Amount: d(-1), Detail: model.BonusDetail{}}},
		{"self-transfer", ledger.TransactionRequest{FromID: "user:a", ToID: "user:a", Amount: d(1), Detail: model.BonusDetail{}}},
		{"no-detail", ledger.TransactionRequest{FromID: model.BankAccountID, ToID: "user:a", Amount: d(1)}},
		{"bad-account", ledger.TransactionRequest{FromID: model.BankAccountID, ToID: "wallet:a", Amount: d(1), Detail: model.BonusDetail{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Record(ctx, tt.req)
			assert.True(t, errors.Is(err, model.ErrInvalidTrade), "got %v", err)
		})
	}
}

func TestCommit_UnitIsAtomic(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Grant(ctx, "alice", d(50), "signup")
	require.NoError(t, err)

	first, err := l.NewTransaction("user:alice", "pool:m1", d(30), model.TradeDetail{ContractID: "m1"})
	require.NoError(t, err)
	second, err := l.NewTransaction("user:alice", "bank", d(30), model.FeeDetail{ContractID: "m1", Kind: model.FeePlatform})
	require.NoError(t, err)

	// 30 + 30 exceeds 50 even though each debit alone fits.
	err = l.Commit(ctx, &store.UnitOfWork{Transactions: []model.Transaction{first, second}})
	assert.True(t, errors.Is(err, model.ErrInsufficientBalance), "got %v", err)

	bal, _ := l.Balance(ctx, "user:alice")
	assert.True(t, bal.Equal(d(50)), "got %s", bal)
	pool, _ := l.Balance(ctx, "pool:m1")
	assert.True(t, pool.IsZero(), "got %s", pool)
}

func TestCommit_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	req := ledger.TransactionRequest{
		FromID: model.BankAccountID, ToID: "user:alice", Amount: d(5),
		Detail: model.BonusDetail{Reason: "streak"}, Key: "bonus:alice:day1",
	}
	_, err := l.Record(ctx, req)
	require.NoError(t, err)
	_, err = l.Record(ctx, req)
	assert.True(t, errors.Is(err, store.ErrAlreadyApplied), "got %v", err)

	bal, _ := l.Balance(ctx, "user:alice")
	assert.True(t, bal.Equal(d(5)), "got %s", bal)
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Grant(ctx, "alice", d(100), "signup")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Record(ctx, ledger.TransactionRequest{
				FromID: "user:alice", ToID: "pool:m1", Amount: d(10),
				Detail: model.TradeDetail{ContractID: "m1"},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	bal, _ := l.Balance(ctx, "user:alice")
	assert.True(t, bal.IsZero(), "got %s", bal)
}

func TestAudit_ReplayMatchesStoredBalances(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Grant(ctx, "alice", d(100), "signup")
	require.NoError(t, err)
	_, err = l.Grant(ctx, "bob", d(40), "signup")
	require.NoError(t, err)
	_, err = l.Record(ctx, ledger.TransactionRequest{
		FromID: "user:alice", ToID: "pool:m1", Amount: d(33.5),
		Detail: model.TradeDetail{ContractID: "m1"},
	})
	require.NoError(t, err)
	_, err = l.Record(ctx, ledger.TransactionRequest{
		FromID: "pool:m1", ToID: "user:bob", Amount: d(12.25),
		Detail: model.PayoutDetail{ContractID: "m1", Outcome: "YES", Kind: model.PayoutWinnings},
	})
	require.NoError(t, err)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Accounts, 4)
	assert.Empty(t, report.Corrupt)
	assert.True(t, report.Net.IsZero(), "balances must net to zero, got %s", report.Net)
	for _, a := range report.Accounts {
		assert.True(t, a.OK(), "account %s stored %s replayed %s", a.AccountID, a.Stored, a.Replayed)
	}
}

// skewedStore reports a tampered balance for one account.
type skewedStore struct {
	*store.MemoryStore
	account string
	skew    decimal.Decimal
}

func (s *skewedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := s.MemoryStore.GetAccount(ctx, id)
	if err != nil || id != s.account {
		return a, err
	}
	a.Balance = a.Balance.Add(s.skew)
	return a, nil
}

func TestVerify_MismatchHaltsAccount(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	st := &skewedStore{MemoryStore: ms, account: "user:alice", skew: d(0.01)}
	l := ledger.NewService(st, keylock.NewLocal(), nil)

	_, err := l.Grant(ctx, "alice", d(100), "signup")
	require.NoError(t, err)

	_, err = l.Verify(ctx, "user:alice")
	require.True(t, errors.Is(err, model.ErrLedgerCorruption), "got %v", err)
	halted, err := l.Halted(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, halted)

	// Writes touching the halted account fail; others proceed.
	_, err = l.Grant(ctx, "alice", d(1), "again")
	assert.True(t, errors.Is(err, model.ErrLedgerCorruption), "got %v", err)
	_, err = l.Grant(ctx, "bob", d(1), "signup")
	assert.NoError(t, err)

	report, err := l.Audit(ctx)
	assert.True(t, errors.Is(err, model.ErrLedgerCorruption))
	assert.Equal(t, []string{"user:alice"}, report.Corrupt)

	require.NoError(t, l.Unhalt(ctx, "user:alice"))
	halted, err = l.Halted(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, halted)
	assert.ErrorIs(t, l.Unhalt(ctx, "user:alice"), model.ErrNotFound)
	_, err = l.Grant(ctx, "alice", d(1), "after-audit")
	assert.NoError(t, err)
}

func TestVerify_HaltIsSharedThroughStore(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	serving := ledger.NewService(ms, keylock.NewLocal(), nil)
	_, err := serving.Grant(ctx, "alice", d(100), "signup")
	require.NoError(t, err)

	// A separate process audits the same store and finds alice skewed.
	auditor := ledger.NewService(&skewedStore{MemoryStore: ms, account: "user:alice", skew: d(1)}, keylock.NewLocal(), nil)
	_, err = auditor.Audit(ctx)
	require.ErrorIs(t, err, model.ErrLedgerCorruption)

	halted, err := serving.Halted(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, halted)
	_, err = serving.Grant(ctx, "alice", d(5), "again")
	assert.ErrorIs(t, err, model.ErrLedgerCorruption)

	require.NoError(t, serving.Unhalt(ctx, "user:alice"))
	_, err = serving.Grant(ctx, "alice", d(5), "after-audit")
	assert.NoError(t, err)
}

func TestBalance_UnknownAccountIsZero(t *testing.T) {
	l, _ := newLedger(t)
	bal, err := l.Balance(context.Background(), "user:nobody")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}
