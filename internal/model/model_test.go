package model

import (
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		id   string
		want AccountKind
		ok   bool
	}{
		{BankAccountID, AccountBank, true},
		{UserAccountID("alice"), AccountUser, true},
		{PoolAccountID("m1"), AccountContractPool, true},
		{"user:", "", false},
		{"treasury", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := KindOf(tt.id)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, AccountBank.MayGoNegative())
	assert.False(t, AccountUser.MayGoNegative())
	assert.False(t, AccountContractPool.MayGoNegative())

	id, ok := UserIDOf(UserAccountID("bob"))
	assert.True(t, ok)
	assert.Equal(t, "bob", id)
	_, ok = UserIDOf(PoolAccountID("m1"))
	assert.False(t, ok)
}

func TestNewTransaction_Validates(t *testing.T) {
	now := time.Now().UTC()
	alice := UserAccountID("alice")

	_, err := NewTransaction("t", BankAccountID, alice, d("0"), BonusDetail{}, now)
	assert.Error(t, err)
	_, err = NewTransaction("t", alice, alice, d("1"), BonusDetail{}, now)
	assert.Error(t, err)
	_, err = NewTransaction("t", "nobody", alice, d("1"), BonusDetail{}, now)
	assert.Error(t, err)
	_, err = NewTransaction("t", BankAccountID, alice, d("1"), nil, now)
	assert.Error(t, err)

	tx, err := NewTransaction("t", alice, PoolAccountID("m1"), d("5"), TradeDetail{ContractID: "m1", BetID: "b1"}, now)
	require.NoError(t, err)
	assert.Equal(t, CategoryTrade, tx.Category)
	assert.Equal(t, "m1", tx.ContractID())
	assert.True(t, tx.DeltaFor(alice).Equal(d("-5")))
	assert.True(t, tx.DeltaFor(PoolAccountID("m1")).Equal(d("5")))
	assert.True(t, tx.DeltaFor(BankAccountID).IsZero())
}

// Stored transactions come back with the concrete detail type their
// category names.
func TestTransaction_DecodesDetailByCategory(t *testing.T) {
	now := time.Now().UTC()
	details := []TxDetail{
		TradeDetail{ContractID: "m1", BetID: "b1"},
		FeeDetail{ContractID: "m1", BetID: "b1", Kind: FeeCreator},
		OrderEscrowDetail{ContractID: "m1", OrderID: "o1"},
		PayoutDetail{ContractID: "m1"},
		BonusDetail{Reason: "streak"},
	}
	for _, detail := range details {
		t.Run(string(detail.Category()), func(t *testing.T) {
			tx, err := NewTransaction("t", BankAccountID, UserAccountID("alice"), d("1"), detail, now)
			require.NoError(t, err)
			data, err := json.Marshal(tx)
			require.NoError(t, err)

			var got Transaction
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, detail, got.Detail)
			assert.Equal(t, detail.Contract(), got.ContractID())
		})
	}

	var bad Transaction
	err := json.Unmarshal([]byte(`{"category":"GIFT","detail":{}}`), &bad)
	assert.Error(t, err)
}

func TestCategory_Settlement(t *testing.T) {
	assert.True(t, CategoryPayout.Settlement())
	assert.True(t, CategoryCancelRefund.Settlement())
	assert.True(t, CategorySubsidy.Settlement())
	assert.False(t, CategoryTrade.Settlement())
	assert.False(t, CategoryOrderRefund.Settlement())
}

func TestMarket_Clone(t *testing.T) {
	closeAt := time.Now().Add(time.Hour)
	m := &Market{
		ID:        "m1",
		Outcomes:  []string{OutcomeYes, OutcomeNo},
		Pool:      map[string]decimal.Decimal{OutcomeYes: d("100"), OutcomeNo: d("100")},
		CloseTime: &closeAt,
	}
	c := m.Clone()
	c.Pool[OutcomeYes] = d("1")
	c.Outcomes[0] = "X"
	*c.CloseTime = closeAt.Add(time.Hour)

	assert.True(t, m.Pool[OutcomeYes].Equal(d("100")))
	assert.Equal(t, OutcomeYes, m.Outcomes[0])
	assert.Equal(t, closeAt, *m.CloseTime)
	assert.False(t, m.IsClosed(time.Now()))
	assert.True(t, m.IsClosed(closeAt))
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(fmt.Errorf("%w: market m1", ErrConcurrencyConflict)))
	assert.False(t, IsRetriable(ErrInsufficientBalance))
	assert.False(t, IsRetriable(nil))
}
