package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func bet(user, outcome string, amount, shares float64, at int) model.Bet {
	return model.Bet{
		ID: user + outcome, UserID: user, ContractID: "m1", Outcome: outcome,
		Amount: d(amount), Shares: d(shares), CreatedTime: t0.Add(time.Duration(at) * time.Minute),
	}
}

func binaryMarket(yes, no float64) *model.Market {
	return &model.Market{
		ID: "m1", OutcomeType: model.OutcomeBinary,
		Outcomes: []string{model.OutcomeYes, model.OutcomeNo},
		Pool:     map[string]decimal.Decimal{model.OutcomeYes: d(yes), model.OutcomeNo: d(no)},
	}
}

func TestFold_AggregatesUserBetsOnly(t *testing.T) {
	bets := []model.Bet{
		bet("alice", model.OutcomeYes, 10, 18, 1),
		bet("bob", model.OutcomeNo, 5, 9, 2),
		bet("alice", model.OutcomeYes, -4, -6, 3),
		{UserID: "alice", ContractID: "other", Outcome: model.OutcomeYes, Amount: d(99), Shares: d(99)},
	}
	loans := []model.Loan{
		{UserID: "alice", ContractID: "m1", Amount: d(2)},
		{UserID: "bob", ContractID: "m1", Amount: d(7)},
	}

	cp := Fold("alice", "m1", bets, loans)

	require.Len(t, cp.Positions, 1)
	assert.True(t, cp.Shares(model.OutcomeYes).Equal(d(12)), "shares %s", cp.Shares(model.OutcomeYes))
	assert.True(t, cp.Invested.Equal(d(6)), "invested %s", cp.Invested)
	assert.True(t, cp.LoanAmount.Equal(d(2)), "loan %s", cp.LoanAmount)
	assert.True(t, cp.HasYesShares)
	assert.False(t, cp.HasNoShares)
}

func TestValue_Binary(t *testing.T) {
	// prob = no / (yes + no) = 75 / 100
	market := binaryMarket(25, 75)
	cp := Fold("alice", "m1", []model.Bet{
		bet("alice", model.OutcomeYes, 10, 20, 1),
	}, nil)
	Value(market, cp)
	assert.True(t, cp.Value.Equal(d(15)), "value %s", cp.Value)
	assert.True(t, cp.Profit.Equal(d(5)), "profit %s", cp.Profit)

	noPos := Fold("bob", "m1", []model.Bet{bet("bob", model.OutcomeNo, 10, 20, 1)}, nil)
	Value(market, noPos)
	assert.True(t, noPos.Value.Equal(d(5)), "value %s", noPos.Value)
}

func TestValue_ResolvedMarketUsesResolution(t *testing.T) {
	market := binaryMarket(25, 75)
	market.IsResolved = true
	market.Resolution = &model.Resolution{Outcome: model.OutcomeNo}

	cp := Fold("alice", "m1", []model.Bet{bet("alice", model.OutcomeYes, 10, 20, 1)}, nil)
	Value(market, cp)
	assert.True(t, cp.Value.IsZero(), "losing shares are worthless, got %s", cp.Value)
	assert.True(t, cp.Profit.Equal(d(-10)), "profit %s", cp.Profit)

	market.Resolution = &model.Resolution{Outcome: model.ResolutionMKT, Prob: d(0.4)}
	Value(market, cp)
	assert.True(t, cp.Value.Equal(d(8)), "value %s", cp.Value)
}

func TestValue_Multi(t *testing.T) {
	market := &model.Market{
		ID: "m1", OutcomeType: model.OutcomeMulti, Outcomes: []string{"A", "B"},
		Pool: map[string]decimal.Decimal{"A": d(3), "B": d(1)},
	}
	cp := Fold("alice", "m1", []model.Bet{bet("alice", "A", 5, 10, 1)}, nil)
	Value(market, cp)
	// prob(A) = 9 / 10
	assert.True(t, cp.Value.Equal(d(9)), "value %s", cp.Value)
}

func TestOutstanding_EqualsSumOfPositions(t *testing.T) {
	bets := []model.Bet{
		bet("alice", model.OutcomeYes, 10, 18, 1),
		bet("bob", model.OutcomeYes, 3, 4.5, 2),
		bet("bob", model.OutcomeNo, 8, 11, 3),
		bet("carol", model.OutcomeNo, -2, -3, 4),
		bet("carol", model.OutcomeNo, 6, 9, 0),
	}
	out := Outstanding(bets)

	sum := map[string]decimal.Decimal{}
	for _, cp := range ByUser("m1", bets, nil) {
		for _, p := range cp.Positions {
			sum[p.Outcome] = sum[p.Outcome].Add(p.Shares)
		}
	}
	for outcome, shares := range out {
		assert.True(t, shares.Equal(sum[outcome]), "%s: outstanding %s, positions %s", outcome, shares, sum[outcome])
	}
	assert.True(t, out[model.OutcomeYes].Equal(d(22.5)))
	assert.True(t, out[model.OutcomeNo].Equal(d(17)))
}

func TestRedeemable(t *testing.T) {
	cp := Fold("alice", "m1", []model.Bet{
		bet("alice", model.OutcomeYes, 10, 18, 1),
		bet("alice", model.OutcomeNo, 5, 7, 2),
	}, nil)
	assert.True(t, Redeemable(cp).Equal(d(7)))

	yesOnly := Fold("alice", "m1", []model.Bet{bet("alice", model.OutcomeYes, 10, 18, 1)}, nil)
	assert.True(t, Redeemable(yesOnly).IsZero())
}
