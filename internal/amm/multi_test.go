package amm

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

func sumProbs(pool map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range MultiProbs(pool) {
		total = total.Add(p)
	}
	return total
}

func TestBuyMulti_SeedsEmptyPool(t *testing.T) {
	mm := newMaker(t)
	pool := map[string]decimal.Decimal{"A": d(0), "B": d(0)}

	trade, err := mm.BuyMulti(pool, "A", d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !trade.ProbAfter.GreaterThan(d(0.5)) {
		t.Errorf("expected prob(A) > 0.5, got %s", trade.ProbAfter)
	}
	if !trade.Pool["B"].Equal(DefaultMinPoolQty) {
		t.Errorf("expected B seeded to %s, got %s", DefaultMinPoolQty, trade.Pool["B"])
	}
	if sumProbs(trade.Pool).Sub(d(1)).Abs().GreaterThan(d(0.000000001)) {
		t.Errorf("probabilities sum to %s", sumProbs(trade.Pool))
	}
}

func TestBuyMulti_RootGrowsByBet(t *testing.T) {
	mm := newMaker(t)
	pool := map[string]decimal.Decimal{"A": d(30), "B": d(40), "C": d(0.5)}
	before := Sqrt(sumSquares(pool))

	trade, err := mm.BuyMulti(pool, "C", d(12.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := Sqrt(sumSquares(trade.Pool))
	if after.Sub(before).Sub(d(12.5)).Abs().GreaterThan(d(0.000000001)) {
		t.Errorf("expected sqrt(sum) to grow by 12.5: before=%s after=%s", before, after)
	}
}

func TestSellMulti_InvertsBuy(t *testing.T) {
	mm := newMaker(t)
	pool := map[string]decimal.Decimal{"A": d(30), "B": d(40)}

	buy, err := mm.BuyMulti(pool, "A", d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sell, err := mm.SellMulti(buy.Pool, "A", buy.Shares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sell.Amount.Sub(d(25)).Abs().GreaterThan(d(0.000000001)) {
		t.Errorf("expected payout ~25, got %s", sell.Amount)
	}
	if sell.Pool["A"].Sub(d(30)).Abs().GreaterThan(d(0.000000001)) {
		t.Errorf("expected A restored to 30, got %s", sell.Pool["A"])
	}
}

func TestSellMulti_BelowMinimum(t *testing.T) {
	mm := newMaker(t)
	pool := map[string]decimal.Decimal{"A": d(1), "B": d(1)}
	_, err := mm.SellMulti(pool, "A", d(0.995))
	if !errors.Is(err, model.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestInitialMulti(t *testing.T) {
	mm := newMaker(t)
	pool := mm.InitialMulti([]string{"A", "B", "C", "D"}, d(100))
	for o, s := range pool {
		if !s.Equal(d(50)) {
			t.Errorf("%s: expected 50 shares, got %s", o, s)
		}
	}
	if !MultiProb(pool, "A").Equal(d(0.25)) {
		t.Errorf("expected 0.25, got %s", MultiProb(pool, "A"))
	}
}

func TestAddLiquidity_Multi(t *testing.T) {
	mm := newMaker(t)
	m := &model.Market{
		OutcomeType: model.OutcomeMulti,
		Outcomes:    []string{"A", "B"},
		Pool:        map[string]decimal.Decimal{"A": d(30), "B": d(40)},
	}
	pool, unused, err := mm.AddLiquidity(m, d(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !unused.IsZero() {
		t.Errorf("expected nothing unused, got %s", unused)
	}
	if !pool["A"].Equal(d(60)) || !pool["B"].Equal(d(80)) {
		t.Errorf("expected 60/80, got %s/%s", pool["A"], pool["B"])
	}
}

func TestSqrt(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0}, {1, 1}, {4, 2}, {2, 1.4142135623730950}, {0.0002, 0.0141421356237310},
	}
	for _, tt := range tests {
		got := Sqrt(d(tt.in))
		if got.Sub(d(tt.want)).Abs().GreaterThan(d(0.00000000001)) {
			t.Errorf("Sqrt(%v) = %s, want %v", tt.in, got, tt.want)
		}
	}
}
