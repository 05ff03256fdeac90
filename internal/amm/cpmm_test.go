package amm

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newMaker(t *testing.T) *MarketMaker {
	t.Helper()
	mm, err := NewMarketMaker(DefaultMinPoolQty)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return mm
}

func binaryMarket(yes, no float64) *model.Market {
	return &model.Market{
		ID:          "m1",
		OutcomeType: model.OutcomeBinary,
		Outcomes:    []string{model.OutcomeYes, model.OutcomeNo},
		Pool:        map[string]decimal.Decimal{model.OutcomeYes: d(yes), model.OutcomeNo: d(no)},
	}
}

// --- Constructor tests ---

func TestNewMarketMaker_RejectsNonPositiveMin(t *testing.T) {
	for _, v := range []float64{0, -1} {
		if _, err := NewMarketMaker(d(v)); err != ErrInvalidMinPool {
			t.Errorf("min=%v: expected ErrInvalidMinPool, got %v", v, err)
		}
	}
}

// --- Probability ---

func TestBinaryProb_Balanced(t *testing.T) {
	p := BinaryPool{Yes: d(100), No: d(100)}.Prob()
	if !p.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %s", p)
	}
}

func TestBinaryProb_MoreNoReserveMeansHigherYes(t *testing.T) {
	p := BinaryPool{Yes: d(50), No: d(150)}.Prob()
	if !p.Equal(d(0.75)) {
		t.Errorf("expected 0.75, got %s", p)
	}
}

// --- Buys ---

func TestBuyBinary_FiftyOnBalancedPool(t *testing.T) {
	mm := newMaker(t)
	trade, err := mm.BuyBinary(BinaryPool{Yes: d(100), No: d(100)}, model.OutcomeYes, d(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if trade.Shares.Sub(d(33.3333)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("expected ~33.333 shares, got %s", trade.Shares)
	}
	// no' = 150, yes' = 10000/150, prob = 150 / (66.67 + 150)
	if trade.ProbAfter.Sub(d(0.692308)).Abs().GreaterThan(d(0.00001)) {
		t.Errorf("expected prob ~0.6923, got %s", trade.ProbAfter)
	}
	if !trade.ProbBefore.Equal(d(0.5)) {
		t.Errorf("expected prob before 0.5, got %s", trade.ProbBefore)
	}
	if !trade.Pool[model.OutcomeNo].Equal(d(150)) {
		t.Errorf("expected NO reserve 150, got %s", trade.Pool[model.OutcomeNo])
	}
}

func TestBuyBinary_NoLowersYesProb(t *testing.T) {
	mm := newMaker(t)
	trade, err := mm.BuyBinary(BinaryPool{Yes: d(100), No: d(100)}, model.OutcomeNo, d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !trade.ProbAfter.LessThan(d(0.5)) {
		t.Errorf("buying NO should lower YES prob, got %s", trade.ProbAfter)
	}
	if !trade.Pool[model.OutcomeYes].Equal(d(125)) {
		t.Errorf("expected YES reserve 125, got %s", trade.Pool[model.OutcomeYes])
	}
}

func TestBuyBinary_InvariantNeverDecreases(t *testing.T) {
	mm := newMaker(t)
	pool := BinaryPool{Yes: d(37.5), No: d(211.3)}
	k := pool.K()

	for _, amt := range []float64{0.01, 1, 3.33, 17, 250} {
		trade, err := mm.BuyBinary(pool, model.OutcomeYes, d(amt))
		if err != nil {
			t.Fatalf("amount %v: unexpected error: %v", amt, err)
		}
		next := BinaryPoolOf(trade.Pool)
		if next.K().LessThan(k) {
			t.Errorf("amount %v: k decreased from %s to %s", amt, k, next.K())
		}
	}
}

func TestBuyBinary_RejectsBadInput(t *testing.T) {
	mm := newMaker(t)
	pool := BinaryPool{Yes: d(100), No: d(100)}

	if _, err := mm.BuyBinary(pool, model.OutcomeYes, d(0)); !errors.Is(err, model.ErrInvalidTrade) {
		t.Errorf("zero amount: expected ErrInvalidTrade, got %v", err)
	}
	if _, err := mm.BuyBinary(pool, "MAYBE", d(10)); !errors.Is(err, model.ErrInvalidTrade) {
		t.Errorf("bad outcome: expected ErrInvalidTrade, got %v", err)
	}
}

func TestBuyBinary_DrainingReserveIsInsufficientLiquidity(t *testing.T) {
	mm := newMaker(t)
	_, err := mm.BuyBinary(BinaryPool{Yes: d(1), No: d(1)}, model.OutcomeYes, d(1000))
	if !errors.Is(err, model.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

// --- Sells ---

func TestSellBinary_UndoesBuy(t *testing.T) {
	mm := newMaker(t)
	start := BinaryPool{Yes: d(100), No: d(100)}
	tolerance := d(0.000000001)

	for _, outcome := range []string{model.OutcomeYes, model.OutcomeNo} {
		buy, err := mm.BuyBinary(start, outcome, d(50))
		if err != nil {
			t.Fatalf("%s buy: %v", outcome, err)
		}
		sell, err := mm.SellBinary(BinaryPoolOf(buy.Pool), outcome, buy.Shares)
		if err != nil {
			t.Fatalf("%s sell: %v", outcome, err)
		}

		end := BinaryPoolOf(sell.Pool)
		if end.Yes.Sub(start.Yes).Abs().GreaterThan(tolerance) || end.No.Sub(start.No).Abs().GreaterThan(tolerance) {
			t.Errorf("%s: pool not restored: %s/%s", outcome, end.Yes, end.No)
		}
		if sell.Amount.Sub(d(50)).Abs().GreaterThan(tolerance) {
			t.Errorf("%s: expected payout ~50, got %s", outcome, sell.Amount)
		}
		if sell.Amount.GreaterThan(d(50)) {
			t.Errorf("%s: payout %s exceeds amount paid", outcome, sell.Amount)
		}
	}
}

// --- Limit targets ---

func TestAmountToReachProb(t *testing.T) {
	mm := newMaker(t)
	pool := BinaryPool{Yes: d(100), No: d(100)}

	amt, err := mm.AmountToReachProb(pool, model.OutcomeYes, d(0.6))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trade, err := mm.BuyBinary(pool, model.OutcomeYes, amt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trade.ProbAfter.Sub(d(0.6)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("expected prob 0.6 after buying %s, got %s", amt, trade.ProbAfter)
	}

	amt, err = mm.AmountToReachProb(pool, model.OutcomeNo, d(0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trade, err = mm.BuyBinary(pool, model.OutcomeNo, amt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trade.ProbAfter.Sub(d(0.3)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("expected prob 0.3 after buying NO %s, got %s", amt, trade.ProbAfter)
	}
}

func TestAmountToReachProb_AlreadyPast(t *testing.T) {
	mm := newMaker(t)
	amt, err := mm.AmountToReachProb(BinaryPool{Yes: d(100), No: d(100)}, model.OutcomeYes, d(0.4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !amt.IsZero() {
		t.Errorf("expected zero, got %s", amt)
	}
}

// --- Liquidity ---

func TestAddLiquidity_KeepsProbability(t *testing.T) {
	mm := newMaker(t)
	m := binaryMarket(50, 150)
	before := Prob(m, model.OutcomeYes)

	pool, unused, err := mm.AddLiquidity(m, d(30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Pool = pool
	after := Prob(m, model.OutcomeYes)
	if after.Sub(before).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("prob moved from %s to %s", before, after)
	}
	if !pool[model.OutcomeNo].Equal(d(180)) {
		t.Errorf("expected larger reserve to absorb full amount, got %s", pool[model.OutcomeNo])
	}
	if !unused.Equal(d(20)) {
		t.Errorf("expected 20 unused, got %s", unused)
	}
}

func TestInitialBinary_OpensAtProb(t *testing.T) {
	for _, p := range []float64{0.5, 0.8, 0.2} {
		pool, err := InitialBinary(d(100), d(p))
		if err != nil {
			t.Fatalf("prob %v: unexpected error: %v", p, err)
		}
		if got := pool.Prob(); got.Sub(d(p)).Abs().GreaterThan(d(1e-9)) {
			t.Errorf("prob %v: pool opens at %s", p, got)
		}
		if !decimal.Max(pool.Yes, pool.No).Equal(d(100)) {
			t.Errorf("prob %v: larger reserve should hold the ante, got %+v", p, pool)
		}
	}
	if _, err := InitialBinary(d(100), d(1)); err == nil {
		t.Error("expected error for prob 1")
	}
	if _, err := InitialBinary(decimal.Zero, d(0.5)); err == nil {
		t.Error("expected error for zero ante")
	}
}
