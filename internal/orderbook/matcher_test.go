package orderbook

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMatcher(t *testing.T) *Matcher {
	t.Helper()
	mm, err := amm.NewMarketMaker(amm.DefaultMinPoolQty)
	if err != nil {
		t.Fatal(err)
	}
	return NewMatcher(mm)
}

func binaryMarket(yes, no float64) *model.Market {
	return &model.Market{
		ID: "m1", OutcomeType: model.OutcomeBinary,
		Outcomes: []string{model.OutcomeYes, model.OutcomeNo},
		Pool:     map[string]decimal.Decimal{model.OutcomeYes: d(yes), model.OutcomeNo: d(no)},
	}
}

func resting(id, user, outcome string, amount, prob float64, age int) model.LimitOrder {
	return model.LimitOrder{
		ID: id, UserID: user, ContractID: "m1", Outcome: outcome,
		Amount: d(amount), OrigAmount: d(amount), LimitProb: d(prob),
		Status: model.OrderPending, Version: 1,
		CreatedTime: t0.Add(time.Duration(age) * time.Minute),
	}
}

func near(a, b decimal.Decimal, tol float64) bool {
	return a.Sub(b).Abs().LessThanOrEqual(d(tol))
}

func TestMatch_PoolOnly(t *testing.T) {
	m := newMatcher(t)
	exec, err := m.Match(binaryMarket(100, 100), TakerOrder{UserID: "alice", Outcome: model.OutcomeYes, Amount: d(50)}, nil, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !near(exec.Shares, d(33.333333), 1e-5) {
		t.Errorf("expected ~33.333 shares, got %s", exec.Shares)
	}
	if len(exec.Fills) != 0 {
		t.Errorf("expected no fills, got %d", len(exec.Fills))
	}
	if !exec.Remaining.IsZero() {
		t.Errorf("market order should spend everything, %s left", exec.Remaining)
	}
}

func TestMatch_PoolThenMaker(t *testing.T) {
	m := newMatcher(t)
	book := []model.LimitOrder{resting("o1", "bob", model.OutcomeNo, 40, 0.6, 0)}

	exec, err := m.Match(binaryMarket(100, 100), TakerOrder{UserID: "alice", Outcome: model.OutcomeYes, Amount: d(50)}, book, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(exec.Fills))
	}
	f := exec.Fills[0]
	if !f.Prob.Equal(d(0.6)) {
		t.Errorf("fill should happen at the maker's limit, got %s", f.Prob)
	}
	if !near(exec.ProbAfter, d(0.6), 1e-6) {
		t.Errorf("pool should stop at 0.6, got %s", exec.ProbAfter)
	}
	if !near(exec.PoolAmount, d(22.474487), 1e-5) {
		t.Errorf("expected ~22.4745 spent on the pool, got %s", exec.PoolAmount)
	}
	// Taker pays 0.6 per share, maker 0.4 for the same shares.
	if !near(f.Shares.Mul(d(0.4)), f.Amount, 1e-9) {
		t.Errorf("maker amount %s does not match %s shares at 0.4", f.Amount, f.Shares)
	}
	if !near(exec.Amount, d(50), 1e-9) || !exec.Remaining.IsZero() {
		t.Errorf("taker should spend 50, spent %s with %s left", exec.Amount, exec.Remaining)
	}
	if !f.Order.IsPending() {
		t.Error("partially filled maker should stay pending")
	}
	if !f.Order.Amount.Equal(d(40).Sub(f.Amount)) {
		t.Errorf("maker remainder %s, expected %s", f.Order.Amount, d(40).Sub(f.Amount))
	}
	if f.ExpectedVersion != 1 {
		t.Errorf("expected CAS on version 1, got %d", f.ExpectedVersion)
	}
	if !exec.Shares.Equal(exec.PoolShares.Add(f.Shares)) {
		t.Errorf("taker shares %s should be pool %s plus fill %s", exec.Shares, exec.PoolShares, f.Shares)
	}
}

func TestMatch_PriceTimePriority(t *testing.T) {
	m := newMatcher(t)
	book := []model.LimitOrder{
		resting("far", "bob", model.OutcomeNo, 4, 0.7, 0),
		resting("newer", "carol", model.OutcomeNo, 4, 0.6, 2),
		resting("older", "dave", model.OutcomeNo, 4, 0.6, 1),
	}

	exec, err := m.Match(binaryMarket(100, 100), TakerOrder{UserID: "alice", Outcome: model.OutcomeYes, Amount: d(50)}, book, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(exec.Fills))
	}
	if exec.Fills[0].Order.ID != "older" || exec.Fills[1].Order.ID != "newer" {
		t.Errorf("expected older then newer, got %s then %s", exec.Fills[0].Order.ID, exec.Fills[1].Order.ID)
	}
	for _, f := range exec.Fills {
		if !f.Order.IsFilled() {
			t.Errorf("order %s should be filled, has %s left", f.Order.ID, f.Order.Amount)
		}
		if !near(f.Shares, d(10), 1e-9) {
			t.Errorf("order %s: expected 10 shares, got %s", f.Order.ID, f.Shares)
		}
	}
	if !exec.ProbAfter.LessThan(d(0.7)) {
		t.Errorf("remaining 15.5 cannot reach 0.7, got %s", exec.ProbAfter)
	}
}

func TestMatch_LimitRestsWhenNotCrossing(t *testing.T) {
	m := newMatcher(t)
	book := []model.LimitOrder{resting("o1", "bob", model.OutcomeNo, 40, 0.6, 0)}

	exec, err := m.Match(binaryMarket(100, 100),
		TakerOrder{UserID: "alice", Outcome: model.OutcomeYes, Amount: d(50), Limit: ptr(d(0.55))}, book, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Fills) != 0 {
		t.Errorf("maker at 0.6 is beyond the 0.55 limit, got %d fills", len(exec.Fills))
	}
	if !near(exec.ProbAfter, d(0.55), 1e-6) {
		t.Errorf("pool should stop at the limit, got %s", exec.ProbAfter)
	}
	if !exec.Remaining.IsPositive() {
		t.Error("expected an unfilled remainder to rest")
	}
	if !near(exec.Amount.Add(exec.Remaining), d(50), 1e-12) {
		t.Errorf("spent %s + remaining %s should equal 50", exec.Amount, exec.Remaining)
	}
}

func TestMatch_LimitAlreadyPastPool(t *testing.T) {
	m := newMatcher(t)
	exec, err := m.Match(binaryMarket(100, 100),
		TakerOrder{UserID: "alice", Outcome: model.OutcomeYes, Amount: d(10), Limit: ptr(d(0.4))}, nil, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exec.Shares.IsZero() || !exec.Remaining.Equal(d(10)) {
		t.Errorf("nothing should execute, got %s shares and %s remaining", exec.Shares, exec.Remaining)
	}
}

func TestMatch_NoTakerAgainstYesMaker(t *testing.T) {
	m := newMatcher(t)
	book := []model.LimitOrder{resting("o1", "bob", model.OutcomeYes, 20, 0.4, 0)}

	exec, err := m.Match(binaryMarket(100, 100), TakerOrder{UserID: "alice", Outcome: model.OutcomeNo, Amount: d(30)}, book, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(exec.Fills))
	}
	f := exec.Fills[0]
	// NO taker pays 1 - 0.4 per share; the YES maker pays 0.4.
	if !near(f.Shares.Mul(d(0.4)), f.Amount, 1e-9) {
		t.Errorf("maker amount %s does not match %s shares at 0.4", f.Amount, f.Shares)
	}
	if !near(exec.ProbAfter, d(0.4), 1e-6) {
		t.Errorf("pool should stop at 0.4, got %s", exec.ProbAfter)
	}
}

func TestMatch_SkipsOwnAndExpiredOrders(t *testing.T) {
	m := newMatcher(t)
	expired := resting("old", "bob", model.OutcomeNo, 40, 0.51, 0)
	at := t0.Add(-time.Second)
	expired.ExpiresAt = &at
	book := []model.LimitOrder{
		resting("mine", "alice", model.OutcomeNo, 40, 0.51, 0),
		expired,
	}

	exec, err := m.Match(binaryMarket(100, 100), TakerOrder{UserID: "alice", Outcome: model.OutcomeYes, Amount: d(10)}, book, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Fills) != 0 {
		t.Errorf("expected no fills, got %d", len(exec.Fills))
	}
}

func TestMatch_MultiOutcome(t *testing.T) {
	m := newMatcher(t)
	market := &model.Market{
		ID: "m2", OutcomeType: model.OutcomeMulti, Outcomes: []string{"A", "B"},
		Pool: map[string]decimal.Decimal{"A": d(0.01), "B": d(0.01)},
	}
	exec, err := m.Match(market, TakerOrder{UserID: "alice", Outcome: "A", Amount: d(100)}, nil, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exec.ProbAfter.GreaterThan(d(0.5)) {
		t.Errorf("prob(A) should exceed 0.5, got %s", exec.ProbAfter)
	}

	_, err = m.Match(market, TakerOrder{UserID: "alice", Outcome: "A", Amount: d(1), Limit: ptr(d(0.5))}, nil, t0)
	if !errors.Is(err, model.ErrInvalidTrade) {
		t.Errorf("limit on multi market: expected ErrInvalidTrade, got %v", err)
	}
}

func TestValidateLimit(t *testing.T) {
	for _, p := range []float64{0, 1, -0.1, 1.5} {
		if err := ValidateLimit(d(p)); !errors.Is(err, model.ErrInvalidTrade) {
			t.Errorf("limit %v: expected ErrInvalidTrade, got %v", p, err)
		}
	}
	if err := ValidateLimit(d(0.37)); err != nil {
		t.Errorf("limit 0.37: unexpected error %v", err)
	}
}
