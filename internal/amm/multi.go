package amm

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

// sumSquares returns sum(s^2) over every outcome in the pool.
func sumSquares(pool map[string]decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range pool {
		sum = sum.Add(s.Mul(s))
	}
	return sum
}

// MultiProb returns s_k^2 / sum(s^2).
func MultiProb(pool map[string]decimal.Decimal, outcome string) decimal.Decimal {
	sum := sumSquares(pool)
	if sum.IsZero() {
		if len(pool) == 0 {
			return decimal.Zero
		}
		return one.DivRound(decimal.NewFromInt(int64(len(pool))), Scale)
	}
	s := pool[outcome]
	return s.Mul(s).DivRound(sum, Scale)
}

// MultiProbs returns the probability of every outcome in the pool.
func MultiProbs(pool map[string]decimal.Decimal) map[string]decimal.Decimal {
	probs := make(map[string]decimal.Decimal, len(pool))
	for outcome := range pool {
		probs[outcome] = MultiProb(pool, outcome)
	}
	return probs
}

// SeedMulti returns a copy of pool in which every outcome holds at least the
// minimum pool quantity. A pool of all zeros has no defined probability, so
// it is seeded before any trade is priced.
func (m *MarketMaker) SeedMulti(pool map[string]decimal.Decimal, outcomes []string) map[string]decimal.Decimal {
	seeded := make(map[string]decimal.Decimal, len(outcomes))
	for _, o := range outcomes {
		s := pool[o]
		if s.LessThan(m.minPoolQty) {
			s = m.minPoolQty
		}
		seeded[o] = s
	}
	return seeded
}

// InitialMulti returns the pool for a new multi-outcome market funded with
// ante: every outcome gets ante/sqrt(n) shares so sqrt(sum(s^2)) = ante and
// all outcomes start equally likely.
func (m *MarketMaker) InitialMulti(outcomes []string, ante decimal.Decimal) map[string]decimal.Decimal {
	pool := make(map[string]decimal.Decimal, len(outcomes))
	if len(outcomes) == 0 {
		return pool
	}
	each := floorScale(ante.DivRound(Sqrt(decimal.NewFromInt(int64(len(outcomes)))), Scale+4))
	for _, o := range outcomes {
		pool[o] = each
	}
	return m.SeedMulti(pool, outcomes)
}

// BuyMulti spends bet on outcome k:
//
//	shares = sqrt(bet^2 + s_k^2 + 2*bet*sqrt(sum(s^2))) - s_k
//
// which makes sqrt(sum(s'^2)) = sqrt(sum(s^2)) + bet.
func (m *MarketMaker) BuyMulti(pool map[string]decimal.Decimal, outcome string, bet decimal.Decimal) (Trade, error) {
	if _, ok := pool[outcome]; !ok {
		return Trade{}, fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidTrade, outcome)
	}
	if !bet.IsPositive() {
		return Trade{}, fmt.Errorf("%w: amount must be positive", model.ErrInvalidTrade)
	}
	pool = m.SeedMulti(pool, keys(pool))

	sk := pool[outcome]
	root := Sqrt(sumSquares(pool))
	radicand := bet.Mul(bet).Add(sk.Mul(sk)).Add(two.Mul(bet).Mul(root))
	shares := floorScale(Sqrt(radicand).Sub(sk))
	if !shares.IsPositive() {
		return Trade{}, fmt.Errorf("%w: amount %s buys no shares", model.ErrInvalidTrade, bet)
	}

	next := copyPool(pool)
	next[outcome] = sk.Add(shares)

	return Trade{
		Outcome:    outcome,
		Shares:     shares,
		Amount:     bet,
		ProbBefore: MultiProb(pool, outcome),
		ProbAfter:  MultiProb(next, outcome),
		Pool:       next,
	}, nil
}

// SellMulti returns shares of outcome k to the pool. It inverts BuyMulti:
//
//	s_k' = s_k - shares, payout = sqrt(sum(s^2)) - sqrt(sum(s'^2))
func (m *MarketMaker) SellMulti(pool map[string]decimal.Decimal, outcome string, shares decimal.Decimal) (Trade, error) {
	sk, ok := pool[outcome]
	if !ok {
		return Trade{}, fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidTrade, outcome)
	}
	if !shares.IsPositive() {
		return Trade{}, fmt.Errorf("%w: shares must be positive", model.ErrInvalidTrade)
	}
	remaining := sk.Sub(shares)
	if remaining.LessThan(m.minPoolQty) {
		return Trade{}, fmt.Errorf("%w: %s shares of %s would fall to %s (min %s)",
			model.ErrInsufficientLiquidity, outcome, sk, remaining, m.minPoolQty)
	}

	next := copyPool(pool)
	next[outcome] = remaining
	payout := floorScale(Sqrt(sumSquares(pool)).Sub(Sqrt(sumSquares(next))))
	if !payout.IsPositive() {
		return Trade{}, fmt.Errorf("%w: selling %s shares pays nothing", model.ErrInvalidTrade, shares)
	}

	return Trade{
		Outcome:    outcome,
		Shares:     shares,
		Amount:     payout,
		ProbBefore: MultiProb(pool, outcome),
		ProbAfter:  MultiProb(next, outcome),
		Pool:       next,
	}, nil
}

// addMultiLiquidity multiplies every outcome by (1 + amount/sqrt(sum(s^2))),
// which raises the invested capital by amount and leaves probabilities as they were.
func (m *MarketMaker) addMultiLiquidity(pool map[string]decimal.Decimal, amount decimal.Decimal) map[string]decimal.Decimal {
	pool = m.SeedMulti(pool, keys(pool))
	root := Sqrt(sumSquares(pool))
	factor := one.Add(amount.DivRound(root, Scale+4))
	next := make(map[string]decimal.Decimal, len(pool))
	for o, s := range pool {
		next[o] = floorScale(s.Mul(factor))
	}
	return next
}

// Sqrt returns the square root of a non-negative decimal to Scale+4 places
// using Newton's method seeded from float64.
func Sqrt(x decimal.Decimal) decimal.Decimal {
	if !x.IsPositive() {
		return decimal.Zero
	}
	prec := Scale + 4
	guess := decimal.NewFromFloat(math.Sqrt(x.InexactFloat64()))
	if !guess.IsPositive() {
		guess = one
	}
	epsilon := decimal.New(1, -prec)
	for i := 0; i < 64; i++ {
		next := guess.Add(x.DivRound(guess, prec)).DivRound(two, prec)
		if next.Sub(guess).Abs().LessThanOrEqual(epsilon) {
			return next
		}
		guess = next
	}
	return guess
}

func copyPool(pool map[string]decimal.Decimal) map[string]decimal.Decimal {
	c := make(map[string]decimal.Decimal, len(pool))
	for k, v := range pool {
		c[k] = v
	}
	return c
}

func keys(pool map[string]decimal.Decimal) []string {
	out := make([]string, 0, len(pool))
	for k := range pool {
		out = append(out, k)
	}
	return out
}
