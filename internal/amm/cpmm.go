package amm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

// BinaryPool holds the YES and NO reserves of a constant-product pool.
type BinaryPool struct {
	Yes decimal.Decimal
	No  decimal.Decimal
}

// BinaryPoolOf reads the reserves out of a market pool map.
func BinaryPoolOf(pool map[string]decimal.Decimal) BinaryPool {
	return BinaryPool{Yes: pool[model.OutcomeYes], No: pool[model.OutcomeNo]}
}

// Map converts the reserves back to the market representation.
func (p BinaryPool) Map() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{model.OutcomeYes: p.Yes, model.OutcomeNo: p.No}
}

// K returns the invariant yes * no.
func (p BinaryPool) K() decimal.Decimal {
	return p.Yes.Mul(p.No)
}

// Prob returns the YES probability no / (yes + no).
func (p BinaryPool) Prob() decimal.Decimal {
	total := p.Yes.Add(p.No)
	if total.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	return p.No.DivRound(total, Scale)
}

// BuyBinary spends amount on outcome. The mana joins the opposite reserve and
// the bought shares leave the outcome's reserve so that yes' * no' >= yes * no:
//
//	YES: no' = no + amount, yes' = k / no', shares = yes - yes'
//	NO:  yes' = yes + amount, no' = k / yes', shares = no - no'
func (m *MarketMaker) BuyBinary(pool BinaryPool, outcome string, amount decimal.Decimal) (Trade, error) {
	if !amount.IsPositive() {
		return Trade{}, fmt.Errorf("%w: amount must be positive", model.ErrInvalidTrade)
	}
	k := pool.K()
	next := pool
	var shares decimal.Decimal

	switch outcome {
	case model.OutcomeYes:
		next.No = pool.No.Add(amount)
		next.Yes = ceilDiv(k, next.No)
		shares = pool.Yes.Sub(next.Yes)
	case model.OutcomeNo:
		next.Yes = pool.Yes.Add(amount)
		next.No = ceilDiv(k, next.Yes)
		shares = pool.No.Sub(next.No)
	default:
		return Trade{}, fmt.Errorf("%w: binary outcome must be YES or NO, got %q", model.ErrInvalidTrade, outcome)
	}

	if err := m.checkBinary(next); err != nil {
		return Trade{}, err
	}
	if !shares.IsPositive() {
		return Trade{}, fmt.Errorf("%w: amount %s buys no shares", model.ErrInvalidTrade, amount)
	}

	return Trade{
		Outcome:    outcome,
		Shares:     shares,
		Amount:     amount,
		ProbBefore: pool.Prob(),
		ProbAfter:  next.Prob(),
		Pool:       next.Map(),
	}, nil
}

// SellBinary returns shares of outcome to the pool. It is the inverse of
// BuyBinary: the shares rejoin the outcome's reserve and the payout leaves
// the opposite reserve.
func (m *MarketMaker) SellBinary(pool BinaryPool, outcome string, shares decimal.Decimal) (Trade, error) {
	if !shares.IsPositive() {
		return Trade{}, fmt.Errorf("%w: shares must be positive", model.ErrInvalidTrade)
	}
	k := pool.K()
	next := pool
	var payout decimal.Decimal

	switch outcome {
	case model.OutcomeYes:
		next.Yes = pool.Yes.Add(shares)
		next.No = ceilDiv(k, next.Yes)
		payout = pool.No.Sub(next.No)
	case model.OutcomeNo:
		next.No = pool.No.Add(shares)
		next.Yes = ceilDiv(k, next.No)
		payout = pool.Yes.Sub(next.Yes)
	default:
		return Trade{}, fmt.Errorf("%w: binary outcome must be YES or NO, got %q", model.ErrInvalidTrade, outcome)
	}

	if err := m.checkBinary(next); err != nil {
		return Trade{}, err
	}
	if !payout.IsPositive() {
		return Trade{}, fmt.Errorf("%w: selling %s shares pays nothing", model.ErrInvalidTrade, shares)
	}

	return Trade{
		Outcome:    outcome,
		Shares:     shares,
		Amount:     payout,
		ProbBefore: pool.Prob(),
		ProbAfter:  next.Prob(),
		Pool:       next.Map(),
	}, nil
}

// AmountToReachProb returns the mana a buy of outcome needs to move the YES
// probability to target. It returns zero when the pool is already at or past
// target in the buyer's favour.
//
// With prob = no / (yes + no) and yes * no = k:
//
//	YES: no'^2  = target * k / (1 - target)
//	NO:  yes'^2 = (1 - target) * k / target
func (m *MarketMaker) AmountToReachProb(pool BinaryPool, outcome string, target decimal.Decimal) (decimal.Decimal, error) {
	if !target.IsPositive() || !target.LessThan(one) {
		return decimal.Zero, fmt.Errorf("%w: target probability %s outside (0,1)", model.ErrInvalidTrade, target)
	}
	k := pool.K()
	current := pool.Prob()

	switch outcome {
	case model.OutcomeYes:
		if !target.GreaterThan(current) {
			return decimal.Zero, nil
		}
		no := Sqrt(k.Mul(target).DivRound(one.Sub(target), Scale+4))
		return floorScale(no.Sub(pool.No)), nil
	case model.OutcomeNo:
		if !target.LessThan(current) {
			return decimal.Zero, nil
		}
		yes := Sqrt(k.Mul(one.Sub(target)).DivRound(target, Scale+4))
		return floorScale(yes.Sub(pool.Yes)), nil
	}
	return decimal.Zero, fmt.Errorf("%w: binary outcome must be YES or NO, got %q", model.ErrInvalidTrade, outcome)
}

func (m *MarketMaker) checkBinary(p BinaryPool) error {
	if p.Yes.LessThan(m.minPoolQty) || p.No.LessThan(m.minPoolQty) {
		return fmt.Errorf("%w: reserves would fall to yes=%s no=%s (min %s)",
			model.ErrInsufficientLiquidity, p.Yes, p.No, m.minPoolQty)
	}
	return nil
}

// addLiquidity multiplies both reserves by (1 + amount/max(yes, no)). The
// larger reserve absorbs the full amount; the smaller one absorbs
// proportionally less, and the difference is returned as unused.
func (p BinaryPool) addLiquidity(amount decimal.Decimal) (BinaryPool, decimal.Decimal) {
	larger := decimal.Max(p.Yes, p.No)
	if !larger.IsPositive() {
		return BinaryPool{Yes: amount, No: amount}, decimal.Zero
	}
	addYes := floorScale(p.Yes.Mul(amount).DivRound(larger, Scale+4))
	addNo := floorScale(p.No.Mul(amount).DivRound(larger, Scale+4))
	next := BinaryPool{Yes: p.Yes.Add(addYes), No: p.No.Add(addNo)}
	unused := amount.Sub(decimal.Min(addYes, addNo))
	return next, unused
}

func floorScale(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(Scale)
}

// InitialBinary returns the pool for a new binary market funded with ante
// and opening at prob. The larger reserve holds the full ante.
func InitialBinary(ante, prob decimal.Decimal) (BinaryPool, error) {
	if !ante.IsPositive() {
		return BinaryPool{}, fmt.Errorf("%w: ante must be positive", model.ErrInvalidTrade)
	}
	if !prob.IsPositive() || !prob.LessThan(one) {
		return BinaryPool{}, fmt.Errorf("%w: initial probability %s outside (0,1)", model.ErrInvalidTrade, prob)
	}
	// prob = no / (yes + no), so no / yes = prob / (1 - prob).
	if prob.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		yes := floorScale(ante.Mul(one.Sub(prob)).DivRound(prob, Scale+4))
		return BinaryPool{Yes: yes, No: ante}, nil
	}
	no := floorScale(ante.Mul(prob).DivRound(one.Sub(prob), Scale+4))
	return BinaryPool{Yes: ante, No: no}, nil
}
