// Package orderbook matches takers against resting limit orders and the
// market maker, and owns the order lifecycle:
//
//	PENDING -> FILLED    (remaining amount fully matched)
//	PENDING -> CANCELLED (owner cancel, expiry, or market resolution)
//
// Matching follows price-time priority. A YES taker buys from the pool until
// the pool reaches the lowest resting NO limit, then fills that order at its
// limit; a NO taker does the same against the highest YES limit. The taker
// pays p per YES share (1-p per NO share) and the maker pays the complement
// out of escrow, so each matched pair is collateralised by exactly 1.
package orderbook

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/model"
)

// maxSteps bounds the matching loop; each step either exhausts the taker,
// moves the pool to the next limit, or consumes one order.
const maxSteps = 1000

// poolDust is the smallest pool step worth pricing.
var poolDust = decimal.New(1, -8)

var one = decimal.NewFromInt(1)

// MakerFill is one resting order's part in a taker's execution.
type MakerFill struct {
	// Order is the resting order after the fill.
	Order           model.LimitOrder
	ExpectedVersion int64
	// Shares of the opposite outcome the maker receives.
	Shares decimal.Decimal
	// Amount of escrow the maker spends.
	Amount decimal.Decimal
	Prob   decimal.Decimal
}

// Execution is the priced result of a taker order. Nothing is persisted.
type Execution struct {
	Outcome string
	// Amount is the taker mana consumed; Shares what it bought.
	Amount     decimal.Decimal
	Shares     decimal.Decimal
	PoolAmount decimal.Decimal
	PoolShares decimal.Decimal
	Fills      []MakerFill
	Pool       map[string]decimal.Decimal
	ProbBefore decimal.Decimal
	ProbAfter  decimal.Decimal
	// Remaining is the unspent part of the taker amount. It is zero for
	// market orders unless the pool ran out of liquidity.
	Remaining decimal.Decimal
}

// Matcher prices taker orders.
type Matcher struct {
	mm *amm.MarketMaker
}

func NewMatcher(mm *amm.MarketMaker) *Matcher {
	return &Matcher{mm: mm}
}

// TakerOrder describes an incoming order. Limit is the YES probability the
// taker will not trade beyond; nil means a market order.
type TakerOrder struct {
	UserID  string
	Outcome string
	Amount  decimal.Decimal
	Limit   *decimal.Decimal
}

// Match executes a taker against book (the market's pending orders) and the
// pool. Orders owned by the taker or already expired at now are skipped.
func (m *Matcher) Match(market *model.Market, taker TakerOrder, book []model.LimitOrder, now time.Time) (Execution, error) {
	if !taker.Amount.IsPositive() {
		return Execution{}, fmt.Errorf("%w: amount must be positive", model.ErrInvalidTrade)
	}
	if !market.HasOutcome(taker.Outcome) {
		return Execution{}, fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidTrade, taker.Outcome)
	}
	if !market.IsBinary() {
		if taker.Limit != nil {
			return Execution{}, fmt.Errorf("%w: limit orders need a binary market", model.ErrInvalidTrade)
		}
		return m.poolOnly(market, taker)
	}
	if taker.Limit != nil {
		if err := ValidateLimit(*taker.Limit); err != nil {
			return Execution{}, err
		}
	}

	pool := amm.BinaryPoolOf(market.Pool)
	exec := Execution{
		Outcome:    taker.Outcome,
		ProbBefore: pool.Prob(),
		Remaining:  taker.Amount,
	}
	makers := candidates(book, taker, now)
	var fills []fill

	for step := 0; exec.Remaining.GreaterThan(model.Epsilon) && step < maxSteps; step++ {
		var maker *model.LimitOrder
		if len(makers) > 0 {
			maker = &makers[0]
		}
		target := targetProb(taker, maker)

		if target == nil {
			if err := m.buyPool(&exec, &pool, exec.Remaining); err != nil {
				return Execution{}, err
			}
			break
		}

		toTarget, err := m.mm.AmountToReachProb(pool, taker.Outcome, *target)
		if err != nil {
			return Execution{}, err
		}
		if toTarget.GreaterThan(poolDust) {
			err := m.buyPool(&exec, &pool, decimal.Min(exec.Remaining, toTarget))
			if err == nil {
				continue
			}
			// A step the pool cannot price counts as reaching the target.
			if maker == nil && !exec.Shares.IsPositive() {
				return Execution{}, err
			}
		}

		// The pool is at the target. Either the best maker is there, or the
		// taker's own limit stops it.
		if maker == nil || !crosses(taker, maker.LimitProb) {
			break
		}
		f := fillAgainst(taker.Outcome, exec.Remaining, *maker, now)
		fills = append(fills, f)
		exec.Amount = exec.Amount.Add(f.takerAmount)
		exec.Shares = exec.Shares.Add(f.Shares)
		exec.Remaining = exec.Remaining.Sub(f.takerAmount)
		if f.Order.IsPending() {
			makers[0] = f.Order
		} else {
			makers = makers[1:]
		}
	}

	if exec.Remaining.LessThan(model.Epsilon) {
		exec.Remaining = decimal.Zero
	}
	exec.Pool = pool.Map()
	exec.ProbAfter = pool.Prob()
	exec.Fills = collapse(fills)
	if !exec.Shares.IsPositive() && taker.Limit == nil {
		return Execution{}, fmt.Errorf("%w: amount %s buys no shares", model.ErrInvalidTrade, taker.Amount)
	}
	return exec, nil
}

func (m *Matcher) poolOnly(market *model.Market, taker TakerOrder) (Execution, error) {
	trade, err := m.mm.Buy(market, taker.Outcome, taker.Amount)
	if err != nil {
		return Execution{}, err
	}
	return Execution{
		Outcome:    taker.Outcome,
		Amount:     trade.Amount,
		Shares:     trade.Shares,
		PoolAmount: trade.Amount,
		PoolShares: trade.Shares,
		Pool:       trade.Pool,
		ProbBefore: trade.ProbBefore,
		ProbAfter:  trade.ProbAfter,
		Remaining:  decimal.Zero,
	}, nil
}

func (m *Matcher) buyPool(exec *Execution, pool *amm.BinaryPool, spend decimal.Decimal) error {
	trade, err := m.mm.BuyBinary(*pool, exec.Outcome, spend)
	if err != nil {
		return err
	}
	*pool = amm.BinaryPoolOf(trade.Pool)
	exec.Amount = exec.Amount.Add(spend)
	exec.Shares = exec.Shares.Add(trade.Shares)
	exec.PoolAmount = exec.PoolAmount.Add(spend)
	exec.PoolShares = exec.PoolShares.Add(trade.Shares)
	exec.Remaining = exec.Remaining.Sub(spend)
	return nil
}

// candidates returns the resting orders a taker can fill, best first:
// NO orders by ascending limit for a YES taker, YES orders by descending
// limit for a NO taker, oldest first on ties.
func candidates(book []model.LimitOrder, taker TakerOrder, now time.Time) []model.LimitOrder {
	opposite := model.OutcomeNo
	if taker.Outcome == model.OutcomeNo {
		opposite = model.OutcomeYes
	}
	var out []model.LimitOrder
	for _, o := range book {
		if !o.IsPending() || o.Outcome != opposite || o.UserID == taker.UserID || o.Expired(now) {
			continue
		}
		if !o.Amount.GreaterThan(model.Epsilon) {
			continue
		}
		if taker.Limit != nil && !crosses(taker, o.LimitProb) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LimitProb.Equal(b.LimitProb) {
			if taker.Outcome == model.OutcomeYes {
				return a.LimitProb.LessThan(b.LimitProb)
			}
			return a.LimitProb.GreaterThan(b.LimitProb)
		}
		return a.CreatedTime.Before(b.CreatedTime)
	})
	return out
}

// crosses reports whether the taker accepts trading at YES probability p.
func crosses(taker TakerOrder, p decimal.Decimal) bool {
	if taker.Limit == nil {
		return true
	}
	if taker.Outcome == model.OutcomeYes {
		return p.LessThanOrEqual(*taker.Limit)
	}
	return p.GreaterThanOrEqual(*taker.Limit)
}

// targetProb is where pool buying must stop: the best maker's limit or the
// taker's own limit, whichever the pool reaches first.
func targetProb(taker TakerOrder, maker *model.LimitOrder) *decimal.Decimal {
	switch {
	case maker == nil:
		return taker.Limit
	case taker.Limit == nil:
		p := maker.LimitProb
		return &p
	}
	p := maker.LimitProb
	if taker.Outcome == model.OutcomeYes {
		p = decimal.Min(p, *taker.Limit)
	} else {
		p = decimal.Max(p, *taker.Limit)
	}
	return &p
}

type fill struct {
	MakerFill
	takerAmount decimal.Decimal
}

// fillAgainst matches up to amount of taker mana against one maker at the
// maker's limit.
func fillAgainst(outcome string, amount decimal.Decimal, maker model.LimitOrder, now time.Time) fill {
	p := maker.LimitProb
	takerPrice, makerPrice := p, one.Sub(p)
	if outcome == model.OutcomeNo {
		takerPrice, makerPrice = makerPrice, takerPrice
	}

	shares := decimal.Min(
		amount.DivRound(takerPrice, amm.Scale),
		maker.Amount.DivRound(makerPrice, amm.Scale),
	).RoundFloor(amm.Scale)
	takerAmount := decimal.Min(amount, shares.Mul(takerPrice).RoundCeil(amm.Scale))
	makerAmount := decimal.Min(maker.Amount, shares.Mul(makerPrice).RoundCeil(amm.Scale))

	expected := maker.Version
	maker.Amount = maker.Amount.Sub(makerAmount)
	maker.FilledShares = maker.FilledShares.Add(shares)
	if maker.Amount.LessThan(model.Epsilon) {
		maker.Status = model.OrderFilled
	}
	maker.UpdatedTime = now

	return fill{
		MakerFill: MakerFill{
			Order:           maker,
			ExpectedVersion: expected,
			Shares:          shares,
			Amount:          makerAmount,
			Prob:            p,
		},
		takerAmount: takerAmount,
	}
}

// collapse merges repeated fills of one order into a single fill carrying
// the final order state, so each order is written once per unit.
func collapse(fills []fill) []MakerFill {
	var out []MakerFill
	index := make(map[string]int)
	for _, f := range fills {
		if i, ok := index[f.Order.ID]; ok {
			out[i].Order = f.Order
			out[i].Shares = out[i].Shares.Add(f.Shares)
			out[i].Amount = out[i].Amount.Add(f.Amount)
			continue
		}
		index[f.Order.ID] = len(out)
		out = append(out, f.MakerFill)
	}
	return out
}

// ValidateLimit rejects limit probabilities outside (0,1).
func ValidateLimit(p decimal.Decimal) error {
	if !p.IsPositive() || !p.LessThan(one) {
		return fmt.Errorf("%w: limit probability %s outside (0,1)", model.ErrInvalidTrade, p)
	}
	return nil
}
