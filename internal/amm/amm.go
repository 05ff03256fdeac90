// Package amm implements the automated market makers that price trades:
//
//   - a constant-product pool (yes * no = k) for binary YES/NO markets
//   - a sum-of-squares rule for multi-outcome markets, where
//     prob(k) = s_k^2 / sum(s^2) and sqrt(sum(s^2)) equals the capital invested
//
// The maker is stateless. Pool quantities are passed in and a new pool is
// returned; nothing here touches storage or balances. All quantities use
// shopspring/decimal. Divisions round toward the pool so the invariant never
// decreases through rounding.
package amm

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

var (
	// ErrInvalidMinPool is returned when the minimum pool quantity is not positive.
	ErrInvalidMinPool = errors.New("amm: minimum pool quantity must be positive")

	// DefaultMinPoolQty is the smallest quantity any reserve may hold.
	DefaultMinPoolQty = decimal.RequireFromString("0.01")

	// Scale is the number of decimal places kept for shares, reserves and
	// probabilities.
	Scale int32 = 12

	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// MarketMaker prices trades for both market families.
type MarketMaker struct {
	minPoolQty decimal.Decimal
}

// NewMarketMaker creates a market maker that rejects trades leaving any
// reserve below minPoolQty.
func NewMarketMaker(minPoolQty decimal.Decimal) (*MarketMaker, error) {
	if !minPoolQty.IsPositive() {
		return nil, ErrInvalidMinPool
	}
	return &MarketMaker{minPoolQty: minPoolQty}, nil
}

// MinPoolQty returns the configured minimum reserve.
func (m *MarketMaker) MinPoolQty() decimal.Decimal {
	return m.minPoolQty
}

// Trade is the result of pricing a buy or a sell.
type Trade struct {
	Outcome string
	// Shares bought (positive) or sold (positive count of shares returned).
	Shares decimal.Decimal
	// Amount is the net mana entering the pool on a buy or leaving it on a sell.
	Amount     decimal.Decimal
	ProbBefore decimal.Decimal
	ProbAfter  decimal.Decimal
	Pool       map[string]decimal.Decimal
}

// Prob returns the probability of outcome for a market's pool.
func Prob(market *model.Market, outcome string) decimal.Decimal {
	if market.IsBinary() {
		p := BinaryPoolOf(market.Pool).Prob()
		if outcome == model.OutcomeNo {
			return one.Sub(p)
		}
		return p
	}
	return MultiProb(market.Pool, outcome)
}

// Probs returns every outcome's probability.
func Probs(market *model.Market) map[string]decimal.Decimal {
	if market.IsBinary() {
		p := BinaryPoolOf(market.Pool).Prob()
		return map[string]decimal.Decimal{model.OutcomeYes: p, model.OutcomeNo: one.Sub(p)}
	}
	return MultiProbs(market.Pool)
}

// Buy prices a purchase of amount (already net of fees) on outcome.
func (m *MarketMaker) Buy(market *model.Market, outcome string, amount decimal.Decimal) (Trade, error) {
	if !market.HasOutcome(outcome) {
		return Trade{}, fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidTrade, outcome)
	}
	if !amount.IsPositive() {
		return Trade{}, fmt.Errorf("%w: amount must be positive", model.ErrInvalidTrade)
	}
	if market.IsBinary() {
		return m.BuyBinary(BinaryPoolOf(market.Pool), outcome, amount)
	}
	return m.BuyMulti(market.Pool, outcome, amount)
}

// Sell prices returning shares of outcome to the pool.
func (m *MarketMaker) Sell(market *model.Market, outcome string, shares decimal.Decimal) (Trade, error) {
	if !market.HasOutcome(outcome) {
		return Trade{}, fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidTrade, outcome)
	}
	if !shares.IsPositive() {
		return Trade{}, fmt.Errorf("%w: shares must be positive", model.ErrInvalidTrade)
	}
	if market.IsBinary() {
		return m.SellBinary(BinaryPoolOf(market.Pool), outcome, shares)
	}
	return m.SellMulti(market.Pool, outcome, shares)
}

// AddLiquidity scales the pool by amount while keeping every probability
// unchanged. The returned unused amount could not be placed into reserves
// without moving the price and is credited to the subsidy pool.
func (m *MarketMaker) AddLiquidity(market *model.Market, amount decimal.Decimal) (map[string]decimal.Decimal, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("%w: liquidity amount must be positive", model.ErrInvalidTrade)
	}
	if market.IsBinary() {
		pool, unused := BinaryPoolOf(market.Pool).addLiquidity(amount)
		return pool.Map(), unused, nil
	}
	return m.addMultiLiquidity(market.Pool, amount), decimal.Zero, nil
}

// ceilDiv returns a/b rounded up to Scale places. Both must be positive.
func ceilDiv(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, Scale)
	if !r.IsZero() {
		q = q.Add(decimal.New(1, -Scale))
	}
	return q
}

// floorDiv returns a/b truncated to Scale places. Both must be positive.
func floorDiv(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Scale)
	return q
}
