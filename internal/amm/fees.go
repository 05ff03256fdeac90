package amm

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

// FeeScale is the precision fees are rounded down to.
const FeeScale int32 = 8

// ErrInvalidFees is returned by FeeSchedule.Validate.
var ErrInvalidFees = errors.New("amm: invalid fee schedule")

// FeeSchedule configures trading fees. Any component may be zero.
type FeeSchedule struct {
	Flat          decimal.Decimal `json:"flat"`
	PlatformRate  decimal.Decimal `json:"platform_rate"`
	CreatorRate   decimal.Decimal `json:"creator_rate"`
	LiquidityRate decimal.Decimal `json:"liquidity_rate"`
}

// Fees is the breakdown charged on one trade.
type Fees struct {
	Flat      decimal.Decimal `json:"flat"`
	Platform  decimal.Decimal `json:"platform"`
	Creator   decimal.Decimal `json:"creator"`
	Liquidity decimal.Decimal `json:"liquidity"`
}

// Total returns the sum of all fee components.
func (f Fees) Total() decimal.Decimal {
	return f.Flat.Add(f.Platform).Add(f.Creator).Add(f.Liquidity)
}

// Validate rejects negative components and proportional rates totalling 1 or more.
func (s FeeSchedule) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"flat": s.Flat, "platform_rate": s.PlatformRate,
		"creator_rate": s.CreatorRate, "liquidity_rate": s.LiquidityRate,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s is negative", ErrInvalidFees, name)
		}
	}
	if s.PlatformRate.Add(s.CreatorRate).Add(s.LiquidityRate).GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: proportional rates must sum below 1", ErrInvalidFees)
	}
	return nil
}

// Compute returns the fees on amount. When creatorExempt is set the creator
// component is waived (the trader is the market creator).
func (s FeeSchedule) Compute(amount decimal.Decimal, creatorExempt bool) Fees {
	f := Fees{
		Flat:      s.Flat,
		Platform:  amount.Mul(s.PlatformRate).RoundFloor(FeeScale),
		Creator:   amount.Mul(s.CreatorRate).RoundFloor(FeeScale),
		Liquidity: amount.Mul(s.LiquidityRate).RoundFloor(FeeScale),
	}
	if creatorExempt {
		f.Creator = decimal.Zero
	}
	return f
}

// Apply deducts fees from amount and returns what remains for the pool.
func (s FeeSchedule) Apply(amount decimal.Decimal, creatorExempt bool) (decimal.Decimal, Fees, error) {
	f := s.Compute(amount, creatorExempt)
	net := amount.Sub(f.Total())
	if !net.IsPositive() {
		return decimal.Zero, Fees{}, fmt.Errorf("%w: fees %s consume amount %s", model.ErrInvalidTrade, f.Total(), amount)
	}
	return net, f, nil
}
