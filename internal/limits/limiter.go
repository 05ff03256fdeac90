// Package limits caps how much mana a user may put into markets. The caps
// bound the damage of a runaway client and keep a single user from
// dominating a thin pool.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerTradeLimitExceeded is returned when one trade is larger than the
	// per-trade maximum.
	ErrPerTradeLimitExceeded = errors.New("limits: per-trade limit exceeded")

	// ErrMarketExposureExceeded is returned when a trade would push a user's
	// net investment in one market beyond the per-market maximum.
	ErrMarketExposureExceeded = errors.New("limits: market exposure limit exceeded")
)

// ExposureLimiter enforces per-trade and per-market caps. A zero cap
// disables that check.
type ExposureLimiter struct {
	// MaxPerTrade is the largest amount a single bet or order may spend.
	MaxPerTrade decimal.Decimal

	// MaxPerMarket is the largest net amount (buys minus sale proceeds) a
	// user may have invested in one market.
	MaxPerMarket decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerTrade, maxPerMarket decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{MaxPerTrade: maxPerTrade, MaxPerMarket: maxPerMarket}
}

// CheckTrade validates a purchase of amount by a user who already has
// invested in the market. Sells never breach limits and are not checked.
func (l *ExposureLimiter) CheckTrade(amount, invested decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if l.MaxPerTrade.IsPositive() && amount.GreaterThan(l.MaxPerTrade) {
		return fmt.Errorf("%w: %s > %s", ErrPerTradeLimitExceeded, amount, l.MaxPerTrade)
	}
	if l.MaxPerMarket.IsPositive() {
		next := invested.Add(amount)
		if next.GreaterThan(l.MaxPerMarket) {
			return fmt.Errorf("%w: %s > %s", ErrMarketExposureExceeded, next, l.MaxPerMarket)
		}
	}
	return nil
}
