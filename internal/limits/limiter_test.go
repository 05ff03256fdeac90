package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckTrade_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	if err := limiter.CheckTrade(d(100), d(0)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckTrade_PerTradeExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	err := limiter.CheckTrade(d(1000.01), d(0))
	if !errors.Is(err, ErrPerTradeLimitExceeded) {
		t.Errorf("expected ErrPerTradeLimitExceeded, got %v", err)
	}
}

func TestCheckTrade_MarketExposureExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(2000))

	// Existing 1950 + new 100 = 2050 > 2000.
	err := limiter.CheckTrade(d(100), d(1950))
	if !errors.Is(err, ErrMarketExposureExceeded) {
		t.Errorf("expected ErrMarketExposureExceeded, got %v", err)
	}
}

func TestCheckTrade_ExactlyAtLimit(t *testing.T) {
	limiter := NewExposureLimiter(d(100), d(2000))

	if err := limiter.CheckTrade(d(100), d(1900)); err != nil {
		t.Errorf("trade landing exactly on both caps should pass, got %v", err)
	}
}

func TestCheckTrade_NetInvestmentAfterSales(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, d(500))

	// Sale proceeds exceeded purchases: invested is negative.
	if err := limiter.CheckTrade(d(600), d(-150)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckTrade_ZeroDisables(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, decimal.Zero)

	if err := limiter.CheckTrade(d(1e9), d(1e9)); err != nil {
		t.Errorf("zero caps should disable checks, got %v", err)
	}
	var nilLimiter *ExposureLimiter
	if err := nilLimiter.CheckTrade(d(1), d(1)); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
