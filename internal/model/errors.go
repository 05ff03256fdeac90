package model

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("%w: ...") for detail
// and match with errors.Is.
var (
	// ErrInvalidTrade covers malformed requests: non-positive amounts, unknown
	// outcomes, limit probabilities outside (0,1), fees exceeding the amount.
	ErrInvalidTrade = errors.New("invalid trade")

	// ErrMarketClosed is returned for trades after the market's close time.
	ErrMarketClosed = errors.New("market closed")

	// ErrMarketResolved is returned for trades or resolutions on a resolved market.
	ErrMarketResolved = errors.New("market resolved")

	// ErrInsufficientBalance is returned when a USER or CONTRACT_POOL account
	// cannot cover a debit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientLiquidity is returned when a trade would push a pool
	// reserve below the minimum pool quantity.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrConcurrencyConflict is returned when a compare-and-swap on a market or
	// order loses a race. It is the only retriable error.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLedgerCorruption is fatal for the affected account: its replayed
	// balance does not match the stored one and writes are halted.
	ErrLedgerCorruption = errors.New("ledger corruption")

	// ErrNotFound is returned when a market, order or account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOrderNotPending is returned when cancelling an order that is already
	// filled or cancelled.
	ErrOrderNotPending = errors.New("order not pending")

	// ErrForbidden is returned when a user acts on something they do not own.
	ErrForbidden = errors.New("forbidden")
)

// IsRetriable reports whether the operation that produced err may succeed
// if re-run from scratch.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
