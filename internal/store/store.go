// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL and SQLite (sources of truth), an
// in-memory store for tests and development, and a read-through cache
// decorator for market lookups.
//
// Every write goes through Apply, which commits a UnitOfWork atomically:
// market and order updates are compare-and-swap on their version, and ledger
// debits from USER and CONTRACT_POOL accounts fail closed when the balance
// cannot cover them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manaforge/market-engine/internal/model"
)

// ErrAlreadyApplied is returned by Apply when a unit with the same key was
// committed before. Callers treat it as success.
var ErrAlreadyApplied = errors.New("store: unit of work already applied")

// MarketUpdate replaces a market if its stored version still equals
// ExpectedVersion.
type MarketUpdate struct {
	Market          *model.Market
	ExpectedVersion int64
}

// OrderUpdate replaces an order if its stored version still equals
// ExpectedVersion.
type OrderUpdate struct {
	Order           model.LimitOrder
	ExpectedVersion int64
}

// UnitOfWork is the set of writes produced by one command. It is applied
// entirely or not at all.
type UnitOfWork struct {
	// Key makes the unit idempotent. Empty means not keyed.
	Key string

	NewMarket    *model.Market
	Market       *MarketUpdate
	Transactions []model.Transaction
	Bets         []model.Bet
	Loans        []model.Loan
	Provisions   []model.LiquidityProvision
	NewOrders    []model.LimitOrder
	Orders       []OrderUpdate
}

// Empty reports whether the unit has nothing to write.
func (u *UnitOfWork) Empty() bool {
	return u.NewMarket == nil && u.Market == nil && len(u.Transactions) == 0 &&
		len(u.Bets) == 0 && len(u.Loans) == 0 && len(u.Provisions) == 0 &&
		len(u.NewOrders) == 0 && len(u.Orders) == 0
}

// DebitedAccounts returns the distinct source accounts of the unit's
// transactions.
func (u *UnitOfWork) DebitedAccounts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tx := range u.Transactions {
		if !seen[tx.FromID] {
			seen[tx.FromID] = true
			out = append(out, tx.FromID)
		}
	}
	return out
}

// Accounts returns the distinct accounts the unit's transactions touch.
func (u *UnitOfWork) Accounts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tx := range u.Transactions {
		for _, id := range []string{tx.FromID, tx.ToID} {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// MarketIDs returns the markets the unit writes.
func (u *UnitOfWork) MarketIDs() []string {
	var ids []string
	if u.NewMarket != nil {
		ids = append(ids, u.NewMarket.ID)
	}
	if u.Market != nil {
		ids = append(ids, u.Market.Market.ID)
	}
	return ids
}

func haltedError(id, reason string) error {
	return fmt.Errorf("%w: account %s halted: %s", model.ErrLedgerCorruption, id, reason)
}

// Store is the persistence interface.
type Store interface {
	// --- Accounts and ledger ---

	// GetAccount returns an account. Accounts that never transacted return
	// model.ErrNotFound.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns every account.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// ListAccountTransactions returns the transactions touching an account in
	// the order they were applied.
	ListAccountTransactions(ctx context.Context, accountID string) ([]model.Transaction, error)

	// ListContractTransactions returns the transactions tagged with a market
	// in the order they were applied.
	ListContractTransactions(ctx context.Context, contractID string) ([]model.Transaction, error)

	// --- Markets ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListUnsettledMarkets returns resolved markets whose payouts are not complete.
	ListUnsettledMarkets(ctx context.Context) ([]model.Market, error)

	ListProvisions(ctx context.Context, contractID string) ([]model.LiquidityProvision, error)

	// --- Bets and loans ---

	ListBets(ctx context.Context, contractID string) ([]model.Bet, error)
	ListUserBets(ctx context.Context, userID, contractID string) ([]model.Bet, error)
	ListLoans(ctx context.Context, contractID string) ([]model.Loan, error)
	ListUserLoans(ctx context.Context, userID, contractID string) ([]model.Loan, error)

	// --- Orders ---

	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)

	// ListPendingOrders returns a market's resting orders, oldest first.
	ListPendingOrders(ctx context.Context, contractID string) ([]model.LimitOrder, error)

	// ListExpiredOrders returns pending orders with expiresAt <= now.
	ListExpiredOrders(ctx context.Context, now time.Time) ([]model.LimitOrder, error)

	// --- Halts ---

	// HaltAccount blocks every later unit touching the account until
	// UnhaltAccount. Halting a halted account replaces the reason.
	HaltAccount(ctx context.Context, id, reason string) error

	// UnhaltAccount lifts a halt. It returns model.ErrNotFound if the
	// account is not halted.
	UnhaltAccount(ctx context.Context, id string) error

	// ListHaltedAccounts maps each halted account to its halt reason.
	ListHaltedAccounts(ctx context.Context) (map[string]string, error)

	// --- Writes ---

	// Apply commits the unit atomically. It returns ErrAlreadyApplied for a
	// repeated key, model.ErrLedgerCorruption when a transaction touches a
	// halted account, model.ErrConcurrencyConflict for a lost
	// compare-and-swap and model.ErrInsufficientBalance for an uncovered
	// debit.
	Apply(ctx context.Context, uow *UnitOfWork) error

	Close() error
}
