package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]*model.Account
	txs        []model.Transaction
	markets    map[string]*model.Market
	provisions []model.LiquidityProvision
	bets       []model.Bet
	loans      []model.Loan
	orders     map[string]*model.LimitOrder
	orderSeq   []string
	applied    map[string]struct{}
	halted     map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		markets:  make(map[string]*model.Market),
		orders:   make(map[string]*model.LimitOrder),
		applied:  make(map[string]struct{}),
		halted:   make(map[string]string),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Accounts and ledger ---

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListAccountTransactions(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, tx := range s.txs {
		if tx.FromID == accountID || tx.ToID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListContractTransactions(_ context.Context, contractID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, tx := range s.txs {
		if tx.ContractID() == contractID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// --- Markets ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterMarkets(func(*model.Market) bool { return true }), nil
}

func (s *MemoryStore) ListUnsettledMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterMarkets(func(m *model.Market) bool { return m.IsResolved && !m.PayoutsComplete }), nil
}

func (s *MemoryStore) filterMarkets(keep func(*model.Market) bool) []model.Market {
	out := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if keep(m) {
			out = append(out, *m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListProvisions(_ context.Context, contractID string) ([]model.LiquidityProvision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LiquidityProvision
	for _, p := range s.provisions {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- Bets and loans ---

func (s *MemoryStore) ListBets(_ context.Context, contractID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, b := range s.bets {
		if b.ContractID == contractID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUserBets(_ context.Context, userID, contractID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, b := range s.bets {
		if b.ContractID == contractID && b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLoans(_ context.Context, contractID string) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Loan
	for _, l := range s.loans {
		if l.ContractID == contractID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUserLoans(_ context.Context, userID, contractID string) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Loan
	for _, l := range s.loans {
		if l.ContractID == contractID && l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

// --- Orders ---

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context, contractID string) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LimitOrder
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.ContractID == contractID && o.IsPending() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExpiredOrders(_ context.Context, now time.Time) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LimitOrder
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.IsPending() && o.Expired(now) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// --- Halts ---

func (s *MemoryStore) HaltAccount(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted[id] = reason
	return nil
}

func (s *MemoryStore) UnhaltAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.halted[id]; !ok {
		return fmt.Errorf("halt on %s: %w", id, model.ErrNotFound)
	}
	delete(s.halted, id)
	return nil
}

func (s *MemoryStore) ListHaltedAccounts(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.halted))
	for id, reason := range s.halted {
		out[id] = reason
	}
	return out, nil
}

// --- Writes ---

// Apply validates every condition of the unit before mutating anything, so a
// failed unit leaves the store untouched.
func (s *MemoryStore) Apply(_ context.Context, uow *UnitOfWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uow.Key != "" {
		if _, ok := s.applied[uow.Key]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadyApplied, uow.Key)
		}
	}

	for _, id := range uow.Accounts() {
		if reason, ok := s.halted[id]; ok {
			return haltedError(id, reason)
		}
	}

	if uow.NewMarket != nil {
		if _, exists := s.markets[uow.NewMarket.ID]; exists {
			return fmt.Errorf("market %s already exists", uow.NewMarket.ID)
		}
	}
	if u := uow.Market; u != nil {
		current, ok := s.markets[u.Market.ID]
		if !ok {
			return fmt.Errorf("market %s: %w", u.Market.ID, model.ErrNotFound)
		}
		if current.Version != u.ExpectedVersion {
			return fmt.Errorf("%w: market %s at version %d, expected %d",
				model.ErrConcurrencyConflict, u.Market.ID, current.Version, u.ExpectedVersion)
		}
	}
	for _, u := range uow.Orders {
		current, ok := s.orders[u.Order.ID]
		if !ok {
			return fmt.Errorf("order %s: %w", u.Order.ID, model.ErrNotFound)
		}
		if current.Version != u.ExpectedVersion {
			return fmt.Errorf("%w: order %s at version %d, expected %d",
				model.ErrConcurrencyConflict, u.Order.ID, current.Version, u.ExpectedVersion)
		}
	}
	for _, o := range uow.NewOrders {
		if _, exists := s.orders[o.ID]; exists {
			return fmt.Errorf("order %s already exists", o.ID)
		}
	}

	balances, err := s.stageBalances(uow.Transactions)
	if err != nil {
		return err
	}

	// All checks passed; commit.
	now := time.Now().UTC()
	for id, bal := range balances {
		a, ok := s.accounts[id]
		if !ok {
			kind, _ := model.KindOf(id)
			a = &model.Account{ID: id, Kind: kind}
			s.accounts[id] = a
		}
		a.Balance = bal
		a.UpdatedAt = now
	}
	s.txs = append(s.txs, uow.Transactions...)

	if uow.NewMarket != nil {
		m := uow.NewMarket.Clone()
		m.Version = 1
		s.markets[m.ID] = m
	}
	if u := uow.Market; u != nil {
		m := u.Market.Clone()
		m.Version = u.ExpectedVersion + 1
		s.markets[m.ID] = m
	}
	for _, u := range uow.Orders {
		o := u.Order
		o.Version = u.ExpectedVersion + 1
		s.orders[o.ID] = &o
	}
	for _, o := range uow.NewOrders {
		o := o
		o.Version = 1
		s.orders[o.ID] = &o
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	s.bets = append(s.bets, uow.Bets...)
	s.loans = append(s.loans, uow.Loans...)
	s.provisions = append(s.provisions, uow.Provisions...)

	if uow.Key != "" {
		s.applied[uow.Key] = struct{}{}
	}
	return nil
}

// stageBalances applies the transactions in order to a scratch copy of the
// affected balances and fails on the first uncovered debit.
func (s *MemoryStore) stageBalances(txs []model.Transaction) (map[string]decimal.Decimal, error) {
	staged := make(map[string]decimal.Decimal)
	balance := func(id string) decimal.Decimal {
		if b, ok := staged[id]; ok {
			return b
		}
		if a, ok := s.accounts[id]; ok {
			return a.Balance
		}
		return decimal.Zero
	}

	for _, tx := range txs {
		kind, err := model.KindOf(tx.FromID)
		if err != nil {
			return nil, err
		}
		from := balance(tx.FromID).Sub(tx.Amount)
		if from.IsNegative() && !kind.MayGoNegative() {
			return nil, fmt.Errorf("%w: account %s has %s, needs %s",
				model.ErrInsufficientBalance, tx.FromID, balance(tx.FromID), tx.Amount)
		}
		staged[tx.FromID] = from
		staged[tx.ToID] = balance(tx.ToID).Add(tx.Amount)
	}
	return staged, nil
}
