// Package ledger owns every balance change in the engine. Transactions are
// append-only records moving mana between USER, BANK and CONTRACT_POOL
// accounts; the stored balance of an account is a materialisation that
// replaying its history must reproduce exactly.
//
// Writes lock the debited accounts (sorted, so overlapping writers cannot
// deadlock) before handing the unit to the store, which re-checks each debit
// with a conditional update and fails closed. Halts raised by an audit are
// persisted in the store, so every process sharing it refuses writes to a
// corrupt account until it is unhalted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/metrics"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/store"
)

// Service records ledger transactions and audits balances.
type Service struct {
	store  store.Store
	locks  keylock.Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a ledger over st. Account locks come from locks.
func NewService(st store.Store, locks keylock.Locker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		locks:  locks,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// TransactionRequest is a single transfer. Key, when set, makes the
// request idempotent.
type TransactionRequest struct {
	FromID string
	ToID   string
	Amount decimal.Decimal
	Detail model.TxDetail
	Key    string
}

// NewTransaction builds a validated transaction with a fresh id.
func (s *Service) NewTransaction(fromID, toID string, amount decimal.Decimal, detail model.TxDetail) (model.Transaction, error) {
	tx, err := model.NewTransaction(uuid.NewString(), fromID, toID, amount, detail, s.now())
	if err != nil {
		return model.Transaction{}, fmt.Errorf("%w: %v", model.ErrInvalidTrade, err)
	}
	return tx, nil
}

// Record applies one transfer.
func (s *Service) Record(ctx context.Context, req TransactionRequest) (model.Transaction, error) {
	tx, err := s.NewTransaction(req.FromID, req.ToID, req.Amount, req.Detail)
	if err != nil {
		return model.Transaction{}, err
	}
	if err := s.Commit(ctx, &store.UnitOfWork{Key: req.Key, Transactions: []model.Transaction{tx}}); err != nil {
		return model.Transaction{}, err
	}
	return tx, nil
}

// Commit applies a unit of work: its transactions and the market, bet and
// order writes that accompany them succeed or fail together.
func (s *Service) Commit(ctx context.Context, uow *store.UnitOfWork) error {
	if uow.Empty() {
		return nil
	}

	keys := make([]string, 0, len(uow.Transactions))
	for _, id := range uow.DebitedAccounts() {
		keys = append(keys, accountLockKey(id))
	}
	unlock, err := keylock.LockAll(ctx, s.locks, keys)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Apply(ctx, uow); err != nil {
		return err
	}
	for _, tx := range uow.Transactions {
		metrics.LedgerTransactions.WithLabelValues(string(tx.Category)).Inc()
	}
	return nil
}

// Balance returns an account's stored balance. Accounts that never
// transacted have a zero balance.
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if _, err := model.KindOf(accountID); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	a, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// History returns the transactions touching an account in application order.
func (s *Service) History(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.store.ListAccountTransactions(ctx, accountID)
}

// Grant pays a BONUS from the bank to a user.
func (s *Service) Grant(ctx context.Context, userID string, amount decimal.Decimal, reason string) (model.Transaction, error) {
	if userID == "" {
		return model.Transaction{}, fmt.Errorf("%w: user id is required", model.ErrInvalidTrade)
	}
	tx, err := s.Record(ctx, TransactionRequest{
		FromID: model.BankAccountID,
		ToID:   model.UserAccountID(userID),
		Amount: amount,
		Detail: model.BonusDetail{Reason: reason},
	})
	if err != nil {
		return model.Transaction{}, err
	}
	s.logger.Info("bonus-granted",
		zap.String("user", userID),
		zap.String("amount", amount.String()),
		zap.String("reason", reason))
	return tx, nil
}

// Halted reports whether writes to an account are blocked.
func (s *Service) Halted(ctx context.Context, accountID string) (bool, error) {
	halted, err := s.store.ListHaltedAccounts(ctx)
	if err != nil {
		return false, err
	}
	_, ok := halted[accountID]
	return ok, nil
}

// HaltedAccounts maps each halted account to the reason it was halted.
func (s *Service) HaltedAccounts(ctx context.Context) (map[string]string, error) {
	halted, err := s.store.ListHaltedAccounts(ctx)
	if err != nil {
		return nil, err
	}
	metrics.HaltedAccounts.Set(float64(len(halted)))
	return halted, nil
}

// Unhalt re-enables writes after a manual audit.
func (s *Service) Unhalt(ctx context.Context, accountID string) error {
	if err := s.store.UnhaltAccount(ctx, accountID); err != nil {
		return err
	}
	s.logger.Warn("account-unhalted", zap.String("account", accountID))
	_, err := s.HaltedAccounts(ctx)
	return err
}

func (s *Service) halt(ctx context.Context, accountID, reason string) error {
	if err := s.store.HaltAccount(ctx, accountID, reason); err != nil {
		return fmt.Errorf("halt %s: %w", accountID, err)
	}
	_, err := s.HaltedAccounts(ctx)
	return err
}

func accountLockKey(id string) string { return "account:" + id }

// --- Audit ---

// AccountAudit is the replay result for one account.
type AccountAudit struct {
	AccountID    string            `json:"account_id"`
	Kind         model.AccountKind `json:"kind"`
	Stored       decimal.Decimal   `json:"stored"`
	Replayed     decimal.Decimal   `json:"replayed"`
	Transactions int               `json:"transactions"`
}

// OK reports whether the replayed balance matches the stored one.
func (a AccountAudit) OK() bool {
	return a.Stored.Equal(a.Replayed)
}

// Report is the result of auditing every account.
type Report struct {
	Accounts []AccountAudit `json:"accounts"`
	// Net is the sum of all stored balances. Every transaction moves mana
	// between two accounts, so it is always zero.
	Net     decimal.Decimal `json:"net"`
	Corrupt []string        `json:"corrupt"`
}

// Verify replays one account and compares the result to its stored balance.
// A mismatch halts the account and returns ErrLedgerCorruption.
func (s *Service) Verify(ctx context.Context, accountID string) (AccountAudit, error) {
	unlock, err := s.locks.Lock(ctx, accountLockKey(accountID))
	if err != nil {
		return AccountAudit{}, err
	}
	defer unlock()

	kind, err := model.KindOf(accountID)
	if err != nil {
		return AccountAudit{}, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	stored := decimal.Zero
	a, err := s.store.GetAccount(ctx, accountID)
	switch {
	case err == nil:
		stored = a.Balance
	case !errors.Is(err, model.ErrNotFound):
		return AccountAudit{}, err
	}

	history, err := s.store.ListAccountTransactions(ctx, accountID)
	if err != nil {
		return AccountAudit{}, err
	}
	audit := AccountAudit{
		AccountID:    accountID,
		Kind:         kind,
		Stored:       stored,
		Replayed:     Replay(accountID, history),
		Transactions: len(history),
	}
	if !audit.OK() {
		reason := fmt.Sprintf("stored %s, replayed %s", audit.Stored, audit.Replayed)
		if err := s.halt(ctx, accountID, reason); err != nil {
			return audit, err
		}
		s.logger.Error("ledger-corruption",
			zap.String("account", accountID),
			zap.String("stored", audit.Stored.String()),
			zap.String("replayed", audit.Replayed.String()))
		return audit, fmt.Errorf("%w: account %s %s", model.ErrLedgerCorruption, accountID, reason)
	}
	return audit, nil
}

// Audit verifies every account. Corrupt accounts are halted and listed in
// the report; the returned error is ErrLedgerCorruption if any were found.
func (s *Service) Audit(ctx context.Context) (Report, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return Report{}, err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	report := Report{Net: decimal.Zero}
	for _, a := range accounts {
		audit, err := s.Verify(ctx, a.ID)
		if err != nil && !errors.Is(err, model.ErrLedgerCorruption) {
			return report, err
		}
		report.Accounts = append(report.Accounts, audit)
		report.Net = report.Net.Add(audit.Stored)
		if !audit.OK() {
			report.Corrupt = append(report.Corrupt, a.ID)
		}
	}
	if len(report.Corrupt) > 0 {
		return report, fmt.Errorf("%w: %d corrupt accounts", model.ErrLedgerCorruption, len(report.Corrupt))
	}
	return report, nil
}

// Replay folds an account's history into a balance, starting from zero.
func Replay(accountID string, history []model.Transaction) decimal.Decimal {
	bal := decimal.Zero
	for _, tx := range history {
		bal = bal.Add(tx.DeltaFor(accountID))
	}
	return bal
}
