package trade

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/store"
)

// TakeLoan lends a user mana from the bank against their position. The
// outstanding loan may not exceed LoanRatio of the net amount invested.
// Loans are repaid out of payouts at resolution.
func (s *Service) TakeLoan(ctx context.Context, userID, marketID string, amount decimal.Decimal) (*model.Loan, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: loan amount must be positive", model.ErrInvalidTrade)
	}
	var loan *model.Loan
	err := s.run(ctx, marketID, "loan", func(market *model.Market) (*mutation, error) {
		if market.IsResolved {
			return nil, fmt.Errorf("%w: market %s", model.ErrMarketResolved, market.ID)
		}
		cp, err := s.tracker.Holdings(ctx, userID, market.ID)
		if err != nil {
			return nil, err
		}
		limit := decimal.Max(cp.Invested, decimal.Zero).Mul(s.cfg.LoanRatio).Sub(cp.LoanAmount)
		if amount.GreaterThan(limit) {
			return nil, fmt.Errorf("%w: loan %s exceeds available %s", model.ErrInvalidTrade, amount, decimal.Max(limit, decimal.Zero))
		}

		l := model.Loan{ID: uuid.NewString(), UserID: userID, ContractID: market.ID, Amount: amount, CreatedTime: s.now()}
		b := &txBuilder{ledger: s.ledger}
		b.add(model.BankAccountID, model.UserAccountID(userID), amount, model.LoanDetail{ContractID: market.ID, LoanID: l.ID})
		if b.err != nil {
			return nil, b.err
		}
		loan = &l
		return &mutation{
			uow:   &store.UnitOfWork{Transactions: b.txs, Loans: []model.Loan{l}},
			users: []string{userID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("loan-issued",
		zap.String("market", marketID),
		zap.String("user", userID),
		zap.String("amount", amount.String()))
	return loan, nil
}

// RepayLoan pays back part or all of a user's outstanding loan on a market.
func (s *Service) RepayLoan(ctx context.Context, userID, marketID string, amount decimal.Decimal) (*model.Loan, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: repayment must be positive", model.ErrInvalidTrade)
	}
	var repayment *model.Loan
	err := s.run(ctx, marketID, "loan", func(market *model.Market) (*mutation, error) {
		cp, err := s.tracker.Holdings(ctx, userID, market.ID)
		if err != nil {
			return nil, err
		}
		if amount.GreaterThan(cp.LoanAmount) {
			return nil, fmt.Errorf("%w: repaying %s of an outstanding %s", model.ErrInvalidTrade, amount, cp.LoanAmount)
		}

		l := model.Loan{ID: uuid.NewString(), UserID: userID, ContractID: market.ID, Amount: amount.Neg(), CreatedTime: s.now()}
		b := &txBuilder{ledger: s.ledger}
		b.add(model.UserAccountID(userID), model.BankAccountID, amount, model.LoanRepaymentDetail{ContractID: market.ID, LoanID: l.ID})
		if b.err != nil {
			return nil, b.err
		}
		repayment = &l
		return &mutation{
			uow:   &store.UnitOfWork{Transactions: b.txs, Loans: []model.Loan{l}},
			users: []string{userID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return repayment, nil
}
