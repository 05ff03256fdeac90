// Package resolution resolves markets and pays them out.
//
// Resolving is a single atomic unit: the market moves to RESOLVED, every
// resting order is cancelled and refunded, and the pool balance left after
// the refunds is recorded as the settlement balance. Payouts then run as
// independent units keyed per user, so a failed or interrupted settlement
// can be re-run and already-paid users are skipped.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/events"
	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/metrics"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/orderbook"
	"github.com/manaforge/market-engine/internal/position"
	"github.com/manaforge/market-engine/internal/store"
)

var one = decimal.NewFromInt(1)

// Engine resolves and settles markets.
type Engine struct {
	store     store.Store
	ledger    *ledger.Service
	tracker   *position.Tracker
	locks     keylock.Locker
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(st store.Store, l *ledger.Service, tracker *position.Tracker, locks keylock.Locker, pub events.Publisher, logger *zap.Logger) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     st,
		ledger:    l,
		tracker:   tracker,
		locks:     locks,
		publisher: pub,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Request resolves a market. Outcome is YES, NO, MKT, CANCEL or an answer
// id. Prob and Probs override the current pool probabilities for MKT.
type Request struct {
	MarketID string                     `json:"market_id"`
	UserID   string                     `json:"user_id"`
	Outcome  string                     `json:"outcome"`
	Prob     *decimal.Decimal           `json:"prob,omitempty"`
	Probs    map[string]decimal.Decimal `json:"probs,omitempty"`
}

// Settlement reports one payout run.
type Settlement struct {
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
	Paid     int    `json:"paid"`
	Skipped  int    `json:"skipped"`
	// Failed maps user ids to the error their unit hit.
	Failed   map[string]string `json:"failed,omitempty"`
	Subsidy  decimal.Decimal   `json:"subsidy"`
	Complete bool              `json:"complete"`
}

// Resolve moves a market to RESOLVED and settles it. Only the creator may
// resolve. Payout failures do not undo the resolution: they are reported in
// the settlement and retried by RunPending.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Settlement, error) {
	unlock, err := e.locks.Lock(ctx, keylock.MarketKey(req.MarketID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	market, err := e.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if market.IsResolved {
		return nil, fmt.Errorf("%w: market %s", model.ErrMarketResolved, market.ID)
	}
	if market.CreatorID != req.UserID {
		return nil, fmt.Errorf("%w: only the creator can resolve market %s", model.ErrForbidden, market.ID)
	}
	res, err := normalize(market, req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	orders, err := e.store.ListPendingOrders(ctx, market.ID)
	if err != nil {
		return nil, err
	}
	uow := &store.UnitOfWork{}
	refunded := decimal.Zero
	for _, o := range orders {
		update, refund, err := orderbook.CancelUnit(e.ledger, o, model.CancelByResolution, now)
		if err != nil {
			return nil, err
		}
		uow.Orders = append(uow.Orders, update)
		if refund != nil {
			uow.Transactions = append(uow.Transactions, *refund)
			refunded = refunded.Add(refund.Amount)
		}
	}

	poolBalance, err := e.ledger.Balance(ctx, model.PoolAccountID(market.ID))
	if err != nil {
		return nil, err
	}
	resolved := market.Clone()
	resolved.IsResolved = true
	resolved.Resolution = res
	resolved.ResolutionTime = &now
	resolved.SettlementBalance = poolBalance.Sub(refunded)
	uow.Market = &store.MarketUpdate{Market: resolved, ExpectedVersion: market.Version}
	if err := e.ledger.Commit(ctx, uow); err != nil {
		return nil, err
	}
	resolved.Version = market.Version + 1

	metrics.ActiveMarkets.Dec()
	for _, u := range uow.Orders {
		metrics.OrdersTotal.WithLabelValues("cancelled").Inc()
		e.publisher.Publish(ctx, events.Event{
			Type:     events.OrderCancelled,
			MarketID: market.ID,
			UserID:   u.Order.UserID,
			OrderID:  u.Order.ID,
			Outcome:  u.Order.Outcome,
			Amount:   u.Order.Amount,
			Reason:   model.CancelByResolution,
			Time:     now,
		})
	}
	e.publisher.Publish(ctx, events.Event{
		Type:     events.MarketResolved,
		MarketID: market.ID,
		UserID:   req.UserID,
		Outcome:  res.Outcome,
		Amount:   resolved.SettlementBalance,
		Probs:    res.Probs,
		Time:     now,
	})
	e.logger.Info("market-resolved",
		zap.String("market", market.ID),
		zap.String("outcome", res.Outcome),
		zap.Int("orders_cancelled", len(uow.Orders)),
		zap.String("settlement_balance", resolved.SettlementBalance.String()))

	s, err := e.settleLocked(ctx, resolved)
	if err != nil {
		e.logger.Warn("settlement-deferred", zap.String("market", market.ID), zap.Error(err))
		return &Settlement{MarketID: market.ID, Outcome: res.Outcome}, nil
	}
	return s, nil
}

// Settle re-runs the payouts of a resolved market. Units already applied
// are skipped.
func (e *Engine) Settle(ctx context.Context, marketID string) (*Settlement, error) {
	unlock, err := e.locks.Lock(ctx, keylock.MarketKey(marketID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !market.IsResolved {
		return nil, fmt.Errorf("%w: market %s is not resolved", model.ErrInvalidTrade, marketID)
	}
	return e.settleLocked(ctx, market)
}

// RunPending settles every resolved market whose payouts are incomplete and
// returns how many completed.
func (e *Engine) RunPending(ctx context.Context) (int, error) {
	markets, err := e.store.ListUnsettledMarkets(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	var errs []error
	for _, m := range markets {
		s, err := e.Settle(ctx, m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("settle %s: %w", m.ID, err))
			continue
		}
		if s.Complete {
			done++
		}
	}
	return done, errors.Join(errs...)
}

func (e *Engine) settleLocked(ctx context.Context, market *model.Market) (*Settlement, error) {
	s := &Settlement{MarketID: market.ID, Outcome: market.Resolution.Outcome}
	if market.PayoutsComplete {
		s.Complete = true
		return s, nil
	}

	plan, err := e.plan(ctx, market)
	if err != nil {
		return nil, err
	}
	s.Subsidy = plan.Subsidy

	if plan.Subsidy.IsPositive() {
		if err := e.applySubsidy(ctx, market, plan.Subsidy); err != nil {
			return nil, err
		}
	}

	var users []string
	for _, p := range plan.Payouts {
		users = append(users, p.UserID)
		err := e.payUser(ctx, market, p)
		switch {
		case err == nil:
			s.Paid++
			metrics.PayoutUnits.WithLabelValues("applied").Inc()
		case errors.Is(err, store.ErrAlreadyApplied):
			s.Skipped++
			metrics.PayoutUnits.WithLabelValues("skipped").Inc()
		default:
			if s.Failed == nil {
				s.Failed = make(map[string]string)
			}
			s.Failed[p.UserID] = err.Error()
			metrics.PayoutUnits.WithLabelValues("failed").Inc()
			e.logger.Error("payout-failed",
				zap.String("market", market.ID),
				zap.String("user", p.UserID),
				zap.Error(err))
		}
	}
	if e.tracker != nil {
		e.tracker.Invalidate(ctx, market.ID, users...)
	}
	if len(s.Failed) > 0 {
		return s, nil
	}

	if err := e.payResidual(ctx, market); err != nil {
		return nil, err
	}

	done := market.Clone()
	done.PayoutsComplete = true
	err = e.ledger.Commit(ctx, &store.UnitOfWork{
		Key:    "settled:" + market.ID,
		Market: &store.MarketUpdate{Market: done, ExpectedVersion: market.Version},
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyApplied) {
		return nil, err
	}
	s.Complete = true

	e.publisher.Publish(ctx, events.Event{
		Type:     events.MarketSettled,
		MarketID: market.ID,
		Outcome:  market.Resolution.Outcome,
		Amount:   plan.Owed,
		Time:     e.now(),
	})
	e.logger.Info("market-settled",
		zap.String("market", market.ID),
		zap.String("outcome", market.Resolution.Outcome),
		zap.Int("paid", s.Paid),
		zap.Int("skipped", s.Skipped),
		zap.String("owed", plan.Owed.String()),
		zap.String("subsidy", plan.Subsidy.String()))
	return s, nil
}

func (e *Engine) plan(ctx context.Context, market *model.Market) (Plan, error) {
	if market.Resolution.Outcome == model.ResolutionCancel {
		txs, err := e.store.ListContractTransactions(ctx, market.ID)
		if err != nil {
			return Plan{}, err
		}
		loans, err := e.store.ListLoans(ctx, market.ID)
		if err != nil {
			return Plan{}, err
		}
		return PlanCancel(market, txs, loans), nil
	}
	bets, err := e.store.ListBets(ctx, market.ID)
	if err != nil {
		return Plan{}, err
	}
	loans, err := e.store.ListLoans(ctx, market.ID)
	if err != nil {
		return Plan{}, err
	}
	return PlanWinnings(market, position.ByUser(market.ID, bets, loans)), nil
}

func (e *Engine) applySubsidy(ctx context.Context, market *model.Market, amount decimal.Decimal) error {
	_, err := e.ledger.Record(ctx, ledger.TransactionRequest{
		FromID: model.BankAccountID,
		ToID:   model.PoolAccountID(market.ID),
		Amount: amount,
		Detail: model.SubsidyDetail{ContractID: market.ID},
		Key:    "subsidy:" + market.ID,
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("subsidise market %s: %w", market.ID, err)
	}
	e.logger.Warn("pool-subsidised", zap.String("market", market.ID), zap.String("amount", amount.String()))
	return nil
}

// payUser applies one user's settlement as a keyed unit.
func (e *Engine) payUser(ctx context.Context, market *model.Market, p UserPayout) error {
	uow := &store.UnitOfWork{Key: fmt.Sprintf("payout:%s:%s", market.ID, p.UserID)}
	pool, user := model.PoolAccountID(market.ID), model.UserAccountID(p.UserID)
	now := e.now()

	add := func(from, to string, amount decimal.Decimal, detail model.TxDetail) error {
		if !amount.IsPositive() {
			return nil
		}
		tx, err := e.ledger.NewTransaction(from, to, amount, detail)
		if err != nil {
			return err
		}
		uow.Transactions = append(uow.Transactions, tx)
		return nil
	}

	if market.Resolution.Outcome == model.ResolutionCancel {
		detail := model.CancelRefundDetail{ContractID: market.ID}
		if p.Amount.IsPositive() {
			if err := add(pool, user, p.Amount, detail); err != nil {
				return err
			}
		} else if p.Amount.IsNegative() {
			clawback, err := e.clawback(ctx, market.ID, p)
			if err != nil {
				return err
			}
			if err := add(user, pool, clawback, detail); err != nil {
				return err
			}
		}
	} else {
		if err := add(pool, model.BankAccountID, p.LoanRepayment,
			model.LoanRepaymentDetail{ContractID: market.ID}); err != nil {
			return err
		}
		if err := add(pool, user, p.Net(), model.PayoutDetail{
			ContractID: market.ID, Outcome: market.Resolution.Outcome, Kind: model.PayoutWinnings,
		}); err != nil {
			return err
		}
	}

	if p.LoanCleared.IsPositive() {
		uow.Loans = append(uow.Loans, model.Loan{
			ID:          uuid.NewString(),
			UserID:      p.UserID,
			ContractID:  market.ID,
			Amount:      p.LoanCleared.Neg(),
			CreatedTime: now,
		})
		if forgiven := p.LoanCleared.Sub(p.LoanRepayment); forgiven.IsPositive() {
			e.logger.Info("loan-forgiven",
				zap.String("market", market.ID),
				zap.String("user", p.UserID),
				zap.String("amount", forgiven.String()))
		}
	}
	return e.ledger.Commit(ctx, uow)
}

// clawback caps what a cancelled market takes back from a user at their
// current balance. The rest is forgiven.
func (e *Engine) clawback(ctx context.Context, marketID string, p UserPayout) (decimal.Decimal, error) {
	owed := p.Amount.Neg()
	balance, err := e.ledger.Balance(ctx, model.UserAccountID(p.UserID))
	if err != nil {
		return decimal.Zero, err
	}
	if balance.LessThan(owed) {
		e.logger.Warn("clawback-capped",
			zap.String("market", marketID),
			zap.String("user", p.UserID),
			zap.String("owed", owed.String()),
			zap.String("balance", balance.String()))
		return decimal.Max(balance, decimal.Zero), nil
	}
	return owed, nil
}

// payResidual empties the pool to liquidity providers, or to the bank when
// the market has none. It reads the live pool balance, so once applied a
// re-run finds nothing left.
func (e *Engine) payResidual(ctx context.Context, market *model.Market) error {
	pool := model.PoolAccountID(market.ID)
	residual, err := e.ledger.Balance(ctx, pool)
	if err != nil {
		return err
	}
	if !residual.IsPositive() {
		return nil
	}

	var shares []ResidualShare
	if market.Resolution.Outcome == model.ResolutionCancel {
		shares = []ResidualShare{{AccountID: model.BankAccountID, Amount: residual}}
	} else {
		provisions, err := e.store.ListProvisions(ctx, market.ID)
		if err != nil {
			return err
		}
		shares = SplitResidual(residual, provisions)
	}

	uow := &store.UnitOfWork{Key: "residual:" + market.ID}
	for _, sh := range shares {
		tx, err := e.ledger.NewTransaction(pool, sh.AccountID, sh.Amount, model.PayoutDetail{
			ContractID: market.ID, Outcome: market.Resolution.Outcome, Kind: model.PayoutResidual,
		})
		if err != nil {
			return err
		}
		uow.Transactions = append(uow.Transactions, tx)
	}
	err = e.ledger.Commit(ctx, uow)
	if err != nil && !errors.Is(err, store.ErrAlreadyApplied) {
		return fmt.Errorf("pay residual of market %s: %w", market.ID, err)
	}
	return nil
}

// normalize validates a resolution request against the market and fills in
// MKT probabilities from the pool when none are given.
func normalize(market *model.Market, req Request) (*model.Resolution, error) {
	switch req.Outcome {
	case model.ResolutionCancel:
		return &model.Resolution{Outcome: model.ResolutionCancel}, nil
	case model.ResolutionMKT:
		if market.IsBinary() {
			p := amm.Prob(market, model.OutcomeYes)
			if req.Prob != nil {
				p = *req.Prob
			}
			if p.IsNegative() || p.GreaterThan(one) {
				return nil, fmt.Errorf("%w: resolution probability %s outside [0,1]", model.ErrInvalidTrade, p)
			}
			return &model.Resolution{Outcome: model.ResolutionMKT, Prob: p}, nil
		}
		probs := req.Probs
		if len(probs) == 0 {
			probs = amm.Probs(market)
		}
		normalized, err := normalizeProbs(market, probs)
		if err != nil {
			return nil, err
		}
		return &model.Resolution{Outcome: model.ResolutionMKT, Probs: normalized}, nil
	}
	if !market.HasOutcome(req.Outcome) {
		return nil, fmt.Errorf("%w: unknown resolution %q", model.ErrInvalidTrade, req.Outcome)
	}
	return &model.Resolution{Outcome: req.Outcome}, nil
}

func normalizeProbs(market *model.Market, probs map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	sum := decimal.Zero
	for outcome, p := range probs {
		if !market.HasOutcome(outcome) {
			return nil, fmt.Errorf("%w: unknown answer %q", model.ErrInvalidTrade, outcome)
		}
		if p.IsNegative() {
			return nil, fmt.Errorf("%w: negative weight for %q", model.ErrInvalidTrade, outcome)
		}
		sum = sum.Add(p)
	}
	if !sum.IsPositive() {
		return nil, fmt.Errorf("%w: resolution weights sum to zero", model.ErrInvalidTrade)
	}
	out := make(map[string]decimal.Decimal, len(probs))
	for outcome, p := range probs {
		out[outcome] = p.DivRound(sum, amm.Scale)
	}
	return out, nil
}
