package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/events"
	"github.com/manaforge/market-engine/internal/metrics"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/orderbook"
	"github.com/manaforge/market-engine/internal/position"
	"github.com/manaforge/market-engine/internal/store"
)

// BetRequest is the JSON body for POST /bets. A LimitProb turns the bet
// into a limit order on a binary market: it executes up to that YES
// probability and the unfilled rest stays on the book until ExpiresAt.
type BetRequest struct {
	UserID     string           `json:"-"`
	ContractID string           `json:"contract_id"`
	Outcome    string           `json:"outcome"`
	Amount     decimal.Decimal  `json:"amount"`
	LimitProb  *decimal.Decimal `json:"limit_prob,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
}

// SellRequest is the JSON body for POST /sells. Nil Shares sells the whole
// position in Outcome.
type SellRequest struct {
	UserID     string           `json:"-"`
	ContractID string           `json:"contract_id"`
	Outcome    string           `json:"outcome"`
	Shares     *decimal.Decimal `json:"shares,omitempty"`
}

// Fill is a resting order's part in a bet.
type Fill struct {
	OrderID string          `json:"order_id"`
	UserID  string          `json:"user_id"`
	Shares  decimal.Decimal `json:"shares"`
	Amount  decimal.Decimal `json:"amount"`
	Prob    decimal.Decimal `json:"prob"`
}

// BetResult is returned by PlaceBet, Sell and Redeem.
type BetResult struct {
	Bet         *model.Bet                 `json:"bet,omitempty"`
	Order       *model.LimitOrder          `json:"order,omitempty"`
	Fills       []Fill                     `json:"fills,omitempty"`
	Redemptions []model.Bet                `json:"redemptions,omitempty"`
	Fees        amm.Fees                   `json:"fees"`
	Probs       map[string]decimal.Decimal `json:"probs"`
}

// PlaceBet buys Outcome with Amount. Market bets pay fees and fill against
// resting orders and the pool. Limit orders pay no fees and escrow whatever
// does not execute immediately.
func (s *Service) PlaceBet(ctx context.Context, req BetRequest) (*BetResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidTrade)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidTrade)
	}
	if req.ExpiresAt != nil && req.LimitProb == nil {
		return nil, fmt.Errorf("%w: only limit orders expire", model.ErrInvalidTrade)
	}
	kind := "buy"
	if req.LimitProb != nil {
		kind = "limit"
	}

	var result *BetResult
	err := s.run(ctx, req.ContractID, kind, func(market *model.Market) (*mutation, error) {
		now := s.now()
		if err := tradable(market, now); err != nil {
			return nil, err
		}
		if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expiry %s is not in the future", model.ErrInvalidTrade, req.ExpiresAt.Format(time.RFC3339))
		}
		holdings, err := s.tracker.Holdings(ctx, req.UserID, market.ID)
		if err != nil {
			return nil, err
		}
		if err := s.limiter.CheckTrade(req.Amount, holdings.Invested); err != nil {
			metrics.LimitRejections.WithLabelValues(limitLabel(err)).Inc()
			return nil, err
		}

		spend, fees := req.Amount, amm.Fees{}
		if req.LimitProb == nil {
			spend, fees, err = s.cfg.Fees.Apply(req.Amount, req.UserID == market.CreatorID)
			if err != nil {
				return nil, err
			}
		}

		var book []model.LimitOrder
		if market.IsBinary() {
			if book, err = s.store.ListPendingOrders(ctx, market.ID); err != nil {
				return nil, err
			}
		}
		exec, err := s.matcher.Match(market, orderbook.TakerOrder{
			UserID:  req.UserID,
			Outcome: req.Outcome,
			Amount:  spend,
			Limit:   req.LimitProb,
		}, book, now)
		if err != nil {
			return nil, err
		}
		if req.LimitProb == nil && exec.Remaining.IsPositive() {
			return nil, fmt.Errorf("%w: %s of %s could not be placed", model.ErrInsufficientLiquidity, exec.Remaining, spend)
		}

		mut, res, err := s.buildBet(ctx, market, req, exec, fees, holdings, now)
		if err != nil {
			return nil, err
		}
		result = res
		return mut, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("bet-placed",
		zap.String("market", req.ContractID),
		zap.String("user", req.UserID),
		zap.String("outcome", req.Outcome),
		zap.String("amount", req.Amount.String()),
		zap.Int("fills", len(result.Fills)),
		zap.Bool("limit", req.LimitProb != nil))
	return result, nil
}

// buildBet turns an execution into the unit of work: the taker's bet and
// payments, one bet per maker fill, the order transitions, the resting
// remainder, and redemption of any YES/NO pairs the fills created.
func (s *Service) buildBet(ctx context.Context, market *model.Market, req BetRequest, exec orderbook.Execution, fees amm.Fees, holdings *model.ContractPosition, now time.Time) (*mutation, *BetResult, error) {
	user, pool := model.UserAccountID(req.UserID), model.PoolAccountID(market.ID)
	b := &txBuilder{ledger: s.ledger}
	uow := &store.UnitOfWork{}
	res := &BetResult{Fees: fees}
	var evs []events.Event
	var onCommit []func()

	var orderID string
	if req.LimitProb != nil {
		orderID = uuid.NewString()
	}

	var bets []model.Bet
	users := []string{req.UserID}
	if exec.Shares.IsPositive() {
		bet := model.Bet{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			ContractID:  market.ID,
			Outcome:     req.Outcome,
			Amount:      exec.Amount.Add(fees.Total()),
			Shares:      exec.Shares,
			ProbBefore:  exec.ProbBefore,
			ProbAfter:   exec.ProbAfter,
			Fees:        fees.Total(),
			OrderID:     orderID,
			CreatedTime: now,
		}
		b.add(user, pool, exec.Amount, model.TradeDetail{ContractID: market.ID, BetID: bet.ID})
		b.addFees(user, market, bet.ID, fees)
		bets = append(bets, bet)
		res.Bet = &bet
		evs = append(evs, events.Event{
			Type:     events.TradeExecuted,
			MarketID: market.ID,
			UserID:   req.UserID,
			BetID:    bet.ID,
			OrderID:  orderID,
			Outcome:  req.Outcome,
			Amount:   bet.Amount,
			Shares:   bet.Shares,
			Time:     now,
		})
		kind := "buy"
		if req.LimitProb != nil {
			kind = "limit"
		}
		onCommit = append(onCommit, func() {
			metrics.TradesTotal.WithLabelValues(kind, req.Outcome).Inc()
		})
	}

	volume := exec.Amount.Add(fees.Total())
	for _, f := range exec.Fills {
		mb := model.Bet{
			ID:          uuid.NewString(),
			UserID:      f.Order.UserID,
			ContractID:  market.ID,
			Outcome:     f.Order.Outcome,
			Amount:      f.Amount,
			Shares:      f.Shares,
			ProbBefore:  f.Prob,
			ProbAfter:   f.Prob,
			OrderID:     f.Order.ID,
			CreatedTime: now,
		}
		order := f.Order
		if order.IsFilled() {
			order.BetID = mb.ID
		}
		uow.Orders = append(uow.Orders, store.OrderUpdate{Order: order, ExpectedVersion: f.ExpectedVersion})
		bets = append(bets, mb)
		users = append(users, order.UserID)
		volume = volume.Add(f.Amount)
		res.Fills = append(res.Fills, Fill{
			OrderID: order.ID, UserID: order.UserID, Shares: f.Shares, Amount: f.Amount, Prob: f.Prob,
		})
		evs = append(evs, events.Event{
			Type:     events.OrderFilled,
			MarketID: market.ID,
			UserID:   order.UserID,
			OrderID:  order.ID,
			BetID:    mb.ID,
			Outcome:  order.Outcome,
			Amount:   f.Amount,
			Shares:   f.Shares,
			Time:     now,
		})
		filled := order.IsFilled()
		onCommit = append(onCommit, func() {
			if filled {
				metrics.OrdersTotal.WithLabelValues("filled").Inc()
			} else {
				metrics.OrdersTotal.WithLabelValues("partial").Inc()
			}
		})
	}

	if req.LimitProb != nil {
		order := model.LimitOrder{
			ID:           orderID,
			UserID:       req.UserID,
			ContractID:   market.ID,
			Outcome:      req.Outcome,
			Amount:       exec.Remaining,
			OrigAmount:   req.Amount,
			LimitProb:    *req.LimitProb,
			FilledShares: exec.Shares,
			Status:       model.OrderPending,
			ExpiresAt:    req.ExpiresAt,
			CreatedTime:  now,
			UpdatedTime:  now,
		}
		if !exec.Remaining.IsPositive() {
			order.Status = model.OrderFilled
			if res.Bet != nil {
				order.BetID = res.Bet.ID
			}
		}
		b.add(user, pool, exec.Remaining, model.OrderEscrowDetail{ContractID: market.ID, OrderID: orderID})
		uow.NewOrders = append(uow.NewOrders, order)
		res.Order = &order
		if order.IsPending() {
			evs = append(evs, events.Event{
				Type:     events.OrderPlaced,
				MarketID: market.ID,
				UserID:   req.UserID,
				OrderID:  orderID,
				Outcome:  req.Outcome,
				Amount:   order.Amount,
				Time:     now,
			})
			onCommit = append(onCommit, func() { metrics.OrdersTotal.WithLabelValues("placed").Inc() })
		}
	}

	users = distinct(users)
	if market.IsBinary() {
		for _, u := range users {
			cp := holdings
			if u != req.UserID {
				var err error
				if cp, err = s.tracker.Holdings(ctx, u, market.ID); err != nil {
					return nil, nil, err
				}
			}
			redemption := redeemBets(market.ID, u, sharesAfter(cp, bets, u), exec.ProbAfter, now)
			if len(redemption) == 0 {
				continue
			}
			b.add(pool, model.UserAccountID(u), redemption[0].Shares.Neg(),
				model.RedemptionDetail{ContractID: market.ID, BetID: redemption[0].ID})
			if u == req.UserID {
				res.Redemptions = redemption
			}
			bets = append(bets, redemption...)
		}
	}
	if b.err != nil {
		return nil, nil, b.err
	}

	updated := market.Clone()
	updated.Pool = exec.Pool
	updated.Volume = updated.Volume.Add(volume)
	updated.SubsidyPool = updated.SubsidyPool.Add(fees.Liquidity)
	res.Probs = amm.Probs(updated)
	for i := range evs {
		evs[i].Probs = res.Probs
	}

	uow.Market = &store.MarketUpdate{Market: updated, ExpectedVersion: market.Version}
	uow.Transactions = b.txs
	uow.Bets = bets

	marketID := market.ID
	return &mutation{
		uow:    uow,
		events: evs,
		users:  users,
		onCommit: func() {
			for _, f := range onCommit {
				f()
			}
			v, _ := volume.Float64()
			metrics.MarketVolume.WithLabelValues(marketID).Add(v)
		},
	}, res, nil
}

// Sell returns shares to the pool. Fees come out of the gross payout; the
// liquidity component stays in the pool account.
func (s *Service) Sell(ctx context.Context, req SellRequest) (*BetResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidTrade)
	}
	var result *BetResult
	err := s.run(ctx, req.ContractID, "sell", func(market *model.Market) (*mutation, error) {
		now := s.now()
		if err := tradable(market, now); err != nil {
			return nil, err
		}
		holdings, err := s.tracker.Holdings(ctx, req.UserID, market.ID)
		if err != nil {
			return nil, err
		}
		held := holdings.Shares(req.Outcome)
		if !held.IsPositive() {
			return nil, fmt.Errorf("%w: no %s shares to sell", model.ErrInvalidTrade, req.Outcome)
		}
		shares := held
		if req.Shares != nil {
			shares = *req.Shares
		}
		if shares.GreaterThan(held) {
			return nil, fmt.Errorf("%w: selling %s shares, holding %s", model.ErrInvalidTrade, shares, held)
		}

		trade, err := s.mm.Sell(market, req.Outcome, shares)
		if err != nil {
			return nil, err
		}
		fees := s.cfg.Fees.Compute(trade.Amount, req.UserID == market.CreatorID)
		net := trade.Amount.Sub(fees.Total())
		if !net.IsPositive() {
			return nil, fmt.Errorf("%w: fees %s consume the payout %s", model.ErrInvalidTrade, fees.Total(), trade.Amount)
		}

		bet := model.Bet{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			ContractID:  market.ID,
			Outcome:     req.Outcome,
			Amount:      net.Neg(),
			Shares:      shares.Neg(),
			ProbBefore:  trade.ProbBefore,
			ProbAfter:   trade.ProbAfter,
			Fees:        fees.Total(),
			CreatedTime: now,
		}
		pool := model.PoolAccountID(market.ID)
		b := &txBuilder{ledger: s.ledger}
		b.add(pool, model.UserAccountID(req.UserID), net, model.TradeDetail{ContractID: market.ID, BetID: bet.ID})
		b.addFees(pool, market, bet.ID, fees)
		if b.err != nil {
			return nil, b.err
		}

		updated := market.Clone()
		updated.Pool = trade.Pool
		updated.Volume = updated.Volume.Add(trade.Amount)
		updated.SubsidyPool = updated.SubsidyPool.Add(fees.Liquidity)
		result = &BetResult{Bet: &bet, Fees: fees, Probs: amm.Probs(updated)}

		return &mutation{
			uow: &store.UnitOfWork{
				Market:       &store.MarketUpdate{Market: updated, ExpectedVersion: market.Version},
				Transactions: b.txs,
				Bets:         []model.Bet{bet},
			},
			users: []string{req.UserID},
			events: []events.Event{{
				Type:     events.TradeExecuted,
				MarketID: market.ID,
				UserID:   req.UserID,
				BetID:    bet.ID,
				Outcome:  req.Outcome,
				Amount:   bet.Amount,
				Shares:   bet.Shares,
				Probs:    result.Probs,
				Time:     now,
			}},
			onCommit: func() { metrics.TradesTotal.WithLabelValues("sell", req.Outcome).Inc() },
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("shares-sold",
		zap.String("market", req.ContractID),
		zap.String("user", req.UserID),
		zap.String("outcome", req.Outcome),
		zap.String("shares", result.Bet.Shares.Neg().String()),
		zap.String("proceeds", result.Bet.Amount.Neg().String()))
	return result, nil
}

// Redeem cashes out every YES/NO pair a user holds on a binary market at
// 1 per pair.
func (s *Service) Redeem(ctx context.Context, userID, marketID string) (*BetResult, error) {
	var result *BetResult
	err := s.run(ctx, marketID, "redeem", func(market *model.Market) (*mutation, error) {
		if market.IsResolved {
			return nil, fmt.Errorf("%w: market %s", model.ErrMarketResolved, market.ID)
		}
		if !market.IsBinary() {
			return nil, fmt.Errorf("%w: only binary markets redeem", model.ErrInvalidTrade)
		}
		holdings, err := s.tracker.Holdings(ctx, userID, market.ID)
		if err != nil {
			return nil, err
		}
		now := s.now()
		prob := amm.Prob(market, model.OutcomeYes)
		shares := map[string]decimal.Decimal{
			model.OutcomeYes: holdings.Shares(model.OutcomeYes),
			model.OutcomeNo:  holdings.Shares(model.OutcomeNo),
		}
		redemption := redeemBets(market.ID, userID, shares, prob, now)
		if len(redemption) == 0 {
			return nil, fmt.Errorf("%w: no YES/NO pairs to redeem", model.ErrInvalidTrade)
		}
		b := &txBuilder{ledger: s.ledger}
		b.add(model.PoolAccountID(market.ID), model.UserAccountID(userID), redemption[0].Shares.Neg(),
			model.RedemptionDetail{ContractID: market.ID, BetID: redemption[0].ID})
		if b.err != nil {
			return nil, b.err
		}
		result = &BetResult{Redemptions: redemption, Probs: amm.Probs(market)}
		return &mutation{
			uow:      &store.UnitOfWork{Transactions: b.txs, Bets: redemption},
			users:    []string{userID},
			onCommit: func() { metrics.TradesTotal.WithLabelValues("redeem", "").Inc() },
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// sharesAfter is a user's YES and NO holdings once the unit's new bets apply.
func sharesAfter(cp *model.ContractPosition, bets []model.Bet, userID string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{
		model.OutcomeYes: cp.Shares(model.OutcomeYes),
		model.OutcomeNo:  cp.Shares(model.OutcomeNo),
	}
	for _, b := range bets {
		if b.UserID == userID {
			out[b.Outcome] = out[b.Outcome].Add(b.Shares)
		}
	}
	return out
}

// redeemBets returns the pair of redemption bets for min(yes, no) shares,
// or nil when there is nothing to redeem. The 1-per-pair payout is split
// between the two bets at prob so each outcome's invested amount moves by
// what its shares were worth.
func redeemBets(contractID, userID string, shares map[string]decimal.Decimal, prob decimal.Decimal, now time.Time) []model.Bet {
	pairs := position.Redeemable(&model.ContractPosition{Positions: []model.Position{
		{Outcome: model.OutcomeYes, Shares: shares[model.OutcomeYes]},
		{Outcome: model.OutcomeNo, Shares: shares[model.OutcomeNo]},
	}})
	if pairs.LessThan(model.Epsilon) {
		return nil
	}
	yesAmount := pairs.Mul(prob).RoundFloor(amm.FeeScale)
	mk := func(outcome string, amount decimal.Decimal) model.Bet {
		return model.Bet{
			ID:           uuid.NewString(),
			UserID:       userID,
			ContractID:   contractID,
			Outcome:      outcome,
			Amount:       amount.Neg(),
			Shares:       pairs.Neg(),
			ProbBefore:   prob,
			ProbAfter:    prob,
			IsRedemption: true,
			CreatedTime:  now,
		}
	}
	return []model.Bet{
		mk(model.OutcomeYes, yesAmount),
		mk(model.OutcomeNo, pairs.Sub(yesAmount)),
	}
}
