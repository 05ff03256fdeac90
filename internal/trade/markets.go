package trade

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/contract"
	"github.com/manaforge/market-engine/internal/events"
	"github.com/manaforge/market-engine/internal/metrics"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/store"
)

// CreateMarketRequest is the JSON body for market creation. The creator
// funds the pool with Ante.
type CreateMarketRequest struct {
	UserID string `json:"-"`
	contract.Definition
}

// CreateMarket validates the definition, seeds the pool so it opens at the
// requested probability, and moves the ante from the creator into the
// market's pool account.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidTrade)
	}
	now := s.now()
	def, err := contract.Validate(req.Definition, s.cfg.MinAnte, now)
	if err != nil {
		return nil, err
	}

	var pool map[string]decimal.Decimal
	if def.OutcomeType == model.OutcomeBinary {
		bp, err := amm.InitialBinary(def.Ante, def.InitialProb)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidTrade, err)
		}
		pool = bp.Map()
	} else {
		pool = s.mm.InitialMulti(def.Outcomes, def.Ante)
	}

	id := uuid.NewString()
	market := &model.Market{
		ID:             id,
		CreatorID:      req.UserID,
		Question:       def.Question,
		Slug:           contract.Slug(def.Question) + "-" + id[:8],
		OutcomeType:    def.OutcomeType,
		Outcomes:       def.Outcomes,
		Pool:           pool,
		TotalLiquidity: def.Ante,
		CloseTime:      def.CloseTime,
		CreatedAt:      now,
	}

	b := &txBuilder{ledger: s.ledger}
	b.add(model.UserAccountID(req.UserID), model.PoolAccountID(id), def.Ante, model.AnteDetail{ContractID: id})
	if b.err != nil {
		return nil, b.err
	}
	err = s.ledger.Commit(ctx, &store.UnitOfWork{
		NewMarket:    market,
		Transactions: b.txs,
		Provisions: []model.LiquidityProvision{{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			ContractID:  id,
			Amount:      def.Ante,
			CreatedTime: now,
		}},
	})
	if err != nil {
		return nil, err
	}
	market.Version = 1

	metrics.ActiveMarkets.Inc()
	s.publisher.Publish(ctx, events.Event{
		Type:     events.MarketCreated,
		MarketID: id,
		UserID:   req.UserID,
		Amount:   def.Ante,
		Probs:    amm.Probs(market),
		Time:     now,
	})
	s.logger.Info("market-created",
		zap.String("market", id),
		zap.String("creator", req.UserID),
		zap.String("type", string(def.OutcomeType)),
		zap.Int("outcomes", len(def.Outcomes)),
		zap.String("ante", def.Ante.String()))
	return market, nil
}

// AddLiquidity deepens a market's pool without moving its probabilities.
// Mana that cannot be placed into reserves goes to the subsidy pool.
func (s *Service) AddLiquidity(ctx context.Context, userID, marketID string, amount decimal.Decimal) (*model.LiquidityProvision, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidTrade)
	}
	var provision *model.LiquidityProvision
	err := s.run(ctx, marketID, "liquidity", func(market *model.Market) (*mutation, error) {
		now := s.now()
		if err := tradable(market, now); err != nil {
			return nil, err
		}
		pool, unused, err := s.mm.AddLiquidity(market, amount)
		if err != nil {
			return nil, err
		}

		p := model.LiquidityProvision{
			ID:          uuid.NewString(),
			UserID:      userID,
			ContractID:  market.ID,
			Amount:      amount,
			CreatedTime: now,
		}
		b := &txBuilder{ledger: s.ledger}
		b.add(model.UserAccountID(userID), model.PoolAccountID(market.ID), amount,
			model.LiquidityDetail{ContractID: market.ID, ProvisionID: p.ID})
		if b.err != nil {
			return nil, b.err
		}

		updated := market.Clone()
		updated.Pool = pool
		updated.TotalLiquidity = updated.TotalLiquidity.Add(amount)
		updated.SubsidyPool = updated.SubsidyPool.Add(unused)
		provision = &p
		return &mutation{
			uow: &store.UnitOfWork{
				Market:       &store.MarketUpdate{Market: updated, ExpectedVersion: market.Version},
				Transactions: b.txs,
				Provisions:   []model.LiquidityProvision{p},
			},
			events: []events.Event{{
				Type:     events.LiquidityAdded,
				MarketID: market.ID,
				UserID:   userID,
				Amount:   amount,
				Probs:    amm.Probs(updated),
				Time:     now,
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("liquidity-added",
		zap.String("market", marketID),
		zap.String("user", userID),
		zap.String("amount", amount.String()))
	return provision, nil
}
