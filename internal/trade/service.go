// Package trade provides the HTTP handlers and business logic for
// creating markets, placing bets and limit orders, selling, redeeming,
// providing liquidity and taking loans.
//
// Every command runs under its market's lock and produces one unit of work
// that the ledger commits atomically. A lost compare-and-swap re-runs the
// command from a fresh read with bounded exponential backoff.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/events"
	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/limits"
	"github.com/manaforge/market-engine/internal/metrics"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/orderbook"
	"github.com/manaforge/market-engine/internal/position"
	"github.com/manaforge/market-engine/internal/resolution"
	"github.com/manaforge/market-engine/internal/store"
)

const maxBackoff = time.Second

// Config tunes trade execution.
type Config struct {
	Fees    amm.FeeSchedule
	MinAnte decimal.Decimal
	// LoanRatio is the share of a position's net investment a user may
	// borrow against it.
	LoanRatio      decimal.Decimal
	MaxRetries     int
	RetryBaseDelay time.Duration
	LockTimeout    time.Duration
	// Admins may grant bonuses and manage ledger halts.
	Admins []string
}

// DefaultConfig returns fee-free settings suitable for tests.
func DefaultConfig() Config {
	return Config{
		MinAnte:        decimal.NewFromInt(1),
		LoanRatio:      decimal.NewFromFloat(0.5),
		MaxRetries:     3,
		RetryBaseDelay: 10 * time.Millisecond,
		LockTimeout:    5 * time.Second,
	}
}

// Deps are the components a Service drives.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Service
	Tracker   *position.Tracker
	Maker     *amm.MarketMaker
	Orders    *orderbook.Service
	Resolver  *resolution.Engine
	Limiter   *limits.ExposureLimiter
	Locks     keylock.Locker
	Publisher events.Publisher
	Logger    *zap.Logger
}

// Service handles market operations.
type Service struct {
	store     store.Store
	ledger    *ledger.Service
	tracker   *position.Tracker
	mm        *amm.MarketMaker
	matcher   *orderbook.Matcher
	orders    *orderbook.Service
	resolver  *resolution.Engine
	limiter   *limits.ExposureLimiter
	locks     keylock.Locker
	publisher events.Publisher
	logger    *zap.Logger
	cfg       Config
	admins    map[string]bool
	now       func() time.Time
}

// NewService creates a trade service.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	admins := make(map[string]bool, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = true
	}
	return &Service{
		store:     deps.Store,
		ledger:    deps.Ledger,
		tracker:   deps.Tracker,
		mm:        deps.Maker,
		matcher:   orderbook.NewMatcher(deps.Maker),
		orders:    deps.Orders,
		resolver:  deps.Resolver,
		limiter:   deps.Limiter,
		locks:     deps.Locks,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		cfg:       cfg,
		admins:    admins,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// mutation is what a command produces under the market lock. Events and
// onCommit run only once the unit is durable.
type mutation struct {
	uow      *store.UnitOfWork
	events   []events.Event
	users    []string
	onCommit func()
}

// run executes build under the market lock and commits its unit, re-running
// it from a fresh read when the commit loses a compare-and-swap.
func (s *Service) run(ctx context.Context, marketID, kind string, build func(*model.Market) (*mutation, error)) error {
	start := time.Now()
	defer func() {
		metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locks.Lock(lockCtx, keylock.MarketKey(marketID))
	cancel()
	if err != nil {
		return err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		market, err := s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		mut, err := build(market)
		if err == nil {
			err = s.ledger.Commit(ctx, mut.uow)
		}
		if err == nil {
			s.committed(ctx, marketID, mut)
			return nil
		}
		if !model.IsRetriable(err) || attempt >= s.cfg.MaxRetries {
			return err
		}
		metrics.TradeRetries.WithLabelValues(kind).Inc()
		s.logger.Warn("trade-retry",
			zap.String("market", marketID),
			zap.String("kind", kind),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if err := sleep(ctx, backoff(s.cfg.RetryBaseDelay, attempt)); err != nil {
			return err
		}
	}
}

func (s *Service) committed(ctx context.Context, marketID string, mut *mutation) {
	if len(mut.users) > 0 {
		s.tracker.Invalidate(ctx, marketID, mut.users...)
	}
	if mut.onCommit != nil {
		mut.onCommit()
	}
	for _, e := range mut.events {
		s.publisher.Publish(ctx, e)
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tradable rejects trades on resolved or closed markets.
func tradable(m *model.Market, now time.Time) error {
	if m.IsResolved {
		return fmt.Errorf("%w: market %s", model.ErrMarketResolved, m.ID)
	}
	if m.IsClosed(now) {
		return fmt.Errorf("%w: market %s closed at %s", model.ErrMarketClosed, m.ID, m.CloseTime.Format(time.RFC3339))
	}
	return nil
}

// txBuilder accumulates ledger transactions and remembers the first error.
// Non-positive amounts are skipped.
type txBuilder struct {
	ledger *ledger.Service
	txs    []model.Transaction
	err    error
}

func (b *txBuilder) add(from, to string, amount decimal.Decimal, detail model.TxDetail) {
	if b.err != nil || !amount.IsPositive() {
		return
	}
	tx, err := b.ledger.NewTransaction(from, to, amount, detail)
	if err != nil {
		b.err = err
		return
	}
	b.txs = append(b.txs, tx)
}

// addFees pays each fee component out of from. The liquidity component is
// left in (or moved to) the market pool account.
func (b *txBuilder) addFees(from string, m *model.Market, betID string, f amm.Fees) {
	b.add(from, model.BankAccountID, f.Platform, model.FeeDetail{ContractID: m.ID, BetID: betID, Kind: model.FeePlatform})
	b.add(from, model.BankAccountID, f.Flat, model.FeeDetail{ContractID: m.ID, BetID: betID, Kind: model.FeeFlat})
	b.add(from, model.UserAccountID(m.CreatorID), f.Creator, model.FeeDetail{ContractID: m.ID, BetID: betID, Kind: model.FeeCreator})
	if pool := model.PoolAccountID(m.ID); from != pool {
		b.add(from, pool, f.Liquidity, model.LiquidityDetail{ContractID: m.ID, BetID: betID})
	}
}

func limitLabel(err error) string {
	switch {
	case errors.Is(err, limits.ErrPerTradeLimitExceeded):
		return "per_trade"
	case errors.Is(err, limits.ErrMarketExposureExceeded):
		return "per_market"
	}
	return "other"
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
