package orderbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/events"
	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/metrics"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/store"
)

// Service cancels and expires resting orders. Placement and fills happen
// inside trade execution, under the same market lock.
type Service struct {
	store     store.Store
	ledger    *ledger.Service
	locks     keylock.Locker
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(st store.Store, l *ledger.Service, locks keylock.Locker, pub events.Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     st,
		ledger:    l,
		locks:     locks,
		publisher: pub,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Cancel moves the caller's pending order to CANCELLED and refunds its
// remaining escrow.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (*model.LimitOrder, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", model.ErrForbidden, orderID)
	}

	unlock, err := s.locks.Lock(ctx, keylock.MarketKey(o.ContractID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	cancelled, err := s.cancelLocked(ctx, orderID, model.CancelByUser)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order-cancelled",
		zap.String("order", orderID),
		zap.String("user", userID),
		zap.String("refund", cancelled.Amount.String()))
	return cancelled, nil
}

// ExpireOrders cancels every pending order whose expiry is at or before now.
// Re-running it is harmless: orders are re-read under the market lock and
// anything no longer pending is skipped. It returns the number expired.
func (s *Service) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpiredOrders(ctx, now)
	if err != nil {
		return 0, err
	}

	byMarket := make(map[string][]string)
	var markets []string
	for _, o := range expired {
		if _, ok := byMarket[o.ContractID]; !ok {
			markets = append(markets, o.ContractID)
		}
		byMarket[o.ContractID] = append(byMarket[o.ContractID], o.ID)
	}

	count := 0
	var errs []error
	for _, contractID := range markets {
		n, err := s.expireMarket(ctx, contractID, byMarket[contractID], now)
		count += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if count > 0 {
		s.logger.Info("orders-expired", zap.Int("count", count), zap.Time("now", now))
	}
	return count, errors.Join(errs...)
}

func (s *Service) expireMarket(ctx context.Context, contractID string, orderIDs []string, now time.Time) (int, error) {
	unlock, err := s.locks.Lock(ctx, keylock.MarketKey(contractID))
	if err != nil {
		return 0, err
	}
	defer unlock()

	count := 0
	for _, id := range orderIDs {
		o, err := s.store.GetOrder(ctx, id)
		if err != nil {
			return count, err
		}
		if !o.IsPending() || !o.Expired(now) {
			continue
		}
		if _, err := s.cancelLocked(ctx, id, model.CancelByExpiry); err != nil {
			if errors.Is(err, model.ErrOrderNotPending) {
				continue
			}
			return count, fmt.Errorf("expire order %s: %w", id, err)
		}
		count++
	}
	return count, nil
}

// cancelLocked must run under the order's market lock.
func (s *Service) cancelLocked(ctx context.Context, orderID, reason string) (*model.LimitOrder, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	update, refund, err := CancelUnit(s.ledger, *o, reason, s.now())
	if err != nil {
		return nil, err
	}
	uow := &store.UnitOfWork{Orders: []store.OrderUpdate{update}}
	if refund != nil {
		uow.Transactions = []model.Transaction{*refund}
	}
	if err := s.ledger.Commit(ctx, uow); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(eventFor(reason)).Inc()
	s.publisher.Publish(ctx, events.Event{
		Type:     events.OrderCancelled,
		MarketID: o.ContractID,
		UserID:   o.UserID,
		OrderID:  o.ID,
		Outcome:  o.Outcome,
		Amount:   o.Amount,
		Reason:   reason,
	})
	cancelled := update.Order
	return &cancelled, nil
}

// CancelUnit builds the CANCELLED transition of a pending order and the
// refund of its remaining escrow from the market pool. The refund is nil
// when nothing remains.
func CancelUnit(l *ledger.Service, o model.LimitOrder, reason string, now time.Time) (store.OrderUpdate, *model.Transaction, error) {
	if !o.IsPending() {
		return store.OrderUpdate{}, nil, fmt.Errorf("%w: order %s is %s", model.ErrOrderNotPending, o.ID, o.Status)
	}
	expected := o.Version
	refundAmount := o.Amount

	o.Status = model.OrderCancelled
	o.CancelReason = reason
	o.UpdatedTime = now
	update := store.OrderUpdate{Order: o, ExpectedVersion: expected}

	if !refundAmount.IsPositive() {
		return update, nil, nil
	}
	tx, err := l.NewTransaction(
		model.PoolAccountID(o.ContractID),
		model.UserAccountID(o.UserID),
		refundAmount,
		model.OrderRefundDetail{ContractID: o.ContractID, OrderID: o.ID},
	)
	if err != nil {
		return store.OrderUpdate{}, nil, err
	}
	return update, &tx, nil
}

func eventFor(reason string) string {
	if reason == model.CancelByExpiry {
		return "expired"
	}
	return "cancelled"
}
