// Package events defines the domain events the engine emits after a commit
// and an in-process bus that fans them out to subscribers. Delivery is
// best effort: a slow subscriber loses events rather than stalling trades.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Type is the closed set of event kinds.
type Type string

const (
	MarketCreated  Type = "market.created"
	TradeExecuted  Type = "trade.executed"
	OrderPlaced    Type = "order.placed"
	OrderFilled    Type = "order.filled"
	OrderCancelled Type = "order.cancelled"
	LiquidityAdded Type = "liquidity.added"
	MarketResolved Type = "market.resolved"
	MarketSettled  Type = "market.settled"
)

// Event is emitted once its unit of work has committed.
type Event struct {
	Type     Type                       `json:"type"`
	MarketID string                     `json:"market_id"`
	UserID   string                     `json:"user_id,omitempty"`
	OrderID  string                     `json:"order_id,omitempty"`
	BetID    string                     `json:"bet_id,omitempty"`
	Outcome  string                     `json:"outcome,omitempty"`
	Amount   decimal.Decimal            `json:"amount"`
	Shares   decimal.Decimal            `json:"shares"`
	Probs    map[string]decimal.Decimal `json:"probs,omitempty"`
	Reason   string                     `json:"reason,omitempty"`
	Time     time.Time                  `json:"time"`
}

// Publisher receives committed events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel of events and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish never blocks.
func (b *Bus) Publish(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event-dropped", zap.String("type", string(e.Type)), zap.String("market", e.MarketID))
		}
	}
}
