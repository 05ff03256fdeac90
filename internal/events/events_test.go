package events

import (
	"context"
	"testing"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus(nil)
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	b.Publish(context.Background(), Event{Type: TradeExecuted, MarketID: "m1"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TradeExecuted || e.MarketID != "m1" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Error("expected publish time to be set")
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(context.Background(), Event{Type: OrderFilled})
	}
	if got := len(ch); got != 1 {
		t.Errorf("expected buffer to hold 1 event, got %d", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	b.Publish(context.Background(), Event{Type: MarketResolved})
}
