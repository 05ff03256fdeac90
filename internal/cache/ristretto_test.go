package cache

import (
	"context"
	"testing"
	"time"
)

func newTestRistretto(t *testing.T) *RistrettoCache {
	t.Helper()
	c, err := NewRistrettoCache(&RistrettoConfig{
		NumCounters: 1000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRistrettoCache(t *testing.T) {
	ctx := context.Background()
	c := newTestRistretto(t)

	t.Run("set-and-get", func(t *testing.T) {
		c.Set(ctx, "k1", []byte("v1"), time.Hour)
		c.Wait()

		got, ok := c.Get(ctx, "k1")
		if !ok {
			t.Fatal("expected key to be found")
		}
		if string(got) != "v1" {
			t.Errorf("expected v1, got %q", got)
		}
	})

	t.Run("get-missing-key", func(t *testing.T) {
		if _, ok := c.Get(ctx, "missing"); ok {
			t.Error("expected miss")
		}
	})

	t.Run("invalidate", func(t *testing.T) {
		c.Set(ctx, "k2", []byte("v2"), time.Hour)
		c.Wait()
		c.Invalidate(ctx, "k2", "never-set")

		if _, ok := c.Get(ctx, "k2"); ok {
			t.Error("expected key to be invalidated")
		}
	})
}

func TestNopCache(t *testing.T) {
	ctx := context.Background()
	var c Cache = Nop{}
	c.Set(ctx, "k", []byte("v"), 0)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("nop cache should never hit")
	}
}
