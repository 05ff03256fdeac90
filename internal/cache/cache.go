// Package cache provides the explicit get/set/invalidate cache used for
// derived read models (positions) and market snapshots. Values are opaque
// bytes; callers own the encoding. A cache is never the source of truth:
// writers invalidate after a successful commit and readers fall back to the
// store on a miss.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented cache with explicit invalidation.
type Cache interface {
	// Get returns the value and true if the key is present.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value for ttl. A zero ttl keeps the value until evicted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Invalidate removes keys. Missing keys are ignored.
	Invalidate(ctx context.Context, keys ...string)

	Close() error
}

// Nop is a cache that stores nothing. Every Get is a miss.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) {}
func (Nop) Invalidate(context.Context, ...string)              {}
func (Nop) Close() error                                       { return nil }
