// Package keylock provides per-key mutual exclusion. Trades, order expiry
// and resolution on one market serialise on the market's key; ledger writes
// serialise on account keys. Waits are bounded by the caller's context.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrLockTimeout is returned when the context ends before the lock is acquired.
var ErrLockTimeout = errors.New("keylock: lock wait timed out")

// Locker acquires a lock on a key. The returned function releases it and
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LockAll acquires every key in sorted order, so two callers locking
// overlapping sets cannot deadlock. Duplicates are locked once.
func LockAll(ctx context.Context, l Locker, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for i, k := range sorted {
		if i > 0 && sorted[i-1] == k {
			continue
		}
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Bounded caps every wait on the wrapped Locker, so a holder that never
// releases cannot block callers whose own context has no deadline.
type Bounded struct {
	Locker
	timeout time.Duration
}

// WithTimeout bounds each Lock wait on l by timeout. A non-positive timeout
// returns l unchanged.
func WithTimeout(l Locker, timeout time.Duration) Locker {
	if timeout <= 0 {
		return l
	}
	return &Bounded{Locker: l, timeout: timeout}
}

func (b *Bounded) Lock(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Locker.Lock(ctx, key)
}

// Local is an in-process Locker. Each key has a one-slot semaphore that is
// dropped when no goroutine holds or waits for it.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// MarketKey is the lock key serialising all writes to one market.
func MarketKey(contractID string) string { return "market:" + contractID }
