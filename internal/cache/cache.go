// Package cache provides a small keyed TTL cache with a get-or-refresh
// contract, independent of what it stores.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	refreshed time.Time
}

// TTL caches values by string key for a fixed duration. Expired or
// missing entries are repopulated through the loader passed to
// GetOrRefresh. Safe for concurrent use.
type TTL[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]

	// now is swapped in tests to drive expiry deterministically.
	now func() time.Time
}

func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// GetOrRefresh returns the cached value for key, invoking loader when
// the entry is absent or older than the TTL. A loader failure leaves
// any stale entry in place and surfaces the error.
func (c *TTL[V]) GetOrRefresh(ctx context.Context, key string, loader func(context.Context, string) (V, error)) (V, error) {
	c.mu.Lock()
	cached, ok := c.entries[key]
	fresh := ok && c.now().Sub(cached.refreshed) < c.ttl
	c.mu.Unlock()

	if fresh {
		return cached.value, nil
	}

	value, err := loader(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, refreshed: c.now()}
	c.mu.Unlock()

	return value, nil
}

// Put stores a value directly, stamping it with the current time.
func (c *TTL[V]) Put(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, refreshed: c.now()}
	c.mu.Unlock()
}

// Len reports the number of entries, expired ones included.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
