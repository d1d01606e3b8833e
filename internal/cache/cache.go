// Package cache is a keyed store of derived display views with a fixed TTL.
// Entries are not kept coherent with their source beyond the TTL.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultTTL is how long an entry stays valid.
const DefaultTTL = 30 * time.Minute

// Cache holds values of type V keyed by string.
type Cache[V any] struct {
	c   *ristretto.Cache[string, V]
	ttl time.Duration
}

// New creates a cache whose entries expire after ttl. A non-positive ttl
// selects DefaultTTL.
func New[V any](ttl time.Duration) (*Cache[V], error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	return &Cache[V]{c: c, ttl: ttl}, nil
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.c.Get(key)
}

// Set stores value under key. The write is visible to Get once Set returns.
func (c *Cache[V]) Set(key string, value V) {
	c.c.SetWithTTL(key, value, 1, c.ttl)
	c.c.Wait()
}

// Delete drops a single entry.
func (c *Cache[V]) Delete(key string) {
	c.c.Del(key)
}

// Clear invalidates every entry.
func (c *Cache[V]) Clear() {
	c.c.Clear()
}

// TTL returns the entry lifetime.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Close releases the cache's background goroutines.
func (c *Cache[V]) Close() {
	c.c.Close()
}
