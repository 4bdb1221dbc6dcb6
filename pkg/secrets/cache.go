package secrets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache memoises secret lookups for ttl. Concurrent misses for the same key
// share one provider call.
type Cache struct {
	provider Provider
	ttl      time.Duration
	group    singleflight.Group
	mu       sync.RWMutex
	entries  map[string]cachedSecret
	now      func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewCache(p Provider, ttl time.Duration) *Cache {
	return &Cache{
		provider: p,
		ttl:      ttl,
		entries:  make(map[string]cachedSecret),
		now:      time.Now,
	}
}

func (c *Cache) GetSecret(ctx context.Context, key string) (string, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := c.provider.GetSecret(ctx, key)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[key] = cachedSecret{value: v, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Cache) lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

// Purge drops every cached value.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedSecret)
}
