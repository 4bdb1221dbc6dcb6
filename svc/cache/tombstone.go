package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tombstones remembers ids whose view budget is spent so repeat fetches
// skip the store. Only exhaustion is recorded: it cannot be undone, while
// expiry depends on whichever clock the request runs under.
type Tombstones struct {
	c   *lru.Cache[string, time.Time]
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
}

func NewTombstones(size int, ttl time.Duration) (*Tombstones, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	if ttl <= 0 {
		return nil, errors.New("tombstone ttl must be positive")
	}
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &Tombstones{c: c, ttl: ttl, now: time.Now}, nil
}

func (t *Tombstones) Has(ctx context.Context, id string) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.c.Get(id)
	if !ok {
		return false
	}
	if t.now().After(exp) {
		t.c.Remove(id)
		return false
	}
	return true
}

func (t *Tombstones) Mark(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Add(id, t.now().Add(t.ttl))
}

func (t *Tombstones) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Remove(id)
}

func (t *Tombstones) Len() int {
	return t.c.Len()
}
