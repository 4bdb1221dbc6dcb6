package lim

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	mu   sync.Mutex
	hits map[string]int
	err  error
}

func (f *fakeCounter) RateLimit(_ context.Context, key string, limit int, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.hits[key]++
	return f.hits[key], nil
}

func TestNewRejectsBadProxies(t *testing.T) {
	_, err := New(60, 5, 10, nil, []string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = New(60, 5, 10, nil, []string{"proxy.local"})
	assert.Error(t, err)
	_, err = New(0, 5, 10, nil, nil)
	assert.Error(t, err)
}

func TestLocalBurst(t *testing.T) {
	l, err := New(60, 3, 10, nil, nil)
	require.NoError(t, err)
	defer l.Stop()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	req := httptest.NewRequest("POST", "/pastes", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	for i := 0; i < 3; i++ {
		assert.True(t, l.CheckLimit(req, "create").Allowed, "request %d", i)
	}
	res := l.CheckLimit(req, "create")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	assert.True(t, l.CheckLimit(req, "view").Allowed, "endpoints are limited separately")

	other := httptest.NewRequest("POST", "/pastes", nil)
	other.RemoteAddr = "203.0.113.8:4000"
	assert.True(t, l.CheckLimit(other, "create").Allowed, "clients are limited separately")

	now = now.Add(time.Second)
	assert.True(t, l.CheckLimit(req, "create").Allowed, "one token refills per second at 60 rpm")
}

func TestSharedCounter(t *testing.T) {
	counter := &fakeCounter{hits: map[string]int{}}
	l, err := newLimiter(2, 1, 1, counter, nil)
	require.NoError(t, err)
	defer l.Stop()

	req := httptest.NewRequest("GET", "/pastes/x", nil)
	req.RemoteAddr = "198.51.100.1:1"
	first := l.CheckLimit(req, "view")
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.True(t, l.CheckLimit(req, "view").Allowed)
	assert.False(t, l.CheckLimit(req, "view").Allowed)
	assert.Equal(t, 3, counter.hits["view:198.51.100.1"])
}

func TestSharedCounterFailureFallsBack(t *testing.T) {
	counter := &fakeCounter{hits: map[string]int{}, err: errors.New("redis down")}
	l, err := newLimiter(600, 50, 2, counter, nil)
	require.NoError(t, err)
	defer l.Stop()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	req := httptest.NewRequest("GET", "/pastes/x", nil)
	req.RemoteAddr = "198.51.100.1:1"
	assert.True(t, l.CheckLimit(req, "view").Allowed)
	assert.True(t, l.CheckLimit(req, "view").Allowed)
	res := l.CheckLimit(req, "view")
	assert.False(t, res.Allowed, "conservative limit applies while the shared counter is down")
	assert.Equal(t, 2, res.Limit)
}

func TestEvictExpiredLimiters(t *testing.T) {
	l, err := New(60, 3, 10, nil, nil)
	require.NoError(t, err)
	defer l.Stop()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1"
	l.CheckLimit(req, "view")
	now = now.Add(limiterTTL + time.Second)
	l.evictExpiredLimiters()
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.localLimiters)
}

func TestGetRealIP(t *testing.T) {
	proxies := []string{"10.0.0.0/8", "127.0.0.1"}
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "203.0.113.5:1234", "", "203.0.113.5"},
		{"untrusted proxy header ignored", "203.0.113.5:1234", "198.51.100.1", "203.0.113.5"},
		{"trusted proxy", "10.1.2.3:1234", "198.51.100.1", "198.51.100.1"},
		{"chain of proxies", "127.0.0.1:1", "198.51.100.1, 10.0.0.2, 10.0.0.3", "198.51.100.1"},
		{"spoofed leftmost", "10.1.2.3:1", "6.6.6.6, 198.51.100.1", "198.51.100.1"},
		{"garbage entries", "10.1.2.3:1", "nonsense, 198.51.100.1", "198.51.100.1"},
		{"only proxies", "10.1.2.3:1", "10.0.0.2", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetRealIP(req, proxies))
		})
	}
}

func TestFromTrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:1"
	assert.True(t, FromTrustedProxy(req, []string{"10.0.0.0/8"}))
	assert.False(t, FromTrustedProxy(req, nil))
	req.RemoteAddr = "203.0.113.5:1"
	assert.False(t, FromTrustedProxy(req, []string{"10.0.0.0/8"}))
}
