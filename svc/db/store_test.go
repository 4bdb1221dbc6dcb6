package db

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"burnbin/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@db/burnbin":      "postgres",
		"postgresql://db/burnbin":        "postgres",
		"mysql://u:p@tcp(db:3306)/bb":    "mysql",
		"sqlite:///var/lib/burnbin.db":   "sqlite",
		"burnbin.db":                     "sqlite",
		":memory:":                       "sqlite",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, Backend(dsn), dsn)
	}
}

func TestOpenSQLitePrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefixed.db")
	s, err := Open(context.Background(), "sqlite://"+path, Options{})
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*SQLite)
	assert.True(t, ok)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenBadMySQLDSN(t *testing.T) {
	_, err := Open(context.Background(), "mysql://not a dsn", Options{})
	assert.Error(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{MaxIdleConns: 50}.withDefaults()
	assert.Equal(t, defaultMaxOpenConns, o.MaxOpenConns)
	assert.Equal(t, defaultMaxIdleConns, o.MaxIdleConns)
	assert.Equal(t, defaultQueryTimeout, o.QueryTimeout)
}

func TestHandleLazyRetry(t *testing.T) {
	var attempts int32
	var fail atomic.Bool
	fail.Store(true)
	memOpen := func(ctx context.Context, dsn string, opts Options) (Store, error) {
		atomic.AddInt32(&attempts, 1)
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return NewSQLite(ctx, ":memory:", opts)
	}

	h := newHandle(context.Background(), ":memory:", Options{}, memOpen)
	defer h.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	assert.Error(t, h.Ping(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "retry is rate limited")

	fail.Store(false)
	h.mu.Lock()
	h.lastTry = time.Now().Add(-handleRetryInterval)
	h.mu.Unlock()

	require.NoError(t, h.Ping(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.Create(ctx, &domain.Paste{ID: "handlehandl", Content: "x", CreatedAt: now}))
	ok, err := h.Exists(ctx, "handlehandl")
	require.NoError(t, err)
	assert.True(t, ok)
	p, err := h.Consume(ctx, "handlehandl", now)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ViewsUsed)
	p, err = h.Get(ctx, "handlehandl")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ViewsUsed)
	_, err = h.CleanupExpired(ctx, now)
	assert.NoError(t, err)
}

func TestHandleClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handle.db")
	h := NewHandle(context.Background(), path, Options{})
	require.NoError(t, h.Ping(context.Background()))
	require.NoError(t, h.Close())
	assert.Error(t, h.Ping(context.Background()))
	assert.NoError(t, h.Close(), "second close is a no-op")
}
