package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"burnbin/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "burnbin.db")
	s, err := NewSQLite(context.Background(), path, Options{MaxOpenConns: 8, MaxIdleConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestSQLiteCreateGet(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_123).UTC()

	p := &domain.Paste{ID: "aaaaaaaaaaa", Content: "hello <b>world</b>", CreatedAt: created}
	require.NoError(t, s.Create(ctx, p))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Content, got.Content)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.MaxViews)
	assert.Equal(t, 0, got.ViewsUsed)

	_, err = s.Get(ctx, "missingmissi")
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)

	exists, err := s.Exists(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.Exists(ctx, "bbbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, s.Create(ctx, p), "duplicate id must fail")
}

func TestSQLiteConsumeViewBudget(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.Create(ctx, &domain.Paste{ID: "viewsviews2", Content: "x", CreatedAt: now, MaxViews: intPtr(2)}))

	p, err := s.Consume(ctx, "viewsviews2", now)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ViewsUsed)
	assert.Equal(t, 1, *p.RemainingViews())

	p, err = s.Consume(ctx, "viewsviews2", now)
	require.NoError(t, err)
	assert.Equal(t, 0, *p.RemainingViews())

	_, err = s.Consume(ctx, "viewsviews2", now)
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)

	stored, err := s.Get(ctx, "viewsviews2")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ViewsUsed, "failed consume must not count")
}

func TestSQLiteConsumeExpiry(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)
	exp := created.Add(10 * time.Second)

	require.NoError(t, s.Create(ctx, &domain.Paste{ID: "ttlttlttlt1", Content: "x", CreatedAt: created, ExpiresAt: &exp}))

	p, err := s.Consume(ctx, "ttlttlttlt1", created.Add(9*time.Second))
	require.NoError(t, err)
	require.NotNil(t, p.ExpiresAt)
	assert.Equal(t, exp.UnixMilli(), p.ExpiresAt.UnixMilli())

	_, err = s.Consume(ctx, "ttlttlttlt1", exp)
	assert.ErrorIs(t, err, domain.ErrPasteNotFound, "expiry instant is already expired")

	_, err = s.Consume(ctx, "ttlttlttlt1", created.Add(11*time.Second))
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
}

func TestSQLiteConsumeUnlimited(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Create(ctx, &domain.Paste{ID: "unlimited01", Content: "x", CreatedAt: now}))
	for i := 1; i <= 20; i++ {
		p, err := s.Consume(ctx, "unlimited01", now.Add(1000*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, i, p.ViewsUsed)
		assert.Nil(t, p.RemainingViews())
	}
}

func TestSQLiteConsumeConcurrentSingleView(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Create(ctx, &domain.Paste{ID: "onceonceonc", Content: "secret", CreatedAt: now, MaxViews: intPtr(1)}))

	var (
		wg        sync.WaitGroup
		successes int64
		notFound  int64
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, "onceonceonc", now)
			switch {
			case err == nil:
				atomic.AddInt64(&successes, 1)
			case err == domain.ErrPasteNotFound:
				atomic.AddInt64(&notFound, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), successes)
	assert.Equal(t, int64(31), notFound)
}

func TestSQLiteCleanupExpired(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	pastes := []*domain.Paste{
		{ID: "expiredpast", Content: "x", CreatedAt: now, ExpiresAt: timePtr(now.Add(-time.Second))},
		{ID: "expiresnow0", Content: "x", CreatedAt: now, ExpiresAt: timePtr(now)},
		{ID: "stillalive0", Content: "x", CreatedAt: now, ExpiresAt: timePtr(now.Add(time.Second))},
		{ID: "exhausted00", Content: "x", CreatedAt: now, MaxViews: intPtr(1), ViewsUsed: 1},
		{ID: "forever0000", Content: "x", CreatedAt: now},
	}
	for _, p := range pastes {
		require.NoError(t, s.Create(ctx, p))
	}

	n, err := s.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for id, want := range map[string]bool{
		"expiredpast": false,
		"expiresnow0": false,
		"exhausted00": false,
		"stillalive0": true,
		"forever0000": true,
	} {
		exists, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, exists, id)
	}
}

func TestSQLiteCleanupManyBatches(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	past := now.Add(-time.Minute)
	for i := 0; i < cleanupBatch*2+7; i++ {
		id := fmt.Sprintf("batch%06d", i)
		require.NoError(t, s.Create(ctx, &domain.Paste{ID: id, Content: "x", CreatedAt: past, ExpiresAt: &past}))
	}
	n, err := s.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, cleanupBatch*2+7, n)
}

func TestSQLiteMemory(t *testing.T) {
	s, err := NewSQLite(context.Background(), ":memory:", Options{})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &domain.Paste{ID: "memorymemor", Content: "x", CreatedAt: time.Now()}))
	_, err = s.Consume(ctx, "memorymemor", time.Now())
	require.NoError(t, err)
	assert.NoError(t, s.Ping(ctx))

	done := make(chan struct{})
	go func() {
		s.Maintain(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Maintain should return immediately for in-memory databases")
	}
}

func TestSQLiteWALCheckpoint(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Create(context.Background(), &domain.Paste{ID: "walwalwalwa", Content: "x", CreatedAt: time.Now()}))
	assert.NoError(t, performWALCheckpoint(context.Background(), s.DB()))
}

func TestSQLiteMaintainStopsOnCancel(t *testing.T) {
	s := newTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Maintain(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Maintain did not stop")
	}
}
