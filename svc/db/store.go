package db

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"burnbin/pkg/domain"
	"burnbin/svc/util"

	"github.com/pkg/errors"
)

// Store persists pastes. Consume is the only read path that serves content:
// it applies the expiry and view-budget checks and counts the view in one
// atomic step, so a paste can never be shown more often than allowed.
type Store interface {
	Create(ctx context.Context, p *domain.Paste) error
	// Get returns the stored row without touching the view counter.
	Get(ctx context.Context, id string) (*domain.Paste, error)
	// Consume returns domain.ErrPasteNotFound for missing, expired and
	// exhausted pastes alike.
	Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second
	cleanupBatch        = 100
	cleanupMaxBatches   = 10000
)

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.MaxIdleConns < 0 || o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = defaultMaxIdleConns
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	return o
}

// Open picks a backend from the DSN: postgres:// and postgresql:// go to
// Postgres, mysql:// to MySQL, anything else is a SQLite path with an
// optional sqlite:// prefix.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	opts = opts.withDefaults()
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn, opts)
	case strings.HasPrefix(dsn, "mysql://"):
		return NewMySQL(ctx, strings.TrimPrefix(dsn, "mysql://"), opts)
	default:
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), opts)
	}
}

// Backend names the driver Open would use for dsn.
func Backend(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql"
	default:
		return "sqlite"
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPaste reads the column order
// id, content, created_at, expires_at, max_views, views_used.
// Timestamps are stored as Unix milliseconds.
func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		createdAt int64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Content, &createdAt, &expiresAt, &maxViews, &p.ViewsUsed); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	if expiresAt.Valid {
		exp := time.UnixMilli(expiresAt.Int64).UTC()
		p.ExpiresAt = &exp
	}
	if maxViews.Valid {
		mv := int(maxViews.Int64)
		p.MaxViews = &mv
	}
	return &p, nil
}

func pasteArgs(p *domain.Paste) []any {
	var expiresAt, maxViews any
	if p.ExpiresAt != nil {
		expiresAt = p.ExpiresAt.UnixMilli()
	}
	if p.MaxViews != nil {
		maxViews = int64(*p.MaxViews)
	}
	return []any{p.ID, p.Content, p.CreatedAt.UnixMilli(), expiresAt, maxViews, int64(p.ViewsUsed)}
}

func configurePool(db *sql.DB, opts Options) {
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
}

// deleteInBatches runs q, which takes (now, limit), until a round deletes
// fewer than cleanupBatch rows so the write lock is released between rounds.
func deleteInBatches(ctx context.Context, db *sql.DB, b *breaker, timeout time.Duration, q string, nowMs int64) (int, error) {
	totalDeleted := 0
	for i := 0; i < cleanupMaxBatches; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := db.ExecContext(queryCtx, q, nowMs, cleanupBatch)
		cancel()
		b.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < cleanupBatch {
			return totalDeleted, nil
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}

const handleRetryInterval = 5 * time.Second

// Handle owns the process store. The first open happens eagerly; if it
// fails the service still starts and every later call retries the open, at
// most once per handleRetryInterval, until one succeeds.
type Handle struct {
	dsn     string
	opts    Options
	open    func(ctx context.Context, dsn string, opts Options) (Store, error)
	mu      sync.Mutex
	store   Store
	lastTry time.Time
	lastErr error
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// maintainer is implemented by stores that need a background loop for as
// long as they are open.
type maintainer interface {
	Maintain(ctx context.Context)
}

func NewHandle(ctx context.Context, dsn string, opts Options) *Handle {
	return newHandle(ctx, dsn, opts, Open)
}

func newHandle(ctx context.Context, dsn string, opts Options, open func(context.Context, string, Options) (Store, error)) *Handle {
	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{dsn: dsn, opts: opts, open: open, ctx: hctx, cancel: cancel}
	if _, err := h.current(ctx); err != nil {
		util.Error().Err(err).Str("dsn", util.RedactDSN(dsn)).Msg("initial store open failed, will retry lazily")
	}
	return h
}

func (h *Handle) current(ctx context.Context) (Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("store handle closed")
	}
	if h.store != nil {
		return h.store, nil
	}
	if !h.lastTry.IsZero() && time.Since(h.lastTry) < handleRetryInterval {
		return nil, errors.Wrap(h.lastErr, "store unavailable")
	}
	h.lastTry = time.Now()
	s, err := h.open(ctx, h.dsn, h.opts)
	if err != nil {
		h.lastErr = err
		return nil, errors.Wrap(err, "open store")
	}
	h.store = s
	h.lastErr = nil
	util.Info().Str("backend", Backend(h.dsn)).Str("dsn", util.RedactDSN(h.dsn)).Msg("store opened")
	if m, ok := s.(maintainer); ok {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			m.Maintain(h.ctx)
		}()
	}
	return s, nil
}

func (h *Handle) Create(ctx context.Context, p *domain.Paste) error {
	s, err := h.current(ctx)
	if err != nil {
		return err
	}
	return s.Create(ctx, p)
}

func (h *Handle) Get(ctx context.Context, id string) (*domain.Paste, error) {
	s, err := h.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (h *Handle) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	s, err := h.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.Consume(ctx, id, now)
}

func (h *Handle) Exists(ctx context.Context, id string) (bool, error) {
	s, err := h.current(ctx)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, id)
}

func (h *Handle) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	s, err := h.current(ctx)
	if err != nil {
		return 0, err
	}
	return s.CleanupExpired(ctx, now)
}

func (h *Handle) Ping(ctx context.Context) error {
	s, err := h.current(ctx)
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

// Close stops background maintenance and closes the store. Calls made
// afterwards fail, which is what liveness checks report during shutdown.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	s := h.store
	h.store = nil
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	if s == nil {
		return nil
	}
	return s.Close()
}
