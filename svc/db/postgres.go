package db

import (
	"context"
	"database/sql"
	"time"

	"burnbin/pkg/domain"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type Postgres struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	configurePool(db, opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	p := newPostgresDB(db, opts)
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}

func newPostgresDB(db *sql.DB, opts Options) *Postgres {
	return &Postgres{db: db, queryTimeout: opts.withDefaults().QueryTimeout}
}

func (s *Postgres) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT,
		max_views INTEGER,
		views_used INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *Postgres) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, created_at, expires_at, max_views, views_used)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(queryCtx, q, pasteArgs(p)...)
	s.recordError(err)
	return errors.Wrap(err, "db create")
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, content, created_at, expires_at, max_views, views_used
	FROM pastes WHERE id = $1
	`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

func (s *Postgres) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET views_used = views_used + 1
	WHERE id = $1
		AND (expires_at IS NULL OR expires_at > $2)
		AND (max_views IS NULL OR views_used < max_views)
	RETURNING id, content, created_at, expires_at, max_views, views_used
	`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id, now.UnixMilli()))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db consume")
	}
	return p, nil
}

func (s *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(queryCtx, `SELECT EXISTS(SELECT 1 FROM pastes WHERE id = $1)`, id).Scan(&exists)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists, nil
}

func (s *Postgres) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	q := `
	DELETE FROM pastes
	WHERE id IN (
		SELECT id FROM pastes
		WHERE (expires_at IS NOT NULL AND expires_at <= $1)
			OR (max_views IS NOT NULL AND views_used >= max_views)
		LIMIT $2
	)
	`
	return deleteInBatches(ctx, s.db, &s.breaker, s.queryTimeout, q, now.UnixMilli())
}

func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}
