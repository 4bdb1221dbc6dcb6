package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"burnbin/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"

type SQLite struct {
	breaker
	db           *sql.DB
	path         string
	memory       bool
	queryTimeout time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	memory := path == ":memory:"
	dsn := path
	if !memory && !strings.Contains(path, "?") {
		dsn = path + "?" + sqliteParams
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		configurePool(db, opts)
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		path:         path,
		memory:       memory,
		queryTimeout: opts.QueryTimeout,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		max_views INTEGER,
		views_used INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, created_at, expires_at, max_views, views_used)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q, pasteArgs(p)...)
	s.recordError(err)
	return errors.Wrap(err, "db create")
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, content, created_at, expires_at, max_views, views_used
	FROM pastes WHERE id = ?
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

func (s *SQLite) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET views_used = views_used + 1
	WHERE id = ?
		AND (expires_at IS NULL OR expires_at > ?)
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

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// CleanupExpired deletes pastes that can never be served again.
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	q := `
	DELETE FROM pastes
	WHERE id IN (
		SELECT id FROM pastes
		WHERE (expires_at IS NOT NULL AND expires_at <= ?)
			OR (max_views IS NOT NULL AND views_used >= max_views)
		LIMIT ?
	)
	`
	return deleteInBatches(ctx, s.db, &s.breaker, s.queryTimeout, q, now.UnixMilli())
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
