package db

import (
	"context"
	"database/sql"
	"time"

	"burnbin/pkg/domain"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// MySQL has no UPDATE ... RETURNING, so Consume runs the conditional update
// and the read-back inside one transaction. The row lock taken by the update
// is held until commit.
type MySQL struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
}

func NewMySQL(ctx context.Context, dsn string, opts Options) (*MySQL, error) {
	opts = opts.withDefaults()
	conf, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	if conf.Timeout == 0 {
		conf.Timeout = opts.QueryTimeout
	}
	db, err := sql.Open("mysql", conf.FormatDSN())
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
	m := newMySQLDB(db, opts)
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return m, nil
}

func newMySQLDB(db *sql.DB, opts Options) *MySQL {
	return &MySQL{db: db, queryTimeout: opts.withDefaults().QueryTimeout}
}

func (s *MySQL) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id VARCHAR(32) NOT NULL PRIMARY KEY,
		content LONGTEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NULL,
		max_views INT NULL,
		views_used INT NOT NULL DEFAULT 0,
		INDEX idx_pastes_expires_at (expires_at)
	) CHARACTER SET utf8mb4
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *MySQL) Create(ctx context.Context, p *domain.Paste) error {
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

func (s *MySQL) Get(ctx context.Context, id string) (*domain.Paste, error) {
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

func (s *MySQL) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := s.consumeTx(queryCtx, id, now.UnixMilli())
	s.recordError(err)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "db consume")
	}
	return p, nil
}

func (s *MySQL) consumeTx(ctx context.Context, id string, nowMs int64) (*domain.Paste, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `
	UPDATE pastes SET views_used = views_used + 1
	WHERE id = ?
		AND (expires_at IS NULL OR expires_at > ?)
		AND (max_views IS NULL OR views_used < max_views)
	`, id, nowMs)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrPasteNotFound
	}
	p, err := scanPaste(tx.QueryRowContext(ctx, `
	SELECT id, content, created_at, expires_at, max_views, views_used
	FROM pastes WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *MySQL) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *MySQL) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	q := `
	DELETE FROM pastes
	WHERE (expires_at IS NOT NULL AND expires_at <= ?)
		OR (max_views IS NOT NULL AND views_used >= max_views)
	LIMIT ?
	`
	return deleteInBatches(ctx, s.db, &s.breaker, s.queryTimeout, q, now.UnixMilli())
}

func (s *MySQL) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *MySQL) Close() error {
	return s.db.Close()
}
