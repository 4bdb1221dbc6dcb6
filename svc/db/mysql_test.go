package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"burnbin/pkg/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockMySQL(t *testing.T) (*MySQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newMySQLDB(db, Options{}), mock
}

func TestMySQLConsume(t *testing.T) {
	s, mock := newMockMySQL(t)
	now := time.UnixMilli(1_700_000_005_000)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE pastes SET views_used = views_used + 1 WHERE id = ? AND (expires_at IS NULL OR expires_at > ?) AND (max_views IS NULL OR views_used < max_views)")).
		WithArgs("mymymymymy1", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, content, created_at, expires_at, max_views, views_used FROM pastes WHERE id = \\?").
		WithArgs("mymymymymy1").
		WillReturnRows(sqlmock.NewRows(pasteColumns).AddRow("mymymymymy1", "hi", int64(1_700_000_000_000), nil, int64(1), int64(1)))
	mock.ExpectCommit()

	p, err := s.Consume(context.Background(), "mymymymymy1", now)
	require.NoError(t, err)
	assert.Equal(t, "hi", p.Content)
	assert.Nil(t, p.ExpiresAt)
	assert.Equal(t, 0, *p.RemainingViews())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConsumeNotServable(t *testing.T) {
	s, mock := newMockMySQL(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE pastes SET views_used").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.Consume(context.Background(), "mymymymymy1", time.Now())
	assert.Equal(t, domain.ErrPasteNotFound, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConsumeUpdateError(t *testing.T) {
	s, mock := newMockMySQL(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE pastes SET views_used").
		WillReturnError(errors.New("Deadlock found when trying to get lock"))
	mock.ExpectRollback()

	_, err := s.Consume(context.Background(), "mymymymymy1", time.Now())
	require.Error(t, err)
	assert.Equal(t, 500, domain.Status(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreateAndExists(t *testing.T) {
	s, mock := newMockMySQL(t)
	created := time.UnixMilli(1_700_000_000_000)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pastes (id, content, created_at, expires_at, max_views, views_used) VALUES (?, ?, ?, ?, ?, ?)")).
		WithArgs("mymymymymy1", "hi", created.UnixMilli(), nil, nil, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM pastes WHERE id = ? LIMIT 1")).
		WithArgs("mymymymymy2").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	require.NoError(t, s.Create(context.Background(), &domain.Paste{ID: "mymymymymy1", Content: "hi", CreatedAt: created}))
	ok, err := s.Exists(context.Background(), "mymymymymy2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCleanupBatches(t *testing.T) {
	s, mock := newMockMySQL(t)
	now := time.UnixMilli(1_700_000_000_000)
	mock.ExpectExec("DELETE FROM pastes WHERE").
		WithArgs(now.UnixMilli(), cleanupBatch).
		WillReturnResult(sqlmock.NewResult(0, cleanupBatch))
	mock.ExpectExec("DELETE FROM pastes WHERE").
		WithArgs(now.UnixMilli(), cleanupBatch).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.CleanupExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, cleanupBatch+12, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
