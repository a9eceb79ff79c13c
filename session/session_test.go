package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/onlinemigrate/session"
	"github.com/GoCodeAlone/onlinemigrate/session/sessiontest"
)

func TestSession_ServerVersionCached(t *testing.T) {
	s, mock := sessiontest.New(t)
	ctx := context.Background()

	mock.ExpectQuery(sessiontest.Q("SHOW server_version_num")).
		WillReturnRows(sqlmock.NewRows([]string{"server_version_num"}).AddRow(150004))

	v, err := s.ServerVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150004, v)

	// Second call must not hit the database.
	v, err = s.ServerVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150004, v)
}

func TestSession_TargetVersionOverride(t *testing.T) {
	s, _ := sessiontest.New(t, session.WithTargetVersion(110000))

	v, err := s.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 110000, v)
}

func TestSession_TransactionCommits(t *testing.T) {
	s, mock := sessiontest.New(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(sessiontest.Q(`ALTER TABLE "a" RENAME TO "b"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		assert.True(t, tx.InTransaction())
		assert.ErrorIs(t, tx.RequireNoTransaction("backfill"), session.ErrInTransaction)
		_, err := tx.Exec(ctx, `ALTER TABLE "a" RENAME TO "b"`)
		return err
	})
	require.NoError(t, err)
	assert.False(t, s.InTransaction())
}

func TestSession_TransactionRollsBackOnError(t *testing.T) {
	s, mock := sessiontest.New(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.Transaction(context.Background(), func(context.Context, *session.Session) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestSession_TransactionRollsBackOnPanic(t *testing.T) {
	s, mock := sessiontest.New(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "interrupted", func() {
		_ = s.Transaction(context.Background(), func(context.Context, *session.Session) error {
			panic("interrupted")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_RequireNoTransaction(t *testing.T) {
	s, _ := sessiontest.New(t)
	assert.NoError(t, s.RequireNoTransaction("add index"))
}
