// Package sessiontest provides sqlmock-backed sessions for statement-level
// tests of migration components.
package sessiontest

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/GoCodeAlone/onlinemigrate/session"
)

// New returns a session pinned to a sqlmock connection. Expectations are
// verified when the test finishes.
func New(t *testing.T, opts ...session.Option) (*session.Session, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := bun.NewDB(sqldb, pgdialect.New())
	s, err := session.New(context.Background(), db, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = s.Close()
		_ = db.Close()
	})
	return s, mock
}

// Q quotes a statement fragment for sqlmock's regexp matcher.
func Q(sql string) string {
	return regexp.QuoteMeta(sql)
}

// ExpectTimeoutGuard registers the statements issued by
// Session.WithoutStatementTimeout before the guarded function runs.
func ExpectTimeoutGuard(mock sqlmock.Sqlmock, previous string) {
	mock.ExpectQuery(Q("SHOW statement_timeout")).
		WillReturnRows(sqlmock.NewRows([]string{"statement_timeout"}).AddRow(previous))
	mock.ExpectExec(Q("SET statement_timeout TO 0")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

// ExpectTimeoutRestore registers the statement that restores the previous
// statement_timeout.
func ExpectTimeoutRestore(mock sqlmock.Sqlmock, previous string) {
	mock.ExpectExec(Q("SET statement_timeout TO '" + previous + "'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}
