package index_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/index"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
	"github.com/GoCodeAlone/onlinemigrate/session/sessiontest"
)

func newLifecycle(t *testing.T, s *session.Session, registry *catalog.Registry) (*index.Lifecycle, *[]observability.Notice) {
	t.Helper()
	var notices []observability.Notice
	lc := index.NewLifecycle(s, catalog.NewInspector(s, registry), func(n observability.Notice) {
		notices = append(notices, n)
	})
	return lc, &notices
}

func expectIndexState(mock sqlmock.Sqlmock, valid any) {
	rows := sqlmock.NewRows([]string{"indisvalid"})
	if valid != nil {
		rows.AddRow(valid)
	}
	mock.ExpectQuery(sessiontest.Q("FROM pg_catalog.pg_index")).WillReturnRows(rows)
}

func emailIndex() index.Spec {
	return index.Spec{Table: "users", Columns: []string{"email"}, Unique: true, Concurrently: true}
}

func TestLifecycle_AddCreatesConcurrently(t *testing.T) {
	s, mock := sessiontest.New(t)
	lc, notices := newLifecycle(t, s, nil)

	expectIndexState(mock, nil)
	sessiontest.ExpectTimeoutGuard(mock, "10s")
	mock.ExpectExec(sessiontest.Q(`CREATE UNIQUE INDEX CONCURRENTLY "index_users_on_email" ON "users" ("email")`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sessiontest.ExpectTimeoutRestore(mock, "10s")

	outcome, err := lc.Add(context.Background(), emailIndex())
	require.NoError(t, err)
	assert.Equal(t, observability.Applied, outcome)
	assert.Empty(t, *notices)
}

func TestLifecycle_AddValidIsNotice(t *testing.T) {
	s, mock := sessiontest.New(t)
	lc, notices := newLifecycle(t, s, nil)
	expectIndexState(mock, true)

	outcome, err := lc.Add(context.Background(), emailIndex())
	require.NoError(t, err)
	assert.Equal(t, observability.AlreadyApplied, outcome)
	assert.Len(t, *notices, 1)
}

func TestLifecycle_AddRecreatesInvalid(t *testing.T) {
	s, mock := sessiontest.New(t)
	lc, notices := newLifecycle(t, s, nil)

	expectIndexState(mock, false)
	sessiontest.ExpectTimeoutGuard(mock, "0")
	mock.ExpectExec(sessiontest.Q(`DROP INDEX CONCURRENTLY IF EXISTS "index_users_on_email"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(sessiontest.Q(`CREATE UNIQUE INDEX CONCURRENTLY "index_users_on_email"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sessiontest.ExpectTimeoutRestore(mock, "0")

	outcome, err := lc.Add(context.Background(), emailIndex())
	require.NoError(t, err)
	assert.Equal(t, observability.Recreated, outcome)
	require.Len(t, *notices, 1)
	assert.Equal(t, observability.Recreated, (*notices)[0].Outcome)
}

func TestLifecycle_AddPartialWithMethod(t *testing.T) {
	s, mock := sessiontest.New(t)
	lc, _ := newLifecycle(t, s, nil)

	spec := index.Spec{
		Table:   "events",
		Columns: []string{"payload"},
		Name:    "events_payload_gin",
		Using:   "GIN",
		Where:   "archived_at IS NULL",
	}
	expectIndexState(mock, nil)
	sessiontest.ExpectTimeoutGuard(mock, "0")
	mock.ExpectExec(sessiontest.Q(`CREATE INDEX "events_payload_gin" ON "events" USING gin ("payload") WHERE archived_at IS NULL`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sessiontest.ExpectTimeoutRestore(mock, "0")

	_, err := lc.Add(context.Background(), spec)
	require.NoError(t, err)
}

func TestLifecycle_ExpressionColumns(t *testing.T) {
	s, mock := sessiontest.New(t)
	lc, _ := newLifecycle(t, s, nil)

	spec := index.Spec{Table: "users", Columns: []string{"lower(email)"}, Name: "users_lower_email"}
	expectIndexState(mock, nil)
	sessiontest.ExpectTimeoutGuard(mock, "0")
	mock.ExpectExec(sessiontest.Q(`ON "users" (lower(email))`)).WillReturnResult(sqlmock.NewResult(0, 0))
	sessiontest.ExpectTimeoutRestore(mock, "0")

	_, err := lc.Add(context.Background(), spec)
	require.NoError(t, err)
}

func TestLifecycle_ConcurrentlyInsideTransaction(t *testing.T) {
	s, mock := sessiontest.New(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.Transaction(context.Background(), func(ctx context.Context, tx *session.Session) error {
		lc, _ := newLifecycle(t, tx, nil)
		_, err := lc.Add(ctx, emailIndex())
		return err
	})
	assert.ErrorIs(t, err, session.ErrInTransaction)
}

func TestLifecycle_Remove(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		s, mock := sessiontest.New(t)
		lc, notices := newLifecycle(t, s, nil)
		expectIndexState(mock, nil)

		outcome, err := lc.Remove(context.Background(), emailIndex())
		require.NoError(t, err)
		assert.Equal(t, observability.AlreadyApplied, outcome)
		assert.Len(t, *notices, 1)
	})
	t.Run("present in schema", func(t *testing.T) {
		s, mock := sessiontest.New(t)
		lc, _ := newLifecycle(t, s, nil)
		spec := index.Spec{Table: "app.users", Columns: []string{"email"}, Concurrently: true}

		expectIndexState(mock, true)
		sessiontest.ExpectTimeoutGuard(mock, "0")
		mock.ExpectExec(sessiontest.Q(`DROP INDEX CONCURRENTLY IF EXISTS "app"."index_users_on_email"`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		sessiontest.ExpectTimeoutRestore(mock, "0")

		outcome, err := lc.Remove(context.Background(), spec)
		require.NoError(t, err)
		assert.Equal(t, observability.Applied, outcome)
	})
}

func TestLifecycle_RejectsShadowedTable(t *testing.T) {
	s, _ := sessiontest.New(t)
	lc, _ := newLifecycle(t, s, catalog.NewRegistry().RenameColumn("users", "name", "first_name"))

	_, err := lc.Add(context.Background(), emailIndex())
	assert.ErrorIs(t, err, catalog.ErrViewShadowed)
}

func TestLifecycle_RejectsEmptyColumns(t *testing.T) {
	s, _ := sessiontest.New(t)
	lc, _ := newLifecycle(t, s, nil)

	_, err := lc.Add(context.Background(), index.Spec{Table: "users", Name: "x"})
	assert.ErrorIs(t, err, index.ErrInvalidSpec)
}
