package constraint_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/constraint"
	"github.com/GoCodeAlone/onlinemigrate/naming"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
	"github.com/GoCodeAlone/onlinemigrate/session/sessiontest"
)

type fixture struct {
	mock    sqlmock.Sqlmock
	lc      *constraint.Lifecycle
	notices []observability.Notice
}

func newFixture(t *testing.T, registry *catalog.Registry, opts ...session.Option) *fixture {
	t.Helper()
	s, mock := sessiontest.New(t, opts...)
	f := &fixture{mock: mock}
	f.lc = constraint.NewLifecycle(s, catalog.NewInspector(s, registry), func(n observability.Notice) {
		f.notices = append(f.notices, n)
	})
	return f
}

func (f *fixture) expectState(validated any) {
	rows := sqlmock.NewRows([]string{"convalidated"})
	if validated != nil {
		rows.AddRow(validated)
	}
	f.mock.ExpectQuery(sessiontest.Q("FROM pg_catalog.pg_constraint")).WillReturnRows(rows)
}

func (f *fixture) expectExec(sql string) *sqlmock.ExpectedExec {
	return f.mock.ExpectExec(sessiontest.Q(sql)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func priceCheck() constraint.Spec {
	spec := constraint.CheckSpec("products", "price > 0")
	spec.Name = "chk_price"
	return spec
}

func TestLifecycle_AddAndValidate(t *testing.T) {
	f := newFixture(t, nil)
	f.expectState(nil)
	f.expectExec(`ALTER TABLE "products" ADD CONSTRAINT "chk_price" CHECK (price > 0) NOT VALID`)
	sessiontest.ExpectTimeoutGuard(f.mock, "30s")
	f.expectExec(`ALTER TABLE "products" VALIDATE CONSTRAINT "chk_price"`)
	sessiontest.ExpectTimeoutRestore(f.mock, "30s")

	outcome, err := f.lc.Add(context.Background(), priceCheck(), true)
	require.NoError(t, err)
	assert.Equal(t, observability.Applied, outcome)
	assert.Empty(t, f.notices)
}

func TestLifecycle_AddWithoutValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.expectState(nil)
	f.expectExec(`CHECK (price > 0) NOT VALID`)

	outcome, err := f.lc.Add(context.Background(), priceCheck(), false)
	require.NoError(t, err)
	assert.Equal(t, observability.Applied, outcome)
}

func TestLifecycle_AddExistingIsNotice(t *testing.T) {
	f := newFixture(t, nil)
	f.expectState(true)

	outcome, err := f.lc.Add(context.Background(), priceCheck(), true)
	require.NoError(t, err)
	assert.Equal(t, observability.AlreadyApplied, outcome)
	require.Len(t, f.notices, 1)
	assert.Equal(t, "chk_price", f.notices[0].Object)
}

func TestLifecycle_AddExistingUnvalidatedValidates(t *testing.T) {
	f := newFixture(t, nil)
	f.expectState(false)
	sessiontest.ExpectTimeoutGuard(f.mock, "0")
	f.expectExec(`VALIDATE CONSTRAINT "chk_price"`)
	sessiontest.ExpectTimeoutRestore(f.mock, "0")

	outcome, err := f.lc.Add(context.Background(), priceCheck(), true)
	require.NoError(t, err)
	assert.Equal(t, observability.Applied, outcome)
	assert.Len(t, f.notices, 1)
}

func TestLifecycle_ValidateStates(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		f := newFixture(t, nil)
		f.expectState(nil)
		_, err := f.lc.Validate(context.Background(), priceCheck())
		assert.ErrorIs(t, err, constraint.ErrConstraintNotFound)
	})
	t.Run("validated", func(t *testing.T) {
		f := newFixture(t, nil)
		f.expectState(true)
		outcome, err := f.lc.Validate(context.Background(), priceCheck())
		require.NoError(t, err)
		assert.Equal(t, observability.AlreadyApplied, outcome)
	})
}

func TestLifecycle_ValidateViolationRestoresTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.expectState(false)
	sessiontest.ExpectTimeoutGuard(f.mock, "5s")
	violation := &pgconn.PgError{Code: "23514", Message: `check constraint "chk_price" is violated by some row`}
	f.mock.ExpectExec(sessiontest.Q("VALIDATE CONSTRAINT")).WillReturnError(violation)
	sessiontest.ExpectTimeoutRestore(f.mock, "5s")

	_, err := f.lc.Validate(context.Background(), priceCheck())
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "23514", pgErr.Code)
}

func TestLifecycle_Remove(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		f := newFixture(t, nil)
		f.expectState(nil)
		outcome, err := f.lc.Remove(context.Background(), priceCheck())
		require.NoError(t, err)
		assert.Equal(t, observability.AlreadyApplied, outcome)
		assert.Len(t, f.notices, 1)
	})
	t.Run("present", func(t *testing.T) {
		f := newFixture(t, nil)
		f.expectState(false)
		f.expectExec(`ALTER TABLE "products" DROP CONSTRAINT "chk_price"`)
		outcome, err := f.lc.Remove(context.Background(), priceCheck())
		require.NoError(t, err)
		assert.Equal(t, observability.Applied, outcome)
	})
}

func TestLifecycle_RejectsShadowedTable(t *testing.T) {
	f := newFixture(t, catalog.NewRegistry().RenameTable("clients", "users"))

	_, err := f.lc.Add(context.Background(), constraint.CheckSpec("clients", "age > 0"), true)
	assert.ErrorIs(t, err, catalog.ErrViewShadowed)
}

func TestLifecycle_ForeignKey(t *testing.T) {
	f := newFixture(t, nil)
	spec := constraint.ForeignKeySpec("orders", "user_id", "users")
	spec.OnDelete = "cascade"
	name := naming.ForeignKey("orders", "user_id")

	f.expectState(nil)
	f.expectExec(`ALTER TABLE "orders" ADD CONSTRAINT "` + name + `" FOREIGN KEY ("user_id") REFERENCES "users" ("id") ON DELETE CASCADE NOT VALID`)

	outcome, err := f.lc.Add(context.Background(), spec, false)
	require.NoError(t, err)
	assert.Equal(t, observability.Applied, outcome)
	assert.Equal(t, name, spec.ConstraintName())
}

func TestLifecycle_ForeignKeyInvalidOnDelete(t *testing.T) {
	f := newFixture(t, nil)
	spec := constraint.ForeignKeySpec("orders", "user_id", "users")
	spec.OnDelete = "explode"

	_, err := f.lc.Add(context.Background(), spec, false)
	assert.ErrorIs(t, err, constraint.ErrInvalidOnDelete)
}

func TestSpec_DerivedNameStable(t *testing.T) {
	a := constraint.CheckSpec("products", "price > 0")
	b := constraint.CheckSpec("products", "price > 0")
	assert.Equal(t, a.ConstraintName(), b.ConstraintName())
	assert.Equal(t, naming.CheckConstraint("products", "price > 0"), a.ConstraintName())
}
