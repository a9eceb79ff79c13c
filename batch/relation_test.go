package batch

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func newBunDB(t *testing.T) *bun.DB {
	t.Helper()
	sqldb, _, err := sqlmock.New()
	require.NoError(t, err)
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func int64p(v int64) *int64 { return &v }

func TestRelation_WhereIsImmutable(t *testing.T) {
	base := Table("users")
	narrowed := base.Where("? IS NULL", bun.Ident("email"))

	assert.Empty(t, base.preds)
	assert.Len(t, narrowed.preds, 1)
	assert.Equal(t, "users", narrowed.Name())
}

func TestRange_Apply(t *testing.T) {
	db := newBunDB(t)
	rel := Table("users").Where("? IS NULL", bun.Ident("email"))

	rng := Range{Lower: int64p(10), Upper: int64p(20)}
	sql := rng.Apply(rel, "id").Select(db).ColumnExpr("count(*)").String()

	assert.Contains(t, sql, `FROM "users"`)
	assert.Contains(t, sql, `"email" IS NULL`)
	assert.Contains(t, sql, `"id" > 10`)
	assert.Contains(t, sql, `"id" <= 20`)
}

func TestRange_ApplyInclusiveLower(t *testing.T) {
	db := newBunDB(t)
	rng := Range{Lower: int64p(10), Upper: int64p(20), InclusiveLower: true}
	sql := rng.Apply(Table("users"), "id").Select(db).ColumnExpr("count(*)").String()

	assert.Contains(t, sql, `"id" >= 10`)
}

func TestRange_String(t *testing.T) {
	assert.Equal(t, "(-inf, 20]", Range{Upper: int64p(20)}.String())
	assert.Equal(t, "(10, 20]", Range{Lower: int64p(10), Upper: int64p(20)}.String())
	assert.Equal(t, "[10, 20]", Range{Lower: int64p(10), Upper: int64p(20), InclusiveLower: true}.String())
}

func TestRelation_Update(t *testing.T) {
	db := newBunDB(t)
	rng := Range{Upper: int64p(5)}
	sql := rng.Apply(Table("users"), "id").Update(db).Set("? = ?", bun.Ident("status"), "active").String()

	assert.Contains(t, sql, `UPDATE "users"`)
	assert.Contains(t, sql, `SET "status" = 'active'`)
	assert.Contains(t, sql, `"id" <= 5`)
}
