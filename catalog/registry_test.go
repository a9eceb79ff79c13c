package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_TableRename(t *testing.T) {
	r := NewRegistry().RenameTable("clients", "users")

	assert.Equal(t, "users", r.PhysicalTable("clients"))
	assert.Equal(t, "users", r.PhysicalTable("users"))
	assert.True(t, r.Shadowed("clients"))
	assert.False(t, r.Shadowed("users"))
	assert.ErrorIs(t, r.CheckStructural("clients"), ErrViewShadowed)
	assert.NoError(t, r.CheckStructural("users"))
}

func TestRegistry_ColumnRename(t *testing.T) {
	r := NewRegistry().RenameColumn("users", "name", "first_name")

	assert.Equal(t, "users_column_rename", r.PhysicalTable("users"))
	assert.Equal(t, "name", r.PhysicalColumn("users", "first_name"))
	assert.Equal(t, "email", r.PhysicalColumn("users", "email"))
	assert.ErrorIs(t, r.CheckStructural("users"), ErrViewShadowed)

	r.Forget("users")
	assert.Equal(t, "users", r.PhysicalTable("users"))
	assert.NoError(t, r.CheckStructural("users"))
}

func TestRegistry_Nil(t *testing.T) {
	var r *Registry
	assert.Equal(t, "users", r.PhysicalTable("users"))
	assert.Equal(t, "id", r.PhysicalColumn("users", "id"))
	assert.NoError(t, r.CheckStructural("users"))
}

func TestRegclass(t *testing.T) {
	assert.Equal(t, `"users"`, Regclass("users"))
	assert.Equal(t, `"public"."users"`, Regclass("public.users"))
	assert.Equal(t, `"we""ird"`, Regclass(`we"ird`))
}
