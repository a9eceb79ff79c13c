package migration

import (
	"context"

	"github.com/GoCodeAlone/onlinemigrate/constraint"
	"github.com/GoCodeAlone/onlinemigrate/index"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/rename"
)

// AddCheckConstraint adds a CHECK constraint as NOT VALID and validates it
// unless WithValidate(false) is passed.
func (m *Migrator) AddCheckConstraint(ctx context.Context, table, expression string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	spec := constraint.CheckSpec(table, expression)
	spec.Name = cfg.name
	return m.do(ctx, "add_check_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.constraints.Add(ctx, spec, cfg.validate)
	})
}

// ValidateCheckConstraint validates a CHECK constraint added without
// validation. The constraint is identified by expression or WithName.
func (m *Migrator) ValidateCheckConstraint(ctx context.Context, table, expression string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	spec := constraint.CheckSpec(table, expression)
	spec.Name = cfg.name
	return m.do(ctx, "validate_check_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.constraints.Validate(ctx, spec)
	})
}

// RemoveCheckConstraint drops a CHECK constraint.
func (m *Migrator) RemoveCheckConstraint(ctx context.Context, table, expression string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	spec := constraint.CheckSpec(table, expression)
	spec.Name = cfg.name
	return m.do(ctx, "remove_check_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.constraints.Remove(ctx, spec)
	})
}

// AddNotNullConstraint enforces NOT NULL on column through a check
// constraint.
func (m *Migrator) AddNotNullConstraint(ctx context.Context, table, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "add_not_null_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.notNull.Add(ctx, table, column, cfg.name, cfg.validate)
	})
}

// ValidateNotNullConstraint validates the NOT NULL check of column.
func (m *Migrator) ValidateNotNullConstraint(ctx context.Context, table, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "validate_not_null_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.notNull.Validate(ctx, table, column, cfg.name)
	})
}

// RemoveNotNullConstraint drops the NOT NULL check of column.
func (m *Migrator) RemoveNotNullConstraint(ctx context.Context, table, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "remove_not_null_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.notNull.Remove(ctx, table, column, cfg.name)
	})
}

// PromoteNotNullConstraint replaces a validated NOT NULL check with the
// native column property.
func (m *Migrator) PromoteNotNullConstraint(ctx context.Context, table, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "promote_not_null_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.notNull.Promote(ctx, table, column, cfg.name)
	})
}

// AddTextLimitConstraint limits column to limit characters.
func (m *Migrator) AddTextLimitConstraint(ctx context.Context, table, column string, limit int, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "add_text_limit_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.textLimit.Add(ctx, table, column, limit, cfg.name, cfg.validate)
	})
}

// ValidateTextLimitConstraint validates the length check of column.
func (m *Migrator) ValidateTextLimitConstraint(ctx context.Context, table, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "validate_text_limit_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.textLimit.Validate(ctx, table, column, cfg.name)
	})
}

// RemoveTextLimitConstraint drops the length check of column.
func (m *Migrator) RemoveTextLimitConstraint(ctx context.Context, table, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "remove_text_limit_constraint", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.textLimit.Remove(ctx, table, column, cfg.name)
	})
}

func (m *Migrator) foreignKeySpec(from, column, to string, cfg opConfig) constraint.Spec {
	spec := constraint.ForeignKeySpec(from, column, to)
	spec.Name = cfg.name
	spec.OnDelete = cfg.onDelete
	if cfg.refColumn != "" {
		spec.ReferencedColumn = cfg.refColumn
	}
	return spec
}

// AddForeignKey adds from.column REFERENCES to as NOT VALID and validates
// it unless WithValidate(false) is passed.
func (m *Migrator) AddForeignKey(ctx context.Context, from, column, to string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	spec := m.foreignKeySpec(from, column, to, cfg)
	return m.do(ctx, "add_foreign_key", from, func(ctx context.Context) (observability.Outcome, error) {
		return m.constraints.Add(ctx, spec, cfg.validate)
	})
}

// ValidateForeignKey validates a foreign key added without validation.
func (m *Migrator) ValidateForeignKey(ctx context.Context, from, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	spec := m.foreignKeySpec(from, column, "", cfg)
	return m.do(ctx, "validate_foreign_key", from, func(ctx context.Context) (observability.Outcome, error) {
		return m.constraints.Validate(ctx, spec)
	})
}

// RemoveForeignKey drops a foreign key.
func (m *Migrator) RemoveForeignKey(ctx context.Context, from, column string, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	spec := m.foreignKeySpec(from, column, "", cfg)
	return m.do(ctx, "remove_foreign_key", from, func(ctx context.Context) (observability.Outcome, error) {
		return m.constraints.Remove(ctx, spec)
	})
}

func (m *Migrator) indexSpec(table string, columns []string, cfg opConfig) index.Spec {
	return index.Spec{
		Table:        table,
		Columns:      columns,
		Name:         cfg.name,
		Unique:       cfg.unique,
		Where:        cfg.where,
		Using:        cfg.using,
		Concurrently: cfg.concurrently,
	}
}

// AddIndex creates an index, concurrently unless WithConcurrently(false).
func (m *Migrator) AddIndex(ctx context.Context, table string, columns []string, opts ...OpOption) (observability.Outcome, error) {
	spec := m.indexSpec(table, columns, m.config(opts))
	return m.do(ctx, "add_index", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.indexes.Add(ctx, spec)
	})
}

// RemoveIndex drops an index, concurrently unless WithConcurrently(false).
func (m *Migrator) RemoveIndex(ctx context.Context, table string, columns []string, opts ...OpOption) (observability.Outcome, error) {
	spec := m.indexSpec(table, columns, m.config(opts))
	return m.do(ctx, "remove_index", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.indexes.Remove(ctx, spec)
	})
}

// InitializeTableRename renames table to newName behind a view.
func (m *Migrator) InitializeTableRename(ctx context.Context, table, newName string) (observability.Outcome, error) {
	return m.do(ctx, "initialize_table_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.InitializeTableRename(ctx, table, newName)
	})
}

// RevertInitializeTableRename undoes InitializeTableRename.
func (m *Migrator) RevertInitializeTableRename(ctx context.Context, table, newName string) (observability.Outcome, error) {
	return m.do(ctx, "revert_initialize_table_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.RevertInitializeTableRename(ctx, table, newName)
	})
}

// FinalizeTableRename drops the view left by InitializeTableRename.
func (m *Migrator) FinalizeTableRename(ctx context.Context, table string) (observability.Outcome, error) {
	return m.do(ctx, "finalize_table_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.FinalizeTableRename(ctx, table)
	})
}

// RevertFinalizeTableRename recreates the view dropped by
// FinalizeTableRename.
func (m *Migrator) RevertFinalizeTableRename(ctx context.Context, table, newName string) (observability.Outcome, error) {
	return m.do(ctx, "revert_finalize_table_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.RevertFinalizeTableRename(ctx, table, newName)
	})
}

// InitializeColumnRename exposes column as newName through a view.
func (m *Migrator) InitializeColumnRename(ctx context.Context, table, column, newName string) (observability.Outcome, error) {
	return m.InitializeColumnsRename(ctx, table, []rename.ColumnRename{{Old: column, New: newName}})
}

// InitializeColumnsRename exposes several columns under new names.
func (m *Migrator) InitializeColumnsRename(ctx context.Context, table string, renames []rename.ColumnRename) (observability.Outcome, error) {
	return m.do(ctx, "initialize_column_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.InitializeColumnsRename(ctx, table, renames)
	})
}

// RevertInitializeColumnRename undoes InitializeColumnRename.
func (m *Migrator) RevertInitializeColumnRename(ctx context.Context, table string) (observability.Outcome, error) {
	return m.do(ctx, "revert_initialize_column_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.RevertInitializeColumnRename(ctx, table)
	})
}

// FinalizeColumnRename drops the view and renames the column for real.
func (m *Migrator) FinalizeColumnRename(ctx context.Context, table, column, newName string) (observability.Outcome, error) {
	return m.FinalizeColumnsRename(ctx, table, []rename.ColumnRename{{Old: column, New: newName}})
}

// FinalizeColumnsRename is FinalizeColumnRename for several columns.
func (m *Migrator) FinalizeColumnsRename(ctx context.Context, table string, renames []rename.ColumnRename) (observability.Outcome, error) {
	return m.do(ctx, "finalize_column_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.FinalizeColumnsRename(ctx, table, renames)
	})
}

// RevertFinalizeColumnRename undoes FinalizeColumnRename.
func (m *Migrator) RevertFinalizeColumnRename(ctx context.Context, table, column, newName string) (observability.Outcome, error) {
	return m.RevertFinalizeColumnsRename(ctx, table, []rename.ColumnRename{{Old: column, New: newName}})
}

// RevertFinalizeColumnsRename is RevertFinalizeColumnRename for several
// columns.
func (m *Migrator) RevertFinalizeColumnsRename(ctx context.Context, table string, renames []rename.ColumnRename) (observability.Outcome, error) {
	return m.do(ctx, "revert_finalize_column_rename", table, func(ctx context.Context) (observability.Outcome, error) {
		return m.renames.RevertFinalizeColumnsRename(ctx, table, renames)
	})
}
