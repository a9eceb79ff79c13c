package constraint

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/naming"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

// PromoteMinVersion is the first server version that uses a validated
// IS NOT NULL check to skip the scan of SET NOT NULL.
const PromoteMinVersion = 120000

// NotNullSpec returns the check spec emulating NOT NULL on table.column.
func NotNullSpec(table, column, name string) Spec {
	return Spec{
		Table:      table,
		Kind:       Check,
		Expression: naming.QuoteIdent(column) + " IS NOT NULL",
		Name:       name,
	}
}

// NotNull enforces NOT NULL through a check constraint so it can be added
// without a full-table scan under an exclusive lock.
type NotNull struct {
	lc *Lifecycle
}

// NewNotNull wraps lc.
func NewNotNull(lc *Lifecycle) *NotNull {
	return &NotNull{lc: lc}
}

// Add creates the IS NOT NULL check unless the column is already natively
// NOT NULL. An empty name selects the derived one.
func (n *NotNull) Add(ctx context.Context, table, column, name string, validate bool) (observability.Outcome, error) {
	if err := n.lc.inspector.Registry().CheckStructural(table); err != nil {
		return observability.Skipped, err
	}
	notNull, err := n.lc.inspector.ColumnNotNull(ctx, table, column)
	if err != nil {
		return observability.Skipped, err
	}
	spec := NotNullSpec(table, column, name)
	if notNull {
		n.lc.report("add_not_null", spec, observability.AlreadyApplied,
			fmt.Sprintf("column %s.%s is already NOT NULL", table, column))
		return observability.AlreadyApplied, nil
	}
	return n.lc.Add(ctx, spec, validate)
}

// Validate validates the IS NOT NULL check.
func (n *NotNull) Validate(ctx context.Context, table, column, name string) (observability.Outcome, error) {
	return n.lc.Validate(ctx, NotNullSpec(table, column, name))
}

// Remove drops the IS NOT NULL check.
func (n *NotNull) Remove(ctx context.Context, table, column, name string) (observability.Outcome, error) {
	return n.lc.Remove(ctx, NotNullSpec(table, column, name))
}

// Promote turns a validated IS NOT NULL check into the native column
// property and drops the check, in one short transaction. Servers older than
// PromoteMinVersion would rescan the table, so promotion is skipped there.
func (n *NotNull) Promote(ctx context.Context, table, column, name string) (observability.Outcome, error) {
	spec := NotNullSpec(table, column, name)
	if err := n.lc.inspector.Registry().CheckStructural(table); err != nil {
		return observability.Skipped, err
	}

	version, err := n.lc.sess.ServerVersion(ctx)
	if err != nil {
		return observability.Skipped, err
	}
	if version < PromoteMinVersion {
		n.lc.report("promote_not_null", spec, observability.Skipped,
			fmt.Sprintf("promoting %s.%s to NOT NULL requires PostgreSQL 12 or later, keeping the check constraint", table, column))
		return observability.Skipped, nil
	}

	state, err := n.lc.State(ctx, spec)
	if err != nil {
		return observability.Skipped, err
	}
	switch state {
	case catalog.ConstraintAbsent:
		notNull, err := n.lc.inspector.ColumnNotNull(ctx, table, column)
		if err != nil {
			return observability.Skipped, err
		}
		if notNull {
			n.lc.report("promote_not_null", spec, observability.AlreadyApplied,
				fmt.Sprintf("column %s.%s is already NOT NULL", table, column))
			return observability.AlreadyApplied, nil
		}
		return observability.Skipped, fmt.Errorf("promote %s on %s: %w", spec.ConstraintName(), table, ErrConstraintNotFound)
	case catalog.ConstraintUnvalidated:
		return observability.Skipped, fmt.Errorf("promote %s on %s: %w", spec.ConstraintName(), table, ErrNotValidated)
	}

	err = n.lc.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		if _, err := tx.Exec(ctx, "ALTER TABLE ? ALTER COLUMN ? SET NOT NULL", bun.Ident(table), bun.Ident(column)); err != nil {
			return fmt.Errorf("set not null: %w", err)
		}
		if _, err := tx.Exec(ctx, "ALTER TABLE ? DROP CONSTRAINT ?", bun.Ident(table), bun.Ident(spec.ConstraintName())); err != nil {
			return fmt.Errorf("drop constraint: %w", err)
		}
		return nil
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("promote not null on %s.%s: %w", table, column, err)
	}
	n.lc.logger.Info("not null promoted", "table", table, "column", column)
	return observability.Applied, nil
}
