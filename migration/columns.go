package migration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/uptrace/bun"

	"github.com/GoCodeAlone/onlinemigrate/batch"
	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

// AddColumnDefaultMinVersion is the first server version that stores a
// non-volatile column default in the catalog instead of rewriting the table.
const AddColumnDefaultMinVersion = 110000

var (
	ErrMissingDefault = errors.New("a default value is required")
	ErrNoColumns      = errors.New("no columns to update")
)

// Raw is an SQL expression used verbatim as a value, e.g. Raw("now()").
type Raw string

// ColumnValue assigns Value to Column. Value is a Go literal, nil or Raw.
type ColumnValue struct {
	Column string
	Value  any
}

func sqlValue(v any) any {
	if r, ok := v.(Raw); ok {
		return bun.Safe(string(r))
	}
	return v
}

var subquery = regexp.MustCompile(`(?i)\bselect\b`)

// guard returns the predicate selecting rows that still need cv, or false
// when no guard applies. Subqueries are left unguarded since they may
// depend on the row being updated.
func guard(cv ColumnValue) (string, []any, bool) {
	col := bun.Ident(cv.Column)
	switch v := cv.Value.(type) {
	case nil:
		return "? IS NOT NULL", []any{col}, true
	case Raw:
		if subquery.MatchString(string(v)) {
			return "", nil, false
		}
		return "? <> ? OR ? IS NULL", []any{col, bun.Safe(string(v)), col}, true
	default:
		return "? <> ? OR ? IS NULL", []any{col, v, col}, true
	}
}

// UpdateColumnsInBatches sets every column in values on the rows of table
// in batches. Rows that already hold the target values are skipped, so a
// rerun after a failure only touches what is left.
func (m *Migrator) UpdateColumnsInBatches(ctx context.Context, table string, values []ColumnValue, opts ...OpOption) (batch.Stats, error) {
	if len(values) == 0 {
		return batch.Stats{}, fmt.Errorf("update %s: %w", table, ErrNoColumns)
	}

	rel := batch.Table(table)
	var (
		conds []string
		args  []any
	)
	for _, cv := range values {
		if q, a, ok := guard(cv); ok {
			conds = append(conds, "("+q+")")
			args = append(args, a...)
		}
	}
	if len(conds) > 0 {
		rel = rel.Where(strings.Join(conds, " OR "), args...)
	}

	return m.Backfill(ctx, rel, func(ctx context.Context, sub *batch.Relation) (int64, error) {
		q := sub.Update(m.sess.DB())
		for _, cv := range values {
			q = q.Set("? = ?", bun.Ident(cv.Column), sqlValue(cv.Value))
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, opts...)
}

// UpdateColumnInBatches sets column to value in batches.
func (m *Migrator) UpdateColumnInBatches(ctx context.Context, table, column string, value any, opts ...OpOption) (batch.Stats, error) {
	return m.UpdateColumnsInBatches(ctx, table, []ColumnValue{{Column: column, Value: value}}, opts...)
}

// BackfillColumnInBatches fills a newly added column with value. It is
// UpdateColumnInBatches under the name drivers use for backfills.
func (m *Migrator) BackfillColumnInBatches(ctx context.Context, table, column string, value any, opts ...OpOption) (batch.Stats, error) {
	return m.UpdateColumnInBatches(ctx, table, column, value, opts...)
}

// AddColumnWithDefault adds column with a default without rewriting the
// table under an exclusive lock. On servers that store defaults in the
// catalog a single ALTER suffices; otherwise the column is added nullable,
// backfilled in batches and, with WithNotNull, constrained afterwards. A
// failed slow path drops the column again.
func (m *Migrator) AddColumnWithDefault(ctx context.Context, table, column, sqlType string, def any, opts ...OpOption) (observability.Outcome, error) {
	cfg := m.config(opts)
	return m.do(ctx, "add_column_with_default", table, func(ctx context.Context) (observability.Outcome, error) {
		if def == nil {
			return observability.Skipped, fmt.Errorf("add column %s.%s: %w", table, column, ErrMissingDefault)
		}
		if err := m.sess.RequireNoTransaction("add column with default " + table + "." + column); err != nil {
			return observability.Skipped, err
		}
		if err := m.registry.CheckStructural(table); err != nil {
			return observability.Skipped, err
		}

		_, err := m.inspector.ColumnNotNull(ctx, table, column)
		switch {
		case err == nil:
			m.reporter.Report(observability.Notice{
				Operation: "add_column_with_default",
				Table:     table,
				Object:    column,
				Outcome:   observability.AlreadyApplied,
				Message:   fmt.Sprintf("column %s.%s already exists", table, column),
			})
			return observability.AlreadyApplied, nil
		case !errors.Is(err, catalog.ErrColumnNotFound):
			return observability.Skipped, err
		}

		version, err := m.sess.ServerVersion(ctx)
		if err != nil {
			return observability.Skipped, err
		}
		volatile, err := m.volatility(ctx, def)
		if err != nil {
			return observability.Skipped, err
		}

		if version >= AddColumnDefaultMinVersion && !volatile {
			query := "ALTER TABLE ? ADD COLUMN ? ? DEFAULT ?"
			if cfg.notNull {
				query += " NOT NULL"
			}
			if _, err := m.sess.Exec(ctx, query, bun.Ident(table), bun.Ident(column), bun.Safe(sqlType), sqlValue(def)); err != nil {
				return observability.Skipped, fmt.Errorf("add column %s.%s: %w", table, column, err)
			}
			return observability.Applied, nil
		}

		m.logger.Info("adding column with default in batches", "table", table, "column", column,
			"server_version", version, "volatile_default", volatile)
		if err := m.addColumnSlow(ctx, table, column, sqlType, def, cfg, opts); err != nil {
			if _, derr := m.sess.Exec(context.WithoutCancel(ctx), "ALTER TABLE ? DROP COLUMN IF EXISTS ?", bun.Ident(table), bun.Ident(column)); derr != nil {
				err = errors.Join(err, fmt.Errorf("drop column after failure: %w", derr))
			}
			return observability.Skipped, err
		}
		return observability.Applied, nil
	})
}

func (m *Migrator) addColumnSlow(ctx context.Context, table, column, sqlType string, def any, cfg opConfig, opts []OpOption) error {
	err := m.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		if _, err := tx.Exec(ctx, "ALTER TABLE ? ADD COLUMN ? ?", bun.Ident(table), bun.Ident(column), bun.Safe(sqlType)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "ALTER TABLE ? ALTER COLUMN ? SET DEFAULT ?", bun.Ident(table), bun.Ident(column), sqlValue(def))
		return err
	})
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}

	if _, err := m.UpdateColumnInBatches(ctx, table, column, def, opts...); err != nil {
		return err
	}

	if !cfg.notNull {
		return nil
	}
	if _, err := m.notNull.Add(ctx, table, column, "", true); err != nil {
		return err
	}
	_, err = m.notNull.Promote(ctx, table, column, "")
	return err
}

// VolatilityChecker reports whether a default value must be evaluated per
// row, which rules out the catalog-only fast path.
type VolatilityChecker func(ctx context.Context, def any) (bool, error)

var functionCall = regexp.MustCompile(`(\w+)\s*\(`)

// CatalogVolatility looks up every function called in a Raw default in
// pg_proc. Literal defaults are never volatile.
func CatalogVolatility(inspector *catalog.Inspector) VolatilityChecker {
	return func(ctx context.Context, def any) (bool, error) {
		raw, ok := def.(Raw)
		if !ok {
			return false, nil
		}
		for _, match := range functionCall.FindAllStringSubmatch(string(raw), -1) {
			volatile, err := inspector.IsVolatileFunction(ctx, match[1])
			if err != nil {
				return false, err
			}
			if volatile {
				return true, nil
			}
		}
		return false, nil
	}
}
