// Package rename renames tables and columns in two phases. Between the
// phases a view under the old name keeps the application working while it
// is redeployed against the new name.
package rename

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uptrace/bun"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/naming"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

var ErrNoColumns = errors.New("no columns to rename")

// ColumnRename maps an existing column to the name the application will
// use after the rename.
type ColumnRename struct {
	Old string
	New string
}

// Protocol runs the phases of table and column renames. Every phase is one
// short transaction and reports a notice when it finds its work done.
type Protocol struct {
	sess      *session.Session
	inspector *catalog.Inspector
	reporter  observability.Reporter
	logger    *slog.Logger
}

// NewProtocol creates a Protocol. A nil reporter discards notices.
func NewProtocol(sess *session.Session, inspector *catalog.Inspector, reporter observability.Reporter) *Protocol {
	return &Protocol{sess: sess, inspector: inspector, reporter: reporter, logger: sess.Logger()}
}

// InitializeTableRename renames old to newName and creates a view named old
// over it.
func (p *Protocol) InitializeTableRename(ctx context.Context, old, newName string) (observability.Outcome, error) {
	newQualified := sibling(old, newName)
	done, err := p.kinds(ctx, old, catalog.RelationView, newQualified, catalog.RelationTable)
	if err != nil {
		return observability.Skipped, err
	}
	if done {
		p.report("initialize_table_rename", old, fmt.Sprintf("table %s is already renamed to %s", old, newName))
		return observability.AlreadyApplied, nil
	}

	err = p.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		if err := renameTable(ctx, tx, old, newName); err != nil {
			return err
		}
		return createView(ctx, tx, old, newQualified, nil)
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("initialize rename of %s to %s: %w", old, newName, err)
	}
	p.logger.Info("table rename initialized", "table", old, "new_name", newName)
	return observability.Applied, nil
}

// RevertInitializeTableRename drops the view and renames newName back to old.
func (p *Protocol) RevertInitializeTableRename(ctx context.Context, old, newName string) (observability.Outcome, error) {
	newQualified := sibling(old, newName)
	done, err := p.kinds(ctx, old, catalog.RelationTable, newQualified, catalog.RelationAbsent)
	if err != nil {
		return observability.Skipped, err
	}
	if done {
		p.report("revert_initialize_table_rename", old, fmt.Sprintf("table %s is not renamed", old))
		return observability.AlreadyApplied, nil
	}

	err = p.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		if err := dropView(ctx, tx, old); err != nil {
			return err
		}
		return renameTable(ctx, tx, newQualified, unqualified(old))
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("revert rename of %s to %s: %w", old, newName, err)
	}
	p.logger.Info("table rename reverted", "table", old, "new_name", newName)
	return observability.Applied, nil
}

// FinalizeTableRename drops the compatibility view named old.
func (p *Protocol) FinalizeTableRename(ctx context.Context, old string) (observability.Outcome, error) {
	kind, err := p.inspector.RelationKind(ctx, old)
	if err != nil {
		return observability.Skipped, err
	}
	if kind != catalog.RelationView {
		p.report("finalize_table_rename", old, fmt.Sprintf("view %s does not exist", old))
		return observability.AlreadyApplied, nil
	}
	if err := dropView(ctx, p.sess, old); err != nil {
		return observability.Skipped, fmt.Errorf("finalize rename of %s: %w", old, err)
	}
	p.logger.Info("table rename finalized", "table", old)
	return observability.Applied, nil
}

// RevertFinalizeTableRename recreates the view named old over newName.
func (p *Protocol) RevertFinalizeTableRename(ctx context.Context, old, newName string) (observability.Outcome, error) {
	kind, err := p.inspector.RelationKind(ctx, old)
	if err != nil {
		return observability.Skipped, err
	}
	if kind == catalog.RelationView {
		p.report("revert_finalize_table_rename", old, fmt.Sprintf("view %s already exists", old))
		return observability.AlreadyApplied, nil
	}
	if err := createView(ctx, p.sess, old, sibling(old, newName), nil); err != nil {
		return observability.Skipped, fmt.Errorf("revert finalize rename of %s: %w", old, err)
	}
	p.logger.Info("table rename finalize reverted", "table", old, "new_name", newName)
	return observability.Applied, nil
}

// InitializeColumnRename exposes column old of table as newName through a view.
func (p *Protocol) InitializeColumnRename(ctx context.Context, table, old, newName string) (observability.Outcome, error) {
	return p.InitializeColumnsRename(ctx, table, []ColumnRename{{Old: old, New: newName}})
}

// InitializeColumnsRename moves table aside to its temporary name and
// creates a view named table that exposes every column under both names.
func (p *Protocol) InitializeColumnsRename(ctx context.Context, table string, renames []ColumnRename) (observability.Outcome, error) {
	if len(renames) == 0 {
		return observability.Skipped, fmt.Errorf("initialize column rename on %s: %w", table, ErrNoColumns)
	}
	tmp := tmpTable(table)
	done, err := p.kinds(ctx, table, catalog.RelationView, tmp, catalog.RelationTable)
	if err != nil {
		return observability.Skipped, err
	}
	if done {
		p.report("initialize_column_rename", table, fmt.Sprintf("columns of %s are already being renamed", table))
		return observability.AlreadyApplied, nil
	}

	err = p.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		if err := renameTable(ctx, tx, table, unqualified(tmp)); err != nil {
			return err
		}
		return createView(ctx, tx, table, tmp, renames)
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("initialize column rename on %s: %w", table, err)
	}
	p.logger.Info("column rename initialized", "table", table, "columns", describe(renames))
	return observability.Applied, nil
}

// RevertInitializeColumnRename drops the view and moves the table back.
func (p *Protocol) RevertInitializeColumnRename(ctx context.Context, table string) (observability.Outcome, error) {
	tmp := tmpTable(table)
	kind, err := p.inspector.RelationKind(ctx, tmp)
	if err != nil {
		return observability.Skipped, err
	}
	if kind == catalog.RelationAbsent {
		p.report("revert_initialize_column_rename", table, fmt.Sprintf("columns of %s are not being renamed", table))
		return observability.AlreadyApplied, nil
	}

	err = p.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		return restoreTable(ctx, tx, table)
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("revert column rename on %s: %w", table, err)
	}
	p.logger.Info("column rename reverted", "table", table)
	return observability.Applied, nil
}

// FinalizeColumnRename drops the view, moves the table back and renames the
// column for real.
func (p *Protocol) FinalizeColumnRename(ctx context.Context, table, old, newName string) (observability.Outcome, error) {
	return p.FinalizeColumnsRename(ctx, table, []ColumnRename{{Old: old, New: newName}})
}

// FinalizeColumnsRename is FinalizeColumnRename for several columns.
func (p *Protocol) FinalizeColumnsRename(ctx context.Context, table string, renames []ColumnRename) (observability.Outcome, error) {
	if len(renames) == 0 {
		return observability.Skipped, fmt.Errorf("finalize column rename on %s: %w", table, ErrNoColumns)
	}
	kind, err := p.inspector.RelationKind(ctx, tmpTable(table))
	if err != nil {
		return observability.Skipped, err
	}
	if kind == catalog.RelationAbsent {
		p.report("finalize_column_rename", table, fmt.Sprintf("columns of %s are not being renamed", table))
		return observability.AlreadyApplied, nil
	}

	err = p.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		if err := restoreTable(ctx, tx, table); err != nil {
			return err
		}
		for _, r := range renames {
			if err := renameColumn(ctx, tx, table, r.Old, r.New); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("finalize column rename on %s: %w", table, err)
	}
	p.logger.Info("column rename finalized", "table", table, "columns", describe(renames))
	return observability.Applied, nil
}

// RevertFinalizeColumnRename renames the columns back and restores the
// view, returning to the state after initialization.
func (p *Protocol) RevertFinalizeColumnRename(ctx context.Context, table, old, newName string) (observability.Outcome, error) {
	return p.RevertFinalizeColumnsRename(ctx, table, []ColumnRename{{Old: old, New: newName}})
}

// RevertFinalizeColumnsRename is RevertFinalizeColumnRename for several
// columns.
func (p *Protocol) RevertFinalizeColumnsRename(ctx context.Context, table string, renames []ColumnRename) (observability.Outcome, error) {
	if len(renames) == 0 {
		return observability.Skipped, fmt.Errorf("revert finalize column rename on %s: %w", table, ErrNoColumns)
	}
	kind, err := p.inspector.RelationKind(ctx, table)
	if err != nil {
		return observability.Skipped, err
	}
	if kind == catalog.RelationView {
		p.report("revert_finalize_column_rename", table, fmt.Sprintf("view %s already exists", table))
		return observability.AlreadyApplied, nil
	}

	tmp := tmpTable(table)
	err = p.sess.Transaction(ctx, func(ctx context.Context, tx *session.Session) error {
		for _, r := range renames {
			if err := renameColumn(ctx, tx, table, r.New, r.Old); err != nil {
				return err
			}
		}
		if err := renameTable(ctx, tx, table, unqualified(tmp)); err != nil {
			return err
		}
		return createView(ctx, tx, table, tmp, renames)
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("revert finalize column rename on %s: %w", table, err)
	}
	p.logger.Info("column rename finalize reverted", "table", table, "columns", describe(renames))
	return observability.Applied, nil
}

// kinds reports whether a has kind ka and b has kind kb.
func (p *Protocol) kinds(ctx context.Context, a string, ka catalog.RelationKind, b string, kb catalog.RelationKind) (bool, error) {
	got, err := p.inspector.RelationKind(ctx, a)
	if err != nil || got != ka {
		return false, err
	}
	got, err = p.inspector.RelationKind(ctx, b)
	if err != nil {
		return false, err
	}
	return got == kb, nil
}

func (p *Protocol) report(op, table, msg string) {
	p.reporter.Report(observability.Notice{
		Operation: op,
		Table:     table,
		Object:    table,
		Outcome:   observability.AlreadyApplied,
		Message:   msg,
	})
}

func renameTable(ctx context.Context, tx *session.Session, from, to string) error {
	if _, err := tx.Exec(ctx, "ALTER TABLE ? RENAME TO ?", bun.Ident(from), bun.Ident(unqualified(to))); err != nil {
		return fmt.Errorf("rename table %s: %w", from, err)
	}
	return nil
}

func renameColumn(ctx context.Context, tx *session.Session, table, from, to string) error {
	if _, err := tx.Exec(ctx, "ALTER TABLE ? RENAME COLUMN ? TO ?", bun.Ident(table), bun.Ident(from), bun.Ident(to)); err != nil {
		return fmt.Errorf("rename column %s.%s: %w", table, from, err)
	}
	return nil
}

func createView(ctx context.Context, tx *session.Session, name, source string, renames []ColumnRename) error {
	cols := "*"
	for _, r := range renames {
		cols += ", " + naming.QuoteIdent(r.Old) + " AS " + naming.QuoteIdent(r.New)
	}
	if _, err := tx.Exec(ctx, "CREATE VIEW ? AS SELECT ? FROM ?", bun.Ident(name), bun.Safe(cols), bun.Ident(source)); err != nil {
		return fmt.Errorf("create view %s: %w", name, err)
	}
	return nil
}

func dropView(ctx context.Context, tx *session.Session, name string) error {
	if _, err := tx.Exec(ctx, "DROP VIEW IF EXISTS ?", bun.Ident(name)); err != nil {
		return fmt.Errorf("drop view %s: %w", name, err)
	}
	return nil
}

func restoreTable(ctx context.Context, tx *session.Session, table string) error {
	if err := dropView(ctx, tx, table); err != nil {
		return err
	}
	return renameTable(ctx, tx, tmpTable(table), unqualified(table))
}

func tmpTable(table string) string {
	return table + catalog.ColumnRenameSuffix
}

// sibling returns name in the schema of table.
func sibling(table, name string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[:i+1] + unqualified(name)
	}
	return name
}

func unqualified(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func describe(renames []ColumnRename) string {
	parts := make([]string, len(renames))
	for i, r := range renames {
		parts[i] = r.Old + "->" + r.New
	}
	return strings.Join(parts, ",")
}
