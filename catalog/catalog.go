// Package catalog reads PostgreSQL system catalogs to decide which state a
// constraint, index or relation is in before the orchestrator acts on it.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/onlinemigrate/naming"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

// ErrColumnNotFound is returned when a column lookup finds nothing.
var ErrColumnNotFound = errors.New("column not found")

// ConstraintState is the catalog state of a named constraint.
type ConstraintState int

const (
	ConstraintAbsent ConstraintState = iota
	ConstraintUnvalidated
	ConstraintValidated
)

func (s ConstraintState) String() string {
	switch s {
	case ConstraintUnvalidated:
		return "unvalidated"
	case ConstraintValidated:
		return "validated"
	default:
		return "absent"
	}
}

// IndexState is the catalog state of a named index.
type IndexState int

const (
	IndexAbsent IndexState = iota
	IndexInvalid
	IndexValid
)

func (s IndexState) String() string {
	switch s {
	case IndexInvalid:
		return "invalid"
	case IndexValid:
		return "valid"
	default:
		return "absent"
	}
}

// RelationKind is the pg_class.relkind of a name, reduced to what the rename
// protocol needs.
type RelationKind int

const (
	RelationAbsent RelationKind = iota
	RelationTable
	RelationView
	RelationOther
)

// Inspector answers catalog questions on the session's connection. Table and
// column names are resolved through the Registry first.
type Inspector struct {
	sess     *session.Session
	registry *Registry
}

// NewInspector creates an Inspector. A nil registry behaves as empty.
func NewInspector(sess *session.Session, registry *Registry) *Inspector {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Inspector{sess: sess, registry: registry}
}

// Registry returns the rename registry consulted by the inspector.
func (i *Inspector) Registry() *Registry { return i.registry }

// ConstraintState reports whether constraint name exists on table and
// whether it has been validated.
func (i *Inspector) ConstraintState(ctx context.Context, table, name string) (ConstraintState, error) {
	var validated bool
	err := i.sess.QueryRow(ctx,
		`SELECT convalidated FROM pg_catalog.pg_constraint WHERE conrelid = ?::regclass AND conname = ?`,
		Regclass(i.registry.PhysicalTable(table)), name).Scan(&validated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ConstraintAbsent, nil
	case err != nil:
		return ConstraintAbsent, fmt.Errorf("query constraint %s on %s: %w", name, table, err)
	case validated:
		return ConstraintValidated, nil
	default:
		return ConstraintUnvalidated, nil
	}
}

// ColumnNotNull reports whether column carries the native NOT NULL property.
func (i *Inspector) ColumnNotNull(ctx context.Context, table, column string) (bool, error) {
	var notNull bool
	err := i.sess.QueryRow(ctx,
		`SELECT attnotnull FROM pg_catalog.pg_attribute WHERE attrelid = ?::regclass AND attname = ? AND NOT attisdropped`,
		Regclass(i.registry.PhysicalTable(table)), i.registry.PhysicalColumn(table, column)).Scan(&notNull)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s.%s: %w", table, column, ErrColumnNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("query column %s.%s: %w", table, column, err)
	}
	return notNull, nil
}

// IndexState reports whether index name exists on table and whether it is
// valid. A concurrent build interrupted midway leaves an invalid index.
func (i *Inspector) IndexState(ctx context.Context, table, name string) (IndexState, error) {
	var valid bool
	err := i.sess.QueryRow(ctx,
		`SELECT i.indisvalid FROM pg_catalog.pg_index i JOIN pg_catalog.pg_class c ON c.oid = i.indexrelid WHERE i.indrelid = ?::regclass AND c.relname = ?`,
		Regclass(i.registry.PhysicalTable(table)), name).Scan(&valid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return IndexAbsent, nil
	case err != nil:
		return IndexAbsent, fmt.Errorf("query index %s on %s: %w", name, table, err)
	case valid:
		return IndexValid, nil
	default:
		return IndexInvalid, nil
	}
}

// PrimaryKey returns the primary key columns of table in key order.
func (i *Inspector) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := i.sess.Query(ctx,
		`SELECT a.attname FROM pg_catalog.pg_index i JOIN pg_catalog.pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey) WHERE i.indrelid = ?::regclass AND i.indisprimary ORDER BY array_position(i.indkey::int2[], a.attnum)`,
		Regclass(i.registry.PhysicalTable(table)))
	if err != nil {
		return nil, fmt.Errorf("query primary key of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key column: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// RelationKind reports whether name is a table, a view or absent. The name
// is not resolved through the registry.
func (i *Inspector) RelationKind(ctx context.Context, name string) (RelationKind, error) {
	var kind string
	err := i.sess.QueryRow(ctx,
		`SELECT c.relkind::text FROM pg_catalog.pg_class c WHERE c.oid = to_regclass(?)`,
		Regclass(name)).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return RelationAbsent, nil
	}
	if err != nil {
		return RelationAbsent, fmt.Errorf("query relation %s: %w", name, err)
	}
	switch kind {
	case "r", "p":
		return RelationTable, nil
	case "v":
		return RelationView, nil
	default:
		return RelationOther, nil
	}
}

// IsVolatileFunction reports whether any function named name is marked
// volatile in pg_proc.
func (i *Inspector) IsVolatileFunction(ctx context.Context, name string) (bool, error) {
	var volatile bool
	err := i.sess.QueryRow(ctx,
		`SELECT coalesce(bool_or(provolatile = 'v'), false) FROM pg_catalog.pg_proc WHERE proname = ?`,
		strings.ToLower(name)).Scan(&volatile)
	if err != nil {
		return false, fmt.Errorf("query volatility of %s: %w", name, err)
	}
	return volatile, nil
}

// Regclass renders name as text suitable for a ::regclass cast.
func Regclass(name string) string {
	return naming.QuoteIdent(name)
}
