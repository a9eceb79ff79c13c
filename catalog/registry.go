package catalog

import (
	"errors"
	"fmt"
	"sync"
)

// ColumnRenameSuffix is appended to a table's physical name while one of its
// columns is being renamed behind a compatibility view.
const ColumnRenameSuffix = "_column_rename"

// ErrViewShadowed is returned when structural DDL targets a name that is
// currently served by a compatibility view.
var ErrViewShadowed = errors.New("name is shadowed by a compatibility view")

// Registry maps names that are still served through compatibility views to
// their physical counterparts. The core only reads it; the driver updates it
// as renames are initialized and finalized.
type Registry struct {
	mu      sync.RWMutex
	tables  map[string]string
	columns map[string]map[string]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tables:  make(map[string]string),
		columns: make(map[string]map[string]string),
	}
}

// RenameTable records that table old is now physically named newName.
func (r *Registry) RenameTable(old, newName string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[old] = newName
	return r
}

// RenameColumn records that column old of table is exposed as newName.
func (r *Registry) RenameColumn(table, old, newName string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	cols, ok := r.columns[table]
	if !ok {
		cols = make(map[string]string)
		r.columns[table] = cols
	}
	cols[old] = newName
	return r
}

// Forget removes every entry for table.
func (r *Registry) Forget(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, table)
	delete(r.columns, table)
}

// PhysicalTable resolves name to the table that actually stores the rows.
func (r *Registry) PhysicalTable(name string) string {
	if r == nil {
		return name
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if renamed, ok := r.tables[name]; ok {
		return renamed
	}
	if len(r.columns[name]) > 0 {
		return name + ColumnRenameSuffix
	}
	return name
}

// PhysicalColumn resolves a column name used by application queries to the
// physical column of table.
func (r *Registry) PhysicalColumn(table, column string) string {
	if r == nil {
		return column
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for old, renamed := range r.columns[table] {
		if renamed == column {
			return old
		}
	}
	return column
}

// Shadowed reports whether name is currently a compatibility view.
func (r *Registry) Shadowed(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, renamed := r.tables[name]
	return renamed || len(r.columns[name]) > 0
}

// CheckStructural returns ErrViewShadowed when name cannot take structural
// DDL (indexes, constraints, defaults) because it is a view.
func (r *Registry) CheckStructural(name string) error {
	if r.Shadowed(name) {
		return fmt.Errorf("%s: %w (use %s)", name, ErrViewShadowed, r.PhysicalTable(name))
	}
	return nil
}
