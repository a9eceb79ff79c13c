package constraint

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/onlinemigrate/naming"
	"github.com/GoCodeAlone/onlinemigrate/observability"
)

// TextLimitSpec returns the check spec limiting table.column to limit
// characters. An empty name selects the derived one.
func TextLimitSpec(table, column string, limit int, name string) Spec {
	if name == "" {
		name = naming.TextLimit(table, column)
	}
	spec := Spec{Table: table, Kind: Check, Name: name}
	if limit > 0 {
		spec.Expression = fmt.Sprintf("char_length(%s) <= %d", naming.QuoteIdent(column), limit)
	}
	return spec
}

// TextLimit bounds the length of a text column with a check constraint
// instead of changing its type.
type TextLimit struct {
	lc *Lifecycle
}

// NewTextLimit wraps lc.
func NewTextLimit(lc *Lifecycle) *TextLimit {
	return &TextLimit{lc: lc}
}

// Add creates the length check.
func (t *TextLimit) Add(ctx context.Context, table, column string, limit int, name string, validate bool) (observability.Outcome, error) {
	if limit <= 0 {
		return observability.Skipped, fmt.Errorf("%w: text limit on %s.%s must be positive, got %d", ErrInvalidSpec, table, column, limit)
	}
	return t.lc.Add(ctx, TextLimitSpec(table, column, limit, name), validate)
}

// Validate validates the length check.
func (t *TextLimit) Validate(ctx context.Context, table, column, name string) (observability.Outcome, error) {
	return t.lc.Validate(ctx, TextLimitSpec(table, column, 0, name))
}

// Remove drops the length check.
func (t *TextLimit) Remove(ctx context.Context, table, column, name string) (observability.Outcome, error) {
	return t.lc.Remove(ctx, TextLimitSpec(table, column, 0, name))
}
