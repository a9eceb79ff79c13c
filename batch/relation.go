// Package batch walks a table in bounded key ranges and applies a caller
// supplied operation to each range.
package batch

import (
	"fmt"
	"strings"

	"github.com/uptrace/bun"
)

type predicate struct {
	query string
	args  []any
}

// Relation is a table plus an ordered list of filter predicates. Relations
// are immutable; Where returns a new value.
type Relation struct {
	table string
	preds []predicate
}

// Table starts a Relation over every row of name.
func Table(name string) *Relation {
	return &Relation{table: name}
}

// Name returns the table the relation reads.
func (r *Relation) Name() string { return r.table }

// Where returns a copy of r narrowed by query. Placeholders are formatted by
// bun, so identifiers should be passed as bun.Ident.
func (r *Relation) Where(query string, args ...any) *Relation {
	preds := make([]predicate, len(r.preds), len(r.preds)+1)
	copy(preds, r.preds)
	return &Relation{
		table: r.table,
		preds: append(preds, predicate{query: query, args: args}),
	}
}

// Apply adds the relation's predicates to q.
func (r *Relation) Apply(q bun.QueryBuilder) bun.QueryBuilder {
	for _, p := range r.preds {
		q = q.Where(p.query, p.args...)
	}
	return q
}

// Select builds a SELECT over the relation with no columns chosen.
func (r *Relation) Select(db bun.IDB) *bun.SelectQuery {
	return db.NewSelect().
		TableExpr("?", bun.Ident(r.table)).
		ApplyQueryBuilder(r.Apply)
}

// Update builds an UPDATE over the relation. The caller adds SET clauses.
func (r *Relation) Update(db bun.IDB) *bun.UpdateQuery {
	return db.NewUpdate().
		TableExpr("?", bun.Ident(r.table)).
		ApplyQueryBuilder(r.Apply)
}

// Range is one batch of the key domain. Lower is nil when the batch is
// unbounded below. Upper is the largest key in the batch and is inclusive.
type Range struct {
	Lower          *int64
	Upper          *int64
	InclusiveLower bool
}

// Apply narrows rel to the keys of column inside the range.
func (r Range) Apply(rel *Relation, column string) *Relation {
	if r.Lower != nil {
		op := ">"
		if r.InclusiveLower {
			op = ">="
		}
		rel = rel.Where("? "+op+" ?", bun.Ident(column), *r.Lower)
	}
	if r.Upper != nil {
		rel = rel.Where("? <= ?", bun.Ident(column), *r.Upper)
	}
	return rel
}

func (r Range) String() string {
	var b strings.Builder
	switch {
	case r.Lower == nil:
		b.WriteString("(-inf")
	case r.InclusiveLower:
		fmt.Fprintf(&b, "[%d", *r.Lower)
	default:
		fmt.Fprintf(&b, "(%d", *r.Lower)
	}
	b.WriteString(", ")
	if r.Upper == nil {
		b.WriteString("+inf)")
	} else {
		fmt.Fprintf(&b, "%d]", *r.Upper)
	}
	return b.String()
}
