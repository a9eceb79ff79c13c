package batch

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/GoCodeAlone/onlinemigrate/session"
)

// Cursor produces ascending, non-overlapping key ranges of at most size rows
// each. It only moves forward and cannot be restarted.
type Cursor struct {
	sess   *session.Session
	rel    *Relation
	column string
	size   int

	start  *int64
	finish *int64
	last   *int64
	done   bool
}

// NewCursor creates a Cursor over rel keyed by column.
func NewCursor(sess *session.Session, rel *Relation, column string, size int) *Cursor {
	return &Cursor{sess: sess, rel: rel, column: column, size: size}
}

// From makes the first range start at key start, inclusive.
func (c *Cursor) From(start int64) *Cursor {
	c.start = &start
	return c
}

// To caps the key domain at finish, inclusive.
func (c *Cursor) To(finish int64) *Cursor {
	c.finish = &finish
	return c
}

// Done reports whether the cursor has emitted its final range.
func (c *Cursor) Done() bool { return c.done }

// Next returns the next range. ok is false once the key domain is exhausted.
func (c *Cursor) Next(ctx context.Context) (rng Range, ok bool, err error) {
	if c.done {
		return Range{}, false, nil
	}

	col := bun.Ident(c.column)
	page := c.sess.DB().NewSelect().
		ColumnExpr("?", col).
		TableExpr("?", bun.Ident(c.rel.table)).
		ApplyQueryBuilder(c.rel.Apply)

	var lower *int64
	inclusive := false
	switch {
	case c.last != nil:
		lower = c.last
		page = page.Where("? > ?", col, *c.last)
	case c.start != nil:
		lower, inclusive = c.start, true
		page = page.Where("? >= ?", col, *c.start)
	}
	if c.finish != nil {
		page = page.Where("? <= ?", col, *c.finish)
	}
	page = page.OrderExpr("? ASC", col).Limit(c.size)

	var (
		count  int64
		maxKey sql.NullInt64
	)
	err = c.sess.DB().NewSelect().
		ColumnExpr("count(*)").
		ColumnExpr("max(?)", col).
		TableExpr("(?) AS page", page).
		Scan(ctx, &count, &maxKey)
	if err != nil {
		return Range{}, false, fmt.Errorf("fetch batch bounds of %s: %w", c.rel.table, err)
	}

	if count == 0 || !maxKey.Valid {
		c.done = true
		return Range{}, false, nil
	}
	if count < int64(c.size) {
		c.done = true
	}

	upper := maxKey.Int64
	c.last = &upper
	return Range{Lower: lower, Upper: &upper, InclusiveLower: inclusive}, true, nil
}
