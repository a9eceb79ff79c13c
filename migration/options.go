package migration

import (
	"time"

	"github.com/GoCodeAlone/onlinemigrate/batch"
)

// Refine narrows the relation of a batched update before batching starts.
type Refine func(*batch.Relation) *batch.Relation

// OpOption configures a single operation.
type OpOption func(*opConfig)

type opConfig struct {
	batch  batch.Options
	refine Refine

	name         string
	validate     bool
	concurrently bool
	unique       bool
	where        string
	using        string
	onDelete     string
	refColumn    string
	notNull      bool
}

func (m *Migrator) config(opts []OpOption) opConfig {
	cfg := opConfig{
		batch:        m.batchDefaults,
		validate:     true,
		concurrently: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithBatchSize sets the number of rows per batch.
func WithBatchSize(n int) OpOption {
	return func(c *opConfig) { c.batch.BatchSize = n }
}

// WithBatchColumn batches on column instead of the primary key.
func WithBatchColumn(column string) OpOption {
	return func(c *opConfig) { c.batch.Column = column }
}

// WithProgress reports every batch to fn.
func WithProgress(fn batch.ProgressFunc) OpOption {
	return func(c *opConfig) { c.batch.Progress = fn }
}

// WithPause sets the sleep between batches. Negative disables it.
func WithPause(d time.Duration) OpOption {
	return func(c *opConfig) { c.batch.Pause = d }
}

// WithRowsPerSecond throttles a backfill to n affected rows per second.
func WithRowsPerSecond(n float64) OpOption {
	return func(c *opConfig) { c.batch.RowsPerSecond = n }
}

// WithRange limits batching to keys in [start, finish].
func WithRange(start, finish int64) OpOption {
	return func(c *opConfig) {
		c.batch.Start = &start
		c.batch.Finish = &finish
	}
}

// WithStart begins batching at key start.
func WithStart(start int64) OpOption {
	return func(c *opConfig) { c.batch.Start = &start }
}

// WithRefine adds predicates to the batched relation.
func WithRefine(fn Refine) OpOption {
	return func(c *opConfig) { c.refine = fn }
}

// WithName overrides the derived constraint or index name.
func WithName(name string) OpOption {
	return func(c *opConfig) { c.name = name }
}

// WithValidate controls whether a new constraint is validated right away.
// Defaults to true.
func WithValidate(v bool) OpOption {
	return func(c *opConfig) { c.validate = v }
}

// WithConcurrently controls CREATE/DROP INDEX CONCURRENTLY. Defaults to true.
func WithConcurrently(v bool) OpOption {
	return func(c *opConfig) { c.concurrently = v }
}

// WithUnique creates a unique index.
func WithUnique() OpOption {
	return func(c *opConfig) { c.unique = true }
}

// WithWhere makes the index partial.
func WithWhere(predicate string) OpOption {
	return func(c *opConfig) { c.where = predicate }
}

// WithUsing selects the index access method.
func WithUsing(method string) OpOption {
	return func(c *opConfig) { c.using = method }
}

// WithOnDelete sets the foreign key ON DELETE action.
func WithOnDelete(action string) OpOption {
	return func(c *opConfig) { c.onDelete = action }
}

// WithReferencedColumn sets the referenced column of a foreign key.
// Defaults to id.
func WithReferencedColumn(column string) OpOption {
	return func(c *opConfig) { c.refColumn = column }
}

// WithNotNull makes AddColumnWithDefault enforce NOT NULL.
func WithNotNull() OpOption {
	return func(c *opConfig) { c.notNull = true }
}
