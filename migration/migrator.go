// Package migration is the entry point for external drivers. A Migrator
// bundles the backfill engine and the DDL lifecycles behind one set of
// positional, repeatable operations on a single session.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/onlinemigrate/batch"
	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/constraint"
	"github.com/GoCodeAlone/onlinemigrate/index"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/observability/tracing"
	"github.com/GoCodeAlone/onlinemigrate/rename"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

// Option configures a Migrator.
type Option func(*Migrator)

// WithRegistry sets the rename registry. The migrator never modifies it.
func WithRegistry(r *catalog.Registry) Option {
	return func(m *Migrator) { m.registry = r }
}

// WithReporter replaces the default slog notice reporter.
func WithReporter(r observability.Reporter) Option {
	return func(m *Migrator) { m.reporter = r }
}

// WithMetrics records backfill and operation metrics on c.
func WithMetrics(c *observability.Collector) Option {
	return func(m *Migrator) { m.metrics = c }
}

// WithTracer opens spans per operation and batch.
func WithTracer(t *tracing.MigrationTracer) Option {
	return func(m *Migrator) { m.tracer = t }
}

// WithLogger sets the logger. Defaults to the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver attaches a backfill observer such as a run journal.
func WithObserver(o batch.Observer) Option {
	return func(m *Migrator) { m.observer = o }
}

// WithVolatilityChecker replaces the catalog based volatility check used by
// AddColumnWithDefault.
func WithVolatilityChecker(v VolatilityChecker) Option {
	return func(m *Migrator) { m.volatility = v }
}

// WithBatchDefaults sets the batch options used when a call does not
// override them.
func WithBatchDefaults(o batch.Options) Option {
	return func(m *Migrator) { m.batchDefaults = o }
}

// Migrator runs zero-downtime schema operations on one session.
type Migrator struct {
	sess          *session.Session
	registry      *catalog.Registry
	reporter      observability.Reporter
	metrics       *observability.Collector
	tracer        *tracing.MigrationTracer
	logger        *slog.Logger
	observer      batch.Observer
	volatility    VolatilityChecker
	batchDefaults batch.Options

	inspector   *catalog.Inspector
	engine      *batch.Engine
	constraints *constraint.Lifecycle
	notNull     *constraint.NotNull
	textLimit   *constraint.TextLimit
	indexes     *index.Lifecycle
	renames     *rename.Protocol
}

// New creates a Migrator on sess.
func New(sess *session.Session, opts ...Option) *Migrator {
	m := &Migrator{
		sess:   sess,
		logger: sess.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = catalog.NewRegistry()
	}
	if m.reporter == nil {
		m.reporter = observability.LogReporter(m.logger)
	}

	m.inspector = catalog.NewInspector(sess, m.registry)
	if m.volatility == nil {
		m.volatility = CatalogVolatility(m.inspector)
	}

	engineOpts := []batch.EngineOption{
		batch.WithLogger(m.logger),
		batch.WithMetrics(m.metrics),
		batch.WithTracer(m.tracer),
	}
	if m.observer != nil {
		engineOpts = append(engineOpts, batch.WithObserver(m.observer))
	}
	m.engine = batch.NewEngine(sess, m.inspector, engineOpts...)
	m.constraints = constraint.NewLifecycle(sess, m.inspector, m.reporter)
	m.notNull = constraint.NewNotNull(m.constraints)
	m.textLimit = constraint.NewTextLimit(m.constraints)
	m.indexes = index.NewLifecycle(sess, m.inspector, m.reporter)
	m.renames = rename.NewProtocol(sess, m.inspector, m.reporter)
	return m
}

// Session returns the migrator's session.
func (m *Migrator) Session() *session.Session { return m.sess }

// Inspector returns the catalog inspector bound to the migrator's registry.
func (m *Migrator) Inspector() *catalog.Inspector { return m.inspector }

// Backfill runs fn for every batch of rel. It is the building block of the
// column flows and is exposed for custom data migrations.
func (m *Migrator) Backfill(ctx context.Context, rel *batch.Relation, fn batch.BatchFunc, opts ...OpOption) (batch.Stats, error) {
	cfg := m.config(opts)
	if cfg.refine != nil {
		rel = cfg.refine(rel)
	}
	stats, err := m.engine.Run(ctx, rel, cfg.batch, fn)
	if err != nil {
		m.metrics.RecordFailure("backfill")
		return stats, err
	}
	m.metrics.RecordOperation("backfill", observability.Applied)
	return stats, nil
}

// WithLock runs fn while holding lock for key.
func (m *Migrator) WithLock(ctx context.Context, lock DistributedLock, key string, fn func(ctx context.Context) error) error {
	release, err := lock.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire migration lock %s: %w", key, err)
	}
	defer release()
	return fn(ctx)
}

// do wraps one DDL operation with a span, metrics and a log line.
func (m *Migrator) do(ctx context.Context, op, table string, fn func(ctx context.Context) (observability.Outcome, error)) (outcome observability.Outcome, err error) {
	ctx, span := m.tracer.StartOperation(ctx, op, table)
	started := time.Now()
	defer func() {
		m.tracer.End(span, err)
		if err != nil {
			m.metrics.RecordFailure(op)
			return
		}
		m.metrics.RecordOperation(op, outcome)
		m.logger.Debug("operation finished", "operation", op, "table", table,
			"outcome", outcome.String(), "duration", time.Since(started))
	}()
	return fn(ctx)
}
