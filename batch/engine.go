package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/observability/tracing"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

const (
	DefaultBatchSize = 1000
	DefaultPause     = 50 * time.Millisecond
)

var (
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	ErrNoPrimaryKey     = errors.New("table has no single-column primary key")
)

// Batch describes one executed range.
type Batch struct {
	Number       int
	Range        Range
	Relation     *Relation
	RowsAffected int64
	Elapsed      time.Duration
}

// BatchFunc applies the migration to the rows of rel and returns how many
// rows it changed.
type BatchFunc func(ctx context.Context, rel *Relation) (int64, error)

// ProgressFunc is called after every batch.
type ProgressFunc func(b Batch)

// PrintProgress returns a ProgressFunc that writes one line per batch to w.
func PrintProgress(w io.Writer) ProgressFunc {
	return func(b Batch) {
		fmt.Fprintf(w, "%s: batch %d %s, %d rows in %s\n",
			b.Relation.Name(), b.Number, b.Range, b.RowsAffected, b.Elapsed.Round(time.Millisecond))
	}
}

// Options control a single Run. Zero values select the defaults.
type Options struct {
	// BatchSize is the maximum number of rows per batch.
	BatchSize int
	// Column is the int64 key column to batch on. Defaults to the table's
	// primary key.
	Column string
	// Pause is slept between batches. Negative disables the pause.
	Pause time.Duration
	// RowsPerSecond throttles the run to at most that many affected rows
	// per second on average. Zero disables throttling.
	RowsPerSecond float64
	Progress      ProgressFunc
	// Start and Finish bound the key domain, both inclusive.
	Start  *int64
	Finish *int64
}

// Stats summarizes a finished run.
type Stats struct {
	RunID        uuid.UUID
	Table        string
	Column       string
	Batches      int
	RowsAffected int64
	Duration     time.Duration
}

// Observer is told about the lifecycle of every run. Observer errors are
// logged and do not stop the run.
type Observer interface {
	RunStarted(ctx context.Context, stats Stats) error
	BatchFinished(ctx context.Context, stats Stats, b Batch) error
	RunFinished(ctx context.Context, stats Stats, runErr error) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records batches on c.
func WithMetrics(c *observability.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer opens a span per run and per batch.
func WithTracer(t *tracing.MigrationTracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithObserver registers an Observer, e.g. a run journal.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// Engine runs backfills on one session.
type Engine struct {
	sess      *session.Session
	inspector *catalog.Inspector
	logger    *slog.Logger
	metrics   *observability.Collector
	tracer    *tracing.MigrationTracer
	observer  Observer
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine. The inspector is used to find the primary key
// when Options.Column is empty.
func NewEngine(sess *session.Session, inspector *catalog.Inspector, opts ...EngineOption) *Engine {
	e := &Engine{
		sess:      sess,
		inspector: inspector,
		logger:    sess.Logger(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run walks rel in key ranges and calls onBatch once per range. It refuses
// to run inside a transaction since every batch must commit on its own.
func (e *Engine) Run(ctx context.Context, rel *Relation, opts Options, onBatch BatchFunc) (stats Stats, err error) {
	if err := e.sess.RequireNoTransaction("backfill " + rel.Name()); err != nil {
		return Stats{}, err
	}
	if opts.BatchSize < 0 {
		return Stats{}, fmt.Errorf("backfill %s: %w", rel.Name(), ErrInvalidBatchSize)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Pause == 0 {
		opts.Pause = DefaultPause
	}

	column := opts.Column
	if column == "" {
		if column, err = e.primaryKey(ctx, rel.Name()); err != nil {
			return Stats{}, err
		}
	}

	stats = Stats{RunID: uuid.New(), Table: rel.Name(), Column: column}
	started := time.Now()

	ctx, span := e.tracer.StartOperation(ctx, "backfill", rel.Name())
	defer func() {
		stats.Duration = time.Since(started)
		e.tracer.End(span, err)
		e.notify("run finished", func() error {
			return e.observer.RunFinished(context.WithoutCancel(ctx), stats, err)
		})
		if err != nil {
			e.logger.Error("backfill failed", "table", stats.Table, "run", stats.RunID, "batches", stats.Batches, "error", err)
			return
		}
		e.logger.Info("backfill finished", "table", stats.Table, "run", stats.RunID,
			"batches", stats.Batches, "rows", stats.RowsAffected, "duration", stats.Duration)
	}()

	e.notify("run started", func() error { return e.observer.RunStarted(ctx, stats) })

	var limiter *rate.Limiter
	if opts.RowsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RowsPerSecond), opts.BatchSize)
	}

	cursor := NewCursor(e.sess, rel, column, opts.BatchSize)
	if opts.Start != nil {
		cursor.From(*opts.Start)
	}
	if opts.Finish != nil {
		cursor.To(*opts.Finish)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rng, ok, err := cursor.Next(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, nil
		}

		b, err := e.runBatch(ctx, rel, column, stats.Batches+1, rng, onBatch)
		if err != nil {
			return stats, err
		}
		stats.Batches++
		stats.RowsAffected += b.RowsAffected

		if opts.Progress != nil {
			opts.Progress(b)
		}
		e.notify("batch finished", func() error { return e.observer.BatchFinished(ctx, stats, b) })

		if cursor.Done() {
			return stats, nil
		}
		if limiter != nil && b.RowsAffected > 0 {
			if err := limiter.WaitN(ctx, int(min(b.RowsAffected, int64(opts.BatchSize)))); err != nil {
				return stats, fmt.Errorf("throttle backfill of %s: %w", rel.Name(), err)
			}
		}
		if opts.Pause > 0 {
			if err := e.sleep(ctx, opts.Pause); err != nil {
				return stats, err
			}
		}
	}
}

func (e *Engine) runBatch(ctx context.Context, rel *Relation, column string, number int, rng Range, onBatch BatchFunc) (Batch, error) {
	ctx, span := e.tracer.StartBatch(ctx, rel.Name(), number, rng.String())
	sub := rng.Apply(rel, column)

	start := time.Now()
	rows, err := onBatch(ctx, sub)
	elapsed := time.Since(start)
	e.tracer.End(span, err)
	if err != nil {
		return Batch{}, fmt.Errorf("backfill %s batch %d %s: %w", rel.Name(), number, rng, err)
	}

	e.metrics.ObserveBatch(rel.Name(), rows, elapsed)
	e.logger.Debug("batch finished", "table", rel.Name(), "batch", number, "range", rng.String(), "rows", rows, "elapsed", elapsed)
	return Batch{Number: number, Range: rng, Relation: sub, RowsAffected: rows, Elapsed: elapsed}, nil
}

func (e *Engine) primaryKey(ctx context.Context, table string) (string, error) {
	cols, err := e.inspector.PrimaryKey(ctx, table)
	if err != nil {
		return "", err
	}
	if len(cols) != 1 {
		return "", fmt.Errorf("backfill %s: %w (pass an explicit column)", table, ErrNoPrimaryKey)
	}
	return cols[0], nil
}

func (e *Engine) notify(event string, fn func() error) {
	if e.observer == nil {
		return
	}
	if err := fn(); err != nil {
		e.logger.Warn("backfill observer failed", "event", event, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
