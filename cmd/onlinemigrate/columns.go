package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/GoCodeAlone/onlinemigrate/batch"
	"github.com/GoCodeAlone/onlinemigrate/migration"
)

// batchFlags are shared by the commands that backfill.
type batchFlags struct {
	size          int
	column        string
	pause         time.Duration
	rowsPerSecond float64
	start         int64
	finish        int64
	resume        bool
	progress      bool
	where         string
}

func registerBatch(fs *flag.FlagSet) *batchFlags {
	b := &batchFlags{}
	fs.IntVar(&b.size, "batch-size", 0, "Rows per batch (default from config)")
	fs.StringVar(&b.column, "batch-column", "", "Integer key column to batch on (default primary key)")
	fs.DurationVar(&b.pause, "pause", 0, "Pause between batches, negative disables (default from config)")
	fs.Float64Var(&b.rowsPerSecond, "rows-per-second", 0, "Throttle to this many updated rows per second (default from config)")
	fs.Int64Var(&b.start, "start", 0, "First key to process")
	fs.Int64Var(&b.finish, "finish", 0, "Last key to process")
	fs.BoolVar(&b.resume, "resume", false, "Start after the last committed batch of the most recent failed run")
	fs.BoolVar(&b.progress, "progress", false, "Print a line per batch")
	fs.StringVar(&b.where, "where", "", "Extra SQL predicate limiting the rows to update")
	return b
}

// options turns the flags into operation options. Flags that were not set
// leave the configured defaults in place.
func (b *batchFlags) options(ctx context.Context, fs *flag.FlagSet, e *env, table string) ([]migration.OpOption, error) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var opts []migration.OpOption
	if set["batch-size"] {
		if b.size <= 0 {
			return nil, fmt.Errorf("%w: -batch-size must be positive, got %d", errUsage, b.size)
		}
		opts = append(opts, migration.WithBatchSize(b.size))
	}
	if b.column != "" {
		opts = append(opts, migration.WithBatchColumn(b.column))
	}
	if set["pause"] {
		opts = append(opts, migration.WithPause(b.pause))
	}
	if set["rows-per-second"] {
		opts = append(opts, migration.WithRowsPerSecond(b.rowsPerSecond))
	}
	if b.progress || e.cfg.Backfill.Progress {
		opts = append(opts, migration.WithProgress(batch.PrintProgress(os.Stderr)))
	}
	if b.where != "" {
		where := b.where
		opts = append(opts, migration.WithRefine(func(r *batch.Relation) *batch.Relation {
			return r.Where(where)
		}))
	}

	start, hasStart := b.start, set["start"]
	if b.resume {
		column := b.column
		if column == "" {
			pk, err := e.migrator.Inspector().PrimaryKey(ctx, table)
			if err != nil {
				return nil, err
			}
			if len(pk) != 1 {
				return nil, fmt.Errorf("resume %s: %w", table, batch.ErrNoPrimaryKey)
			}
			column = pk[0]
		}
		from, ok, err := e.recorder.ResumeFrom(ctx, table, column)
		if err != nil {
			return nil, err
		}
		if ok {
			e.logger.Info("resuming backfill", "table", table, "column", column, "start", from)
			start, hasStart = from, true
		}
	}

	switch {
	case hasStart && set["finish"]:
		opts = append(opts, migration.WithRange(start, b.finish))
	case hasStart:
		opts = append(opts, migration.WithStart(start))
	case set["finish"]:
		return nil, fmt.Errorf("%w: -finish requires -start", errUsage)
	}
	return opts, nil
}

// columnValue interprets a command line value. -null wins over the value,
// -raw passes it as an SQL expression.
func columnValue(value string, raw, null bool) any {
	switch {
	case null:
		return nil
	case raw:
		return migration.Raw(value)
	default:
		return value
	}
}

func runUpdateColumn(args []string) error {
	fs := flag.NewFlagSet("update-column", flag.ContinueOnError)
	g := registerGlobal(fs)
	b := registerBatch(fs)
	raw := fs.Bool("raw", false, "Treat the value as an SQL expression")
	null := fs.Bool("null", false, "Set the column to NULL")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate update-column [options] <table> <column> [value]

Set column to value on every row, one batch at a time. Rows that already
hold the value are skipped, so the command can be rerun after a failure.

Examples:
  onlinemigrate update-column users status active
  onlinemigrate update-column -raw -where "created_at < now()" users synced_at "now()"
  onlinemigrate update-column -resume users status active

Options:
`)
		fs.PrintDefaults()
	}

	rest, err := parseArgs(fs, args, 2, 3)
	if err != nil {
		return err
	}
	table, column := rest[0], rest[1]
	if len(rest) == 2 && !*null {
		fs.Usage()
		return fmt.Errorf("%w: value required unless -null is set", errUsage)
	}
	var value string
	if len(rest) == 3 {
		value = rest[2]
	}

	return withMigrator(g, func(ctx context.Context, e *env) error {
		opts, err := b.options(ctx, fs, e, table)
		if err != nil {
			return err
		}
		stats, err := e.migrator.UpdateColumnInBatches(ctx, table, column, columnValue(value, *raw, *null), opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "update-column %s.%s: %d rows in %d batches (%s, run %s)\n",
			table, column, stats.RowsAffected, stats.Batches, stats.Duration.Round(time.Millisecond), stats.RunID)
		return nil
	})
}

func runAddColumn(args []string) error {
	fs := flag.NewFlagSet("add-column", flag.ContinueOnError)
	g := registerGlobal(fs)
	b := registerBatch(fs)
	raw := fs.Bool("raw", false, "Treat the default as an SQL expression")
	notNull := fs.Bool("not-null", false, "Make the column NOT NULL")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate add-column [options] <table> <column> <type> <default>

Add a column with a default. PostgreSQL 11+ stores non-volatile defaults in
the catalog; otherwise the column is added, backfilled in batches and, with
-not-null, constrained through a validated check.

Examples:
  onlinemigrate add-column -not-null users status text active
  onlinemigrate add-column -raw users token uuid "gen_random_uuid()"

Options:
`)
		fs.PrintDefaults()
	}

	rest, err := parseArgs(fs, args, 4, 4)
	if err != nil {
		return err
	}
	table, column, sqlType, def := rest[0], rest[1], rest[2], rest[3]

	return withMigrator(g, func(ctx context.Context, e *env) error {
		opts, err := b.options(ctx, fs, e, table)
		if err != nil {
			return err
		}
		if *notNull {
			opts = append(opts, migration.WithNotNull())
		}
		outcome, err := e.migrator.AddColumnWithDefault(ctx, table, column, sqlType, columnValue(def, *raw, false), opts...)
		if err != nil {
			return err
		}
		printOutcome(e.out, "add-column", table+"."+column, outcome)
		return nil
	})
}
