package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/onlinemigrate/batch"
	"github.com/GoCodeAlone/onlinemigrate/config"
	"github.com/GoCodeAlone/onlinemigrate/journal"
	"github.com/GoCodeAlone/onlinemigrate/migration"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/observability/tracing"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

// globalFlags are registered on every command's flag set.
type globalFlags struct {
	configPath  string
	databaseURL string
	lockKey     string
	waitLock    bool
}

func registerGlobal(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&g.databaseURL, "database-url", "", "PostgreSQL connection URL (overrides config and "+config.EnvDatabaseURL+")")
	fs.StringVar(&g.lockKey, "lock-key", "", "Advisory lock key held while the command runs (overrides config)")
	fs.BoolVar(&g.waitLock, "wait-lock", false, "Wait for the advisory lock instead of failing when it is held")
	return g
}

// env is everything one command invocation needs.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	metrics  *observability.Collector
	journal  journal.RunStore
	recorder *journal.Recorder
	sess     *session.Session
	migrator *migration.Migrator

	closers []func() error
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.databaseURL != "" {
		cfg.Database.URL = g.databaseURL
	}
	if g.lockKey != "" {
		cfg.Database.LockKey = g.lockKey
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openJournal(cfg config.JournalConfig) (journal.RunStore, func() error, error) {
	if cfg.Driver == "sqlite" {
		store, err := journal.NewSQLiteRunStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open journal %s: %w", cfg.Path, err)
		}
		return store, store.Close, nil
	}
	return journal.NewMemoryRunStore(), func() error { return nil }, nil
}

// newEnv builds the ambient stack. The database session is opened only
// when withDB is set.
func newEnv(ctx context.Context, g *globalFlags, withDB bool) (*env, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:     cfg,
		logger:  newLogger(os.Stderr, cfg.Log),
		out:     os.Stdout,
		metrics: observability.NewCollector(cfg.Metrics.Namespace),
	}

	store, closeStore, err := openJournal(cfg.Journal)
	if err != nil {
		return nil, err
	}
	e.journal = store
	e.recorder = journal.NewRecorder(store)
	e.closers = append(e.closers, closeStore)

	if addr := cfg.Metrics.Listen; addr != "" && withDB {
		shutdown, err := serveMetrics(ctx, addr, e.metrics, e.logger)
		if err != nil {
			e.close(ctx)
			return nil, err
		}
		e.closers = append(e.closers, shutdown)
	}

	if !withDB {
		return e, nil
	}
	if cfg.Database.URL == "" {
		e.close(ctx)
		return nil, fmt.Errorf("%w: database url is not set (use -database-url or %s)", config.ErrInvalid, config.EnvDatabaseURL)
	}

	var tracer *tracing.MigrationTracer
	if cfg.Tracing.Enabled {
		provider, err := tracing.NewProvider(ctx, cfg.Tracing)
		if err != nil {
			e.close(ctx)
			return nil, err
		}
		tracer = tracing.NewMigrationTracer(provider.Tracer())
		e.closers = append(e.closers, func() error { return provider.Shutdown(context.WithoutCancel(ctx)) })
	}

	sess, err := session.Open(ctx, cfg.Database.URL,
		session.WithLogger(e.logger),
		session.WithTargetVersion(cfg.Database.TargetVersion))
	if err != nil {
		e.close(ctx)
		return nil, err
	}
	e.sess = sess
	e.closers = append(e.closers, sess.Close)

	e.migrator = migration.New(sess,
		migration.WithLogger(e.logger),
		migration.WithReporter(observability.Tee(observability.LogReporter(e.logger), e.printNotice)),
		migration.WithRegistry(cfg.Registry()),
		migration.WithMetrics(e.metrics),
		migration.WithTracer(tracer),
		migration.WithObserver(e.recorder),
		migration.WithBatchDefaults(batch.Options{
			BatchSize:     cfg.Backfill.BatchSize,
			Pause:         cfg.Pause(),
			RowsPerSecond: cfg.Backfill.RowsPerSecond,
		}),
	)
	return e, nil
}

// printNotice echoes a notice on stdout so the operator sees skipped or
// recreated objects next to the command's result.
func (e *env) printNotice(n observability.Notice) {
	fmt.Fprintf(e.out, "notice: %s (%s)\n", n.Message, n.Outcome)
}

// serveMetrics exposes the collector on addr until the returned shutdown
// function is called.
func serveMetrics(ctx context.Context, addr string, c *observability.Collector, logger *slog.Logger) (func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}, nil
}

// close flushes metrics and releases resources in reverse order.
func (e *env) close(ctx context.Context) {
	if path := e.cfg.Metrics.Textfile; path != "" {
		if err := e.metrics.WriteTextfile(path); err != nil {
			e.logger.Warn("failed to write metrics textfile", "path", path, "error", err)
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("failed to release resource", "error", err)
		}
	}
	e.closers = nil
}

// tryLock fails fast instead of waiting for a held advisory lock.
type tryLock struct {
	lock *migration.PostgresLock
}

func (t tryLock) Acquire(ctx context.Context, key string) (func(), error) {
	return t.lock.TryAcquire(ctx, key)
}

// withMigrator runs fn with a connected migrator, holding the advisory
// lock when one is configured. SIGINT and SIGTERM cancel ctx, which stops
// a backfill between batches.
func withMigrator(g *globalFlags, fn func(ctx context.Context, e *env) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, g, true)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	run := func(ctx context.Context) error { return fn(ctx, e) }
	if key := e.cfg.Database.LockKey; key == "" {
		err = run(ctx)
	} else {
		var lock migration.DistributedLock = tryLock{migration.NewPostgresLock(e.sess)}
		if g.waitLock {
			lock = migration.NewPostgresLock(e.sess)
		}
		err = e.migrator.WithLock(ctx, lock, key, run)
	}
	if errors.Is(err, context.Canceled) {
		e.logger.Warn("interrupted", "error", err)
	}
	return err
}
