// Package session pins a single PostgreSQL connection for the duration of a
// migration step and provides transaction tracking and the scoped
// statement-timeout guard used around long-running DDL.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// ErrInTransaction is returned by operations that need their own commit
// boundaries when the session is already inside a transaction.
var ErrInTransaction = errors.New("operation cannot run inside a transaction")

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used by the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTargetVersion overrides the server version reported by
// ServerVersion. The value uses the server_version_num format (e.g. 120005).
func WithTargetVersion(version int) Option {
	return func(s *Session) {
		if version > 0 {
			s.version = version
		}
	}
}

// Session is one database connection shared by every component of a
// migration step. It is not safe for concurrent use.
type Session struct {
	db     bun.IDB
	inTx   bool
	logger *slog.Logger

	mu      sync.Mutex
	version int

	close func() error
}

// Open connects to PostgreSQL through the pgx stdlib driver and pins one
// connection from the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Session, error) {
	sqldb, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db := bun.NewDB(sqldb, pgdialect.New())

	s, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	pinned := s.close
	s.close = func() error {
		return errors.Join(pinned(), db.Close())
	}
	return s, nil
}

// New pins a connection from an existing bun.DB. Closing the session
// releases the connection but leaves db open.
func New(ctx context.Context, db *bun.DB, opts ...Option) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	s := &Session{
		db:     conn,
		logger: slog.Default(),
		close:  conn.Close,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FromTx wraps a transaction opened by the caller. Operations that require
// their own commit boundaries reject sessions created this way.
func FromTx(tx bun.Tx, opts ...Option) *Session {
	s := &Session{
		db:     tx,
		inTx:   true,
		logger: slog.Default(),
		close:  func() error { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the query builder bound to the pinned connection or transaction.
func (s *Session) DB() bun.IDB { return s.db }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// InTransaction reports whether statements run inside an open transaction.
func (s *Session) InTransaction() bool { return s.inTx }

// RequireNoTransaction returns ErrInTransaction, wrapped with op, when the
// session is inside a transaction.
func (s *Session) RequireNoTransaction(op string) error {
	if s.inTx {
		return fmt.Errorf("%s: %w", op, ErrInTransaction)
	}
	return nil
}

// Exec runs a statement. Arguments are formatted by bun, so identifiers
// should be passed as bun.Ident and trusted SQL fragments as bun.Safe.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryRow runs a query expected to return at most one row.
func (s *Session) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Query runs a query returning rows.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// Transaction runs fn inside a transaction on the pinned connection. When the
// session is already in a transaction fn joins it.
func (s *Session) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Session) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	child := &Session{
		db:      tx,
		inTx:    true,
		logger:  s.logger,
		version: s.cachedVersion(),
		close:   func() error { return nil },
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(ctx, child); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ServerVersion returns the server_version_num of the connected server, or
// the override passed through WithTargetVersion.
func (s *Session) ServerVersion(ctx context.Context) (int, error) {
	if v := s.cachedVersion(); v > 0 {
		return v, nil
	}

	var v int
	if err := s.db.QueryRowContext(ctx, "SHOW server_version_num").Scan(&v); err != nil {
		return 0, fmt.Errorf("read server_version_num: %w", err)
	}

	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
	return v, nil
}

func (s *Session) cachedVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Close releases the pinned connection.
func (s *Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
