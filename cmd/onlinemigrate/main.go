package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GoCodeAlone/onlinemigrate/batch"
	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/config"
	"github.com/GoCodeAlone/onlinemigrate/constraint"
	"github.com/GoCodeAlone/onlinemigrate/index"
	"github.com/GoCodeAlone/onlinemigrate/migration"
	"github.com/GoCodeAlone/onlinemigrate/rename"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"update-column": runUpdateColumn,
	"add-column":    runAddColumn,
	"index":         runIndex,
	"check":         runCheck,
	"not-null":      runNotNull,
	"text-limit":    runTextLimit,
	"foreign-key":   runForeignKey,
	"rename-table":  runRenameTable,
	"rename-column": runRenameColumn,
	"runs":          runRuns,
}

func usage() {
	fmt.Fprintf(os.Stderr, `onlinemigrate - zero-downtime PostgreSQL migrations (version %s)

Usage:
  onlinemigrate <command> [options] <args>

Commands:
  update-column  Set a column on every row in batches
  add-column     Add a column with a default without a table rewrite
  index          Add or remove an index (add, remove)
  check          CHECK constraints (add, validate, remove)
  not-null       NOT NULL through a check constraint (add, validate, remove, promote)
  text-limit     Length limit on a text column (add, validate, remove)
  foreign-key    Foreign keys (add, validate, remove)
  rename-table   Rename a table behind a view (init, revert-init, finalize, revert-finalize)
  rename-column  Rename columns behind a view (init, revert-init, finalize, revert-finalize)
  runs           List journaled backfill runs

Every command accepts -config, -database-url and -lock-key.
Run 'onlinemigrate <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		os.Exit(exitCode(err))
	}
}

// Exit codes: 1 for usage and unexpected errors, 2 when the database
// rejected a statement, 3 when a precondition failed before anything ran.
const (
	exitFailure      = 1
	exitDatabase     = 2
	exitPrecondition = 3
)

var preconditions = []error{
	session.ErrInTransaction,
	catalog.ErrViewShadowed,
	catalog.ErrColumnNotFound,
	batch.ErrInvalidBatchSize,
	batch.ErrNoPrimaryKey,
	constraint.ErrConstraintNotFound,
	constraint.ErrNotValidated,
	constraint.ErrInvalidOnDelete,
	constraint.ErrInvalidSpec,
	index.ErrInvalidSpec,
	migration.ErrMissingDefault,
	migration.ErrNoColumns,
	migration.ErrLockHeld,
	rename.ErrNoColumns,
	config.ErrInvalid,
}

func exitCode(err error) int {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return exitDatabase
	}
	for _, target := range preconditions {
		if errors.Is(err, target) {
			return exitPrecondition
		}
	}
	return exitFailure
}
