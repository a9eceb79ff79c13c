package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_runs.sql
var sqliteMigration string

// SQLiteRunStore is a RunStore backed by an SQLite file, kept next to the
// migration scripts so a failed run survives the process.
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLiteRunStore opens or creates the journal at path. Use ":memory:" for
// an in-memory journal.
func NewSQLiteRunStore(path string) (*SQLiteRunStore, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writes and keeps :memory: a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &SQLiteRunStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

const runColumns = `id, table_name, column_name, status, batches, rows_affected, last_key, started_at, finished_at, error`

func (s *SQLiteRunStore) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backfill_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.Table, run.Column, string(run.Status), run.Batches, run.RowsAffected,
		nullKey(run.LastKey), formatTime(run.StartedAt), nullTime(run.FinishedAt), run.Error)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("run %s: %w", run.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backfill_runs WHERE id = ?`, id.String())
	return scanRun(row)
}

func (s *SQLiteRunStore) List(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM backfill_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteRunStore) UpdateProgress(ctx context.Context, id uuid.UUID, batches int, rows int64, lastKey *int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_runs
		SET batches = ?, rows_affected = ?, last_key = coalesce(?, last_key)
		WHERE id = ?
	`, batches, rows, nullKey(lastKey), id.String())
	return affected(res, err, "update run progress")
}

func (s *SQLiteRunStore) Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?
	`, string(status), errMsg, formatTime(time.Now()), id.String())
	return affected(res, err, "finish run")
}

func (s *SQLiteRunStore) LastFailed(ctx context.Context, table, column string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM backfill_runs
		WHERE table_name = ? AND column_name = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1
	`, table, column, string(StatusFailed))
	return scanRun(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run      Run
		id       string
		status   string
		lastKey  sql.NullInt64
		started  string
		finished sql.NullString
	)
	err := row.Scan(&id, &run.Table, &run.Column, &status, &run.Batches, &run.RowsAffected,
		&lastKey, &started, &finished, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.Status = Status(status)
	if lastKey.Valid {
		k := lastKey.Int64
		run.LastKey = &k
	}
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}

func affected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// timeLayout has fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullKey(k *int64) sql.NullInt64 {
	if k == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *k, Valid: true}
}

var _ RunStore = (*SQLiteRunStore)(nil)
