package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/config"
	"github.com/GoCodeAlone/onlinemigrate/journal"
	"github.com/GoCodeAlone/onlinemigrate/migration"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "onlinemigrate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), exitFailure},
		{"usage", fmt.Errorf("%w: x", errUsage), exitFailure},
		{"transaction", fmt.Errorf("add index: %w", session.ErrInTransaction), exitPrecondition},
		{"shadowed", fmt.Errorf("users: %w", catalog.ErrViewShadowed), exitPrecondition},
		{"default", migration.ErrMissingDefault, exitPrecondition},
		{"postgres", fmt.Errorf("validate: %w", &pgconn.PgError{Code: "23514"}), exitDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestSplitAction(t *testing.T) {
	action, rest, err := splitAction([]string{"add", "-unique", "users", "email"}, "add", "remove")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != "add" || len(rest) != 3 {
		t.Errorf("got action %q rest %v", action, rest)
	}

	for _, args := range [][]string{nil, {"-unique"}, {"create"}} {
		if _, _, err := splitAction(args, "add", "remove"); !errors.Is(err, errUsage) {
			t.Errorf("splitAction(%v): expected errUsage, got %v", args, err)
		}
	}
}

func TestParseArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	unique := fs.Bool("unique", false, "")

	rest, err := parseArgs(fs, []string{"-unique", "users", "email"}, 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !*unique || strings.Join(rest, " ") != "users email" {
		t.Errorf("got unique=%v rest=%v", *unique, rest)
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	if _, err := parseArgs(fs, []string{"users"}, 2, -1); !errors.Is(err, errUsage) {
		t.Errorf("expected errUsage, got %v", err)
	}
}

func TestParseColumnRenames(t *testing.T) {
	renames, err := parseColumnRenames([]string{"name:title", "desc:description"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(renames) != 2 || renames[1].Old != "desc" || renames[1].New != "description" {
		t.Errorf("unexpected renames: %+v", renames)
	}

	for _, bad := range []string{"name", ":title", "name:"} {
		if _, err := parseColumnRenames([]string{bad}); !errors.Is(err, errUsage) {
			t.Errorf("parseColumnRenames(%q): expected errUsage, got %v", bad, err)
		}
	}
}

func TestColumnValue(t *testing.T) {
	if v := columnValue("x", false, true); v != nil {
		t.Errorf("-null should give nil, got %v", v)
	}
	if v, ok := columnValue("now()", true, false).(migration.Raw); !ok || v != "now()" {
		t.Errorf("-raw should give migration.Raw, got %#v", v)
	}
	if v := columnValue("active", false, false); v != "active" {
		t.Errorf("expected literal, got %#v", v)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "table", "users")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"table":"users"`) {
		t.Errorf("expected JSON record, got %q", out)
	}
}

func TestWriteRuns(t *testing.T) {
	last := int64(42)
	runs := []*journal.Run{{
		Table:     "users",
		Column:    "id",
		Status:    journal.StatusFailed,
		Batches:   3,
		LastKey:   &last,
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	if err := writeRuns(&buf, "table", runs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "users") || !strings.Contains(buf.String(), "42") {
		t.Errorf("unexpected table output: %q", buf.String())
	}

	buf.Reset()
	if err := writeRuns(&buf, "yaml", runs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "last_key: 42") {
		t.Errorf("unexpected yaml output: %q", buf.String())
	}

	buf.Reset()
	if err := writeRuns(&buf, "json", runs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"status": "failed"`) {
		t.Errorf("unexpected json output: %q", buf.String())
	}

	if err := writeRuns(&buf, "xml", runs); !errors.Is(err, errUsage) {
		t.Errorf("expected errUsage, got %v", err)
	}
}

func TestRunRuns_SQLiteJournal(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	store, err := journal.NewSQLiteRunStore(dbPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := store.Create(context.Background(), &journal.Run{Table: "users", Column: "id"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	store.Close()

	cfg := writeTestConfig(t, "journal:\n  driver: sqlite\n  path: "+dbPath+"\n")
	if err := runRuns([]string{"-config", cfg, "-table", "users"}); err != nil {
		t.Fatalf("runs: %v", err)
	}
}

func TestCommandsRequireDatabaseURL(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	err := runUpdateColumn([]string{"users", "status", "active"})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected config.ErrInvalid, got %v", err)
	}
	if exitCode(err) != exitPrecondition {
		t.Errorf("expected precondition exit code, got %d", exitCode(err))
	}
}

func TestUpdateColumnNeedsValue(t *testing.T) {
	err := runUpdateColumn([]string{"users", "status"})
	if !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage, got %v", err)
	}
}

func TestBatchFlags_RejectZeroBatchSize(t *testing.T) {
	for _, size := range []string{"0", "-5"} {
		fs := flag.NewFlagSet("update-column", flag.ContinueOnError)
		b := registerBatch(fs)
		if err := fs.Parse([]string{"-batch-size", size}); err != nil {
			t.Fatalf("parse: %v", err)
		}
		if _, err := b.options(context.Background(), fs, nil, "users"); !errors.Is(err, errUsage) {
			t.Errorf("-batch-size %s: expected errUsage, got %v", size, err)
		}
	}
}

func TestServeMetrics(t *testing.T) {
	c := observability.NewCollector("onlinemigrate")
	c.RecordOperation("add_index", observability.Applied)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	shutdown, err := serveMetrics(context.Background(), addr, c, logger)
	if err != nil {
		t.Fatalf("serveMetrics: %v", err)
	}
	defer shutdown()

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `operation="add_index"`) {
		t.Errorf("scrape missing operation sample:\n%s", body)
	}
}

func TestPrintNotice(t *testing.T) {
	var out bytes.Buffer
	e := &env{out: &out}
	e.printNotice(observability.Notice{Message: "index already exists", Outcome: observability.AlreadyApplied})
	if got := out.String(); got != "notice: index already exists (already_applied)\n" {
		t.Errorf("unexpected notice line %q", got)
	}
}
