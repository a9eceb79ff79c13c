package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/onlinemigrate/migration"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/rename"
)

var renameActions = []string{"init", "revert-init", "finalize", "revert-finalize"}

func runRenameTable(args []string) error {
	action, args, err := splitAction(args, renameActions...)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("rename-table "+action, flag.ContinueOnError)
	g := registerGlobal(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate rename-table init|revert-init|revert-finalize [options] <table> <new-name>
       onlinemigrate rename-table finalize [options] <table>

init renames the table and leaves a view under the old name so running
application code keeps working. finalize drops the view once every
process uses the new name.

Options:
`)
		fs.PrintDefaults()
	}

	want := 2
	if action == "finalize" {
		want = 1
	}
	rest, err := parseArgs(fs, args, want, want)
	if err != nil {
		return err
	}
	table := rest[0]

	return runOperation(g, "rename-table "+action, table, func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error) {
		switch action {
		case "init":
			return m.InitializeTableRename(ctx, table, rest[1])
		case "revert-init":
			return m.RevertInitializeTableRename(ctx, table, rest[1])
		case "finalize":
			return m.FinalizeTableRename(ctx, table)
		default:
			return m.RevertFinalizeTableRename(ctx, table, rest[1])
		}
	})
}

// parseColumnRenames reads old:new pairs.
func parseColumnRenames(pairs []string) ([]rename.ColumnRename, error) {
	out := make([]rename.ColumnRename, 0, len(pairs))
	for _, p := range pairs {
		old, newName, ok := strings.Cut(p, ":")
		if !ok || old == "" || newName == "" {
			return nil, fmt.Errorf("%w: column rename %q is not old:new", errUsage, p)
		}
		out = append(out, rename.ColumnRename{Old: old, New: newName})
	}
	return out, nil
}

func runRenameColumn(args []string) error {
	action, args, err := splitAction(args, renameActions...)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("rename-column "+action, flag.ContinueOnError)
	g := registerGlobal(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate rename-column init|finalize|revert-finalize [options] <table> <old:new>...
       onlinemigrate rename-column revert-init [options] <table>

init moves the table aside and creates a view exposing both the old and
the new column names. finalize drops the view and renames the columns.

Options:
`)
		fs.PrintDefaults()
	}

	minArgs, maxArgs := 2, -1
	if action == "revert-init" {
		minArgs, maxArgs = 1, 1
	}
	rest, err := parseArgs(fs, args, minArgs, maxArgs)
	if err != nil {
		return err
	}
	table := rest[0]
	renames, err := parseColumnRenames(rest[1:])
	if err != nil {
		return err
	}

	return runOperation(g, "rename-column "+action, table, func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error) {
		switch action {
		case "init":
			return m.InitializeColumnsRename(ctx, table, renames)
		case "revert-init":
			return m.RevertInitializeColumnRename(ctx, table)
		case "finalize":
			return m.FinalizeColumnsRename(ctx, table, renames)
		default:
			return m.RevertFinalizeColumnsRename(ctx, table, renames)
		}
	})
}
