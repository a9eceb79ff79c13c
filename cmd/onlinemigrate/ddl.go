package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/GoCodeAlone/onlinemigrate/migration"
	"github.com/GoCodeAlone/onlinemigrate/observability"
)

// constraintFlags are shared by the constraint commands.
type constraintFlags struct {
	name       string
	noValidate bool
}

func registerConstraint(fs *flag.FlagSet) *constraintFlags {
	c := &constraintFlags{}
	fs.StringVar(&c.name, "name", "", "Constraint name (default derived from table and definition)")
	fs.BoolVar(&c.noValidate, "no-validate", false, "Add the constraint NOT VALID and leave validation for later")
	return c
}

func (c *constraintFlags) options() []migration.OpOption {
	opts := []migration.OpOption{migration.WithValidate(!c.noValidate)}
	if c.name != "" {
		opts = append(opts, migration.WithName(c.name))
	}
	return opts
}

type operation func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error)

// runOperation runs op on a connected migrator and prints its outcome.
func runOperation(g *globalFlags, label, target string, op operation) error {
	return withMigrator(g, func(ctx context.Context, e *env) error {
		outcome, err := op(ctx, e.migrator)
		if err != nil {
			return err
		}
		printOutcome(e.out, label, target, outcome)
		return nil
	})
}

func runIndex(args []string) error {
	action, args, err := splitAction(args, "add", "remove")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("index "+action, flag.ContinueOnError)
	g := registerGlobal(fs)
	name := fs.String("name", "", "Index name (default index_<table>_on_<columns>)")
	unique := fs.Bool("unique", false, "Create a unique index")
	where := fs.String("where", "", "Predicate of a partial index")
	using := fs.String("using", "", "Index access method, e.g. gin")
	noConcurrently := fs.Bool("no-concurrently", false, "Build or drop without CONCURRENTLY (locks writes)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate index add|remove [options] <table> <column[,column...]>

Create or drop an index concurrently. An invalid index left by an
interrupted build is dropped and rebuilt.

Options:
`)
		fs.PrintDefaults()
	}

	rest, err := parseArgs(fs, args, 2, 2)
	if err != nil {
		return err
	}
	table, columns := rest[0], splitList(rest[1])

	opts := []migration.OpOption{migration.WithConcurrently(!*noConcurrently)}
	if *name != "" {
		opts = append(opts, migration.WithName(*name))
	}
	if *unique {
		opts = append(opts, migration.WithUnique())
	}
	if *where != "" {
		opts = append(opts, migration.WithWhere(*where))
	}
	if *using != "" {
		opts = append(opts, migration.WithUsing(*using))
	}

	return runOperation(g, "index "+action, table, func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error) {
		if action == "add" {
			return m.AddIndex(ctx, table, columns, opts...)
		}
		return m.RemoveIndex(ctx, table, columns, opts...)
	})
}

func runCheck(args []string) error {
	action, args, err := splitAction(args, "add", "validate", "remove")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("check "+action, flag.ContinueOnError)
	g := registerGlobal(fs)
	c := registerConstraint(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate check add|validate|remove [options] <table> <expression>

Options:
`)
		fs.PrintDefaults()
	}

	rest, err := parseArgs(fs, args, 2, 2)
	if err != nil {
		return err
	}
	table, expression := rest[0], rest[1]
	opts := c.options()

	return runOperation(g, "check "+action, table, func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error) {
		switch action {
		case "add":
			return m.AddCheckConstraint(ctx, table, expression, opts...)
		case "validate":
			return m.ValidateCheckConstraint(ctx, table, expression, opts...)
		default:
			return m.RemoveCheckConstraint(ctx, table, expression, opts...)
		}
	})
}

func runNotNull(args []string) error {
	action, args, err := splitAction(args, "add", "validate", "remove", "promote")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("not-null "+action, flag.ContinueOnError)
	g := registerGlobal(fs)
	c := registerConstraint(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate not-null add|validate|remove|promote [options] <table> <column>

promote replaces a validated check with a native NOT NULL (PostgreSQL 12+).

Options:
`)
		fs.PrintDefaults()
	}

	rest, err := parseArgs(fs, args, 2, 2)
	if err != nil {
		return err
	}
	table, column := rest[0], rest[1]
	opts := c.options()

	return runOperation(g, "not-null "+action, table+"."+column, func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error) {
		switch action {
		case "add":
			return m.AddNotNullConstraint(ctx, table, column, opts...)
		case "validate":
			return m.ValidateNotNullConstraint(ctx, table, column, opts...)
		case "promote":
			return m.PromoteNotNullConstraint(ctx, table, column, opts...)
		default:
			return m.RemoveNotNullConstraint(ctx, table, column, opts...)
		}
	})
}

func runTextLimit(args []string) error {
	action, args, err := splitAction(args, "add", "validate", "remove")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("text-limit "+action, flag.ContinueOnError)
	g := registerGlobal(fs)
	c := registerConstraint(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate text-limit add [options] <table> <column> <limit>
       onlinemigrate text-limit validate|remove [options] <table> <column>

Options:
`)
		fs.PrintDefaults()
	}

	want := 2
	if action == "add" {
		want = 3
	}
	rest, err := parseArgs(fs, args, want, want)
	if err != nil {
		return err
	}
	table, column := rest[0], rest[1]
	var limit int
	if action == "add" {
		if limit, err = strconv.Atoi(rest[2]); err != nil {
			return fmt.Errorf("%w: limit %q is not a number", errUsage, rest[2])
		}
	}
	opts := c.options()

	return runOperation(g, "text-limit "+action, table+"."+column, func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error) {
		switch action {
		case "add":
			return m.AddTextLimitConstraint(ctx, table, column, limit, opts...)
		case "validate":
			return m.ValidateTextLimitConstraint(ctx, table, column, opts...)
		default:
			return m.RemoveTextLimitConstraint(ctx, table, column, opts...)
		}
	})
}

func runForeignKey(args []string) error {
	action, args, err := splitAction(args, "add", "validate", "remove")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("foreign-key "+action, flag.ContinueOnError)
	g := registerGlobal(fs)
	c := registerConstraint(fs)
	onDelete := fs.String("on-delete", "", "ON DELETE action: cascade, restrict, set null, set default, no action")
	refColumn := fs.String("referenced-column", "", "Referenced column (default id)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate foreign-key add [options] <table> <column> <referenced-table>
       onlinemigrate foreign-key validate|remove [options] <table> <column>

Options:
`)
		fs.PrintDefaults()
	}

	want := 2
	if action == "add" {
		want = 3
	}
	rest, err := parseArgs(fs, args, want, want)
	if err != nil {
		return err
	}
	from, column := rest[0], rest[1]
	opts := c.options()
	if *onDelete != "" {
		opts = append(opts, migration.WithOnDelete(*onDelete))
	}
	if *refColumn != "" {
		opts = append(opts, migration.WithReferencedColumn(*refColumn))
	}

	return runOperation(g, "foreign-key "+action, from+"."+column, func(ctx context.Context, m *migration.Migrator) (observability.Outcome, error) {
		switch action {
		case "add":
			return m.AddForeignKey(ctx, from, column, rest[2], opts...)
		case "validate":
			return m.ValidateForeignKey(ctx, from, column, opts...)
		default:
			return m.RemoveForeignKey(ctx, from, column, opts...)
		}
	})
}
