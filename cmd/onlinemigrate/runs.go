package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/onlinemigrate/journal"
)

func runRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	g := registerGlobal(fs)
	format := fs.String("format", "table", "Output format: table, json or yaml")
	table := fs.String("table", "", "Only show runs of this table")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: onlinemigrate runs [options]

List backfill runs recorded in the journal, most recent first. Only the
sqlite journal survives between invocations.

Options:
`)
		fs.PrintDefaults()
	}
	if _, err := parseArgs(fs, args, 0, 0); err != nil {
		return err
	}

	ctx := context.Background()
	e, err := newEnv(ctx, g, false)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	runs, err := e.journal.List(ctx)
	if err != nil {
		return err
	}
	if *table != "" {
		filtered := runs[:0]
		for _, r := range runs {
			if r.Table == *table {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
	}
	return writeRuns(e.out, *format, runs)
}

func writeRuns(w io.Writer, format string, runs []*journal.Run) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(runs)
	case "table":
	default:
		return fmt.Errorf("%w: unknown format %q", errUsage, format)
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTABLE\tCOLUMN\tSTATUS\tBATCHES\tROWS\tLAST KEY\tSTARTED")
	for _, r := range runs {
		last := "-"
		if r.LastKey != nil {
			last = fmt.Sprint(*r.LastKey)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Table, r.Column, r.Status, r.Batches, r.RowsAffected, last, r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
