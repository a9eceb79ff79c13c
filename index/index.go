// Package index creates and drops indexes without blocking writes, and
// repairs invalid indexes left behind by interrupted concurrent builds.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/uptrace/bun"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/naming"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

var ErrInvalidSpec = errors.New("invalid index spec")

var plainName = regexp.MustCompile(`^\w+$`)

// Spec describes an index. Columns holds column names or expressions; plain
// names are quoted, anything else is used verbatim.
type Spec struct {
	Table   string
	Columns []string
	// Name overrides the derived index name.
	Name         string
	Unique       bool
	Where        string
	Using        string
	Concurrently bool
}

// IndexName returns Name or the derived name.
func (s Spec) IndexName() string {
	if s.Name != "" {
		return s.Name
	}
	return naming.Index(s.Table, s.Columns)
}

// qualifiedName places the index in the table's schema.
func (s Spec) qualifiedName() string {
	if i := strings.LastIndexByte(s.Table, '.'); i >= 0 {
		return s.Table[:i+1] + s.IndexName()
	}
	return s.IndexName()
}

func (s Spec) createStatement() (string, []any, error) {
	if len(s.Columns) == 0 {
		return "", nil, fmt.Errorf("%w: index on %s has no columns", ErrInvalidSpec, s.Table)
	}
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		if plainName.MatchString(c) {
			cols[i] = naming.QuoteIdent(c)
		} else {
			cols[i] = c
		}
	}

	var b strings.Builder
	b.WriteString("CREATE ")
	if s.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	if s.Concurrently {
		b.WriteString("CONCURRENTLY ")
	}
	b.WriteString("? ON ?")
	args := []any{bun.Ident(s.IndexName()), bun.Ident(s.Table)}
	if s.Using != "" {
		if !plainName.MatchString(s.Using) {
			return "", nil, fmt.Errorf("%w: access method %q", ErrInvalidSpec, s.Using)
		}
		b.WriteString(" USING " + strings.ToLower(s.Using))
	}
	b.WriteString(" (?)")
	args = append(args, bun.Safe(strings.Join(cols, ", ")))
	if s.Where != "" {
		b.WriteString(" WHERE ?")
		args = append(args, bun.Safe(s.Where))
	}
	return b.String(), args, nil
}

func (s Spec) dropStatement() (string, []any) {
	query := "DROP INDEX "
	if s.Concurrently {
		query += "CONCURRENTLY "
	}
	return query + "IF EXISTS ?", []any{bun.Ident(s.qualifiedName())}
}

// Lifecycle adds and removes indexes, consulting pg_index first so each
// step can be repeated.
type Lifecycle struct {
	sess      *session.Session
	inspector *catalog.Inspector
	reporter  observability.Reporter
	logger    *slog.Logger
}

// NewLifecycle creates a Lifecycle. A nil reporter discards notices.
func NewLifecycle(sess *session.Session, inspector *catalog.Inspector, reporter observability.Reporter) *Lifecycle {
	return &Lifecycle{sess: sess, inspector: inspector, reporter: reporter, logger: sess.Logger()}
}

// Add builds the index. A valid index is left alone; an invalid one is
// dropped and rebuilt.
func (l *Lifecycle) Add(ctx context.Context, spec Spec) (observability.Outcome, error) {
	name := spec.IndexName()
	if err := l.precheck("add index "+name, spec); err != nil {
		return observability.Skipped, err
	}
	query, args, err := spec.createStatement()
	if err != nil {
		return observability.Skipped, err
	}

	state, err := l.inspector.IndexState(ctx, spec.Table, name)
	if err != nil {
		return observability.Skipped, err
	}

	outcome := observability.Applied
	switch state {
	case catalog.IndexValid:
		l.report("add_index", spec, observability.AlreadyApplied,
			fmt.Sprintf("index %s on %s already exists", name, spec.Table))
		return observability.AlreadyApplied, nil
	case catalog.IndexInvalid:
		l.report("add_index", spec, observability.Recreated,
			fmt.Sprintf("index %s on %s is invalid, recreating it", name, spec.Table))
		outcome = observability.Recreated
	}

	err = l.sess.WithoutStatementTimeout(ctx, func(ctx context.Context) error {
		if state == catalog.IndexInvalid {
			drop, dargs := spec.dropStatement()
			if _, err := l.sess.Exec(ctx, drop, dargs...); err != nil {
				return fmt.Errorf("drop invalid index: %w", err)
			}
		}
		_, err := l.sess.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("create index %s on %s: %w", name, spec.Table, err)
	}
	l.logger.Info("index created", "table", spec.Table, "index", name, "concurrently", spec.Concurrently)
	return outcome, nil
}

// Remove drops the index. An absent index is reported.
func (l *Lifecycle) Remove(ctx context.Context, spec Spec) (observability.Outcome, error) {
	name := spec.IndexName()
	if err := l.precheck("remove index "+name, spec); err != nil {
		return observability.Skipped, err
	}

	state, err := l.inspector.IndexState(ctx, spec.Table, name)
	if err != nil {
		return observability.Skipped, err
	}
	if state == catalog.IndexAbsent {
		l.report("remove_index", spec, observability.AlreadyApplied,
			fmt.Sprintf("index %s on %s does not exist", name, spec.Table))
		return observability.AlreadyApplied, nil
	}

	drop, args := spec.dropStatement()
	err = l.sess.WithoutStatementTimeout(ctx, func(ctx context.Context) error {
		_, err := l.sess.Exec(ctx, drop, args...)
		return err
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("drop index %s: %w", name, err)
	}
	l.logger.Info("index removed", "table", spec.Table, "index", name)
	return observability.Applied, nil
}

func (l *Lifecycle) precheck(op string, spec Spec) error {
	if spec.Concurrently {
		if err := l.sess.RequireNoTransaction(op); err != nil {
			return err
		}
	}
	return l.inspector.Registry().CheckStructural(spec.Table)
}

func (l *Lifecycle) report(op string, spec Spec, outcome observability.Outcome, msg string) {
	l.reporter.Report(observability.Notice{
		Operation: op,
		Table:     spec.Table,
		Object:    spec.IndexName(),
		Outcome:   outcome,
		Message:   msg,
	})
}
