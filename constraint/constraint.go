// Package constraint adds, validates and removes CHECK and FOREIGN KEY
// constraints in two phases so the table is never scanned while holding an
// ACCESS EXCLUSIVE lock.
package constraint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uptrace/bun"

	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/naming"
	"github.com/GoCodeAlone/onlinemigrate/observability"
	"github.com/GoCodeAlone/onlinemigrate/session"
)

var (
	ErrConstraintNotFound = errors.New("constraint not found")
	ErrNotValidated       = errors.New("constraint is not validated")
	ErrInvalidOnDelete    = errors.New("invalid ON DELETE action")
	ErrInvalidSpec        = errors.New("invalid constraint spec")
)

// Kind selects the constraint type.
type Kind int

const (
	Check Kind = iota
	ForeignKey
)

// Spec describes one constraint. For Check, Expression is the raw SQL
// predicate. For ForeignKey, Column references ReferencedTable's
// ReferencedColumn.
type Spec struct {
	Table      string
	Kind       Kind
	Expression string
	// Name overrides the derived constraint name.
	Name string

	Column           string
	ReferencedTable  string
	ReferencedColumn string
	// OnDelete is one of cascade, restrict, set null, set default or no action.
	OnDelete string
}

// CheckSpec returns a Check spec for expression on table.
func CheckSpec(table, expression string) Spec {
	return Spec{Table: table, Kind: Check, Expression: expression}
}

// ForeignKeySpec returns a spec for from.column referencing to.id.
func ForeignKeySpec(from, column, to string) Spec {
	return Spec{Table: from, Kind: ForeignKey, Column: column, ReferencedTable: to, ReferencedColumn: "id"}
}

// ConstraintName returns Name or the derived name.
func (s Spec) ConstraintName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Kind == ForeignKey {
		return naming.ForeignKey(s.Table, s.Column)
	}
	return naming.CheckConstraint(s.Table, s.Expression)
}

var onDeleteActions = map[string]string{
	"cascade":     "CASCADE",
	"restrict":    "RESTRICT",
	"set null":    "SET NULL",
	"set default": "SET DEFAULT",
	"no action":   "NO ACTION",
}

func (s Spec) addStatement() (string, []any, error) {
	switch s.Kind {
	case Check:
		if s.Expression == "" {
			return "", nil, fmt.Errorf("%w: check on %s has no expression", ErrInvalidSpec, s.Table)
		}
		return "ALTER TABLE ? ADD CONSTRAINT ? CHECK (?) NOT VALID",
			[]any{bun.Ident(s.Table), bun.Ident(s.ConstraintName()), bun.Safe(s.Expression)}, nil
	case ForeignKey:
		if s.Column == "" || s.ReferencedTable == "" {
			return "", nil, fmt.Errorf("%w: foreign key on %s needs a column and a referenced table", ErrInvalidSpec, s.Table)
		}
		refCol := s.ReferencedColumn
		if refCol == "" {
			refCol = "id"
		}
		query := "ALTER TABLE ? ADD CONSTRAINT ? FOREIGN KEY (?) REFERENCES ? (?)"
		args := []any{bun.Ident(s.Table), bun.Ident(s.ConstraintName()), bun.Ident(s.Column), bun.Ident(s.ReferencedTable), bun.Ident(refCol)}
		if s.OnDelete != "" {
			action, ok := onDeleteActions[strings.ToLower(s.OnDelete)]
			if !ok {
				return "", nil, fmt.Errorf("%w: %q", ErrInvalidOnDelete, s.OnDelete)
			}
			query += " ON DELETE " + action
		}
		return query + " NOT VALID", args, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidSpec, s.Kind)
	}
}

// Lifecycle moves a constraint through absent, unvalidated and validated.
// Every operation reads the catalog first, so repeating a step reports a
// notice instead of failing.
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

// State returns the catalog state of the spec's constraint.
func (l *Lifecycle) State(ctx context.Context, spec Spec) (catalog.ConstraintState, error) {
	return l.inspector.ConstraintState(ctx, spec.Table, spec.ConstraintName())
}

// Add creates the constraint as NOT VALID and, when validate is set,
// validates it in a second statement. A constraint that already exists is
// reported and, if still unvalidated and validate is set, validated.
func (l *Lifecycle) Add(ctx context.Context, spec Spec, validate bool) (observability.Outcome, error) {
	if err := l.checkTables(spec); err != nil {
		return observability.Skipped, err
	}
	name := spec.ConstraintName()
	query, args, err := spec.addStatement()
	if err != nil {
		return observability.Skipped, err
	}

	state, err := l.State(ctx, spec)
	if err != nil {
		return observability.Skipped, err
	}
	if state != catalog.ConstraintAbsent {
		l.report("add_constraint", spec, observability.AlreadyApplied,
			fmt.Sprintf("constraint %s on %s already exists", name, spec.Table))
		if validate && state == catalog.ConstraintUnvalidated {
			return l.validate(ctx, spec)
		}
		return observability.AlreadyApplied, nil
	}

	if _, err := l.sess.Exec(ctx, query, args...); err != nil {
		return observability.Skipped, fmt.Errorf("add constraint %s on %s: %w", name, spec.Table, err)
	}
	l.logger.Info("constraint added", "table", spec.Table, "constraint", name, "validated", false)

	if validate {
		return l.validate(ctx, spec)
	}
	return observability.Applied, nil
}

// Validate scans the table to validate an existing constraint. Only a SHARE
// UPDATE EXCLUSIVE lock is held, and statement_timeout is lifted for the
// duration of the scan.
func (l *Lifecycle) Validate(ctx context.Context, spec Spec) (observability.Outcome, error) {
	if err := l.checkTables(spec); err != nil {
		return observability.Skipped, err
	}
	state, err := l.State(ctx, spec)
	if err != nil {
		return observability.Skipped, err
	}
	switch state {
	case catalog.ConstraintAbsent:
		return observability.Skipped, fmt.Errorf("validate %s on %s: %w", spec.ConstraintName(), spec.Table, ErrConstraintNotFound)
	case catalog.ConstraintValidated:
		l.report("validate_constraint", spec, observability.AlreadyApplied,
			fmt.Sprintf("constraint %s on %s is already validated", spec.ConstraintName(), spec.Table))
		return observability.AlreadyApplied, nil
	}
	return l.validate(ctx, spec)
}

func (l *Lifecycle) validate(ctx context.Context, spec Spec) (observability.Outcome, error) {
	name := spec.ConstraintName()
	err := l.sess.WithoutStatementTimeout(ctx, func(ctx context.Context) error {
		_, err := l.sess.Exec(ctx, "ALTER TABLE ? VALIDATE CONSTRAINT ?", bun.Ident(spec.Table), bun.Ident(name))
		return err
	})
	if err != nil {
		return observability.Skipped, fmt.Errorf("validate constraint %s on %s: %w", name, spec.Table, err)
	}
	l.logger.Info("constraint validated", "table", spec.Table, "constraint", name)
	return observability.Applied, nil
}

// Remove drops the constraint. An absent constraint is reported.
func (l *Lifecycle) Remove(ctx context.Context, spec Spec) (observability.Outcome, error) {
	if err := l.checkTables(spec); err != nil {
		return observability.Skipped, err
	}
	name := spec.ConstraintName()
	state, err := l.State(ctx, spec)
	if err != nil {
		return observability.Skipped, err
	}
	if state == catalog.ConstraintAbsent {
		l.report("remove_constraint", spec, observability.AlreadyApplied,
			fmt.Sprintf("constraint %s on %s does not exist", name, spec.Table))
		return observability.AlreadyApplied, nil
	}
	if _, err := l.sess.Exec(ctx, "ALTER TABLE ? DROP CONSTRAINT ?", bun.Ident(spec.Table), bun.Ident(name)); err != nil {
		return observability.Skipped, fmt.Errorf("drop constraint %s on %s: %w", name, spec.Table, err)
	}
	l.logger.Info("constraint removed", "table", spec.Table, "constraint", name)
	return observability.Applied, nil
}

func (l *Lifecycle) checkTables(spec Spec) error {
	reg := l.inspector.Registry()
	if err := reg.CheckStructural(spec.Table); err != nil {
		return err
	}
	if spec.Kind == ForeignKey && spec.ReferencedTable != "" {
		return reg.CheckStructural(spec.ReferencedTable)
	}
	return nil
}

func (l *Lifecycle) report(op string, spec Spec, outcome observability.Outcome, msg string) {
	l.reporter.Report(observability.Notice{
		Operation: op,
		Table:     spec.Table,
		Object:    spec.ConstraintName(),
		Outcome:   outcome,
		Message:   msg,
	})
}
