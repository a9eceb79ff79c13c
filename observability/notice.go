// Package observability carries the signals a migration step emits besides
// its return value: informational notices, prometheus metrics and (in the
// tracing subpackage) spans.
package observability

import (
	"log/slog"
)

// Outcome describes what an orchestrator operation did.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyApplied
	Recreated
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case AlreadyApplied:
		return "already_applied"
	case Recreated:
		return "recreated"
	case Skipped:
		return "skipped"
	default:
		return "applied"
	}
}

// Notice is an informational message about a non-error condition, such as
// an index that already exists or a promotion skipped on an old server.
type Notice struct {
	Operation string
	Table     string
	Object    string
	Outcome   Outcome
	Message   string
}

// Reporter receives notices. A nil Reporter discards them.
type Reporter func(Notice)

// Report delivers n to r.
func (r Reporter) Report(n Notice) {
	if r != nil {
		r(n)
	}
}

// LogReporter returns a Reporter that logs every notice at Info level.
func LogReporter(logger *slog.Logger) Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return func(n Notice) {
		logger.Info(n.Message,
			"operation", n.Operation,
			"table", n.Table,
			"object", n.Object,
			"outcome", n.Outcome.String(),
		)
	}
}

// Tee returns a Reporter that forwards every notice to each non-nil reporter.
func Tee(reporters ...Reporter) Reporter {
	return func(n Notice) {
		for _, r := range reporters {
			r.Report(n)
		}
	}
}
