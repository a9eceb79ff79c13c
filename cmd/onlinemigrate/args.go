package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/GoCodeAlone/onlinemigrate/observability"
)

var errUsage = errors.New("invalid arguments")

// parseArgs parses flags and checks the number of positional arguments.
// Flags must precede positional arguments.
func parseArgs(fs *flag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		fs.Usage()
		return nil, fmt.Errorf("%w: %s expects %s, got %d", errUsage, fs.Name(), arity(minArgs, maxArgs), len(rest))
	}
	return rest, nil
}

func arity(minArgs, maxArgs int) string {
	switch {
	case maxArgs < 0:
		return fmt.Sprintf("at least %d arguments", minArgs)
	case minArgs == maxArgs:
		return fmt.Sprintf("%d arguments", minArgs)
	default:
		return fmt.Sprintf("%d to %d arguments", minArgs, maxArgs)
	}
}

// splitAction separates the action of a grouped command from its flags
// and arguments.
func splitAction(args []string, actions ...string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, fmt.Errorf("%w: action required: %s", errUsage, strings.Join(actions, ", "))
	}
	for _, a := range actions {
		if args[0] == a {
			return a, args[1:], nil
		}
	}
	return "", nil, fmt.Errorf("%w: unknown action %q, expected one of %s", errUsage, args[0], strings.Join(actions, ", "))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printOutcome(w io.Writer, op, target string, outcome observability.Outcome) {
	fmt.Fprintf(w, "%s %s: %s\n", op, target, outcome)
}
