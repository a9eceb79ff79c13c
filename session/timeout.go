package session

import (
	"context"
	"errors"
	"fmt"
)

// WithoutStatementTimeout disables statement_timeout for the duration of fn
// and restores the previous value on every exit path, including errors,
// panics and cancellation of ctx.
func (s *Session) WithoutStatementTimeout(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	var previous string
	if err := s.db.QueryRowContext(ctx, "SHOW statement_timeout").Scan(&previous); err != nil {
		return fmt.Errorf("read statement_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "SET statement_timeout TO 0"); err != nil {
		return fmt.Errorf("disable statement_timeout: %w", err)
	}

	defer func() {
		_, rerr := s.db.ExecContext(context.WithoutCancel(ctx), "SET statement_timeout TO ?", previous)
		if rerr != nil {
			s.logger.Error("failed to restore statement_timeout", "previous", previous, "error", rerr)
			err = errors.Join(err, fmt.Errorf("restore statement_timeout: %w", rerr))
		}
	}()

	return fn(ctx)
}
