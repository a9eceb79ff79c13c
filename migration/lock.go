package migration

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/GoCodeAlone/onlinemigrate/session"
)

// ErrLockHeld is returned by TryAcquire when another session holds the lock.
var ErrLockHeld = errors.New("migration lock is held by another session")

// DistributedLock provides mutual exclusion for migration steps across
// processes.
type DistributedLock interface {
	// Acquire blocks until the lock for key is held. The returned release
	// function must be called to unlock.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// PostgresLock takes session-level advisory locks on the migration
// session's own connection, so the lock lives exactly as long as the
// session that runs the step.
type PostgresLock struct {
	sess *session.Session
}

// NewPostgresLock creates a PostgresLock on sess.
func NewPostgresLock(sess *session.Session) *PostgresLock {
	return &PostgresLock{sess: sess}
}

// Acquire waits for pg_advisory_lock on the hash of key.
func (l *PostgresLock) Acquire(ctx context.Context, key string) (func(), error) {
	lockID := hashLockKey(key)
	if _, err := l.sess.Exec(ctx, "SELECT pg_advisory_lock(?)", lockID); err != nil {
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", lockID, err)
	}
	return l.releaser(ctx, key, lockID), nil
}

// TryAcquire takes the lock only if it is free, returning ErrLockHeld
// otherwise.
func (l *PostgresLock) TryAcquire(ctx context.Context, key string) (func(), error) {
	lockID := hashLockKey(key)
	var ok bool
	if err := l.sess.QueryRow(ctx, "SELECT pg_try_advisory_lock(?)", lockID).Scan(&ok); err != nil {
		return nil, fmt.Errorf("pg_try_advisory_lock(%d): %w", lockID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	return l.releaser(ctx, key, lockID), nil
}

func (l *PostgresLock) releaser(ctx context.Context, key string, lockID int64) func() {
	return func() {
		if _, err := l.sess.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock(?)", lockID); err != nil {
			l.sess.Logger().Warn("failed to release migration lock", "key", key, "error", err)
		}
	}
}

// LocalLock implements DistributedLock with a process-local mutex. It is
// meant for tests and for drivers that already serialize steps.
type LocalLock struct {
	mu sync.Mutex
}

// NewLocalLock creates a LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

// Acquire obtains the mutex. Returns an error if ctx is already cancelled.
func (l *LocalLock) Acquire(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire local lock: %w", err)
	}
	l.mu.Lock()
	return l.mu.Unlock, nil
}

// hashLockKey maps key to a non-negative advisory lock id using FNV-1a.
func hashLockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // truncation is intended
}
