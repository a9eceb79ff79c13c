// Package journal records backfill runs so an interrupted run can be
// inspected and resumed after the last completed batch.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for journal operations.
var (
	ErrNotFound  = errors.New("run not found")
	ErrDuplicate = errors.New("duplicate run")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one backfill execution. LastKey is the upper bound of the last
// batch that committed, nil until the first batch finishes.
type Run struct {
	ID           uuid.UUID  `json:"id" yaml:"id"`
	Table        string     `json:"table" yaml:"table"`
	Column       string     `json:"column" yaml:"column"`
	Status       Status     `json:"status" yaml:"status"`
	Batches      int        `json:"batches" yaml:"batches"`
	RowsAffected int64      `json:"rows_affected" yaml:"rows_affected"`
	LastKey      *int64     `json:"last_key,omitempty" yaml:"last_key,omitempty"`
	StartedAt    time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunStore persists runs.
type RunStore interface {
	// Create inserts a new run.
	Create(ctx context.Context, run *Run) error
	// Get retrieves a run by ID.
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	// List returns all runs, most recent first.
	List(ctx context.Context) ([]*Run, error)
	// UpdateProgress records the totals after a batch.
	UpdateProgress(ctx context.Context, id uuid.UUID, batches int, rows int64, lastKey *int64) error
	// Finish marks a run completed or failed.
	Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string) error
	// LastFailed returns the most recent failed run of table keyed by
	// column, or ErrNotFound.
	LastFailed(ctx context.Context, table, column string) (*Run, error)
}

// MemoryRunStore is a thread-safe in-memory RunStore.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

// NewMemoryRunStore creates an empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[uuid.UUID]*Run)}
}

func (s *MemoryRunStore) Create(_ context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrDuplicate)
	}
	cp := *run
	s.runs[cp.ID] = &cp
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryRunStore) List(_ context.Context) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryRunStore) UpdateProgress(_ context.Context, id uuid.UUID, batches int, rows int64, lastKey *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Batches = batches
	run.RowsAffected = rows
	if lastKey != nil {
		k := *lastKey
		run.LastKey = &k
	}
	return nil
}

func (s *MemoryRunStore) Finish(_ context.Context, id uuid.UUID, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = &now
	return nil
}

func (s *MemoryRunStore) LastFailed(ctx context.Context, table, column string) (*Run, error) {
	runs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.Table == table && run.Column == column && run.Status == StatusFailed {
			return run, nil
		}
	}
	return nil, ErrNotFound
}

var _ RunStore = (*MemoryRunStore)(nil)
