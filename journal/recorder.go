package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/onlinemigrate/batch"
)

// Recorder writes engine run events to a RunStore. It implements
// batch.Observer.
type Recorder struct {
	store RunStore
}

// NewRecorder creates a Recorder on store.
func NewRecorder(store RunStore) *Recorder {
	return &Recorder{store: store}
}

// Store returns the underlying store.
func (r *Recorder) Store() RunStore { return r.store }

func (r *Recorder) RunStarted(ctx context.Context, stats batch.Stats) error {
	return r.store.Create(ctx, &Run{
		ID:     stats.RunID,
		Table:  stats.Table,
		Column: stats.Column,
		Status: StatusRunning,
	})
}

func (r *Recorder) BatchFinished(ctx context.Context, stats batch.Stats, b batch.Batch) error {
	return r.store.UpdateProgress(ctx, stats.RunID, stats.Batches, stats.RowsAffected, b.Range.Upper)
}

func (r *Recorder) RunFinished(ctx context.Context, stats batch.Stats, runErr error) error {
	if runErr != nil {
		return r.store.Finish(ctx, stats.RunID, StatusFailed, runErr.Error())
	}
	return r.store.Finish(ctx, stats.RunID, StatusCompleted, "")
}

// ResumeFrom returns the first key after the last committed batch of the
// most recent failed run of table on column. ok is false when there is
// nothing to resume.
func (r *Recorder) ResumeFrom(ctx context.Context, table, column string) (start int64, ok bool, err error) {
	run, err := r.store.LastFailed(ctx, table, column)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up failed run of %s: %w", table, err)
	}
	if run.LastKey == nil {
		return 0, false, nil
	}
	return *run.LastKey + 1, true, nil
}

var _ batch.Observer = (*Recorder)(nil)
