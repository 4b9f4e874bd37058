package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/model"
)

// SyncRunRepo implements SyncRunRepository using PostgreSQL.
type SyncRunRepo struct{ db *DB }

// NewSyncRunRepo constructs a sync-run repository.
func NewSyncRunRepo(db *DB) *SyncRunRepo { return &SyncRunRepo{db: db} }

// Start inserts the run in running state.
func (r *SyncRunRepo) Start(ctx context.Context, run model.SyncRun) error {
	const q = `
INSERT INTO sync_runs (id, mode, started_at, status)
VALUES ($1,$2,$3,'running')`
	_, err := r.db.Pool.Exec(ctx, q, run.ID, string(run.Mode), run.StartedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s already recorded", errs.ErrStoreWriteFailed, run.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: start run %s: %w", errs.ErrStoreWriteFailed, run.ID, err)
	}
	return nil
}

// Finish writes the outcome of a running record. Only a row still in
// running state is touched.
func (r *SyncRunRepo) Finish(ctx context.Context, run model.SyncRun) error {
	if !run.Status.Terminal() || run.FinishedAt.IsZero() {
		return fmt.Errorf("%w: run %s: finish needs a terminal status and finish time", errs.ErrStoreWriteFailed, run.ID)
	}
	const q = `
UPDATE sync_runs
SET finished_at=$2, created=$3, updated=$4, pages=$5, converged=$6, status=$7, error=$8
WHERE id=$1 AND status='running'`
	var msg *string
	if run.Error != "" {
		msg = &run.Error
	}
	tag, err := r.db.Pool.Exec(ctx, q,
		run.ID, run.FinishedAt, run.Created, run.Updated, run.Pages, run.Converged, string(run.Status), msg)
	if err != nil {
		return fmt.Errorf("%w: finish run %s: %w", errs.ErrStoreWriteFailed, run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s is not running", errs.ErrStoreWriteFailed, run.ID)
	}
	return nil
}

// Recent returns the latest n runs ordered by start time.
func (r *SyncRunRepo) Recent(ctx context.Context, n int) ([]model.SyncRun, error) {
	const q = `
SELECT id, mode, started_at, finished_at, created, updated, pages, converged, status, error
FROM sync_runs
ORDER BY started_at DESC
LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, q, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		var (
			run          model.SyncRun
			mode, status string
			finished     *time.Time
			msg          *string
		)
		if err = rows.Scan(&run.ID, &mode, &run.StartedAt, &finished,
			&run.Created, &run.Updated, &run.Pages, &run.Converged, &status, &msg); err != nil {
			return nil, err
		}
		run.Mode, run.Status = model.SyncMode(mode), model.SyncStatus(status)
		if finished != nil {
			run.FinishedAt = *finished
		}
		if msg != nil {
			run.Error = *msg
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
