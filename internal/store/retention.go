package store

import (
	"context"
	"time"
)

// Retention purges. Inventory and findings are append-evolving and never
// touched here; only raw outputs, old runs, and their scans, jobs and (by
// cascade) run events go.

// ClearOldRawOutput nulls raw_output on scans completed before the cutoff.
func (s *Store) ClearOldRawOutput(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE scans SET raw_output = NULL
		WHERE completed_at IS NOT NULL AND completed_at < $1 AND raw_output IS NOT NULL
	`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeOldRuns deletes terminal runs completed before the cutoff together
// with their scans and jobs. Findings survive: they reference the target
// independently and their run/scan links null out.
func (s *Store) PurgeOldRuns(ctx context.Context, cutoff time.Time) (runs, scans, jobs int, err error) {
	var scanCount int64
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scans WHERE run_id IN (
			SELECT id FROM runs
			WHERE status IN ('completed', 'failed', 'cancelled', 'discarded')
			  AND completed_at IS NOT NULL AND completed_at < $1
		)
	`, cutoff)
	if err != nil {
		return 0, 0, 0, err
	}
	scanCount, _ = res.RowsAffected()

	var jobCount int64
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE run_id IN (
			SELECT id FROM runs
			WHERE status IN ('completed', 'failed', 'cancelled', 'discarded')
			  AND completed_at IS NOT NULL AND completed_at < $1
		) AND status NOT IN ('queued', 'running')
	`, cutoff)
	if err != nil {
		return 0, int(scanCount), 0, err
	}
	jobCount, _ = res.RowsAffected()

	var runCount int64
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('completed', 'failed', 'cancelled', 'discarded')
		  AND completed_at IS NOT NULL AND completed_at < $1
		  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.run_id = runs.id AND j.status IN ('queued', 'running'))
	`, cutoff)
	if err != nil {
		return 0, int(scanCount), int(jobCount), err
	}
	runCount, _ = res.RowsAffected()

	return int(runCount), int(scanCount), int(jobCount), nil
}
