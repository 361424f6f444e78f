package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimetra/asm/internal/models"
)

// Job priorities. Higher dequeues sooner. Verification re-probes jump ahead
// of freshly scheduled pipelines.
const (
	PriorityNormal = 0
	PriorityVerify = 10
)

// ErrCancelled is returned by handlers that observed a cooperative cancel;
// the worker pool transitions the job to cancelled instead of failed.
var ErrCancelled = errors.New("job cancelled")

type Config struct {
	MaxConcurrentGlobal    int
	MaxConcurrentPerTarget int
	Lease                  time.Duration
	PipelineLease          time.Duration
	MaxAttempts            int
	BackoffBase            time.Duration
}

// Queue is a durable FIFO-with-priority job queue over a single jobs table.
// Dequeue is one transactional SELECT .. FOR UPDATE SKIP LOCKED statement, so
// any number of workers can poll concurrently without a broker.
type Queue struct {
	db  *sqlx.DB
	cfg Config
}

func New(db *sqlx.DB, cfg Config) *Queue {
	return &Queue{db: db, cfg: cfg}
}

func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	return q.enqueue(ctx, q.db, job)
}

func (q *Queue) EnqueueTx(ctx context.Context, tx *sqlx.Tx, job *models.Job) error {
	return q.enqueue(ctx, tx, job)
}

func (q *Queue) enqueue(ctx context.Context, ext sqlx.ExtContext, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusQueued
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = time.Now()
	}
	if job.Payload == nil {
		job.Payload = models.JSONB{}
	}

	query := `
		INSERT INTO jobs (id, type, status, target_id, run_id, payload, priority, max_attempts, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := ext.ExecContext(ctx, query,
		job.ID, job.Type, job.Status, job.TargetID, job.RunID, job.Payload,
		job.Priority, job.MaxAttempts, job.AvailableAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return nil
}

// Claim leases the oldest eligible queued job for workerID, or returns nil
// when nothing is claimable. Concurrency caps are part of the dequeue
// predicate itself: a job whose target is at its cap is invisible, so the
// caps hold across arbitrary worker interleavings. A scope policy may lower
// (never raise) the per-target cap via "max_concurrent_jobs".
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	query := `
		WITH candidate AS (
			SELECT j.id,
			       CASE WHEN j.type = 'pipeline' THEN $4::int ELSE $5::int END AS lease_seconds
			FROM jobs j
			WHERE j.status = 'queued'
			  AND j.available_at <= now()
			  AND (SELECT count(*) FROM jobs r WHERE r.status = 'running') < $2
			  AND (SELECT count(*) FROM jobs r WHERE r.status = 'running' AND r.target_id = j.target_id)
			      < LEAST(COALESCE((SELECT (t.scope->>'max_concurrent_jobs')::int FROM targets t WHERE t.id = j.target_id), $3), $3)
			ORDER BY j.priority DESC, j.available_at ASC, j.id ASC
			FOR UPDATE OF j SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs SET
			status = 'running',
			lease_owner = $1,
			lease_expires_at = now() + make_interval(secs => candidate.lease_seconds),
			attempts = attempts + 1,
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		FROM candidate
		WHERE jobs.id = candidate.id
		RETURNING jobs.*
	`
	var job models.Job
	err := q.db.GetContext(ctx, &job, query,
		workerID,
		q.cfg.MaxConcurrentGlobal,
		q.cfg.MaxConcurrentPerTarget,
		int(q.cfg.PipelineLease.Seconds()),
		int(q.cfg.Lease.Seconds()),
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &job, nil
}

// Heartbeat extends the lease of a running job still owned by workerID.
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error {
	query := `
		UPDATE jobs SET
			lease_expires_at = now() + make_interval(secs =>
				CASE WHEN type = 'pipeline' THEN $3::int ELSE $4::int END),
			updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'
	`
	_, err := q.db.ExecContext(ctx, query, jobID, workerID,
		int(q.cfg.PipelineLease.Seconds()), int(q.cfg.Lease.Seconds()))
	return err
}

// Complete transitions running -> completed. Terminal states set by a
// concurrent cancel are left alone.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	query := `
		UPDATE jobs SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	_, err := q.db.ExecContext(ctx, query, jobID)
	return err
}

// Fail records a handler failure. Retryable failures with attempts left are
// re-queued with exponential back-off and jitter; everything else goes
// terminal. Reports whether the job is now terminally failed.
func (q *Queue) Fail(ctx context.Context, job *models.Job, reason string, retryable bool) (bool, error) {
	if retryable && job.Attempts < job.MaxAttempts {
		backoff := q.cfg.BackoffBase * (1 << (job.Attempts - 1))
		jitter := time.Duration(rand.Int63n(int64(q.cfg.BackoffBase)))
		query := `
			UPDATE jobs SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL,
				available_at = now() + make_interval(secs => $2), last_error = $3, updated_at = now()
			WHERE id = $1 AND status = 'running'
		`
		_, err := q.db.ExecContext(ctx, query, job.ID, (backoff + jitter).Seconds(), clip(reason, 2000))
		return false, err
	}

	query := `
		UPDATE jobs SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL,
			last_error = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	_, err := q.db.ExecContext(ctx, query, job.ID, clip(reason, 2000))
	return true, err
}

// Cancel cancels a job. A queued job goes terminal immediately; a running
// job gets its cooperative cancel flag set and the owning handler performs
// the transition (or the janitor reclaims it after lease expiry).
func (q *Queue) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	query := `
		UPDATE jobs SET
			status = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END,
			cancel_requested = CASE WHEN status = 'running' THEN true ELSE cancel_requested END,
			last_error = $2,
			completed_at = CASE WHEN status = 'queued' THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	_, err := q.db.ExecContext(ctx, query, jobID, clip(reason, 2000))
	return err
}

// CancelRunJobs cascades a run cancellation to its children: queued jobs go
// terminal, running jobs are flagged for cooperative cancellation.
func (q *Queue) CancelRunJobs(ctx context.Context, runID uuid.UUID, reason string) error {
	query := `
		UPDATE jobs SET
			status = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END,
			cancel_requested = CASE WHEN status = 'running' THEN true ELSE cancel_requested END,
			last_error = $2,
			completed_at = CASE WHEN status = 'queued' THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE run_id = $1 AND status IN ('queued', 'running')
	`
	_, err := q.db.ExecContext(ctx, query, runID, clip(reason, 2000))
	return err
}

// MarkCancelled is the handler-side half of cooperative cancellation.
func (q *Queue) MarkCancelled(ctx context.Context, jobID uuid.UUID, reason string) error {
	query := `
		UPDATE jobs SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL,
			last_error = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	_, err := q.db.ExecContext(ctx, query, jobID, clip(reason, 2000))
	return err
}

// CancelRequested polls the cooperative cancel flag.
func (q *Queue) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var requested bool
	query := `SELECT cancel_requested FROM jobs WHERE id = $1`
	err := q.db.GetContext(ctx, &requested, query, jobID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return requested, err
}

// ReapExpired re-opens running jobs whose lease lapsed. Attempts are not
// touched: the crashed worker already paid one attempt at claim time.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	query := `
		UPDATE jobs SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL,
			last_error = 'lease_expired', updated_at = now()
		WHERE status = 'running' AND lease_expires_at < now()
	`
	res, err := q.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reaping expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *Queue) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	query := `SELECT * FROM jobs WHERE id = $1`
	err := q.db.GetContext(ctx, &job, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &job, err
}

// StageCounts breaks a run stage's jobs down by status. The orchestrator
// uses it both for the stage barrier (no queued/running left) and to decide
// whether a stage produced any successful work at all.
type StageCounts struct {
	Queued    int `db:"queued"`
	Running   int `db:"running"`
	Completed int `db:"completed"`
	Failed    int `db:"failed"`
	Cancelled int `db:"cancelled"`
}

func (c StageCounts) Unfinished() int { return c.Queued + c.Running }

func (q *Queue) StageCounts(ctx context.Context, runID uuid.UUID, stage string, excludeJobID uuid.UUID) (StageCounts, error) {
	var counts StageCounts
	query := `
		SELECT
			count(*) FILTER (WHERE status = 'queued') AS queued,
			count(*) FILTER (WHERE status = 'running') AS running,
			count(*) FILTER (WHERE status = 'completed') AS completed,
			count(*) FILTER (WHERE status = 'failed') AS failed,
			count(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM jobs
		WHERE run_id = $1 AND payload->>'stage' = $2 AND id <> $3
	`
	err := q.db.GetContext(ctx, &counts, query, runID, stage, excludeJobID)
	return counts, err
}

// PendingVerifications counts queued/running verification jobs for a run.
func (q *Queue) PendingVerifications(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	query := `
		SELECT count(*) FROM jobs
		WHERE run_id = $1 AND type IN ('verify_asset', 'verify_service') AND status IN ('queued', 'running')
	`
	err := q.db.GetContext(ctx, &n, query, runID)
	return n, err
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
