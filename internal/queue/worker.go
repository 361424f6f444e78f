package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/store"
	"github.com/perimetra/asm/internal/telemetry"
)

// Handler executes one job. Returning ErrCancelled (or a wrapped context
// cancellation after a cancel request) marks the job cancelled; RetryableError
// re-queues with back-off; any other error fails the job terminally.
type Handler func(ctx context.Context, job *models.Job) error

// RetryableError marks a failure worth another attempt (timeouts,
// unreachable dependencies). Exhausting max_attempts still goes terminal.
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(reason string, err error) *RetryableError {
	return &RetryableError{Reason: reason, Err: err}
}

type PoolConfig struct {
	Workers   int
	PollMin   time.Duration
	PollMax   time.Duration
	Heartbeat time.Duration
	Janitor   time.Duration
}

// Pool runs a fixed set of workers against the queue. Workers share nothing
// in memory; all coordination happens through job rows.
type Pool struct {
	id       string
	queue    *Queue
	store    *store.Store
	cfg      PoolConfig
	logger   *slog.Logger
	handlers map[string]Handler

	// onTerminalFailure fires after a job goes terminally failed, so the
	// pipeline orchestrator can advance or fail the owning run.
	onTerminalFailure func(ctx context.Context, job *models.Job)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

func NewPool(q *Queue, st *store.Store, cfg PoolConfig, logger *slog.Logger) *Pool {
	hostname, _ := os.Hostname()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.PollMin == 0 {
		cfg.PollMin = 50 * time.Millisecond
	}
	if cfg.PollMax == 0 {
		cfg.PollMax = 500 * time.Millisecond
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = q.cfg.Lease / 3
	}
	if cfg.Janitor == 0 {
		cfg.Janitor = q.cfg.Lease / 2
	}

	return &Pool{
		id:       fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		queue:    q,
		store:    st,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

func (p *Pool) ID() string {
	return p.id
}

// Register binds a handler to a job type. A type ending in ":" acts as a
// prefix handler (e.g. "scanner:" receives every scanner job).
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

func (p *Pool) OnTerminalFailure(fn func(ctx context.Context, job *models.Job)) {
	p.onTerminalFailure = fn
}

func (p *Pool) resolve(jobType string) Handler {
	if h, ok := p.handlers[jobType]; ok {
		return h
	}
	if idx := strings.Index(jobType, ":"); idx >= 0 {
		if h, ok := p.handlers[jobType[:idx+1]]; ok {
			return h
		}
	}
	return nil
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.logger.Info("worker pool starting", "worker_id", p.id, "workers", p.cfg.Workers)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}

	p.wg.Add(1)
	go p.janitorLoop()

	return nil
}

func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", "worker_id", p.id)
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", "worker_id", p.id)
}

func (p *Pool) workerLoop(n int) {
	defer p.wg.Done()

	workerID := fmt.Sprintf("%s-w%d", p.id, n)
	sleep := p.cfg.PollMin

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job, err := p.queue.Claim(p.ctx, workerID)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", "worker", workerID, "error", err)
			p.pause(5 * time.Second)
			continue
		}

		if job == nil {
			p.pause(sleep)
			// Back off on empty polls, bounded.
			sleep *= 2
			if sleep > p.cfg.PollMax {
				sleep = p.cfg.PollMax
			}
			continue
		}
		sleep = p.cfg.PollMin

		p.runJob(workerID, job)
	}
}

func (p *Pool) pause(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) runJob(workerID string, job *models.Job) {
	telemetry.JobsClaimed.WithLabelValues(job.Type).Inc()
	p.logger.Info("job claimed",
		"worker", workerID, "job_id", job.ID, "type", job.Type, "attempt", job.Attempts)

	p.audit(job, "job_leased", models.JSONB{
		"job_id": job.ID.String(), "job_type": job.Type, "attempt": job.Attempts,
	}, workerID)

	handler := p.resolve(job.Type)
	if handler == nil {
		terminal, err := p.queue.Fail(p.ctx, job, fmt.Sprintf("no handler for job type %q", job.Type), false)
		if err != nil {
			p.logger.Error("failing unhandled job", "job_id", job.ID, "error", err)
		}
		if terminal {
			p.afterTerminalFailure(job)
		}
		return
	}

	jobCtx, cancelJob := context.WithCancel(p.ctx)
	defer cancelJob()

	var watchWg sync.WaitGroup
	watchWg.Add(1)
	go func() {
		defer watchWg.Done()
		p.watchJob(jobCtx, cancelJob, job, workerID)
	}()

	err := p.invoke(jobCtx, handler, job)

	cancelJob()
	watchWg.Wait()

	switch {
	case err == nil:
		if cErr := p.queue.Complete(p.ctx, job.ID); cErr != nil {
			p.logger.Error("completing job", "job_id", job.ID, "error", cErr)
			return
		}
		telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
		p.audit(job, "job_completed", models.JSONB{
			"job_id": job.ID.String(), "job_type": job.Type,
		}, workerID)

	case errors.Is(err, ErrCancelled), p.cancelled(job):
		if mErr := p.queue.MarkCancelled(p.ctx, job.ID, err.Error()); mErr != nil {
			p.logger.Error("cancelling job", "job_id", job.ID, "error", mErr)
		}
		p.audit(job, "job_cancelled", models.JSONB{
			"job_id": job.ID.String(), "job_type": job.Type,
		}, workerID)

	default:
		var retryable *RetryableError
		retry := errors.As(err, &retryable)

		terminal, fErr := p.queue.Fail(p.ctx, job, err.Error(), retry)
		if fErr != nil {
			p.logger.Error("failing job", "job_id", job.ID, "error", fErr)
			return
		}
		if terminal {
			telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
			p.logger.Warn("job failed",
				"worker", workerID, "job_id", job.ID, "type", job.Type, "error", err)
			p.audit(job, "job_failed", models.JSONB{
				"job_id": job.ID.String(), "job_type": job.Type, "error": clip(err.Error(), 500),
			}, workerID)
			p.afterTerminalFailure(job)
		} else {
			telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
			p.logger.Info("job re-queued",
				"worker", workerID, "job_id", job.ID, "attempt", job.Attempts, "error", err)
		}
	}
}

// invoke shields the pool from handler panics; a panic fails the job with a
// captured stack instead of taking the worker down.
func (p *Pool) invoke(ctx context.Context, handler Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}

// watchJob heartbeats the lease and polls the cooperative cancel flag,
// cancelling the handler context when a cancel is requested.
func (p *Pool) watchJob(ctx context.Context, cancelJob context.CancelFunc, job *models.Job, workerID string) {
	heartbeat := time.NewTicker(p.cfg.Heartbeat)
	defer heartbeat.Stop()
	cancelPoll := time.NewTicker(2 * time.Second)
	defer cancelPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := p.queue.Heartbeat(ctx, job.ID, workerID); err != nil && ctx.Err() == nil {
				p.logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		case <-cancelPoll.C:
			requested, err := p.queue.CancelRequested(ctx, job.ID)
			if err == nil && requested {
				cancelJob()
				return
			}
		}
	}
}

func (p *Pool) cancelled(job *models.Job) bool {
	requested, err := p.queue.CancelRequested(p.ctx, job.ID)
	return err == nil && requested
}

func (p *Pool) afterTerminalFailure(job *models.Job) {
	if p.onTerminalFailure != nil {
		p.onTerminalFailure(p.ctx, job)
	}
}

func (p *Pool) janitorLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Janitor)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			reaped, err := p.queue.ReapExpired(p.ctx)
			if err != nil {
				if p.ctx.Err() == nil {
					p.logger.Error("janitor sweep failed", "error", err)
				}
				continue
			}
			if reaped > 0 {
				telemetry.LeasesReaped.Add(float64(reaped))
				p.logger.Info("janitor requeued expired leases", "count", reaped)
			}
		}
	}
}

func (p *Pool) audit(job *models.Job, kind string, detail models.JSONB, workerID string) {
	ev := &models.RunEvent{
		TargetID: job.TargetID,
		RunID:    job.RunID,
		Kind:     kind,
		Detail:   detail,
		Actor:    "worker:" + workerID,
	}
	if err := p.store.LogEvent(p.ctx, ev); err != nil && p.ctx.Err() == nil {
		p.logger.Warn("audit write failed", "kind", kind, "error", err)
	}
}
