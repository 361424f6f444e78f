package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/queue"
	"github.com/perimetra/asm/internal/store"
)

// Scheduler enqueues pipeline runs for due schedules. Each tick claims due
// rows one at a time under FOR UPDATE SKIP LOCKED, so several scheduler
// instances can run against the same database without double-firing. A
// schedule whose target already has an active pipeline run is simply not
// due; it fires on a later tick once the run finishes.
type Scheduler struct {
	store  *store.Store
	queue  *queue.Queue
	cron   *cron.Cron
	tick   time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(st *store.Store, q *queue.Queue, tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick == 0 {
		tick = 10 * time.Second
	}
	return &Scheduler{
		store:  st,
		queue:  q,
		cron:   cron.New(),
		tick:   tick,
		logger: logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	spec := fmt.Sprintf("@every %ds", int(s.tick.Seconds()))
	if _, err := s.cron.AddFunc(spec, s.tickOnce); err != nil {
		return fmt.Errorf("registering scheduler tick: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "tick", s.tick)
	return nil
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddCron exposes the underlying cron for co-hosted periodic work (the
// retention sweep rides here).
func (s *Scheduler) AddCron(spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	return err
}

func (s *Scheduler) tickOnce() {
	for {
		fired, err := s.fireOne(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
			return
		}
		if !fired {
			return
		}
	}
}

// fireOne claims one due schedule and, atomically with the claim, creates
// the run, enqueues its pipeline job, and advances next_run_at.
func (s *Scheduler) fireOne(ctx context.Context) (bool, error) {
	fired := false
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		sched, err := s.store.ClaimDueScheduleTx(ctx, tx)
		if err != nil {
			return err
		}
		if sched == nil {
			return nil
		}

		now := time.Now()
		run := &models.Run{
			TargetID: sched.TargetID,
			Trigger:  models.TriggerScheduled,
			Status:   models.RunStatusQueued,
			Config:   sched.PipelineConfig,
		}
		if err := s.store.CreateRunTx(ctx, tx, run); err != nil {
			return err
		}

		payload := models.JSONB{"scheduled": true}
		for k, v := range sched.PipelineConfig {
			payload[k] = v
		}
		job := &models.Job{
			Type:     models.JobTypePipeline,
			TargetID: sched.TargetID,
			RunID:    &run.ID,
			Payload:  payload,
			Priority: queue.PriorityNormal,
		}
		if err := s.queue.EnqueueTx(ctx, tx, job); err != nil {
			return err
		}

		if err := s.store.AdvanceScheduleTx(ctx, tx, sched, now); err != nil {
			return err
		}

		if err := s.store.LogEventTx(ctx, tx, &models.RunEvent{
			TargetID: sched.TargetID,
			RunID:    &run.ID,
			Kind:     "schedule_fired",
			Detail: models.JSONB{
				"schedule_id": sched.ID.String(),
				"job_id":      job.ID.String(),
			},
			Actor: "scheduler",
		}); err != nil {
			return err
		}

		s.logger.Info("schedule fired",
			"schedule_id", sched.ID, "target_id", sched.TargetID, "run_id", run.ID)
		fired = true
		return nil
	})
	return fired, err
}
