package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perimetra/asm/internal/api"
	"github.com/perimetra/asm/internal/config"
	"github.com/perimetra/asm/internal/detect"
	"github.com/perimetra/asm/internal/events"
	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/notify"
	"github.com/perimetra/asm/internal/pipeline"
	"github.com/perimetra/asm/internal/queue"
	"github.com/perimetra/asm/internal/resolve"
	"github.com/perimetra/asm/internal/retention"
	"github.com/perimetra/asm/internal/scanner"
	"github.com/perimetra/asm/internal/scheduler"
	"github.com/perimetra/asm/internal/scope"
	"github.com/perimetra/asm/internal/store"
	"github.com/perimetra/asm/internal/verify"
)

// App wires the engine together. Every component gets its collaborators at
// construction; there is no global state, and workers coordinate only
// through database rows and the in-process event bus.
type App struct {
	Cfg    *config.Config
	Logger *slog.Logger

	Store     *store.Store
	Queue     *queue.Queue
	Bus       *events.Bus
	Pool      *queue.Pool
	Scheduler *scheduler.Scheduler
	Sweeper   *retention.Sweeper
	Notifier  *notify.Service
	Server    *api.Server
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	q := queue.New(st.DB(), queue.Config{
		MaxConcurrentGlobal:    cfg.Limits.MaxConcurrentJobsGlobal,
		MaxConcurrentPerTarget: cfg.Limits.MaxConcurrentJobsPerTarget,
		Lease:                  cfg.Worker.Lease(),
		PipelineLease:          cfg.Worker.PipelineLease(),
		MaxAttempts:            cfg.Worker.MaxAttempts,
		BackoffBase:            cfg.Worker.RetryBackoffBase,
	})

	bus := events.NewBus(cfg.Scanner.StreamBuffer)
	enforcer := scope.NewEnforcer(st)
	resolver := resolve.New(cfg.Verify.Resolvers, cfg.Verify.DNSTimeout)

	runner := scanner.NewRunner(st, bus, enforcer, scanner.RunnerConfig{
		ToolsContainer: cfg.Scanner.ToolsContainer,
		RawOutputCap:   cfg.Scanner.RawOutputCap,
	}, logger)

	detector := detect.New(st, q, bus, logger)

	orch := pipeline.NewOrchestrator(st, q, runner, enforcer, resolver, detector, bus, pipeline.Config{
		RunDeadline: cfg.Limits.RunDeadline,
	}, logger)

	verifier := verify.New(st, bus, enforcer, resolver, cfg.Verify.TCPTimeout, logger)

	pool := queue.NewPool(q, st, queue.PoolConfig{
		Workers: cfg.Worker.Count,
		PollMin: cfg.Worker.PollMin,
		PollMax: cfg.Worker.PollMax,
	}, logger)
	pool.Register(models.JobTypePipeline, orch.HandlePipeline)
	pool.Register(models.ScannerJobPrefix, orch.HandleScanner)
	pool.Register(models.JobTypeVerifyAsset, verifier.HandleVerifyAsset)
	pool.Register(models.JobTypeVerifyService, verifier.HandleVerifyService)
	pool.OnTerminalFailure(orch.HandleJobFailure)

	sched := scheduler.New(st, q, secondsDuration(cfg.Scheduler.TickSeconds), logger)

	sweeper := retention.New(st, retention.Config{
		RawOutputDays:     cfg.Retention.RawOutputDays,
		CompletedRunsDays: cfg.Retention.CompletedRunsDays,
	}, logger)

	notifier := notify.New(notify.Config{
		MinSeverity: models.Severity(cfg.Notifications.MinSeverity),
		Slack: notify.SlackConfig{
			Enabled:    cfg.Notifications.Slack.Enabled,
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
		},
		Email: notify.EmailConfig{
			Enabled:  cfg.Notifications.Email.Enabled,
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
		},
	}, logger)

	server := api.NewServer(cfg, st, q, bus, api.WithLogger(logger))

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Store:     st,
		Queue:     q,
		Bus:       bus,
		Pool:      pool,
		Scheduler: sched,
		Sweeper:   sweeper,
		Notifier:  notifier,
		Server:    server,
	}, nil
}

// StartBackground brings up the workers, scheduler, retention sweep, and
// notifier.
func (a *App) StartBackground(ctx context.Context) error {
	if err := a.Pool.Start(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.AddCron(a.Cfg.Retention.SweepSpec, func() {
		if _, err := a.Sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Warn("retention sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	a.Notifier.Start(ctx, a.Bus)
	return nil
}

func (a *App) Shutdown() {
	a.Scheduler.Stop()
	a.Pool.Stop()
	a.Store.Close()
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
