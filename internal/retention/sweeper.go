package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/perimetra/asm/internal/store"
)

type Config struct {
	RawOutputDays     int
	CompletedRunsDays int
}

// Sweeper applies the retention policy: raw scan output ages out first,
// whole runs (with their scans and jobs) later. Inventory and findings are
// never purged.
type Sweeper struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

func New(st *store.Store, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RawOutputDays == 0 {
		cfg.RawOutputDays = 30
	}
	if cfg.CompletedRunsDays == 0 {
		cfg.CompletedRunsDays = 90
	}
	return &Sweeper{store: st, cfg: cfg, logger: logger}
}

type Summary struct {
	RawOutputCleared int
	RunsDeleted      int
	ScansDeleted     int
	JobsDeleted      int
}

func (s *Sweeper) Run(ctx context.Context) (*Summary, error) {
	now := time.Now()
	summary := &Summary{}

	rawCutoff := now.AddDate(0, 0, -s.cfg.RawOutputDays)
	cleared, err := s.store.ClearOldRawOutput(ctx, rawCutoff)
	if err != nil {
		return summary, err
	}
	summary.RawOutputCleared = cleared

	runCutoff := now.AddDate(0, 0, -s.cfg.CompletedRunsDays)
	runs, scans, jobs, err := s.store.PurgeOldRuns(ctx, runCutoff)
	if err != nil {
		return summary, err
	}
	summary.RunsDeleted = runs
	summary.ScansDeleted = scans
	summary.JobsDeleted = jobs

	if summary.RawOutputCleared > 0 || summary.RunsDeleted > 0 {
		s.logger.Info("retention purge completed",
			"raw_output_cleared", summary.RawOutputCleared,
			"runs_deleted", summary.RunsDeleted,
			"scans_deleted", summary.ScansDeleted,
			"jobs_deleted", summary.JobsDeleted)
	}
	return summary, nil
}
