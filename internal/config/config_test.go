package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Limits.MaxConcurrentJobsGlobal != 5 {
		t.Errorf("global cap = %d, want 5", cfg.Limits.MaxConcurrentJobsGlobal)
	}
	if cfg.Limits.MaxConcurrentJobsPerTarget != 2 {
		t.Errorf("per-target cap = %d, want 2", cfg.Limits.MaxConcurrentJobsPerTarget)
	}
	if cfg.Worker.LeaseSeconds != 300 {
		t.Errorf("lease = %d, want 300", cfg.Worker.LeaseSeconds)
	}
	if cfg.Scheduler.TickSeconds != 10 {
		t.Errorf("tick = %d, want 10", cfg.Scheduler.TickSeconds)
	}
	if cfg.Retention.RawOutputDays != 30 || cfg.Retention.CompletedRunsDays != 90 {
		t.Errorf("retention = %d/%d, want 30/90",
			cfg.Retention.RawOutputDays, cfg.Retention.CompletedRunsDays)
	}
	if cfg.Worker.PollMin != 50*time.Millisecond || cfg.Worker.PollMax != 500*time.Millisecond {
		t.Errorf("poll bounds = %v/%v, want 50ms/500ms", cfg.Worker.PollMin, cfg.Worker.PollMax)
	}
	if len(cfg.Verify.Resolvers) < 2 {
		t.Errorf("need at least two independent resolvers, got %v", cfg.Verify.Resolvers)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS_GLOBAL", "11")
	t.Setenv("LEASE_DURATION_SECONDS", "60")
	t.Setenv("SCHEDULER_TICK_SECONDS", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxConcurrentJobsGlobal != 11 {
		t.Errorf("global cap = %d, want env override 11", cfg.Limits.MaxConcurrentJobsGlobal)
	}
	if cfg.Worker.LeaseSeconds != 60 {
		t.Errorf("lease = %d, want env override 60", cfg.Worker.LeaseSeconds)
	}
	if cfg.Scheduler.TickSeconds != 3 {
		t.Errorf("tick = %d, want env override 3", cfg.Scheduler.TickSeconds)
	}
}

func TestYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ASM_DB", "host=db.internal dbname=asm")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
database:
  url: ${TEST_ASM_DB}
worker:
  count: 8
limits:
  max_concurrent_jobs_global: 3
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "host=db.internal dbname=asm" {
		t.Errorf("database url = %q, env not expanded", cfg.Database.URL)
	}
	if cfg.Worker.Count != 8 {
		t.Errorf("workers = %d, want 8", cfg.Worker.Count)
	}
	if cfg.Limits.MaxConcurrentJobsGlobal != 3 {
		t.Errorf("global cap = %d, want 3 from file", cfg.Limits.MaxConcurrentJobsGlobal)
	}
}
