package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/perimetra/asm/internal/models"
)

//go:embed schema.sql
var schemaDDL string

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// EnsureSchema applies the embedded DDL. All statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateTarget(ctx context.Context, target *models.Target) error {
	query := `
		INSERT INTO targets (id, name, root_domain, scope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}
	target.CreatedAt = time.Now()
	target.UpdatedAt = target.CreatedAt

	_, err := s.db.ExecContext(ctx, query,
		target.ID, target.Name, target.RootDomain, target.Scope, target.CreatedAt, target.UpdatedAt,
	)
	return err
}

func (s *Store) GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	var target models.Target
	query := `SELECT * FROM targets WHERE id = $1`
	err := s.db.GetContext(ctx, &target, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &target, err
}

func (s *Store) GetTargetByDomain(ctx context.Context, rootDomain string) (*models.Target, error) {
	var target models.Target
	query := `SELECT * FROM targets WHERE root_domain = $1`
	err := s.db.GetContext(ctx, &target, query, rootDomain)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &target, err
}

func (s *Store) ListTargets(ctx context.Context) ([]models.Target, error) {
	var targets []models.Target
	query := `SELECT * FROM targets ORDER BY created_at DESC`
	err := s.db.SelectContext(ctx, &targets, query)
	return targets, err
}

func (s *Store) UpdateTargetScope(ctx context.Context, id uuid.UUID, scope models.JSONB) error {
	query := `UPDATE targets SET scope = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, scope, time.Now(), id)
	return err
}

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	return s.createRun(ctx, s.db, run)
}

func (s *Store) CreateRunTx(ctx context.Context, tx *sqlx.Tx, run *models.Run) error {
	return s.createRun(ctx, tx, run)
}

func (s *Store) createRun(ctx context.Context, ext sqlx.ExtContext, run *models.Run) error {
	query := `
		INSERT INTO runs (id, target_id, trigger, status, config, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = time.Now()
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}

	_, err := ext.ExecContext(ctx, query,
		run.ID, run.TargetID, run.Trigger, run.Status, run.Config, run.CreatedAt, run.StartedAt,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var run models.Run
	query := `SELECT * FROM runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

func (s *Store) ListRuns(ctx context.Context, targetID uuid.UUID, limit, offset int) ([]models.Run, error) {
	query := `SELECT * FROM runs WHERE target_id = $1 ORDER BY created_at DESC`
	args := []interface{}{targetID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	var runs []models.Run
	err := s.db.SelectContext(ctx, &runs, query, args...)
	return runs, err
}

// ActivePipelineRun returns the target's non-terminal pipeline run, if any.
// Verification runs are excluded: they may overlap with pipelines on other
// targets and never block scheduling.
func (s *Store) ActivePipelineRun(ctx context.Context, targetID uuid.UUID) (*models.Run, error) {
	var run models.Run
	query := `
		SELECT * FROM runs
		WHERE target_id = $1 AND status IN ('queued', 'running') AND trigger <> 'verification'
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := s.db.GetContext(ctx, &run, query, targetID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

// MarkRunRunning transitions a queued run to running. A no-op if the run was
// discarded or cancelled in the meantime; the stage jobs that follow re-read
// the row and honor that state.
func (s *Store) MarkRunRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE runs SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status = 'queued'
	`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// FinishRun moves a run to a terminal status. Runs already terminal keep
// their state (a discard must not be overwritten by a late completion).
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errMsg string) error {
	query := `
		UPDATE runs SET status = $1, error = $2, completed_at = now()
		WHERE id = $3 AND status IN ('queued', 'running')
	`
	_, err := s.db.ExecContext(ctx, query, status, truncate(errMsg, 2000), id)
	return err
}

// DiscardRun transitions a non-terminal run to discarded and reports whether
// the transition happened.
func (s *Store) DiscardRun(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE runs SET status = 'discarded', completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CreateScan(ctx context.Context, scan *models.Scan) error {
	query := `
		INSERT INTO scans (id, target_id, run_id, scanner, scan_target, status, config, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	if scan.Status == "" {
		scan.Status = models.ScanStatusRunning
	}
	scan.StartedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		scan.ID, scan.TargetID, scan.RunID, scan.Scanner, scan.ScanTarget, scan.Status, scan.Config, scan.StartedAt,
	)
	return err
}

// FinishScan records the terminal state of a scan. Scan rows are immutable
// afterwards.
func (s *Store) FinishScan(ctx context.Context, id uuid.UUID, status models.ScanStatus, rawOutput, errMsg string) error {
	query := `
		UPDATE scans SET status = $1, raw_output = $2, error = $3, completed_at = now()
		WHERE id = $4 AND status = 'running'
	`
	_, err := s.db.ExecContext(ctx, query, status, rawOutput, truncate(errMsg, 2000), id)
	return err
}

func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error) {
	var scan models.Scan
	query := `SELECT * FROM scans WHERE id = $1`
	err := s.db.GetContext(ctx, &scan, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &scan, err
}

func (s *Store) ListScans(ctx context.Context, targetID uuid.UUID, runID *uuid.UUID, limit int) ([]models.Scan, error) {
	query := `SELECT * FROM scans WHERE target_id = $1`
	args := []interface{}{targetID}
	if runID != nil {
		query += ` AND run_id = $2`
		args = append(args, *runID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var scans []models.Scan
	err := s.db.SelectContext(ctx, &scans, query, args...)
	return scans, err
}

// RunScanners returns the distinct scanner names that produced scans for a
// run. The change detector uses this to decide which artifact types were
// in-scope for staleness.
func (s *Store) RunScanners(ctx context.Context, runID uuid.UUID) (map[string]bool, error) {
	var names []string
	query := `SELECT DISTINCT scanner FROM scans WHERE run_id = $1`
	if err := s.db.SelectContext(ctx, &names, query, runID); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (s *Store) CreateFinding(ctx context.Context, finding *models.Finding) error {
	query := `
		INSERT INTO findings (
			id, target_id, run_id, scan_id, asset_id, service_id, severity,
			title, description, impact, evidence, remediation, url, cve, cvss_score, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	if finding.ID == uuid.Nil {
		finding.ID = uuid.New()
	}
	finding.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		finding.ID, finding.TargetID, finding.RunID, finding.ScanID, finding.AssetID, finding.ServiceID,
		finding.Severity, finding.Title, finding.Description, finding.Impact, finding.Evidence,
		finding.Remediation, finding.URL, finding.CVE, finding.CVSSScore, finding.CreatedAt,
	)
	return err
}

type ListFindingFilters struct {
	RunID    *uuid.UUID
	AssetID  *uuid.UUID
	Severity *models.Severity
	Limit    int
	Offset   int
}

func (s *Store) ListFindings(ctx context.Context, targetID uuid.UUID, filters ListFindingFilters) ([]models.Finding, error) {
	query := `SELECT * FROM findings WHERE target_id = $1`
	args := []interface{}{targetID}
	argIdx := 2

	if filters.RunID != nil {
		query += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, *filters.RunID)
		argIdx++
	}
	if filters.AssetID != nil {
		query += fmt.Sprintf(" AND asset_id = $%d", argIdx)
		args = append(args, *filters.AssetID)
		argIdx++
	}
	if filters.Severity != nil {
		query += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, *filters.Severity)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var findings []models.Finding
	err := s.db.SelectContext(ctx, &findings, query, args...)
	return findings, err
}

// LogEvent appends to the run_events audit log.
func (s *Store) LogEvent(ctx context.Context, ev *models.RunEvent) error {
	return s.logEvent(ctx, s.db, ev)
}

func (s *Store) LogEventTx(ctx context.Context, tx *sqlx.Tx, ev *models.RunEvent) error {
	return s.logEvent(ctx, tx, ev)
}

func (s *Store) logEvent(ctx context.Context, ext sqlx.ExtContext, ev *models.RunEvent) error {
	query := `
		INSERT INTO run_events (id, target_id, run_id, kind, detail, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now()

	_, err := ext.ExecContext(ctx, query,
		ev.ID, ev.TargetID, ev.RunID, ev.Kind, ev.Detail, ev.Actor, ev.CreatedAt,
	)
	return err
}

func (s *Store) ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]models.RunEvent, error) {
	query := `SELECT * FROM run_events WHERE run_id = $1 ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var events []models.RunEvent
	err := s.db.SelectContext(ctx, &events, query, runID)
	return events, err
}

func (s *Store) CreateSchedule(ctx context.Context, sched *models.Schedule) error {
	query := `
		INSERT INTO schedules (id, target_id, interval_seconds, enabled, pipeline_config, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	sched.CreatedAt = time.Now()
	sched.UpdatedAt = sched.CreatedAt

	_, err := s.db.ExecContext(ctx, query,
		sched.ID, sched.TargetID, sched.IntervalSeconds, sched.Enabled, sched.PipelineConfig,
		sched.NextRunAt, sched.CreatedAt, sched.UpdatedAt,
	)
	return err
}

func (s *Store) ListSchedules(ctx context.Context, targetID uuid.UUID) ([]models.Schedule, error) {
	var schedules []models.Schedule
	query := `SELECT * FROM schedules WHERE target_id = $1 ORDER BY created_at ASC`
	err := s.db.SelectContext(ctx, &schedules, query, targetID)
	return schedules, err
}

// ClaimDueScheduleTx locks one due schedule whose target has no active
// pipeline run, skipping rows held by concurrent scheduler instances.
func (s *Store) ClaimDueScheduleTx(ctx context.Context, tx *sqlx.Tx) (*models.Schedule, error) {
	var sched models.Schedule
	query := `
		SELECT * FROM schedules sc
		WHERE sc.enabled
		  AND (sc.next_run_at IS NULL OR sc.next_run_at <= now())
		  AND NOT EXISTS (
			SELECT 1 FROM runs r
			WHERE r.target_id = sc.target_id
			  AND r.status IN ('queued', 'running')
			  AND r.trigger <> 'verification'
		  )
		ORDER BY sc.next_run_at ASC NULLS FIRST, sc.created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	err := tx.GetContext(ctx, &sched, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// AdvanceScheduleTx records a fired schedule. Missed ticks are corrected
// forward rather than stacked: next_run_at never lands in the past.
func (s *Store) AdvanceScheduleTx(ctx context.Context, tx *sqlx.Tx, sched *models.Schedule, now time.Time) error {
	next := now.Add(sched.Interval())
	if sched.NextRunAt != nil {
		if cand := sched.NextRunAt.Add(sched.Interval()); cand.After(next) {
			next = cand
		}
	}
	query := `
		UPDATE schedules SET last_run_at = $1, next_run_at = $2, updated_at = $1
		WHERE id = $3
	`
	_, err := tx.ExecContext(ctx, query, now, next, sched.ID)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
