package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/events"
	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/scope"
	"github.com/perimetra/asm/internal/store"
	"github.com/perimetra/asm/internal/telemetry"
)

// maxKeptLines bounds the in-memory output buffer. On overflow the oldest
// lines go first and the drop is noted in the persisted output.
const maxKeptLines = 10000

type RunnerConfig struct {
	ToolsContainer string
	RawOutputCap   int
}

// Runner executes a described scanner against a target string inside the
// sandboxed tool container, streaming redacted output to the event bus and
// returning the parsed result. It never raises scanner-layer failures as
// panics; everything maps to the error taxonomy the worker pool understands.
type Runner struct {
	store    *store.Store
	bus      *events.Bus
	enforcer *scope.Enforcer
	cfg      RunnerConfig
	logger   *slog.Logger
}

func NewRunner(st *store.Store, bus *events.Bus, enforcer *scope.Enforcer, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RawOutputCap == 0 {
		cfg.RawOutputCap = 50000
	}
	return &Runner{store: st, bus: bus, enforcer: enforcer, cfg: cfg, logger: logger}
}

// Run executes one scan. batchTargets, when non-empty, are fed over stdin
// for descriptors that take target lists; each entry passes its own scope
// check and denied entries are dropped and audited. scanTarget always passes
// the scope gate before any process is spawned.
func (r *Runner) Run(ctx context.Context, target *models.Target, runID *uuid.UUID, desc Descriptor, scanTarget string, batchTargets []string) (*Result, *models.Scan, error) {
	decision := r.enforcer.Check(ctx, target, scanTarget)
	if !decision.Allowed {
		r.auditDenial(ctx, target, runID, desc.Name, scanTarget, decision.Reason)
		return nil, nil, fmt.Errorf("%w: %s (%s)", ErrScopeDenied, scanTarget, decision.Reason)
	}

	allowed := batchTargets[:0:0]
	for _, bt := range batchTargets {
		d := r.enforcer.Check(ctx, target, bt)
		if !d.Allowed {
			r.auditDenial(ctx, target, runID, desc.Name, bt, d.Reason)
			continue
		}
		allowed = append(allowed, bt)
	}
	if len(batchTargets) > 0 && len(allowed) == 0 {
		return nil, nil, fmt.Errorf("%w: no batch target in scope", ErrScopeDenied)
	}

	scan := &models.Scan{
		TargetID:   target.ID,
		RunID:      runID,
		Scanner:    desc.Name,
		ScanTarget: scanTarget,
		Config:     models.JSONB{"targets": len(allowed)},
	}
	if err := r.store.CreateScan(ctx, scan); err != nil {
		return nil, nil, fmt.Errorf("creating scan record: %w", err)
	}

	r.publish(events.ScanStarted, target.ID, runID, scan.ID, map[string]interface{}{
		"scanner": desc.Name, "target": scanTarget,
	})

	lines, dropped, execErr := r.execute(ctx, desc, scanTarget, allowed, scan.ID, target.ID, runID)

	raw := strings.Join(lines, "\n")
	if dropped > 0 {
		raw = fmt.Sprintf("[%d earlier lines dropped]\n%s", dropped, raw)
	}
	if len(raw) > r.cfg.RawOutputCap {
		raw = raw[:r.cfg.RawOutputCap]
	}

	if execErr != nil {
		var exitErr *exitWithOutput
		if errors.As(execErr, &exitErr) && len(lines) > 0 {
			// Non-zero exit but parseable output: take what we got.
			result := r.parse(desc, lines, scanTarget)
			result.Warnings = append(result.Warnings, exitErr.Error())
			r.finish(ctx, scan, target.ID, runID, models.ScanStatusCompleted, raw, exitErr.Error(), result)
			return result, scan, nil
		}

		status := models.ScanStatusFailed
		r.finish(ctx, scan, target.ID, runID, status, raw, execErr.Error(), nil)
		return nil, scan, execErr
	}

	result := r.parse(desc, lines, scanTarget)
	r.finish(ctx, scan, target.ID, runID, models.ScanStatusCompleted, raw, "", result)
	return result, scan, nil
}

type exitWithOutput struct {
	code int
}

func (e *exitWithOutput) Error() string {
	return fmt.Sprintf("scanner exited with code %d", e.code)
}

func (r *Runner) execute(ctx context.Context, desc Descriptor, scanTarget string, batch []string, scanID, targetID uuid.UUID, runID *uuid.UUID) ([]string, int, error) {
	argv := make([]string, 0, len(desc.Argv)+3)
	argv = append(argv, "exec")
	if desc.BatchStdin {
		argv = append(argv, "-i")
	}
	argv = append(argv, r.cfg.ToolsContainer)
	for _, tok := range desc.Argv {
		argv = append(argv, strings.ReplaceAll(tok, "{target}", scanTarget))
	}

	execCtx, cancel := context.WithTimeout(ctx, desc.Timeout())
	defer cancel()

	cmd := exec.CommandContext(execCtx, "docker", argv...)
	if desc.BatchStdin {
		cmd.Stdin = strings.NewReader(strings.Join(batch, "\n") + "\n")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, &ExecError{Reason: "scanner_error", Retryable: true, Err: err}
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4096}

	if err := cmd.Start(); err != nil {
		return nil, 0, &ExecError{Reason: "dependency_unreachable", Retryable: true, Err: err}
	}

	var lines []string
	dropped := 0

	scannerOut := bufio.NewScanner(stdout)
	scannerOut.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scannerOut.Scan() {
		line := Redact(scannerOut.Text())
		if line == "" {
			continue
		}
		if len(lines) >= maxKeptLines {
			lines = lines[1:]
			dropped++
			telemetry.StreamLinesDropped.Inc()
		}
		lines = append(lines, line)
		r.publish(events.ScanLine, targetID, runID, scanID, map[string]interface{}{
			"scanner": desc.Name, "line": line,
		})
	}

	waitErr := cmd.Wait()

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		return lines, dropped, &ExecError{Reason: "timeout", Retryable: true,
			Err: fmt.Errorf("%s exceeded %s", desc.Name, desc.Timeout())}
	case ctx.Err() != nil:
		// Cooperative cancellation killed the child process.
		return lines, dropped, ctx.Err()
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if len(lines) > 0 {
				return lines, dropped, &exitWithOutput{code: exitErr.ExitCode()}
			}
			return lines, dropped, &ExecError{Reason: "scanner_error", Retryable: true,
				Err: fmt.Errorf("%s exited %d: %s", desc.Name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))}
		}
		return lines, dropped, &ExecError{Reason: "scanner_error", Retryable: true, Err: waitErr}
	}

	return lines, dropped, nil
}

func (r *Runner) parse(desc Descriptor, lines []string, scanTarget string) *Result {
	parser, ok := parserFor(desc.ParserID)
	if !ok {
		return &Result{
			Scanner:  desc.Name,
			Target:   scanTarget,
			Status:   models.ScanStatusCompleted,
			Warnings: []string{fmt.Sprintf("no parser registered for %q", desc.ParserID)},
		}
	}
	result := parser(lines, scanTarget)
	result.Scanner = desc.Name
	result.Target = scanTarget
	return result
}

func (r *Runner) finish(ctx context.Context, scan *models.Scan, targetID uuid.UUID, runID *uuid.UUID, status models.ScanStatus, raw, errMsg string, result *Result) {
	if err := r.store.FinishScan(ctx, scan.ID, status, raw, errMsg); err != nil && ctx.Err() == nil {
		r.logger.Error("finishing scan", "scan_id", scan.ID, "error", err)
	}
	telemetry.ScansTotal.WithLabelValues(scan.Scanner, string(status)).Inc()

	payload := map[string]interface{}{
		"scanner": scan.Scanner, "target": scan.ScanTarget, "status": string(status),
	}
	if result != nil {
		payload["findings"] = len(result.Findings)
		payload["assets"] = len(result.Batch.Assets)
	}
	r.publish(events.ScanCompleted, targetID, runID, scan.ID, payload)
}

func (r *Runner) publish(kind events.Kind, targetID uuid.UUID, runID *uuid.UUID, scanID uuid.UUID, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	sid := scanID
	r.bus.Publish(events.Event{
		Kind:     kind,
		TargetID: targetID,
		RunID:    runID,
		ScanID:   &sid,
		Payload:  payload,
	})
}

func (r *Runner) auditDenial(ctx context.Context, target *models.Target, runID *uuid.UUID, scanner, candidate, reason string) {
	telemetry.ScopeDenials.Inc()
	r.logger.Warn("scope denied", "target", target.RootDomain, "candidate", candidate, "reason", reason)
	ev := &models.RunEvent{
		TargetID: target.ID,
		RunID:    runID,
		Kind:     "scope_denied",
		Detail: models.JSONB{
			"scanner": scanner, "candidate": candidate, "reason": reason,
		},
		Actor: "runner",
	}
	if err := r.store.LogEvent(ctx, ev); err != nil && ctx.Err() == nil {
		r.logger.Warn("audit write failed", "kind", "scope_denied", "error", err)
	}
}

type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if l.n <= 0 {
		return orig, nil
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	n, err := l.w.Write(p)
	l.n -= n
	if err != nil {
		return n, err
	}
	return orig, nil
}
