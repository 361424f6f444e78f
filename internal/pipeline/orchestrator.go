package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/detect"
	"github.com/perimetra/asm/internal/events"
	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/normalize"
	"github.com/perimetra/asm/internal/queue"
	"github.com/perimetra/asm/internal/resolve"
	"github.com/perimetra/asm/internal/scanner"
	"github.com/perimetra/asm/internal/scope"
	"github.com/perimetra/asm/internal/store"
)

// Pipeline stages in DAG order. Stage chaining is expressed as
// enqueue-next-on-completion: stages communicate only through the job queue,
// which keeps a half-finished pipeline restartable after a worker crash and
// observable from the jobs table.
const (
	StageSubfinder  = "subfinder"
	StageDNSResolve = "dns_resolve"
	StageNmap       = "nmap"
	StageHTTPX      = "httpx"
	StageNuclei     = "nuclei"
)

var stageAfter = map[string]string{
	StageSubfinder:  StageDNSResolve,
	StageDNSResolve: StageNmap,
	StageNmap:       StageHTTPX,
	StageHTTPX:      StageNuclei,
	StageNuclei:     "",
}

type Config struct {
	DefaultMaxHosts       int
	DefaultMaxHTTPTargets int
	RunDeadline           time.Duration
	DNSConcurrency        int
}

type Orchestrator struct {
	store    *store.Store
	queue    *queue.Queue
	runner   *scanner.Runner
	enforcer *scope.Enforcer
	resolver *resolve.Resolver
	detector *detect.Detector
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger
}

func NewOrchestrator(
	st *store.Store,
	q *queue.Queue,
	runner *scanner.Runner,
	enforcer *scope.Enforcer,
	resolver *resolve.Resolver,
	detector *detect.Detector,
	bus *events.Bus,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultMaxHosts == 0 {
		cfg.DefaultMaxHosts = 50
	}
	if cfg.DefaultMaxHTTPTargets == 0 {
		cfg.DefaultMaxHTTPTargets = 200
	}
	if cfg.RunDeadline == 0 {
		cfg.RunDeadline = 4 * time.Hour
	}
	if cfg.DNSConcurrency == 0 {
		cfg.DNSConcurrency = 50
	}
	return &Orchestrator{
		store: st, queue: q, runner: runner, enforcer: enforcer,
		resolver: resolver, detector: detector, bus: bus, cfg: cfg, logger: logger,
	}
}

// HandlePipeline opens the run and enqueues the first stage. All the real
// work happens in stage jobs.
func (o *Orchestrator) HandlePipeline(ctx context.Context, job *models.Job) error {
	if job.RunID == nil {
		return fmt.Errorf("pipeline job %s has no run", job.ID)
	}
	run, err := o.store.GetRun(ctx, *job.RunID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", *job.RunID)
	}
	// Honor a discard that raced the dequeue.
	if run.Status == models.RunStatusDiscarded || run.Status == models.RunStatusCancelled {
		return queue.ErrCancelled
	}

	target, err := o.store.GetTarget(ctx, run.TargetID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	if target == nil {
		return fmt.Errorf("target %s not found", run.TargetID)
	}

	if err := o.store.MarkRunRunning(ctx, run.ID); err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}

	o.publish(events.RunStarted, target.ID, run.ID, nil)
	o.audit(ctx, target.ID, run.ID, "pipeline_started", models.JSONB{
		"trigger":          string(run.Trigger),
		"max_hosts":        o.maxHosts(run),
		"max_http_targets": o.maxHTTPTargets(run),
	})

	return o.enqueueStage(ctx, target, run, StageSubfinder, models.JSONB{
		"stage":       StageSubfinder,
		"scan_target": target.RootDomain,
	})
}

// HandleScanner executes one stage job and, when it is the stage's last
// unfinished job, enqueues the next stage.
func (o *Orchestrator) HandleScanner(ctx context.Context, job *models.Job) error {
	stage := job.Stage()
	if stage == "" {
		return fmt.Errorf("scanner job %s has no stage", job.ID)
	}
	if job.RunID == nil {
		return fmt.Errorf("scanner job %s has no run", job.ID)
	}

	target, run, err := o.loadRun(ctx, job)
	if err != nil {
		return err
	}
	if err := o.ensureRunActive(ctx, run); err != nil {
		return err
	}

	switch stage {
	case StageDNSResolve:
		err = o.runDNSResolve(ctx, target, run)
	default:
		err = o.runScannerStage(ctx, target, run, job, stage)
	}
	if err != nil {
		return err
	}

	counts, err := o.queue.StageCounts(ctx, run.ID, stage, job.ID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	if counts.Unfinished() == 0 {
		return o.advance(ctx, target, run, stage)
	}
	return nil
}

// HandleJobFailure runs after a job goes terminally failed. dns_resolve is
// the critical stage: its loss fails the run. Other stages are best-effort;
// the run only fails when a whole stage produced nothing, and otherwise the
// surviving jobs' results carry the pipeline forward.
func (o *Orchestrator) HandleJobFailure(ctx context.Context, job *models.Job) {
	if job.RunID == nil {
		return
	}
	stage := job.Stage()

	if job.Type == models.JobTypePipeline {
		o.failRun(ctx, job.TargetID, *job.RunID, "pipeline job failed: "+job.LastError)
		return
	}
	if !strings.HasPrefix(job.Type, models.ScannerJobPrefix) || stage == "" {
		return
	}

	if stage == StageDNSResolve {
		o.failRun(ctx, job.TargetID, *job.RunID, "critical stage dns_resolve failed")
		return
	}

	counts, err := o.queue.StageCounts(ctx, *job.RunID, stage, uuid.Nil)
	if err != nil {
		o.logger.Error("stage counts after failure", "run_id", *job.RunID, "stage", stage, "error", err)
		return
	}
	if counts.Unfinished() > 0 {
		return
	}
	if counts.Completed == 0 {
		o.failRun(ctx, job.TargetID, *job.RunID, fmt.Sprintf("stage %s failed on every job", stage))
		return
	}

	// The failed job was the stage's last straggler; advance on the
	// completed siblings' results.
	target, run, err := o.loadRun(ctx, job)
	if err != nil {
		o.logger.Error("loading run after stage failure", "run_id", *job.RunID, "error", err)
		return
	}
	if run.Status != models.RunStatusRunning {
		return
	}
	if err := o.advance(ctx, target, run, stage); err != nil {
		o.logger.Error("advancing after stage failure", "run_id", run.ID, "stage", stage, "error", err)
	}
}

func (o *Orchestrator) loadRun(ctx context.Context, job *models.Job) (*models.Target, *models.Run, error) {
	run, err := o.store.GetRun(ctx, *job.RunID)
	if err != nil {
		return nil, nil, queue.Retryable("dependency_unreachable", err)
	}
	if run == nil {
		return nil, nil, fmt.Errorf("run %s not found", *job.RunID)
	}
	target, err := o.store.GetTarget(ctx, run.TargetID)
	if err != nil {
		return nil, nil, queue.Retryable("dependency_unreachable", err)
	}
	if target == nil {
		return nil, nil, fmt.Errorf("target %s not found", run.TargetID)
	}
	return target, run, nil
}

// ensureRunActive enforces discard/cancel and the run deadline between
// stages.
func (o *Orchestrator) ensureRunActive(ctx context.Context, run *models.Run) error {
	if run.Status == models.RunStatusDiscarded || run.Status == models.RunStatusCancelled {
		if err := o.queue.CancelRunJobs(ctx, run.ID, "run "+string(run.Status)); err != nil {
			o.logger.Error("cancelling run jobs", "run_id", run.ID, "error", err)
		}
		return queue.ErrCancelled
	}
	if run.Status.Terminal() {
		return queue.ErrCancelled
	}
	if run.StartedAt != nil && time.Since(*run.StartedAt) > o.cfg.RunDeadline {
		o.failRun(ctx, run.TargetID, run.ID, "run deadline exceeded")
		return fmt.Errorf("run %s exceeded deadline %s", run.ID, o.cfg.RunDeadline)
	}
	return nil
}

func (o *Orchestrator) runScannerStage(ctx context.Context, target *models.Target, run *models.Run, job *models.Job, stage string) error {
	desc, ok := scanner.Lookup(stage)
	if !ok {
		return fmt.Errorf("unknown scanner stage %q", stage)
	}

	scanTarget := job.Payload.String("scan_target", target.RootDomain)
	batch := payloadStrings(job.Payload, "targets")

	result, scan, err := o.runner.Run(ctx, target, &run.ID, desc, scanTarget, batch)
	if err != nil {
		switch {
		case errors.Is(err, scanner.ErrScopeDenied):
			return err // fatal, not retried
		case errors.Is(err, context.Canceled):
			return queue.ErrCancelled
		default:
			var execErr *scanner.ExecError
			if errors.As(err, &execErr) && execErr.Retryable {
				return queue.Retryable(execErr.Reason, execErr.Err)
			}
			return err
		}
	}

	batchOut := result.Batch
	if stage == StageSubfinder {
		batchOut = o.filterScope(ctx, target, batchOut)
		// The pipeline continues with the root host alone when enumeration
		// finds nothing.
		rootNorm, err := normalize.Domain(target.RootDomain)
		if err == nil {
			batchOut.Assets = append(batchOut.Assets, models.AssetArtifact{
				Type: models.AssetTypeSubdomain, Value: target.RootDomain, Normalized: rootNorm,
			})
		}
	}

	if err := o.store.Ingest(ctx, target.ID, run.ID, batchOut); err != nil {
		return queue.Retryable("dependency_unreachable", fmt.Errorf("ingesting %s results: %w", stage, err))
	}

	if err := o.persistFindings(ctx, target, run, scan.ID, result.Findings, stage == StageNuclei); err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	return nil
}

// filterScope drops discovered assets that fall outside the target's scope
// policy, auditing each skip.
func (o *Orchestrator) filterScope(ctx context.Context, target *models.Target, batch models.ArtifactBatch) models.ArtifactBatch {
	kept := batch.Assets[:0:0]
	for _, a := range batch.Assets {
		if a.Type != models.AssetTypeSubdomain {
			kept = append(kept, a)
			continue
		}
		if d := o.enforcer.Check(ctx, target, a.Normalized); !d.Allowed {
			o.audit(ctx, target.ID, uuid.Nil, "scope_skipped", models.JSONB{
				"candidate": a.Normalized, "reason": d.Reason,
			})
			continue
		}
		kept = append(kept, a)
	}
	batch.Assets = kept
	return batch
}

// runDNSResolve is the internal resolution stage: no subprocess, but it
// still records a scan row so the run's evidence trail stays uniform.
func (o *Orchestrator) runDNSResolve(ctx context.Context, target *models.Target, run *models.Run) error {
	subdomains, err := o.store.SubdomainsSeenInRun(ctx, target.ID, run.ID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}

	scan := &models.Scan{
		TargetID:   target.ID,
		RunID:      &run.ID,
		Scanner:    "dns_resolve",
		ScanTarget: target.RootDomain,
		Config:     models.JSONB{"count": len(subdomains)},
	}
	if err := o.store.CreateScan(ctx, scan); err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}

	names := make([]string, len(subdomains))
	for i, a := range subdomains {
		names[i] = a.Normalized
	}
	results := o.resolver.LookupAll(ctx, names, o.cfg.DNSConcurrency)
	if ctx.Err() != nil {
		_ = o.store.FinishScan(ctx, scan.ID, models.ScanStatusFailed, "", "cancelled")
		return queue.ErrCancelled
	}

	policy := scope.Parse(target.Scope, target.RootDomain)
	var batch models.ArtifactBatch
	var rawLines []string
	type unresolvedEntry struct{ name, reason string }
	var unresolved []unresolvedEntry

	for i, rr := range results {
		sub := subdomains[i]
		if len(rr.IPs) == 0 {
			// Unresolved subdomains stay in inventory; they gain no
			// resolution edge this run and are marked unresolved below.
			reason := rr.Err
			if reason == "" {
				reason = resolve.ErrNoAnswer
			}
			unresolved = append(unresolved, unresolvedEntry{sub.Normalized, reason})
			rawLines = append(rawLines, fmt.Sprintf("%s -> unresolved (%s)", sub.Normalized, reason))
			continue
		}

		var kept []string
		for _, ip := range rr.IPs {
			norm, err := normalize.IP(ip, policy.AllowPrivateIPs)
			if err != nil {
				continue
			}
			kept = append(kept, norm)
			batch.Assets = append(batch.Assets, models.AssetArtifact{
				Type: models.AssetTypeIP, Value: ip, Normalized: norm,
			})
			batch.Edges = append(batch.Edges, models.EdgeArtifact{
				FromType:       models.AssetTypeSubdomain,
				FromValue:      sub.Value,
				FromNormalized: sub.Normalized,
				ToType:         models.AssetTypeIP,
				ToValue:        ip,
				ToNormalized:   norm,
				RelType:        models.RelResolvesTo,
			})
		}
		rawLines = append(rawLines, fmt.Sprintf("%s -> %s", sub.Normalized, strings.Join(kept, ", ")))
	}

	if err := o.store.Ingest(ctx, target.ID, run.ID, batch); err != nil {
		_ = o.store.FinishScan(ctx, scan.ID, models.ScanStatusFailed, strings.Join(rawLines, "\n"), err.Error())
		return queue.Retryable("dependency_unreachable", err)
	}

	for _, u := range unresolved {
		if err := o.store.MarkAssetUnresolved(ctx, target.ID, models.AssetTypeSubdomain, u.name, u.reason, run.ID); err != nil {
			o.logger.Warn("marking unresolved", "name", u.name, "error", err)
		}
		o.publish(events.AssetStateChanged, target.ID, run.ID, map[string]interface{}{
			"type": "subdomain", "normalized": u.name, "status": "unresolved", "reason": u.reason,
		})
	}
	if len(unresolved) > 0 {
		o.audit(ctx, target.ID, run.ID, "subdomains_unresolved", models.JSONB{
			"count": len(unresolved), "scan_id": scan.ID.String(),
		})
	}

	return o.store.FinishScan(ctx, scan.ID, models.ScanStatusCompleted, strings.Join(rawLines, "\n"), "")
}

func (o *Orchestrator) persistFindings(ctx context.Context, target *models.Target, run *models.Run, scanID uuid.UUID, findings []models.FindingArtifact, linkURLAssets bool) error {
	for _, fa := range findings {
		finding := &models.Finding{
			TargetID:    target.ID,
			RunID:       &run.ID,
			ScanID:      &scanID,
			Severity:    fa.Severity,
			Title:       fa.Title,
			Description: fa.Description,
			Impact:      fa.Impact,
			Evidence:    fa.Evidence,
			Remediation: fa.Remediation,
			URL:         fa.URL,
			CVE:         fa.CVE,
			CVSSScore:   fa.CVSSScore,
		}

		if linkURLAssets && fa.URL != "" {
			if urlNorm, err := normalize.URL(fa.URL); err == nil {
				assetID, err := o.store.URLAssetID(ctx, target.ID, urlNorm)
				if err != nil {
					return err
				}
				if assetID == nil {
					res, err := o.store.UpsertAssetSeen(ctx, target.ID, run.ID, models.AssetTypeURL, fa.URL, urlNorm)
					if err != nil {
						return err
					}
					assetID = &res.ID
				}
				finding.AssetID = assetID
			}
		}

		if err := o.store.CreateFinding(ctx, finding); err != nil {
			return err
		}
		o.publish(events.FindingDiscovered, target.ID, run.ID, map[string]interface{}{
			"severity": string(fa.Severity), "title": fa.Title, "url": fa.URL,
		})
	}
	return nil
}

// advance enqueues the stage after `stage`, skipping stages whose input set
// is empty. A skipped stage is recorded and costs no jobs.
func (o *Orchestrator) advance(ctx context.Context, target *models.Target, run *models.Run, stage string) error {
	next := stageAfter[stage]
	if next == "" {
		return o.finalize(ctx, target, run)
	}

	switch next {
	case StageDNSResolve:
		return o.enqueueStage(ctx, target, run, next, models.JSONB{"stage": StageDNSResolve})

	case StageNmap:
		candidates, err := o.store.NmapCandidates(ctx, target.ID, run.ID, o.maxHosts(run))
		if err != nil {
			return queue.Retryable("dependency_unreachable", err)
		}
		if len(candidates) == 0 {
			return o.skipStage(ctx, target, run, next)
		}
		for _, ip := range candidates {
			if err := o.enqueueStage(ctx, target, run, next, models.JSONB{
				"stage": StageNmap, "scan_target": ip.Normalized,
			}); err != nil {
				return err
			}
		}
		return nil

	case StageHTTPX:
		probes, err := o.store.HTTPProbeTargets(ctx, target.ID, run.ID, o.maxHTTPTargets(run))
		if err != nil {
			return queue.Retryable("dependency_unreachable", err)
		}
		urls := buildHTTPTargets(probes)
		if len(urls) == 0 {
			return o.skipStage(ctx, target, run, next)
		}
		return o.enqueueStage(ctx, target, run, next, models.JSONB{
			"stage": StageHTTPX, "scan_target": target.RootDomain, "targets": urls,
		})

	case StageNuclei:
		urlAssets, err := o.store.URLsSeenInRun(ctx, target.ID, run.ID)
		if err != nil {
			return queue.Retryable("dependency_unreachable", err)
		}
		if len(urlAssets) == 0 {
			return o.skipStage(ctx, target, run, next)
		}
		urls := make([]string, len(urlAssets))
		for i, a := range urlAssets {
			urls[i] = a.Normalized
		}
		return o.enqueueStage(ctx, target, run, next, models.JSONB{
			"stage": StageNuclei, "scan_target": target.RootDomain, "targets": urls,
		})
	}

	return fmt.Errorf("no advance rule for stage %q", stage)
}

func (o *Orchestrator) skipStage(ctx context.Context, target *models.Target, run *models.Run, stage string) error {
	o.audit(ctx, target.ID, run.ID, "stage_skipped", models.JSONB{"stage": stage})
	return o.advance(ctx, target, run, stage)
}

func (o *Orchestrator) finalize(ctx context.Context, target *models.Target, run *models.Run) error {
	summary, err := o.detector.DetectAndEnqueue(ctx, target, run)
	if err != nil {
		return queue.Retryable("dependency_unreachable", fmt.Errorf("change detection: %w", err))
	}

	if err := o.store.FinishRun(ctx, run.ID, models.RunStatusCompleted, ""); err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}

	o.publish(events.RunCompleted, target.ID, run.ID, map[string]interface{}{
		"new_assets":     summary.NewAssets,
		"new_services":   summary.NewServices,
		"stale_assets":   summary.StaleAssets,
		"stale_services": summary.StaleServices,
	})
	o.audit(ctx, target.ID, run.ID, "pipeline_completed", models.JSONB{
		"new_assets":  summary.NewAssets + summary.NewServices,
		"stale":       summary.StaleAssets + summary.StaleServices,
		"verify_jobs": summary.VerifyJobs,
	})
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, targetID, runID uuid.UUID, reason string) {
	if err := o.store.FinishRun(ctx, runID, models.RunStatusFailed, reason); err != nil {
		o.logger.Error("failing run", "run_id", runID, "error", err)
	}
	if err := o.queue.CancelRunJobs(ctx, runID, reason); err != nil {
		o.logger.Error("cancelling run jobs", "run_id", runID, "error", err)
	}
	o.publish(events.RunFailed, targetID, runID, map[string]interface{}{"reason": reason})
	o.audit(ctx, targetID, runID, "pipeline_failed", models.JSONB{"reason": reason})
}

func (o *Orchestrator) enqueueStage(ctx context.Context, target *models.Target, run *models.Run, stage string, payload models.JSONB) error {
	jobType := models.JobTypePipeline
	if stage != "" {
		jobType = models.ScannerJobType(stage)
	}
	job := &models.Job{
		Type:     jobType,
		TargetID: target.ID,
		RunID:    &run.ID,
		Payload:  payload,
		Priority: queue.PriorityNormal,
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	return nil
}

func (o *Orchestrator) maxHosts(run *models.Run) int {
	return run.Config.Int("max_hosts", o.cfg.DefaultMaxHosts)
}

func (o *Orchestrator) maxHTTPTargets(run *models.Run) int {
	return run.Config.Int("max_http_targets", o.cfg.DefaultMaxHTTPTargets)
}

func (o *Orchestrator) publish(kind events.Kind, targetID uuid.UUID, runID uuid.UUID, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	rid := runID
	o.bus.Publish(events.Event{Kind: kind, TargetID: targetID, RunID: &rid, Payload: payload})
}

func (o *Orchestrator) audit(ctx context.Context, targetID uuid.UUID, runID uuid.UUID, kind string, detail models.JSONB) {
	ev := &models.RunEvent{TargetID: targetID, Kind: kind, Detail: detail, Actor: "orchestrator"}
	if runID != uuid.Nil {
		rid := runID
		ev.RunID = &rid
	}
	if err := o.store.LogEvent(ctx, ev); err != nil && ctx.Err() == nil {
		o.logger.Warn("audit write failed", "kind", kind, "error", err)
	}
}

// buildHTTPTargets turns (subdomain, port) probe tuples into canonical URLs,
// deduplicated, with TLS assumed on the well-known TLS ports.
func buildHTTPTargets(probes []store.HTTPProbeTarget) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, p := range probes {
		scheme := "http"
		if p.Port == 443 || p.Port == 8443 {
			scheme = "https"
		}
		raw := fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
		norm, err := normalize.URL(raw)
		if err != nil || seen[norm] {
			continue
		}
		seen[norm] = true
		urls = append(urls, norm)
	}
	return urls
}

func payloadStrings(payload models.JSONB, key string) []string {
	raw, ok := payload[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
