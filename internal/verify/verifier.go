package verify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/events"
	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/normalize"
	"github.com/perimetra/asm/internal/queue"
	"github.com/perimetra/asm/internal/resolve"
	"github.com/perimetra/asm/internal/scope"
	"github.com/perimetra/asm/internal/store"
)

// Verifier confirms or condemns candidate-stale artifacts with targeted
// re-probes. It runs under the same scope and concurrency policies as
// pipeline scans; the queue predicate supplies the latter and the enforcer
// the former.
type Verifier struct {
	store      *store.Store
	bus        *events.Bus
	enforcer   *scope.Enforcer
	resolver   *resolve.Resolver
	tcpTimeout time.Duration
	logger     *slog.Logger
	httpClient *http.Client
}

func New(st *store.Store, bus *events.Bus, enforcer *scope.Enforcer, resolver *resolve.Resolver, tcpTimeout time.Duration, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if tcpTimeout == 0 {
		tcpTimeout = 3 * time.Second
	}
	return &Verifier{
		store:      st,
		bus:        bus,
		enforcer:   enforcer,
		resolver:   resolver,
		tcpTimeout: tcpTimeout,
		logger:     logger,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// HandleVerifyAsset re-probes a stale subdomain or URL asset. DNS consensus
// across independent resolvers decides subdomains: any address revives, a
// unanimous NXDOMAIN condemns to unresolved, and anything mixed stays stale
// for another attempt. Exhausting attempts leaves the artifact stale.
func (v *Verifier) HandleVerifyAsset(ctx context.Context, job *models.Job) error {
	if job.RunID == nil {
		return fmt.Errorf("verify_asset job %s missing run", job.ID)
	}
	assetID, err := uuid.Parse(job.Payload.String("asset_id", ""))
	if err != nil {
		return fmt.Errorf("verify_asset job %s: bad asset_id: %w", job.ID, err)
	}

	asset, err := v.store.GetAsset(ctx, assetID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	if asset == nil || asset.TargetID != job.TargetID {
		return nil
	}
	if asset.Status != models.StatusStale {
		// Revived by a concurrent observation; nothing to verify.
		return nil
	}

	target, err := v.store.GetTarget(ctx, job.TargetID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	if target == nil {
		return fmt.Errorf("target %s not found", job.TargetID)
	}

	if d := v.enforcer.Check(ctx, target, asset.Normalized); !d.Allowed {
		return fmt.Errorf("scope denied for %s: %s", asset.Normalized, d.Reason)
	}

	scan := &models.Scan{
		TargetID:   target.ID,
		RunID:      job.RunID,
		Scanner:    "verify_asset",
		ScanTarget: asset.Normalized,
	}
	if err := v.store.CreateScan(ctx, scan); err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}

	switch asset.Type {
	case models.AssetTypeSubdomain, models.AssetTypeHost:
		return v.verifyDNS(ctx, target, asset, scan, *job.RunID)
	case models.AssetTypeURL:
		return v.verifyURL(ctx, target, asset, scan, *job.RunID)
	default:
		// IPs are only condemned through their services.
		_ = v.store.FinishScan(ctx, scan.ID, models.ScanStatusCompleted,
			fmt.Sprintf("%s %s -> skipped", asset.Type, asset.Normalized), "")
		return nil
	}
}

func (v *Verifier) verifyDNS(ctx context.Context, target *models.Target, asset *models.Asset, scan *models.Scan, runID uuid.UUID) error {
	consensus := v.resolver.Consensus(ctx, asset.Normalized)
	if ctx.Err() != nil {
		_ = v.store.FinishScan(ctx, scan.ID, models.ScanStatusFailed, "", "cancelled")
		return queue.ErrCancelled
	}

	switch consensus.Verdict {
	case resolve.VerdictActive:
		// Revive and re-ingest the resolution evidence into this run.
		batch := models.ArtifactBatch{
			Assets: []models.AssetArtifact{{Type: asset.Type, Value: asset.Value, Normalized: asset.Normalized}},
		}
		policy := scope.Parse(target.Scope, target.RootDomain)
		for _, ip := range consensus.IPs {
			norm, err := normalize.IP(ip, policy.AllowPrivateIPs)
			if err != nil {
				continue
			}
			batch.Assets = append(batch.Assets, models.AssetArtifact{
				Type: models.AssetTypeIP, Value: ip, Normalized: norm,
			})
			batch.Edges = append(batch.Edges, models.EdgeArtifact{
				FromType:       asset.Type,
				FromValue:      asset.Value,
				FromNormalized: asset.Normalized,
				ToType:         models.AssetTypeIP,
				ToValue:        ip,
				ToNormalized:   norm,
				RelType:        models.RelResolvesTo,
			})
		}
		if err := v.store.Ingest(ctx, target.ID, runID, batch); err != nil {
			_ = v.store.FinishScan(ctx, scan.ID, models.ScanStatusFailed, "", err.Error())
			return queue.Retryable("dependency_unreachable", err)
		}
		return v.conclude(ctx, target, asset, scan, runID, models.StatusActive, consensus.Reason)

	case resolve.VerdictNXDomain:
		if err := v.store.SetAssetStatus(ctx, asset.ID, models.StatusUnresolved, consensus.Reason, runID); err != nil {
			return queue.Retryable("dependency_unreachable", err)
		}
		return v.conclude(ctx, target, asset, scan, runID, models.StatusUnresolved, consensus.Reason)

	default:
		_ = v.store.FinishScan(ctx, scan.ID, models.ScanStatusCompleted,
			fmt.Sprintf("%s %s -> inconclusive (%s)", asset.Type, asset.Normalized, consensus.Reason), "")
		return queue.Retryable("verification_inconclusive", errors.New(consensus.Reason))
	}
}

func (v *Verifier) verifyURL(ctx context.Context, target *models.Target, asset *models.Asset, scan *models.Scan, runID uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.Normalized, nil)
	if err != nil {
		if setErr := v.store.SetAssetStatus(ctx, asset.ID, models.StatusUnresolved, "invalid_url", runID); setErr != nil {
			return queue.Retryable("dependency_unreachable", setErr)
		}
		return v.conclude(ctx, target, asset, scan, runID, models.StatusUnresolved, "invalid_url")
	}

	resp, err := v.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		reason := fmt.Sprintf("http:%d", resp.StatusCode)
		// Any response at all means the URL is alive.
		if _, upErr := v.store.UpsertAssetSeen(ctx, target.ID, runID, models.AssetTypeURL, asset.Value, asset.Normalized); upErr != nil {
			return queue.Retryable("dependency_unreachable", upErr)
		}
		return v.conclude(ctx, target, asset, scan, runID, models.StatusActive, reason)
	}

	if ctx.Err() != nil {
		_ = v.store.FinishScan(ctx, scan.ID, models.ScanStatusFailed, "", "cancelled")
		return queue.ErrCancelled
	}

	status := models.StatusClosed
	if isDNSFailure(err) {
		status = models.StatusUnresolved
	}
	reason := clipReason(err.Error())
	if setErr := v.store.SetAssetStatus(ctx, asset.ID, status, reason, runID); setErr != nil {
		return queue.Retryable("dependency_unreachable", setErr)
	}
	return v.conclude(ctx, target, asset, scan, runID, status, reason)
}

// HandleVerifyService re-probes a stale service with a single TCP connect.
// Open revives; refused, filtered, or timed out closes.
func (v *Verifier) HandleVerifyService(ctx context.Context, job *models.Job) error {
	if job.RunID == nil {
		return fmt.Errorf("verify_service job %s missing run", job.ID)
	}
	serviceID, err := uuid.Parse(job.Payload.String("service_id", ""))
	if err != nil {
		return fmt.Errorf("verify_service job %s: bad service_id: %w", job.ID, err)
	}

	svc, err := v.store.GetService(ctx, serviceID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	if svc == nil || svc.TargetID != job.TargetID {
		return nil
	}
	if svc.Status != models.StatusStale {
		return nil
	}

	target, err := v.store.GetTarget(ctx, job.TargetID)
	if err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}
	if target == nil {
		return fmt.Errorf("target %s not found", job.TargetID)
	}

	host := ""
	if hostAsset, err := v.store.GetAsset(ctx, svc.AssetID); err == nil && hostAsset != nil {
		host = hostAsset.Normalized
	}
	if host == "" {
		return fmt.Errorf("service %s has no resolvable host", svc.ID)
	}

	if d := v.enforcer.Check(ctx, target, host); !d.Allowed {
		return fmt.Errorf("scope denied for %s: %s", host, d.Reason)
	}

	probe := fmt.Sprintf("%s:%d/%s", host, svc.Port, svc.Proto)
	scan := &models.Scan{
		TargetID:   target.ID,
		RunID:      job.RunID,
		Scanner:    "verify_service",
		ScanTarget: probe,
	}
	if err := v.store.CreateScan(ctx, scan); err != nil {
		return queue.Retryable("dependency_unreachable", err)
	}

	status, reason := v.probeTCP(ctx, host, svc.Port)
	if ctx.Err() != nil {
		_ = v.store.FinishScan(ctx, scan.ID, models.ScanStatusFailed, "", "cancelled")
		return queue.ErrCancelled
	}

	runID := *job.RunID
	if status == models.StatusActive {
		if err := v.store.ReviveServiceSeen(ctx, svc.ID, runID); err != nil {
			return queue.Retryable("dependency_unreachable", err)
		}
	} else {
		if err := v.store.SetServiceStatus(ctx, svc.ID, status, reason, runID); err != nil {
			return queue.Retryable("dependency_unreachable", err)
		}
	}

	raw := fmt.Sprintf("%s -> %s (%s)", probe, status, reason)
	if err := v.store.FinishScan(ctx, scan.ID, models.ScanStatusCompleted, raw, ""); err != nil {
		v.logger.Warn("finishing verify scan", "scan_id", scan.ID, "error", err)
	}
	v.recordTransition(ctx, target.ID, runID, scan.ID, "service", probe, status, reason)
	return nil
}

func (v *Verifier) probeTCP(ctx context.Context, host string, port int) (models.ArtifactStatus, string) {
	dialer := &net.Dialer{Timeout: v.tcpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err == nil {
		conn.Close()
		return models.StatusActive, "tcp_connect_ok"
	}
	if isDNSFailure(err) {
		return models.StatusUnresolved, clipReason(err.Error())
	}
	// Refused, unreachable, or filtered past the timeout all read as closed.
	return models.StatusClosed, clipReason(err.Error())
}

// conclude finishes the verification scan, emits the state-change event, and
// writes the audit row carrying the scan id as evidence.
func (v *Verifier) conclude(ctx context.Context, target *models.Target, asset *models.Asset, scan *models.Scan, runID uuid.UUID, status models.ArtifactStatus, reason string) error {
	raw := fmt.Sprintf("%s %s -> %s (%s)", asset.Type, asset.Normalized, status, reason)
	if err := v.store.FinishScan(ctx, scan.ID, models.ScanStatusCompleted, raw, ""); err != nil {
		v.logger.Warn("finishing verify scan", "scan_id", scan.ID, "error", err)
	}
	v.recordTransition(ctx, target.ID, runID, scan.ID, string(asset.Type), asset.Normalized, status, reason)
	return nil
}

func (v *Verifier) recordTransition(ctx context.Context, targetID, runID, scanID uuid.UUID, typ, key string, status models.ArtifactStatus, reason string) {
	rid := runID
	sid := scanID
	if v.bus != nil {
		v.bus.Publish(events.Event{
			Kind:     events.AssetStateChanged,
			TargetID: targetID,
			RunID:    &rid,
			ScanID:   &sid,
			Payload: map[string]interface{}{
				"type": typ, "key": key, "status": string(status), "reason": reason,
			},
		})
	}
	ev := &models.RunEvent{
		TargetID: targetID,
		RunID:    &rid,
		Kind:     "verification_completed",
		Detail: models.JSONB{
			"scan_id": scanID.String(), "type": typ, "key": key,
			"status": string(status), "reason": reason,
		},
		Actor: "verifier",
	}
	if err := v.store.LogEvent(ctx, ev); err != nil && ctx.Err() == nil {
		v.logger.Warn("audit write failed", "kind", "verification_completed", "error", err)
	}
}

func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such host") || strings.Contains(msg, "name resolution")
}

func clipReason(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
