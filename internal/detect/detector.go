package detect

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimetra/asm/internal/events"
	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/queue"
	"github.com/perimetra/asm/internal/store"
)

// Detector computes the per-run diff once a pipeline's last stage finishes.
// Artifacts observed this run were revived by ingestion already; what is
// left is finding the candidates that disappeared and handing them to the
// verification subsystem.
type Detector struct {
	store  *store.Store
	queue  *queue.Queue
	bus    *events.Bus
	logger *slog.Logger
}

func New(st *store.Store, q *queue.Queue, bus *events.Bus, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: st, queue: q, bus: bus, logger: logger}
}

type Summary struct {
	NewAssets     int
	NewServices   int
	StaleAssets   int
	StaleServices int
	VerifyJobs    int
}

// DetectAndEnqueue transitions candidate-stale artifacts and enqueues their
// verification jobs in one transaction. Staleness is gated on what actually
// ran: a pipeline that skipped nmap must not declare services stale, and a
// pipeline without httpx must not condemn URLs.
func (d *Detector) DetectAndEnqueue(ctx context.Context, target *models.Target, run *models.Run) (*Summary, error) {
	scanners, err := d.store.RunScanners(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	var assetTypes []models.AssetType
	if scanners["subfinder"] || scanners["dns_resolve"] {
		assetTypes = append(assetTypes, models.AssetTypeSubdomain)
	}
	if scanners["httpx"] {
		assetTypes = append(assetTypes, models.AssetTypeURL)
	}
	staleServices := scanners["nmap"]

	summary := &Summary{}
	var staleA []models.Asset
	var staleS []models.Service

	err = d.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if len(assetTypes) > 0 {
			staleA, err = d.store.MarkStaleAssetsTx(ctx, tx, target.ID, run.ID, assetTypes)
			if err != nil {
				return err
			}
		}
		if staleServices {
			staleS, err = d.store.MarkStaleServicesTx(ctx, tx, target.ID, run.ID)
			if err != nil {
				return err
			}
		}

		for _, a := range staleA {
			job := &models.Job{
				Type:     models.JobTypeVerifyAsset,
				TargetID: target.ID,
				RunID:    &run.ID,
				Payload:  models.JSONB{"asset_id": a.ID.String()},
				Priority: queue.PriorityVerify,
			}
			if err := d.queue.EnqueueTx(ctx, tx, job); err != nil {
				return err
			}
		}
		for _, s := range staleS {
			job := &models.Job{
				Type:     models.JobTypeVerifyService,
				TargetID: target.ID,
				RunID:    &run.ID,
				Payload:  models.JSONB{"service_id": s.ID.String()},
				Priority: queue.PriorityVerify,
			}
			if err := d.queue.EnqueueTx(ctx, tx, job); err != nil {
				return err
			}
		}

		return d.store.LogEventTx(ctx, tx, &models.RunEvent{
			TargetID: target.ID,
			RunID:    &run.ID,
			Kind:     "changes_computed",
			Detail: models.JSONB{
				"stale_assets":   len(staleA),
				"stale_services": len(staleS),
			},
			Actor: "detector",
		})
	})
	if err != nil {
		return nil, err
	}

	summary.StaleAssets = len(staleA)
	summary.StaleServices = len(staleS)
	summary.VerifyJobs = len(staleA) + len(staleS)

	for _, a := range staleA {
		d.publishStateChange(target.ID, run.ID, string(a.Type), a.Normalized, models.StatusStale)
	}
	for _, s := range staleS {
		d.publishStateChange(target.ID, run.ID, "service", s.String(), models.StatusStale)
	}

	changes, err := d.store.GetRunChanges(ctx, target.ID, run.ID)
	if err != nil {
		return nil, err
	}
	summary.NewAssets = len(changes.NewAssets)
	summary.NewServices = len(changes.NewServices)

	d.logger.Info("change detection complete",
		"run_id", run.ID,
		"new_assets", summary.NewAssets,
		"new_services", summary.NewServices,
		"stale", summary.VerifyJobs)

	return summary, nil
}

func (d *Detector) publishStateChange(targetID, runID uuid.UUID, typ, key string, status models.ArtifactStatus) {
	if d.bus == nil {
		return
	}
	rid := runID
	d.bus.Publish(events.Event{
		Kind:     events.AssetStateChanged,
		TargetID: targetID,
		RunID:    &rid,
		Payload: map[string]interface{}{
			"type": typ, "key": key, "status": string(status),
		},
	})
}
