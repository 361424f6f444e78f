package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/perimetra/asm/internal/models"
)

// Inventory upserts. All three insert on first sight and refresh provenance
// on conflict with the unique key. Assets and services also revive non-active
// rows back to active with verified_at stamped; edges carry no status.
// Replaying a run's ingestion leaves ids, status and run provenance
// unchanged; last_seen_at moves to the time of the replay.

type UpsertResult struct {
	ID      uuid.UUID
	Created bool
}

func (s *Store) UpsertAssetSeen(ctx context.Context, targetID, runID uuid.UUID, typ models.AssetType, value, normalized string) (UpsertResult, error) {
	return s.upsertAssetSeen(ctx, s.db, targetID, runID, typ, value, normalized, time.Now())
}

func (s *Store) upsertAssetSeen(ctx context.Context, ext sqlx.ExtContext, targetID, runID uuid.UUID, typ models.AssetType, value, normalized string, now time.Time) (UpsertResult, error) {
	query := `
		INSERT INTO assets (
			id, target_id, type, value, normalized, status,
			first_seen_run_id, last_seen_run_id, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, 'active', $6, $6, $7, $7)
		ON CONFLICT (target_id, type, normalized) DO UPDATE SET
			value = EXCLUDED.value,
			last_seen_run_id = EXCLUDED.last_seen_run_id,
			last_seen_at = EXCLUDED.last_seen_at,
			status_reason = NULL,
			verified_at = CASE WHEN assets.status <> 'active' THEN EXCLUDED.last_seen_at ELSE assets.verified_at END,
			verified_run_id = CASE WHEN assets.status <> 'active' THEN EXCLUDED.last_seen_run_id ELSE assets.verified_run_id END,
			status = 'active'
		RETURNING id, (xmax = 0) AS created
	`
	var res struct {
		ID      uuid.UUID `db:"id"`
		Created bool      `db:"created"`
	}
	row := ext.QueryRowxContext(ctx, query, uuid.New(), targetID, typ, value, normalized, runID, now)
	if err := row.StructScan(&res); err != nil {
		return UpsertResult{}, fmt.Errorf("upserting asset %s/%s: %w", typ, normalized, err)
	}
	return UpsertResult{ID: res.ID, Created: res.Created}, nil
}

func (s *Store) upsertServiceSeen(ctx context.Context, ext sqlx.ExtContext, targetID, runID, assetID uuid.UUID, art models.ServiceArtifact, now time.Time) (UpsertResult, error) {
	// Non-empty fingerprint fields win; empty ones keep what an earlier
	// scanner recorded.
	query := `
		INSERT INTO services (
			id, target_id, asset_id, port, proto, name, product, version, status,
			first_seen_run_id, last_seen_run_id, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), 'active', $9, $9, $10, $10)
		ON CONFLICT (target_id, asset_id, port, proto) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), services.name),
			product = COALESCE(NULLIF(EXCLUDED.product, ''), services.product),
			version = COALESCE(NULLIF(EXCLUDED.version, ''), services.version),
			last_seen_run_id = EXCLUDED.last_seen_run_id,
			last_seen_at = EXCLUDED.last_seen_at,
			status_reason = NULL,
			verified_at = CASE WHEN services.status <> 'active' THEN EXCLUDED.last_seen_at ELSE services.verified_at END,
			verified_run_id = CASE WHEN services.status <> 'active' THEN EXCLUDED.last_seen_run_id ELSE services.verified_run_id END,
			status = 'active'
		RETURNING id, (xmax = 0) AS created
	`
	var res struct {
		ID      uuid.UUID `db:"id"`
		Created bool      `db:"created"`
	}
	row := ext.QueryRowxContext(ctx, query,
		uuid.New(), targetID, assetID, art.Port, art.Proto, art.Name, art.Product, art.Version, runID, now,
	)
	if err := row.StructScan(&res); err != nil {
		return UpsertResult{}, fmt.Errorf("upserting service %s:%d/%s: %w", art.HostNormalized, art.Port, art.Proto, err)
	}
	return UpsertResult{ID: res.ID, Created: res.Created}, nil
}

func (s *Store) upsertEdgeSeen(ctx context.Context, ext sqlx.ExtContext, targetID, runID, fromID, toID uuid.UUID, rel models.EdgeRel, now time.Time) (UpsertResult, error) {
	query := `
		INSERT INTO edges (
			id, target_id, from_asset_id, to_asset_id, rel_type,
			first_seen_run_id, last_seen_run_id, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
		ON CONFLICT (from_asset_id, to_asset_id, rel_type) DO UPDATE SET
			last_seen_run_id = EXCLUDED.last_seen_run_id,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING id, (xmax = 0) AS created
	`
	var res struct {
		ID      uuid.UUID `db:"id"`
		Created bool      `db:"created"`
	}
	row := ext.QueryRowxContext(ctx, query, uuid.New(), targetID, fromID, toID, rel, runID, now)
	if err := row.StructScan(&res); err != nil {
		return UpsertResult{}, fmt.Errorf("upserting edge %s: %w", rel, err)
	}
	return UpsertResult{ID: res.ID, Created: res.Created}, nil
}

type assetKey struct {
	typ        models.AssetType
	normalized string
}

// Ingest upserts a scanner's artifact batch against a run in one
// transaction. Serialization conflicts are retried once; a second conflict
// fails the batch and the caller decides whether to retry the job.
func (s *Store) Ingest(ctx context.Context, targetID, runID uuid.UUID, batch models.ArtifactBatch) error {
	if batch.Empty() {
		return nil
	}
	err := s.ingestOnce(ctx, targetID, runID, batch)
	if err != nil && isSerializationFailure(err) {
		err = s.ingestOnce(ctx, targetID, runID, batch)
	}
	return err
}

func (s *Store) ingestOnce(ctx context.Context, targetID, runID uuid.UUID, batch models.ArtifactBatch) error {
	now := time.Now()
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		assetIDs := make(map[assetKey]uuid.UUID)

		ensureAsset := func(typ models.AssetType, value, normalized string) (uuid.UUID, error) {
			key := assetKey{typ, normalized}
			if id, ok := assetIDs[key]; ok {
				return id, nil
			}
			res, err := s.upsertAssetSeen(ctx, tx, targetID, runID, typ, value, normalized, now)
			if err != nil {
				return uuid.Nil, err
			}
			assetIDs[key] = res.ID
			return res.ID, nil
		}

		for _, a := range batch.Assets {
			if a.Normalized == "" {
				continue
			}
			if _, err := ensureAsset(a.Type, a.Value, a.Normalized); err != nil {
				return err
			}
		}

		seenServices := make(map[string]bool)
		for _, svc := range batch.Services {
			if svc.HostNormalized == "" {
				continue
			}
			dedupe := fmt.Sprintf("%s|%s|%d|%s", svc.HostType, svc.HostNormalized, svc.Port, svc.Proto)
			if seenServices[dedupe] {
				continue
			}
			seenServices[dedupe] = true

			hostID, err := ensureAsset(svc.HostType, svc.HostValue, svc.HostNormalized)
			if err != nil {
				return err
			}
			if _, err := s.upsertServiceSeen(ctx, tx, targetID, runID, hostID, svc, now); err != nil {
				return err
			}
		}

		seenEdges := make(map[string]bool)
		for _, e := range batch.Edges {
			if e.FromNormalized == "" || e.ToNormalized == "" {
				continue
			}
			dedupe := fmt.Sprintf("%s|%s|%s|%s|%s", e.FromType, e.FromNormalized, e.ToType, e.ToNormalized, e.RelType)
			if seenEdges[dedupe] {
				continue
			}
			seenEdges[dedupe] = true

			fromID, err := ensureAsset(e.FromType, e.FromValue, e.FromNormalized)
			if err != nil {
				return err
			}
			toID, err := ensureAsset(e.ToType, e.ToValue, e.ToNormalized)
			if err != nil {
				return err
			}
			if _, err := s.upsertEdgeSeen(ctx, tx, targetID, runID, fromID, toID, e.RelType, now); err != nil {
				return err
			}
		}

		return nil
	})
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (s *Store) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	query := `SELECT * FROM assets WHERE id = $1`
	err := s.db.GetContext(ctx, &asset, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &asset, err
}

func (s *Store) GetService(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	var svc models.Service
	query := `SELECT * FROM services WHERE id = $1`
	err := s.db.GetContext(ctx, &svc, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &svc, err
}

type ListInventoryFilters struct {
	Type   *models.AssetType
	Status *models.ArtifactStatus
	Limit  int
	Offset int
}

func (s *Store) ListAssets(ctx context.Context, targetID uuid.UUID, filters ListInventoryFilters) ([]models.Asset, error) {
	query := `SELECT * FROM assets WHERE target_id = $1`
	args := []interface{}{targetID}
	argIdx := 2

	if filters.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, *filters.Type)
		argIdx++
	}
	if filters.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filters.Status)
		argIdx++
	}
	query += " ORDER BY type, normalized"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var assets []models.Asset
	err := s.db.SelectContext(ctx, &assets, query, args...)
	return assets, err
}

func (s *Store) ListServices(ctx context.Context, targetID uuid.UUID, filters ListInventoryFilters) ([]models.Service, error) {
	query := `SELECT * FROM services WHERE target_id = $1`
	args := []interface{}{targetID}
	if filters.Status != nil {
		query += ` AND status = $2`
		args = append(args, *filters.Status)
	}
	query += " ORDER BY asset_id, port"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}

	var services []models.Service
	err := s.db.SelectContext(ctx, &services, query, args...)
	return services, err
}

func (s *Store) ListEdges(ctx context.Context, targetID uuid.UUID, limit int) ([]models.Edge, error) {
	query := `SELECT * FROM edges WHERE target_id = $1 ORDER BY first_seen_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var edges []models.Edge
	err := s.db.SelectContext(ctx, &edges, query, targetID)
	return edges, err
}

// SetAssetStatus records a verification outcome on an asset.
func (s *Store) SetAssetStatus(ctx context.Context, id uuid.UUID, status models.ArtifactStatus, reason string, verifiedRunID uuid.UUID) error {
	query := `
		UPDATE assets SET status = $1, status_reason = NULLIF($2, ''), verified_at = now(), verified_run_id = $3
		WHERE id = $4
	`
	_, err := s.db.ExecContext(ctx, query, status, truncate(reason, 300), verifiedRunID, id)
	return err
}

func (s *Store) SetServiceStatus(ctx context.Context, id uuid.UUID, status models.ArtifactStatus, reason string, verifiedRunID uuid.UUID) error {
	query := `
		UPDATE services SET status = $1, status_reason = NULLIF($2, ''), verified_at = now(), verified_run_id = $3
		WHERE id = $4
	`
	_, err := s.db.ExecContext(ctx, query, status, truncate(reason, 300), verifiedRunID, id)
	return err
}

// ReviveServiceSeen marks a verified-reachable service active and observed
// in the verifying run.
func (s *Store) ReviveServiceSeen(ctx context.Context, id, runID uuid.UUID) error {
	query := `
		UPDATE services SET status = 'active', status_reason = NULL,
			last_seen_run_id = $1, last_seen_at = now(), verified_at = now(), verified_run_id = $1
		WHERE id = $2
	`
	_, err := s.db.ExecContext(ctx, query, runID, id)
	return err
}

// MarkAssetUnresolved flags a subdomain that failed resolution during this
// run, keyed by its unique inventory key.
func (s *Store) MarkAssetUnresolved(ctx context.Context, targetID uuid.UUID, typ models.AssetType, normalized, reason string, runID uuid.UUID) error {
	query := `
		UPDATE assets SET status = 'unresolved', status_reason = $1, verified_at = now(), verified_run_id = $2
		WHERE target_id = $3 AND type = $4 AND normalized = $5
	`
	_, err := s.db.ExecContext(ctx, query, truncate(reason, 300), runID, targetID, typ, normalized)
	return err
}

// IPKnownForTarget reports whether the given IP was ever ingested for this
// target. IP assets only enter inventory through in-scope resolution, so
// presence doubles as provenance for the scope check.
func (s *Store) IPKnownForTarget(ctx context.Context, targetID uuid.UUID, ip string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM assets WHERE target_id = $1 AND type = 'ip' AND normalized = $2)`
	err := s.db.GetContext(ctx, &exists, query, targetID, ip)
	return exists, err
}

// SubdomainsSeenInRun lists subdomain assets observed during a run.
func (s *Store) SubdomainsSeenInRun(ctx context.Context, targetID, runID uuid.UUID) ([]models.Asset, error) {
	var assets []models.Asset
	query := `
		SELECT * FROM assets
		WHERE target_id = $1 AND type = 'subdomain' AND last_seen_run_id = $2
		ORDER BY normalized
	`
	err := s.db.SelectContext(ctx, &assets, query, targetID, runID)
	return assets, err
}

// NmapCandidates picks up to limit IP assets resolved during this run,
// preferring IPs with no recorded services, then the most recently active
// ones.
func (s *Store) NmapCandidates(ctx context.Context, targetID, runID uuid.UUID, limit int) ([]models.Asset, error) {
	var assets []models.Asset
	query := `
		SELECT a.* FROM assets a
		WHERE a.target_id = $1 AND a.type = 'ip' AND a.last_seen_run_id = $2
		ORDER BY
			EXISTS (SELECT 1 FROM services s WHERE s.asset_id = a.id) ASC,
			a.last_seen_at DESC,
			a.normalized
		LIMIT $3
	`
	err := s.db.SelectContext(ctx, &assets, query, targetID, runID, limit)
	return assets, err
}

// HTTPProbeTarget is a (subdomain, port) tuple the httpx stage will probe.
type HTTPProbeTarget struct {
	Host string `db:"host"`
	Port int    `db:"port"`
}

// HTTPProbeTargets builds the httpx stage input: subdomains that resolve to
// hosts carrying HTTP-like services observed this run. A port qualifies if it
// is a well-known web port or the service name starts with http.
func (s *Store) HTTPProbeTargets(ctx context.Context, targetID, runID uuid.UUID, limit int) ([]HTTPProbeTarget, error) {
	var targets []HTTPProbeTarget
	query := `
		SELECT DISTINCT sub.normalized AS host, s.port AS port
		FROM services s
		JOIN assets ip ON ip.id = s.asset_id
		JOIN edges e ON e.to_asset_id = ip.id AND e.rel_type = 'resolves_to'
		JOIN assets sub ON sub.id = e.from_asset_id AND sub.type = 'subdomain'
		WHERE s.target_id = $1
		  AND s.last_seen_run_id = $2
		  AND s.proto = 'tcp'
		  AND (s.port IN (80, 443, 8080, 8443) OR s.name ILIKE 'http%')
		ORDER BY host, port
		LIMIT $3
	`
	err := s.db.SelectContext(ctx, &targets, query, targetID, runID, limit)
	return targets, err
}

// URLsSeenInRun lists URL assets observed during a run (the nuclei stage
// input).
func (s *Store) URLsSeenInRun(ctx context.Context, targetID, runID uuid.UUID) ([]models.Asset, error) {
	var assets []models.Asset
	query := `
		SELECT * FROM assets
		WHERE target_id = $1 AND type = 'url' AND last_seen_run_id = $2
		ORDER BY normalized
	`
	err := s.db.SelectContext(ctx, &assets, query, targetID, runID)
	return assets, err
}

// URLAssetID resolves a normalized URL to its asset id, if present.
func (s *Store) URLAssetID(ctx context.Context, targetID uuid.UUID, normalized string) (*uuid.UUID, error) {
	var id uuid.UUID
	query := `SELECT id FROM assets WHERE target_id = $1 AND type = 'url' AND normalized = $2`
	err := s.db.GetContext(ctx, &id, query, targetID, normalized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// MarkStaleAssetsTx transitions active assets of the given types that were
// not observed in this run to stale, returning them for verification.
func (s *Store) MarkStaleAssetsTx(ctx context.Context, tx *sqlx.Tx, targetID, runID uuid.UUID, types []models.AssetType) ([]models.Asset, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}
	var assets []models.Asset
	query := `
		UPDATE assets SET status = 'stale', status_reason = 'not_seen_in_run:' || $2
		WHERE target_id = $1
		  AND status = 'active'
		  AND last_seen_run_id <> $2
		  AND type = ANY($3)
		RETURNING *
	`
	err := tx.SelectContext(ctx, &assets, query, targetID, runID, pq.Array(typeStrs))
	return assets, err
}

func (s *Store) MarkStaleServicesTx(ctx context.Context, tx *sqlx.Tx, targetID, runID uuid.UUID) ([]models.Service, error) {
	var services []models.Service
	query := `
		UPDATE services SET status = 'stale', status_reason = 'not_seen_in_run:' || $2
		WHERE target_id = $1
		  AND status = 'active'
		  AND last_seen_run_id <> $2
		RETURNING *
	`
	err := tx.SelectContext(ctx, &services, query, targetID, runID)
	return services, err
}

// RunChanges summarizes a run's diff against the previous state of the
// inventory.
type RunChanges struct {
	NewAssets      []models.Asset   `json:"new_assets"`
	NewServices    []models.Service `json:"new_services"`
	StaleAssets    []models.Asset   `json:"stale_assets"`
	StaleServices  []models.Service `json:"stale_services"`
	ClosedServices []models.Service `json:"closed_services"`
	Unresolved     []models.Asset   `json:"unresolved_assets"`
}

func (s *Store) GetRunChanges(ctx context.Context, targetID, runID uuid.UUID) (*RunChanges, error) {
	out := &RunChanges{}

	if err := s.db.SelectContext(ctx, &out.NewAssets,
		`SELECT * FROM assets WHERE target_id = $1 AND first_seen_run_id = $2 ORDER BY type, normalized`,
		targetID, runID); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &out.NewServices,
		`SELECT * FROM services WHERE target_id = $1 AND first_seen_run_id = $2 ORDER BY port`,
		targetID, runID); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &out.StaleAssets,
		`SELECT * FROM assets WHERE target_id = $1 AND status = 'stale' AND status_reason = 'not_seen_in_run:' || $2 ORDER BY type, normalized`,
		targetID, runID); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &out.StaleServices,
		`SELECT * FROM services WHERE target_id = $1 AND status = 'stale' AND status_reason = 'not_seen_in_run:' || $2 ORDER BY port`,
		targetID, runID); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &out.ClosedServices,
		`SELECT * FROM services WHERE target_id = $1 AND status = 'closed' AND verified_run_id = $2 ORDER BY port`,
		targetID, runID); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &out.Unresolved,
		`SELECT * FROM assets WHERE target_id = $1 AND status = 'unresolved' AND verified_run_id = $2 ORDER BY type, normalized`,
		targetID, runID); err != nil {
		return nil, err
	}

	return out, nil
}
