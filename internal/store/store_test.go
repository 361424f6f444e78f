package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimetra/asm/internal/models"
)

func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=asm password=asm dbname=asm_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available.
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	st, err := New(Config{DSN: getTestDSN(), MaxOpenConns: 5, MaxIdleConns: 2})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return st
}

func mkTarget(t *testing.T, st *Store, domain string) *models.Target {
	t.Helper()
	target := &models.Target{
		Name:       domain,
		RootDomain: domain,
		Scope:      models.JSONB{},
	}
	if err := st.CreateTarget(context.Background(), target); err != nil {
		t.Fatalf("creating target: %v", err)
	}
	return target
}

func mkRun(t *testing.T, st *Store, targetID uuid.UUID) *models.Run {
	t.Helper()
	run := &models.Run{
		TargetID: targetID,
		Trigger:  models.TriggerManual,
		Status:   models.RunStatusRunning,
	}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("creating run: %v", err)
	}
	return run
}

func uniqueDomain() string {
	return uuid.New().String()[:8] + ".example.com"
}

func TestUpsertAssetIdempotent(t *testing.T) {
	st := skipIfNoTestDB(t)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, uniqueDomain())
	run := mkRun(t, st, target.ID)

	first, err := st.UpsertAssetSeen(ctx, target.ID, run.ID, models.AssetTypeSubdomain, "a.example.com", "a.example.com")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !first.Created {
		t.Fatal("first upsert should create")
	}

	second, err := st.UpsertAssetSeen(ctx, target.ID, run.ID, models.AssetTypeSubdomain, "a.example.com", "a.example.com")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Created {
		t.Error("second upsert must not create")
	}
	if second.ID != first.ID {
		t.Errorf("upsert returned different ids: %s vs %s", first.ID, second.ID)
	}

	asset, err := st.GetAsset(ctx, first.ID)
	if err != nil || asset == nil {
		t.Fatalf("loading asset: %v", err)
	}
	if asset.FirstSeenRunID != run.ID || asset.LastSeenRunID != run.ID {
		t.Errorf("provenance mismatch: first=%s last=%s want %s", asset.FirstSeenRunID, asset.LastSeenRunID, run.ID)
	}
	if asset.Status != models.StatusActive {
		t.Errorf("status = %s, want active", asset.Status)
	}
	if asset.VerifiedAt != nil {
		t.Error("fresh asset must not carry verified_at")
	}
}

func TestUpsertAssetRevives(t *testing.T) {
	st := skipIfNoTestDB(t)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, uniqueDomain())
	run1 := mkRun(t, st, target.ID)
	run2 := mkRun(t, st, target.ID)

	res, err := st.UpsertAssetSeen(ctx, target.ID, run1.ID, models.AssetTypeSubdomain, "b.example.com", "b.example.com")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.SetAssetStatus(ctx, res.ID, models.StatusStale, "not_seen", run1.ID); err != nil {
		t.Fatalf("marking stale: %v", err)
	}

	if _, err := st.UpsertAssetSeen(ctx, target.ID, run2.ID, models.AssetTypeSubdomain, "b.example.com", "b.example.com"); err != nil {
		t.Fatalf("reviving upsert: %v", err)
	}

	asset, err := st.GetAsset(ctx, res.ID)
	if err != nil || asset == nil {
		t.Fatalf("loading asset: %v", err)
	}
	if asset.Status != models.StatusActive {
		t.Errorf("status = %s, want active after revival", asset.Status)
	}
	if asset.StatusReason != nil {
		t.Error("status_reason must clear on revival")
	}
	if asset.VerifiedAt == nil {
		t.Error("revival must stamp verified_at")
	}
	if asset.LastSeenRunID != run2.ID {
		t.Errorf("last_seen_run_id = %s, want %s", asset.LastSeenRunID, run2.ID)
	}
	if asset.FirstSeenRunID != run1.ID {
		t.Errorf("first_seen_run_id = %s, want %s", asset.FirstSeenRunID, run1.ID)
	}
}

func TestIngestBatchReplay(t *testing.T) {
	st := skipIfNoTestDB(t)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, uniqueDomain())
	run := mkRun(t, st, target.ID)

	batch := models.ArtifactBatch{
		Assets: []models.AssetArtifact{
			{Type: models.AssetTypeSubdomain, Value: "a.example.com", Normalized: "a.example.com"},
		},
		Services: []models.ServiceArtifact{
			{
				HostType: models.AssetTypeIP, HostValue: "1.2.3.4", HostNormalized: "1.2.3.4",
				Port: 80, Proto: models.ProtoTCP, Name: "http", Product: "nginx",
			},
		},
		Edges: []models.EdgeArtifact{
			{
				FromType: models.AssetTypeSubdomain, FromValue: "a.example.com", FromNormalized: "a.example.com",
				ToType: models.AssetTypeIP, ToValue: "1.2.3.4", ToNormalized: "1.2.3.4",
				RelType: models.RelResolvesTo,
			},
		},
	}

	if err := st.Ingest(ctx, target.ID, run.ID, batch); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := st.Ingest(ctx, target.ID, run.ID, batch); err != nil {
		t.Fatalf("replayed ingest: %v", err)
	}

	assets, err := st.ListAssets(ctx, target.ID, ListInventoryFilters{})
	if err != nil {
		t.Fatalf("listing assets: %v", err)
	}
	if len(assets) != 2 {
		t.Errorf("asset count = %d, want 2 (subdomain + ip)", len(assets))
	}

	services, err := st.ListServices(ctx, target.ID, ListInventoryFilters{})
	if err != nil {
		t.Fatalf("listing services: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("service count = %d, want 1", len(services))
	}
	if services[0].Product == nil || *services[0].Product != "nginx" {
		t.Error("service product lost on replay")
	}

	edges, err := st.ListEdges(ctx, target.ID, 0)
	if err != nil {
		t.Fatalf("listing edges: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edge count = %d, want 1", len(edges))
	}
}

func TestServiceFingerprintMerge(t *testing.T) {
	st := skipIfNoTestDB(t)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, uniqueDomain())
	run := mkRun(t, st, target.ID)

	withProduct := models.ArtifactBatch{
		Services: []models.ServiceArtifact{{
			HostType: models.AssetTypeIP, HostValue: "1.2.3.5", HostNormalized: "1.2.3.5",
			Port: 443, Proto: models.ProtoTCP, Name: "https", Product: "nginx", Version: "1.24.0",
		}},
	}
	if err := st.Ingest(ctx, target.ID, run.ID, withProduct); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// A later scanner sees the port without fingerprint detail; the earlier
	// fingerprint must survive.
	bare := models.ArtifactBatch{
		Services: []models.ServiceArtifact{{
			HostType: models.AssetTypeIP, HostValue: "1.2.3.5", HostNormalized: "1.2.3.5",
			Port: 443, Proto: models.ProtoTCP,
		}},
	}
	if err := st.Ingest(ctx, target.ID, run.ID, bare); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	services, err := st.ListServices(ctx, target.ID, ListInventoryFilters{})
	if err != nil || len(services) != 1 {
		t.Fatalf("listing services: %v (n=%d)", err, len(services))
	}
	if services[0].Product == nil || *services[0].Product != "nginx" {
		t.Error("product dropped by bare re-observation")
	}
	if services[0].Version == nil || *services[0].Version != "1.24.0" {
		t.Error("version dropped by bare re-observation")
	}
}

func TestMarkStaleAndChanges(t *testing.T) {
	st := skipIfNoTestDB(t)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, uniqueDomain())
	run1 := mkRun(t, st, target.ID)
	run2 := mkRun(t, st, target.ID)

	// Seen in run1 only.
	if _, err := st.UpsertAssetSeen(ctx, target.ID, run1.ID, models.AssetTypeSubdomain, "old.example.com", "old.example.com"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Seen in both.
	if _, err := st.UpsertAssetSeen(ctx, target.ID, run1.ID, models.AssetTypeSubdomain, "keep.example.com", "keep.example.com"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.UpsertAssetSeen(ctx, target.ID, run2.ID, models.AssetTypeSubdomain, "keep.example.com", "keep.example.com"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// New in run2.
	if _, err := st.UpsertAssetSeen(ctx, target.ID, run2.ID, models.AssetTypeSubdomain, "new.example.com", "new.example.com"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var stale []models.Asset
	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		stale, err = st.MarkStaleAssetsTx(ctx, tx, target.ID, run2.ID, []models.AssetType{models.AssetTypeSubdomain})
		return err
	})
	if err != nil {
		t.Fatalf("marking stale: %v", err)
	}
	if len(stale) != 1 || stale[0].Normalized != "old.example.com" {
		t.Fatalf("stale = %v, want exactly old.example.com", stale)
	}

	changes, err := st.GetRunChanges(ctx, target.ID, run2.ID)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes.NewAssets) != 1 || changes.NewAssets[0].Normalized != "new.example.com" {
		t.Errorf("new assets = %v, want exactly new.example.com", changes.NewAssets)
	}
	if len(changes.StaleAssets) != 1 {
		t.Errorf("stale assets = %d, want 1", len(changes.StaleAssets))
	}
}

func TestScheduleClaimAndDriftCorrection(t *testing.T) {
	st := skipIfNoTestDB(t)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, uniqueDomain())

	// Due far in the past: several intervals were missed.
	past := time.Now().Add(-10 * time.Hour)
	sched := &models.Schedule{
		TargetID:        target.ID,
		IntervalSeconds: 3600,
		Enabled:         true,
		PipelineConfig:  models.JSONB{},
		NextRunAt:       &past,
	}
	if err := st.CreateSchedule(ctx, sched); err != nil {
		t.Fatalf("creating schedule: %v", err)
	}

	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		claimed, err := st.ClaimDueScheduleTx(ctx, tx)
		if err != nil {
			return err
		}
		if claimed == nil || claimed.ID != sched.ID {
			t.Fatal("expected to claim the due schedule")
		}
		return st.AdvanceScheduleTx(ctx, tx, claimed, time.Now())
	})
	if err != nil {
		t.Fatalf("claim/advance: %v", err)
	}

	schedules, err := st.ListSchedules(ctx, target.ID)
	if err != nil || len(schedules) != 1 {
		t.Fatalf("listing schedules: %v", err)
	}
	next := schedules[0].NextRunAt
	if next == nil {
		t.Fatal("next_run_at not set")
	}
	// Missed ticks must not stack: next fire lands one interval from now,
	// not ten stacked hours ago.
	expected := time.Now().Add(time.Hour)
	if next.Before(time.Now()) || next.After(expected.Add(time.Minute)) {
		t.Errorf("next_run_at = %v, want ~%v", next, expected)
	}
	if schedules[0].LastRunAt == nil {
		t.Error("last_run_at not recorded")
	}
}

func TestActivePipelineRunExcludesVerification(t *testing.T) {
	st := skipIfNoTestDB(t)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, uniqueDomain())

	verifyRun := &models.Run{TargetID: target.ID, Trigger: models.TriggerVerification, Status: models.RunStatusRunning}
	if err := st.CreateRun(ctx, verifyRun); err != nil {
		t.Fatalf("creating run: %v", err)
	}

	active, err := st.ActivePipelineRun(ctx, target.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if active != nil {
		t.Error("verification run must not count as an active pipeline")
	}

	pipelineRun := mkRun(t, st, target.ID)
	active, err = st.ActivePipelineRun(ctx, target.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if active == nil || active.ID != pipelineRun.ID {
		t.Error("running pipeline must be reported active")
	}
}
