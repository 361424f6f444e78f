package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/store"
)

func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=asm password=asm dbname=asm_test sslmode=disable"
	}
	return dsn
}

func testConfig() Config {
	return Config{
		MaxConcurrentGlobal:    100,
		MaxConcurrentPerTarget: 100,
		Lease:                  300 * time.Second,
		PipelineLease:          7200 * time.Second,
		MaxAttempts:            3,
		BackoffBase:            10 * time.Second,
	}
}

// skipIfNoTestDB skips the test if no test database is available. Leftover
// open jobs from aborted runs are cancelled so concurrency-cap assertions
// start clean.
func skipIfNoTestDB(t *testing.T, cfg Config) (*store.Store, *Queue) {
	t.Helper()

	st, err := store.New(store.Config{DSN: getTestDSN(), MaxOpenConns: 5, MaxIdleConns: 2})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil, nil
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	if _, err := st.DB().ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = now() WHERE status IN ('queued', 'running')`); err != nil {
		t.Fatalf("resetting jobs: %v", err)
	}

	return st, New(st.DB(), cfg)
}

func mkTarget(t *testing.T, st *store.Store, scopeDoc models.JSONB) *models.Target {
	t.Helper()
	target := &models.Target{
		Name:       "t",
		RootDomain: uuid.New().String()[:8] + ".example.com",
		Scope:      scopeDoc,
	}
	if scopeDoc == nil {
		target.Scope = models.JSONB{}
	}
	if err := st.CreateTarget(context.Background(), target); err != nil {
		t.Fatalf("creating target: %v", err)
	}
	return target
}

func enqueue(t *testing.T, q *Queue, targetID uuid.UUID, jobType string, priority int) *models.Job {
	t.Helper()
	job := &models.Job{Type: jobType, TargetID: targetID, Priority: priority}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	return job
}

func TestClaimLifecycle(t *testing.T) {
	st, q := skipIfNoTestDB(t, testConfig())
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, nil)
	low := enqueue(t, q, target.ID, "scanner:nmap", PriorityNormal)
	high := enqueue(t, q, target.ID, models.JobTypeVerifyAsset, PriorityVerify)

	// Priority preempts FIFO at the claim boundary.
	claimed, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != high.ID {
		t.Fatalf("claimed %v, want high-priority job %s", claimed, high.ID)
	}
	if claimed.Status != models.JobStatusRunning {
		t.Errorf("status = %s, want running", claimed.Status)
	}
	if claimed.LeaseOwner == nil || *claimed.LeaseOwner != "w1" {
		t.Error("lease_owner not set")
	}
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.After(time.Now()) {
		t.Error("lease_expires_at must be in the future")
	}
	if claimed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", claimed.Attempts)
	}

	if err := q.Complete(ctx, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	next, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if next == nil || next.ID != low.ID {
		t.Fatalf("claimed %v, want %s", next, low.ID)
	}
	if err := q.Complete(ctx, next.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := q.GetJob(ctx, next.ID)
	if err != nil || done == nil {
		t.Fatalf("loading job: %v", err)
	}
	if done.Status != models.JobStatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if done.LeaseOwner != nil {
		t.Error("completed job must not hold a lease")
	}
}

func TestClaimRace(t *testing.T) {
	st, q := skipIfNoTestDB(t, testConfig())
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, nil)
	enqueue(t, q, target.ID, "scanner:nmap", PriorityNormal)

	const workers = 8
	results := make([]*models.Job, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := q.Claim(ctx, "race-w")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			results[i] = job
		}(i)
	}
	wg.Wait()

	var winners []*models.Job
	for _, job := range results {
		if job != nil {
			winners = append(winners, job)
		}
	}
	if len(winners) != 1 {
		t.Fatalf("%d workers claimed the single job, want exactly 1", len(winners))
	}
	_ = q.Complete(ctx, winners[0].ID)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentGlobal = 2
	st, q := skipIfNoTestDB(t, cfg)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	t1 := mkTarget(t, st, nil)
	t2 := mkTarget(t, st, nil)
	enqueue(t, q, t1.ID, "scanner:nmap", PriorityNormal)
	enqueue(t, q, t1.ID, "scanner:nmap", PriorityNormal)
	enqueue(t, q, t2.ID, "scanner:nmap", PriorityNormal)

	a, _ := q.Claim(ctx, "w1")
	b, _ := q.Claim(ctx, "w2")
	c, _ := q.Claim(ctx, "w3")
	if a == nil || b == nil {
		t.Fatal("first two claims must succeed")
	}
	if c != nil {
		t.Fatal("third claim must be blocked by the global cap")
	}

	_ = q.Complete(ctx, a.ID)
	d, _ := q.Claim(ctx, "w3")
	if d == nil {
		t.Fatal("claim must succeed once a slot frees")
	}
	_ = q.Complete(ctx, b.ID)
	_ = q.Complete(ctx, d.ID)
}

func TestPerTargetCapAndScopeOverride(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerTarget = 2
	st, q := skipIfNoTestDB(t, cfg)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	// Scope lowers this target's cap to 1.
	capped := mkTarget(t, st, models.JSONB{"max_concurrent_jobs": 1})
	other := mkTarget(t, st, nil)

	enqueue(t, q, capped.ID, "scanner:nmap", PriorityNormal)
	enqueue(t, q, capped.ID, "scanner:nmap", PriorityNormal)
	enqueue(t, q, other.ID, "scanner:nmap", PriorityNormal)

	a, _ := q.Claim(ctx, "w1")
	if a == nil || a.TargetID != capped.ID {
		t.Fatalf("first claim should be the capped target's job, got %v", a)
	}

	// The capped target is saturated; the claim skips to the other target.
	b, _ := q.Claim(ctx, "w2")
	if b == nil || b.TargetID != other.ID {
		t.Fatalf("second claim should skip to the other target, got %v", b)
	}

	c, _ := q.Claim(ctx, "w3")
	if c != nil {
		t.Fatal("no further claims while the capped target is saturated")
	}

	_ = q.Complete(ctx, a.ID)
	_ = q.Complete(ctx, b.ID)
}

func TestFailRetriesWithBackoff(t *testing.T) {
	st, q := skipIfNoTestDB(t, testConfig())
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, nil)
	enqueue(t, q, target.ID, "scanner:nmap", PriorityNormal)

	claimed, _ := q.Claim(ctx, "w1")
	if claimed == nil {
		t.Fatal("claim failed")
	}

	terminal, err := q.Fail(ctx, claimed, "scanner_timeout", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if terminal {
		t.Fatal("first failure with attempts left must re-queue")
	}

	job, _ := q.GetJob(ctx, claimed.ID)
	if job.Status != models.JobStatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if !job.AvailableAt.After(time.Now()) {
		t.Error("re-queued job must be deferred by back-off")
	}

	// Deferred job is invisible to claims.
	if again, _ := q.Claim(ctx, "w1"); again != nil {
		t.Errorf("claimed deferred job %s early", again.ID)
		_ = q.Complete(ctx, again.ID)
	}
}

func TestFailTerminalAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	st, q := skipIfNoTestDB(t, cfg)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, nil)
	enqueue(t, q, target.ID, "scanner:nmap", PriorityNormal)

	claimed, _ := q.Claim(ctx, "w1")
	if claimed == nil {
		t.Fatal("claim failed")
	}

	terminal, err := q.Fail(ctx, claimed, "scanner_error", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !terminal {
		t.Fatal("exhausted attempts must go terminal")
	}

	job, _ := q.GetJob(ctx, claimed.ID)
	if job.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
}

func TestJanitorReapsExpiredLease(t *testing.T) {
	cfg := testConfig()
	cfg.Lease = time.Second
	st, q := skipIfNoTestDB(t, cfg)
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, nil)
	enqueue(t, q, target.ID, "scanner:nmap", PriorityNormal)

	claimed, _ := q.Claim(ctx, "dead-worker")
	if claimed == nil {
		t.Fatal("claim failed")
	}

	time.Sleep(1100 * time.Millisecond)

	reaped, err := q.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	job, _ := q.GetJob(ctx, claimed.ID)
	if job.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued after reap", job.Status)
	}
	// The janitor does not charge an attempt; the original claim already did.
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}

	again, _ := q.Claim(ctx, "live-worker")
	if again == nil || again.ID != claimed.ID {
		t.Fatal("reaped job must be claimable again")
	}
	if again.Attempts != 2 {
		t.Errorf("attempts after reclaim = %d, want 2", again.Attempts)
	}
	_ = q.Complete(ctx, again.ID)
}

func TestCancelQueuedAndRunning(t *testing.T) {
	st, q := skipIfNoTestDB(t, testConfig())
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, nil)

	queued := enqueue(t, q, target.ID, "scanner:nmap", PriorityNormal)
	if err := q.Cancel(ctx, queued.ID, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job, _ := q.GetJob(ctx, queued.ID)
	if job.Status != models.JobStatusCancelled {
		t.Errorf("queued cancel: status = %s, want cancelled", job.Status)
	}

	running := enqueue(t, q, target.ID, "scanner:nmap", PriorityNormal)
	claimed, _ := q.Claim(ctx, "w1")
	if claimed == nil || claimed.ID != running.ID {
		t.Fatal("claim failed")
	}
	if err := q.Cancel(ctx, running.ID, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Running jobs are flagged, not yanked; the handler finishes the
	// transition.
	requested, err := q.CancelRequested(ctx, running.ID)
	if err != nil || !requested {
		t.Fatalf("cancel_requested = %v (%v), want true", requested, err)
	}
	job, _ = q.GetJob(ctx, running.ID)
	if job.Status != models.JobStatusRunning {
		t.Errorf("running cancel: status = %s, want running until handler yields", job.Status)
	}
	if err := q.MarkCancelled(ctx, running.ID, "cancelled"); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	job, _ = q.GetJob(ctx, running.ID)
	if job.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
}

func TestCancelRunJobsCascade(t *testing.T) {
	st, q := skipIfNoTestDB(t, testConfig())
	if st == nil {
		return
	}
	defer st.Close()
	ctx := context.Background()

	target := mkTarget(t, st, nil)
	run := &models.Run{TargetID: target.ID, Trigger: models.TriggerManual, Status: models.RunStatusRunning}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("creating run: %v", err)
	}

	j1 := &models.Job{Type: "scanner:nmap", TargetID: target.ID, RunID: &run.ID}
	j2 := &models.Job{Type: "scanner:httpx", TargetID: target.ID, RunID: &run.ID}
	if err := q.Enqueue(ctx, j1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, j2); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, _ := q.Claim(ctx, "w1")
	if claimed == nil {
		t.Fatal("claim failed")
	}

	if err := q.CancelRunJobs(ctx, run.ID, "run discarded"); err != nil {
		t.Fatalf("cascade cancel: %v", err)
	}

	for _, j := range []*models.Job{j1, j2} {
		job, _ := q.GetJob(ctx, j.ID)
		switch job.Status {
		case models.JobStatusCancelled:
			// queued child went terminal
		case models.JobStatusRunning:
			if !job.CancelRequested {
				t.Errorf("running child %s not flagged for cancellation", j.ID)
			}
		default:
			t.Errorf("job %s in unexpected state %s", j.ID, job.Status)
		}
	}
	_ = q.MarkCancelled(ctx, claimed.ID, "cancelled")
}
