package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
)

func newTestService(t *testing.T, maxRetries int) (*Service, *memory.Store, domain.Tenant) {
	t.Helper()
	store := memory.New()
	tenant, err := store.CreateTenant(context.Background(), domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive, MaxExecutionsPerHour: 100,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	gw := gateway.New(store, config.AuthConfig{JWTSecret: "s", TokenTTL: "15m"})
	svc := New(store, gw, Options{
		LeaseWindow: time.Minute,
		BackoffBase: time.Second,
		Multiplier:  2.0,
		MaxBackoff:  time.Minute,
		MaxRetries:  maxRetries,
	})
	return svc, store, tenant
}

func TestBackoffClampsToMax(t *testing.T) {
	d := Backoff(time.Second, 2.0, 10, 5*time.Second)
	if d != 5*time.Second {
		t.Fatalf("backoff = %v, want clamped 5s", d)
	}
}

func TestBackoffGrowsExponentially(t *testing.T) {
	d0 := Backoff(time.Second, 2.0, 0, time.Hour)
	d1 := Backoff(time.Second, 2.0, 1, time.Hour)
	d2 := Backoff(time.Second, 2.0, 2, time.Hour)
	if d0 != time.Second || d1 != 2*time.Second || d2 != 4*time.Second {
		t.Fatalf("backoff sequence = %v, %v, %v", d0, d1, d2)
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	svc, _, tenant := newTestService(t, 3)
	ctx := context.Background()
	robotID := uuid.New()

	job, err := svc.Enqueue(ctx, tenant.ID, uuid.New(), map[string]any{"x": 1}, domain.PriorityHigh, domain.TriggerManual, time.Time{}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != domain.JobQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}

	claimed, err := svc.Claim(ctx, tenant.ID, robotID, nil, 5)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed[0].Status != domain.JobRunning {
		t.Fatalf("claimed status = %s, want running", claimed[0].Status)
	}
}

func TestCompleteRequiresOwningRobot(t *testing.T) {
	svc, _, tenant := newTestService(t, 3)
	ctx := context.Background()
	robotID := uuid.New()
	otherRobot := uuid.New()

	job, _ := svc.Enqueue(ctx, tenant.ID, uuid.New(), nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if _, err := svc.Claim(ctx, tenant.ID, robotID, nil, 5); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	_, err := svc.Complete(ctx, tenant.ID, job.ID, otherRobot, nil)
	if apperr.CodeOf(err) != apperr.LeaseLost {
		t.Fatalf("expected LeaseLost, got %v", err)
	}

	completed, err := svc.Complete(ctx, tenant.ID, job.ID, robotID, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want completed", completed.Status)
	}
}

func TestFailRetriesThenWritesDLQ(t *testing.T) {
	svc, store, tenant := newTestService(t, 1)
	ctx := context.Background()
	robotID := uuid.New()

	job, _ := svc.Enqueue(ctx, tenant.ID, uuid.New(), nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 1)

	if _, err := svc.Claim(ctx, tenant.ID, robotID, nil, 5); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	afterFirstFail, err := svc.Fail(ctx, tenant.ID, job.ID, robotID, domain.JobError{
		Code: "E_IO", Message: "connection reset", Category: domain.CategoryTransientIO,
	})
	if err != nil {
		t.Fatalf("Fail (1st): %v", err)
	}
	if afterFirstFail.Status != domain.JobQueued || afterFirstFail.RetryCount != 1 {
		t.Fatalf("after first failure = %+v, want queued retry_count=1", afterFirstFail)
	}

	// scheduled_time is in the future due to backoff; force it to now so
	// the second claim can observe the retried job without sleeping.
	afterFirstFail.ScheduledTime = time.Now().UTC().Add(-time.Second)
	if _, err := store.UpdateJob(ctx, afterFirstFail); err != nil {
		t.Fatalf("force scheduled_time: %v", err)
	}
	if _, err := svc.Claim(ctx, tenant.ID, robotID, nil, 5); err != nil {
		t.Fatalf("re-claim: %v", err)
	}

	afterSecondFail, err := svc.Fail(ctx, tenant.ID, job.ID, robotID, domain.JobError{
		Code: "E_IO", Message: "connection reset again", Category: domain.CategoryTransientIO,
	})
	if err != nil {
		t.Fatalf("Fail (2nd): %v", err)
	}
	if afterSecondFail.Status != domain.JobFailed {
		t.Fatalf("after second failure status = %s, want failed (exhausted retries)", afterSecondFail.Status)
	}

	dlq, err := store.ListDLQ(ctx, tenant.ID, 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(dlq) != 1 || dlq[0].OriginalJobID != job.ID {
		t.Fatalf("dlq = %+v, want one entry for job %s", dlq, job.ID)
	}
}

func TestFailNonRetryableCategoryGoesStraightToDLQ(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()
	robotID := uuid.New()

	job, _ := svc.Enqueue(ctx, tenant.ID, uuid.New(), nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 5)
	if _, err := svc.Claim(ctx, tenant.ID, robotID, nil, 5); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	failed, err := svc.Fail(ctx, tenant.ID, job.ID, robotID, domain.JobError{
		Code: "E_VALIDATION", Message: "bad input", Category: domain.CategoryValidation,
	})
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed for non-retryable category", failed.Status)
	}
	dlq, err := store.ListDLQ(ctx, tenant.ID, 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected one DLQ entry, got %d", len(dlq))
	}
}

func TestCancelFailsOnTerminalJob(t *testing.T) {
	svc, _, tenant := newTestService(t, 3)
	ctx := context.Background()
	robotID := uuid.New()

	job, _ := svc.Enqueue(ctx, tenant.ID, uuid.New(), nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if _, err := svc.Claim(ctx, tenant.ID, robotID, nil, 5); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := svc.Complete(ctx, tenant.ID, job.ID, robotID, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, err := svc.Cancel(ctx, tenant.ID, job.ID, "changed my mind")
	if apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict for cancelling a terminal job, got %v", err)
	}
}

func TestHeartbeatClaimFailsForWrongRobot(t *testing.T) {
	svc, _, tenant := newTestService(t, 3)
	ctx := context.Background()
	robotID := uuid.New()

	job, _ := svc.Enqueue(ctx, tenant.ID, uuid.New(), nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if _, err := svc.Claim(ctx, tenant.ID, robotID, nil, 5); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := svc.HeartbeatClaim(ctx, tenant.ID, job.ID, uuid.New())
	if apperr.CodeOf(err) != apperr.LeaseLost {
		t.Fatalf("expected LeaseLost, got %v", err)
	}
	if err := svc.HeartbeatClaim(ctx, tenant.ID, job.ID, robotID); err != nil {
		t.Fatalf("HeartbeatClaim with correct robot: %v", err)
	}
}
