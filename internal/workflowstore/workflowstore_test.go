package workflowstore

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store, domain.Tenant) {
	t.Helper()
	store := memory.New()
	tenant, err := store.CreateTenant(context.Background(), domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive, MaxWorkflows: 2,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	gw := gateway.New(store, config.AuthConfig{JWTSecret: "s", TokenTTL: "15m"})
	return New(store, gw), store, tenant
}

func TestCreateWorkflowEnforcesQuota(t *testing.T) {
	svc, _, tenant := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"}); err != nil {
			t.Fatalf("CreateWorkflow %d: %v", i, err)
		}
	}

	_, err := svc.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf-overflow"})
	if apperr.CodeOf(err) != apperr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
}

func TestCreateVersionComputesChecksum(t *testing.T) {
	svc, _, tenant := newTestService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	payload := []byte(`{"nodes":[]}`)
	v, err := svc.CreateVersion(ctx, tenant.ID, wf.ID, payload, nil, "1.0.0", "initial", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if v.Checksum != Checksum(payload) {
		t.Fatalf("checksum = %s, want %s", v.Checksum, Checksum(payload))
	}
}

func TestActivateThenResolveForExecutionUsesActiveVersion(t *testing.T) {
	svc, _, tenant := newTestService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	v, err := svc.CreateVersion(ctx, tenant.ID, wf.ID, []byte(`{}`), nil, "1.0.0", "", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := svc.ActivateVersion(ctx, tenant.ID, wf.ID, v.ID); err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}

	jobID := uuid.New()
	res, err := svc.ResolveForExecution(ctx, tenant.ID, jobID, wf.ID, true)
	if err != nil {
		t.Fatalf("ResolveForExecution: %v", err)
	}
	if res.IsPinned {
		t.Fatalf("expected unpinned resolution")
	}
	if res.Version.ID != v.ID {
		t.Fatalf("resolved version = %s, want %s", res.Version.ID, v.ID)
	}
}

func TestPinJobOverridesActiveVersion(t *testing.T) {
	svc, _, tenant := newTestService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	v1, err := svc.CreateVersion(ctx, tenant.ID, wf.ID, []byte(`{"v":1}`), nil, "1.0.0", "", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion v1: %v", err)
	}
	v2, err := svc.CreateVersion(ctx, tenant.ID, wf.ID, []byte(`{"v":2}`), &v1.ID, "2.0.0", "", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion v2: %v", err)
	}
	if _, err := svc.ActivateVersion(ctx, tenant.ID, wf.ID, v2.ID); err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}

	jobID := uuid.New()
	if _, err := svc.PinJob(ctx, tenant.ID, jobID, wf.ID, &v1.ID, "pinned for regression test"); err != nil {
		t.Fatalf("PinJob: %v", err)
	}

	res, err := svc.ResolveForExecution(ctx, tenant.ID, jobID, wf.ID, true)
	if err != nil {
		t.Fatalf("ResolveForExecution: %v", err)
	}
	if !res.IsPinned {
		t.Fatalf("expected pinned resolution")
	}
	if res.Version.ID != v1.ID {
		t.Fatalf("resolved version = %s, want pinned %s", res.Version.ID, v1.ID)
	}
}

func TestResolveForExecutionDetectsChecksumMismatch(t *testing.T) {
	svc, store, tenant := newTestService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	// Bypass the service's checksum computation to simulate payload
	// corruption: the stored checksum no longer matches the payload.
	v, err := store.CreateVersion(ctx, domain.WorkflowVersion{
		WorkflowID: wf.ID, TenantID: tenant.ID, SemanticVersion: "1.0.0",
		Status: domain.VersionDraft, Payload: []byte(`{"v":1}`), Checksum: "not-the-real-checksum",
	})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := svc.ActivateVersion(ctx, tenant.ID, wf.ID, v.ID); err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}

	_, err = svc.ResolveForExecution(ctx, tenant.ID, uuid.New(), wf.ID, true)
	if apperr.CodeOf(err) != apperr.ChainBroken {
		t.Fatalf("expected ChainBroken for checksum mismatch, got %v", err)
	}
}

func TestPinJobRejectsArchivedVersion(t *testing.T) {
	svc, store, tenant := newTestService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	v, err := svc.CreateVersion(ctx, tenant.ID, wf.ID, []byte(`{}`), nil, "1.0.0", "", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	v.Status = domain.VersionArchived
	if _, err := store.CreateVersion(ctx, v); err != nil {
		t.Fatalf("force-archive version: %v", err)
	}

	_, err = svc.PinJob(ctx, tenant.ID, uuid.New(), wf.ID, &v.ID, "bad pin")
	if apperr.CodeOf(err) != apperr.Validation {
		t.Fatalf("expected Validation for archived pin target, got %v", err)
	}
}
