package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func TestTenantCreateAndLookup(t *testing.T) {
	store := New()
	ctx := context.Background()

	tn, err := store.CreateTenant(ctx, domain.Tenant{Slug: "acme", Name: "Acme", Status: domain.TenantActive})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	got, err := store.GetTenantBySlug(ctx, "acme")
	if err != nil || got.ID != tn.ID {
		t.Fatalf("expected to find tenant by slug, got %#v err=%v", got, err)
	}

	_ = store.AdjustWorkflowCount(ctx, tn.ID, 3)
	_ = store.AdjustWorkflowCount(ctx, tn.ID, -10)
	got, _ = store.GetTenant(ctx, tn.ID)
	if got.CurrentWorkflowCount != 0 {
		t.Fatalf("expected workflow count to clamp at zero, got %d", got.CurrentWorkflowCount)
	}
}

func TestActivateVersionDeprecatesPreviousActive(t *testing.T) {
	store := New()
	ctx := context.Background()
	tenantID, workflowID := uuid.New(), uuid.New()

	v1, _ := store.CreateVersion(ctx, domain.WorkflowVersion{TenantID: tenantID, WorkflowID: workflowID, SemanticVersion: "1.0.0"})
	v2, _ := store.CreateVersion(ctx, domain.WorkflowVersion{TenantID: tenantID, WorkflowID: workflowID, SemanticVersion: "1.1.0"})

	if _, err := store.ActivateVersion(ctx, tenantID, workflowID, v1.ID); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	if _, err := store.ActivateVersion(ctx, tenantID, workflowID, v2.ID); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	got1, _ := store.GetVersion(ctx, tenantID, v1.ID)
	if got1.Status != domain.VersionDeprecated {
		t.Fatalf("expected v1 deprecated, got %s", got1.Status)
	}
	active, err := store.GetActiveVersion(ctx, tenantID, workflowID)
	if err != nil || active.ID != v2.ID {
		t.Fatalf("expected v2 active, got %#v err=%v", active, err)
	}
}

func TestActivateVersionRejectsArchived(t *testing.T) {
	store := New()
	ctx := context.Background()
	tenantID, workflowID := uuid.New(), uuid.New()

	v, _ := store.CreateVersion(ctx, domain.WorkflowVersion{TenantID: tenantID, WorkflowID: workflowID, Status: domain.VersionArchived})

	_, err := store.ActivateVersion(ctx, tenantID, workflowID, v.ID)
	if apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestClaimJobsOrdersByPriorityThenSchedule(t *testing.T) {
	store := New()
	ctx := context.Background()
	tenantID, robotID := uuid.New(), uuid.New()
	now := time.Now().UTC()

	low, _ := store.CreateJob(ctx, domain.Job{TenantID: tenantID, Priority: domain.PriorityLow, Status: domain.JobQueued, ScheduledTime: now})
	critical, _ := store.CreateJob(ctx, domain.Job{TenantID: tenantID, Priority: domain.PriorityCritical, Status: domain.JobQueued, ScheduledTime: now})
	_, _ = low, critical

	claimed, err := store.ClaimJobs(ctx, tenantID, robotID, nil, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != critical.ID {
		t.Fatalf("expected critical priority job claimed first, got %#v", claimed)
	}
	if claimed[0].Status != domain.JobClaimed || claimed[0].AssignedRobotID == nil || *claimed[0].AssignedRobotID != robotID {
		t.Fatalf("expected job claimed by robot, got %#v", claimed[0])
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	store := New()
	ctx := context.Background()
	tenantID, robotID := uuid.New(), uuid.New()

	claimed, _ := store.CreateJob(ctx, domain.Job{TenantID: tenantID, Status: domain.JobQueued, ScheduledTime: time.Now().UTC().Add(-time.Minute)})
	leased, err := store.ClaimJobs(ctx, tenantID, robotID, nil, 1, -time.Second)
	if err != nil || len(leased) != 1 {
		t.Fatalf("expected job leased, got %#v err=%v", leased, err)
	}

	reclaimed, err := store.ReclaimExpiredLeases(ctx, time.Now().UTC())
	if err != nil || len(reclaimed) != 1 || reclaimed[0].ID != claimed.ID {
		t.Fatalf("expected expired lease reclaimed, got %#v err=%v", reclaimed, err)
	}
	got, _ := store.GetJob(ctx, tenantID, claimed.ID)
	if got.Status != domain.JobQueued || got.AssignedRobotID != nil {
		t.Fatalf("expected job requeued and unassigned, got %#v", got)
	}
}

func TestWouldCycleDetectsIndirectCycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	if _, err := store.CreateDependencyEdge(ctx, domain.DependencyEdge{ScheduleID: a, DependsOnID: b}); err != nil {
		t.Fatalf("create edge a->b: %v", err)
	}
	if _, err := store.CreateDependencyEdge(ctx, domain.DependencyEdge{ScheduleID: b, DependsOnID: c}); err != nil {
		t.Fatalf("create edge b->c: %v", err)
	}

	would, err := store.WouldCycle(ctx, c, a)
	if err != nil || !would {
		t.Fatalf("expected c->a to be detected as a cycle, got %v err=%v", would, err)
	}

	_, err = store.CreateDependencyEdge(ctx, domain.DependencyEdge{ScheduleID: c, DependsOnID: a})
	if apperr.CodeOf(err) != apperr.DependencyCycle {
		t.Fatalf("expected dependency cycle error, got %v", err)
	}
}

func TestAuditLogHashChain(t *testing.T) {
	store := New()
	ctx := context.Background()

	e1, err := store.AppendEntry(ctx, domain.AuditLogEntry{Action: "job.submitted", Actor: domain.Actor{Type: domain.ActorUser, ID: "u1"}})
	if err != nil {
		t.Fatalf("append entry 1: %v", err)
	}
	if e1.PreviousHash != domain.GenesisHash {
		t.Fatalf("expected first entry to chain from genesis hash")
	}

	e2, err := store.AppendEntry(ctx, domain.AuditLogEntry{Action: "job.claimed", Actor: domain.Actor{Type: domain.ActorRobot, ID: "r1"}})
	if err != nil {
		t.Fatalf("append entry 2: %v", err)
	}
	if e2.PreviousHash != e1.EntryHash {
		t.Fatalf("expected entry 2 to chain from entry 1's hash")
	}

	tail, seq, err := store.GetTailHash(ctx)
	if err != nil || tail != e2.EntryHash || seq != e2.SequenceID {
		t.Fatalf("expected tail hash to match last entry, got %x seq=%d err=%v", tail, seq, err)
	}
}
