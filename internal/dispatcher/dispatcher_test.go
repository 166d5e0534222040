package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/robotregistry"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
	"github.com/casarerpa/orchestrator/internal/workflowstore"
)

// fakeAssigner records assignments instead of talking to a real robot
// session transport.
type fakeAssigner struct {
	mu          sync.Mutex
	assignments []assignment
	fail        bool
}

type assignment struct {
	robotID uuid.UUID
	jobID   uuid.UUID
}

func (f *fakeAssigner) AssignJob(_ context.Context, robotID uuid.UUID, job domain.Job, _ domain.WorkflowVersion, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.assignments = append(f.assignments, assignment{robotID: robotID, jobID: job.ID})
	return nil
}

func newTestDispatcher(t *testing.T) (*Service, *memory.Store, *jobqueue.Service, *robotregistry.Service, *workflowstore.Service, domain.Tenant, *fakeAssigner) {
	t.Helper()
	store := memory.New()
	tenant, err := store.CreateTenant(context.Background(), domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive,
		MaxWorkflows: 5, MaxRobots: 5, MaxExecutionsPerHour: 100,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	gw := gateway.New(store, config.AuthConfig{JWTSecret: "s", TokenTTL: "15m"})
	workflows := workflowstore.New(store, gw)
	robots := robotregistry.New(store, 30*time.Second)
	jobs := jobqueue.New(store, gw, jobqueue.Options{
		LeaseWindow: time.Minute, BackoffBase: time.Second, Multiplier: 2.0, MaxBackoff: time.Minute, MaxRetries: 3,
	})
	assigner := &fakeAssigner{}
	d := New(store, workflows, robots, assigner, nil, Options{LeaseWindow: time.Minute}, nil)
	return d, store, jobs, robots, workflows, tenant, assigner
}

func seedActiveWorkflow(t *testing.T, workflows *workflowstore.Service, tenantID uuid.UUID) domain.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := workflows.CreateWorkflow(ctx, tenantID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	v, err := workflows.CreateVersion(ctx, tenantID, wf.ID, []byte(`{"nodes":[]}`), nil, "1.0.0", "", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := workflows.ActivateVersion(ctx, tenantID, wf.ID, v.ID); err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}
	return wf
}

func TestDispatchTenantAssignsQueuedJobToIdleRobot(t *testing.T) {
	d, _, jobs, robots, workflows, tenant, assigner := newTestDispatcher(t)
	ctx := context.Background()

	wf := seedActiveWorkflow(t, workflows, tenant.ID)
	robot, err := robots.Register(ctx, tenant.ID, "bot-1", "host-1", []string{robotregistry.CapDesktop}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	job, err := jobs.Enqueue(ctx, tenant.ID, wf.ID, nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	assignedCount, err := d.DispatchTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("DispatchTenant: %v", err)
	}
	if assignedCount != 1 {
		t.Fatalf("assignedCount = %d, want 1", assignedCount)
	}

	assigner.mu.Lock()
	defer assigner.mu.Unlock()
	if len(assigner.assignments) != 1 || assigner.assignments[0].jobID != job.ID || assigner.assignments[0].robotID != robot.ID {
		t.Fatalf("assignments = %+v, want one for job %s to robot %s", assigner.assignments, job.ID, robot.ID)
	}
	if d.BackpressureCount(tenant.ID) != 0 {
		t.Fatalf("backpressure = %d, want 0 after a successful assignment", d.BackpressureCount(tenant.ID))
	}
}

func TestDispatchTenantNoEligibleRobotIncrementsBackpressure(t *testing.T) {
	d, _, jobs, _, workflows, tenant, _ := newTestDispatcher(t)
	ctx := context.Background()

	wf := seedActiveWorkflow(t, workflows, tenant.ID)
	if _, err := jobs.Enqueue(ctx, tenant.ID, wf.ID, nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	assignedCount, err := d.DispatchTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("DispatchTenant: %v", err)
	}
	if assignedCount != 0 {
		t.Fatalf("assignedCount = %d, want 0 with no robots registered", assignedCount)
	}
	if d.BackpressureCount(tenant.ID) != 1 {
		t.Fatalf("backpressure = %d, want 1", d.BackpressureCount(tenant.ID))
	}
}

func TestDispatchTenantHonorsCapabilityRequirement(t *testing.T) {
	d, _, jobs, robots, workflows, tenant, assigner := newTestDispatcher(t)
	ctx := context.Background()

	wf := seedActiveWorkflow(t, workflows, tenant.ID)
	if _, err := robots.Register(ctx, tenant.ID, "desktop-only", "host", []string{robotregistry.CapDesktop}, 2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	browserBot, err := robots.Register(ctx, tenant.ID, "browser", "host2", []string{robotregistry.CapDesktop, robotregistry.CapBrowserChromium}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := jobs.Enqueue(ctx, tenant.ID, wf.ID, map[string]any{
		requiredCapabilitiesKey: []any{robotregistry.CapBrowserChromium},
	}, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := d.DispatchTenant(ctx, tenant.ID); err != nil {
		t.Fatalf("DispatchTenant: %v", err)
	}

	assigner.mu.Lock()
	defer assigner.mu.Unlock()
	if len(assigner.assignments) != 1 || assigner.assignments[0].robotID != browserBot.ID || assigner.assignments[0].jobID != job.ID {
		t.Fatalf("assignments = %+v, want job routed to the browser-capable robot %s", assigner.assignments, browserBot.ID)
	}
}

func TestDispatchTenantHonorsNodeOverride(t *testing.T) {
	d, _, jobs, robots, workflows, tenant, assigner := newTestDispatcher(t)
	ctx := context.Background()

	wf := seedActiveWorkflow(t, workflows, tenant.ID)
	if _, err := robots.Register(ctx, tenant.ID, "bot-a", "host-a", []string{robotregistry.CapDesktop}, 2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	target, err := robots.Register(ctx, tenant.ID, "bot-b", "host-b", []string{robotregistry.CapDesktop}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := jobs.Enqueue(ctx, tenant.ID, wf.ID, map[string]any{
		nodeOverrideRobotKey: target.ID.String(),
	}, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := d.DispatchTenant(ctx, tenant.ID); err != nil {
		t.Fatalf("DispatchTenant: %v", err)
	}

	assigner.mu.Lock()
	defer assigner.mu.Unlock()
	if len(assigner.assignments) != 1 || assigner.assignments[0].robotID != target.ID || assigner.assignments[0].jobID != job.ID {
		t.Fatalf("assignments = %+v, want job forced onto overridden robot %s", assigner.assignments, target.ID)
	}
}

func TestDispatchTenantSkipsRobotAtCapacity(t *testing.T) {
	d, store, jobs, robots, workflows, tenant, assigner := newTestDispatcher(t)
	ctx := context.Background()

	wf := seedActiveWorkflow(t, workflows, tenant.ID)
	full, err := robots.Register(ctx, tenant.ID, "full", "host", []string{robotregistry.CapDesktop}, 1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r, err := store.GetRobot(ctx, tenant.ID, full.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}
	r.CurrentJobs = 1
	if _, err := store.UpdateRobot(ctx, r); err != nil {
		t.Fatalf("UpdateRobot: %v", err)
	}

	if _, err := jobs.Enqueue(ctx, tenant.ID, wf.ID, nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	assignedCount, err := d.DispatchTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("DispatchTenant: %v", err)
	}
	if assignedCount != 0 {
		t.Fatalf("assignedCount = %d, want 0 — sole robot is at max_concurrent", assignedCount)
	}
	assigner.mu.Lock()
	defer assigner.mu.Unlock()
	if len(assigner.assignments) != 0 {
		t.Fatalf("assignments = %+v, want none", assigner.assignments)
	}
}
