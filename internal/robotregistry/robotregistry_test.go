package robotregistry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
)

func newTestService(t *testing.T, maxRobots int) (*Service, *memory.Store, domain.Tenant) {
	t.Helper()
	store := memory.New()
	tenant, err := store.CreateTenant(context.Background(), domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive, MaxRobots: maxRobots,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return New(store, 30*time.Second), store, tenant
}

func TestRegisterEnforcesQuota(t *testing.T) {
	svc, _, tenant := newTestService(t, 1)
	ctx := context.Background()

	if _, err := svc.Register(ctx, tenant.ID, "bot-1", "host-1", []string{CapDesktop}, 2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(ctx, tenant.ID, "bot-2", "host-2", []string{CapDesktop}, 2)
	if apperr.CodeOf(err) != apperr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
}

func TestHeartbeatUpdatesStatusAndLastSeen(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()

	r, err := svc.Register(ctx, tenant.ID, "bot", "host", []string{CapDesktop}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Heartbeat(ctx, tenant.ID, r.ID, domain.RobotBusy, 1, 1<<20, 12.5, nil, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	updated, err := store.GetRobot(ctx, tenant.ID, r.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}
	if updated.Status != domain.RobotBusy || updated.CurrentJobs != 1 || updated.LastSeenAt == nil {
		t.Fatalf("robot after heartbeat = %+v", updated)
	}
}

func TestDeregisterMarksOffline(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()

	r, err := svc.Register(ctx, tenant.ID, "bot", "host", []string{CapDesktop}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Deregister(ctx, tenant.ID, r.ID, "maintenance"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	updated, err := store.GetRobot(ctx, tenant.ID, r.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}
	if updated.Status != domain.RobotOffline {
		t.Fatalf("status = %s, want offline", updated.Status)
	}
}

func TestSelectCandidatesFiltersByCapabilityAndStatus(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()

	idleMatching, err := store.CreateRobot(ctx, domain.Robot{
		TenantID: tenant.ID, Name: "idle-match", Status: domain.RobotIdle,
		Capabilities: []string{CapDesktop, CapOSLinux}, MaxConcurrent: 2,
	})
	if err != nil {
		t.Fatalf("CreateRobot idle-match: %v", err)
	}
	if _, err := store.CreateRobot(ctx, domain.Robot{
		TenantID: tenant.ID, Name: "idle-nomatch", Status: domain.RobotIdle,
		Capabilities: []string{CapDesktop}, MaxConcurrent: 2,
	}); err != nil {
		t.Fatalf("CreateRobot idle-nomatch: %v", err)
	}
	if _, err := store.CreateRobot(ctx, domain.Robot{
		TenantID: tenant.ID, Name: "busy-match", Status: domain.RobotBusy,
		Capabilities: []string{CapDesktop, CapOSLinux}, MaxConcurrent: 2,
	}); err != nil {
		t.Fatalf("CreateRobot busy-match: %v", err)
	}

	candidates, err := svc.SelectCandidates(ctx, tenant.ID, uuid.New(), []string{CapDesktop, CapOSLinux}, 5, PolicyLeastLoaded, nil)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != idleMatching.ID {
		t.Fatalf("candidates = %+v, want only %s", candidates, idleMatching.ID)
	}
}

func TestSelectCandidatesLeastLoadedOrdering(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()

	busy, err := store.CreateRobot(ctx, domain.Robot{
		TenantID: tenant.ID, Name: "loaded", Status: domain.RobotIdle,
		Capabilities: []string{CapDesktop}, MaxConcurrent: 5, CurrentJobs: 3,
	})
	if err != nil {
		t.Fatalf("CreateRobot loaded: %v", err)
	}
	free, err := store.CreateRobot(ctx, domain.Robot{
		TenantID: tenant.ID, Name: "free", Status: domain.RobotIdle,
		Capabilities: []string{CapDesktop}, MaxConcurrent: 5, CurrentJobs: 0,
	})
	if err != nil {
		t.Fatalf("CreateRobot free: %v", err)
	}

	candidates, err := svc.SelectCandidates(ctx, tenant.ID, uuid.New(), []string{CapDesktop}, 5, PolicyLeastLoaded, nil)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(candidates) != 2 || candidates[0].ID != free.ID || candidates[1].ID != busy.ID {
		t.Fatalf("candidates = %+v, want free before loaded(%s)", candidates, busy.ID)
	}
}

func TestSelectCandidatesExcludesListedRobots(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()

	r, err := store.CreateRobot(ctx, domain.Robot{
		TenantID: tenant.ID, Name: "bot", Status: domain.RobotIdle,
		Capabilities: []string{CapDesktop}, MaxConcurrent: 2,
	})
	if err != nil {
		t.Fatalf("CreateRobot: %v", err)
	}

	candidates, err := svc.SelectCandidates(ctx, tenant.ID, uuid.New(), []string{CapDesktop}, 5, PolicyLeastLoaded,
		map[uuid.UUID]struct{}{r.ID: {}})
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected excluded robot to be filtered out, got %+v", candidates)
	}
}

func TestSelectCandidatesStickinessIsDeterministic(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := store.CreateRobot(ctx, domain.Robot{
			TenantID: tenant.ID, Name: "bot", Status: domain.RobotIdle,
			Capabilities: []string{CapDesktop}, MaxConcurrent: 2,
		}); err != nil {
			t.Fatalf("CreateRobot: %v", err)
		}
	}
	workflowID := uuid.New()

	first, err := svc.SelectCandidates(ctx, tenant.ID, workflowID, []string{CapDesktop}, 4, PolicyStickiness, nil)
	if err != nil {
		t.Fatalf("SelectCandidates (1st): %v", err)
	}
	second, err := svc.SelectCandidates(ctx, tenant.ID, workflowID, []string{CapDesktop}, 4, PolicyStickiness, nil)
	if err != nil {
		t.Fatalf("SelectCandidates (2nd): %v", err)
	}
	if len(first) == 0 || first[0].ID != second[0].ID {
		t.Fatalf("stickiness pick not stable across calls: %+v vs %+v", first, second)
	}
}

func TestDetectStaleRobotsFlipsOffline(t *testing.T) {
	svc, store, tenant := newTestService(t, 5)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	r, err := store.CreateRobot(ctx, domain.Robot{
		TenantID: tenant.ID, Name: "stale", Status: domain.RobotBusy,
		Capabilities: []string{CapDesktop}, MaxConcurrent: 2, LastSeenAt: &stale,
	})
	if err != nil {
		t.Fatalf("CreateRobot: %v", err)
	}

	flipped, err := svc.DetectStaleRobots(ctx)
	if err != nil {
		t.Fatalf("DetectStaleRobots: %v", err)
	}
	if len(flipped) != 1 || flipped[0].ID != r.ID {
		t.Fatalf("flipped = %+v, want %s", flipped, r.ID)
	}
	updated, err := store.GetRobot(ctx, tenant.ID, r.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}
	if updated.Status != domain.RobotOffline {
		t.Fatalf("status = %s, want offline", updated.Status)
	}
}
