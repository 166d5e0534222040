// Package robotregistry implements spec.md §4.4's Robot Registry &
// Heartbeat: register, heartbeat, deregister, list, and select_candidates.
// The selection policy's stickiness tier uses
// github.com/dgryski/go-rendezvous for deterministic, minimally-disruptive
// affinity between a workflow and a robot — the same rendezvous-hashing
// approach distributed caches use to pick a preferred shard without a
// central coordinator, repurposed here to give each workflow a stable
// preferred robot among the eligible ones, keyed on the workflow id alone
// (past executions are not consulted).
package robotregistry

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/dgryski/go-rendezvous"
	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/obsmetrics"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Capability is the closed vocabulary spec.md §4.4 fixes for Robot.
// Capabilities; custom-tags are free-form strings outside this set.
const (
	CapBrowserChromium = "browser:chromium"
	CapBrowserFirefox  = "browser:firefox"
	CapBrowserWebkit   = "browser:webkit"
	CapDesktop         = "desktop"
	CapOSWindows       = "os:windows"
	CapOSLinux         = "os:linux"
	CapOSMacOS         = "os:macos"
)

// SelectionPolicy is the configurable ranking select_candidates applies
// once the tenant/status/capability/exclusion filter has run.
type SelectionPolicy string

const (
	PolicyLeastLoaded       SelectionPolicy = "least_loaded"
	PolicyCapabilityTightest SelectionPolicy = "capability_tightest"
	PolicyStickiness        SelectionPolicy = "stickiness"
)

// Service implements the registry's operations over storage.Store.
type Service struct {
	store          storage.Store
	livenessWindow time.Duration
}

// New builds a Service; livenessWindow is the interval past which a robot
// with no heartbeat is considered offline.
func New(store storage.Store, livenessWindow time.Duration) *Service {
	return &Service{store: store, livenessWindow: livenessWindow}
}

// Register creates a new robot for tenant. Callers must have already
// authorized the credential against "robot.create" via internal/gateway;
// this method only persists the registration and issues a session token.
func (s *Service) Register(ctx context.Context, tenantID uuid.UUID, name, hostname string, capabilities []string, maxConcurrent int) (domain.Robot, error) {
	ok, err := s.checkQuota(ctx, tenantID)
	if err != nil {
		return domain.Robot{}, err
	}
	if !ok {
		return domain.Robot{}, apperr.New(apperr.QuotaExceeded, "robotregistry.Register", "robot quota exhausted")
	}
	r := domain.Robot{
		TenantID:      tenantID,
		Name:          name,
		Hostname:      hostname,
		Capabilities:  capabilities,
		Status:        domain.RobotIdle,
		MaxConcurrent: maxConcurrent,
		SessionToken:  uuid.NewString(),
		RegisteredAt:  time.Now().UTC(),
	}
	created, err := s.store.CreateRobot(ctx, r)
	if err != nil {
		return domain.Robot{}, err
	}
	if err := s.store.AdjustRobotCount(ctx, tenantID, 1); err != nil {
		return domain.Robot{}, err
	}
	return created, nil
}

func (s *Service) checkQuota(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return tenant.CurrentRobotCount < tenant.MaxRobots, nil
}

// Heartbeat records a liveness observation and updates the robot's
// reported status and load.
func (s *Service) Heartbeat(ctx context.Context, tenantID, robotID uuid.UUID, status domain.RobotStatus, currentJobs int, memoryBytes int64, cpuPercent float32, jobID *uuid.UUID, progressPercent *int) (domain.Heartbeat, error) {
	r, err := s.store.GetRobot(ctx, tenantID, robotID)
	if err != nil {
		return domain.Heartbeat{}, err
	}
	now := time.Now().UTC()
	r.Status = status
	r.CurrentJobs = currentJobs
	r.LastSeenAt = &now
	if _, err := s.store.UpdateRobot(ctx, r); err != nil {
		return domain.Heartbeat{}, err
	}
	if online, err := s.store.ListRobots(ctx, tenantID, nil); err == nil {
		count := 0
		for _, candidate := range online {
			if candidate.Status != domain.RobotOffline {
				count++
			}
		}
		obsmetrics.SetRobotsOnline(tenantID.String(), count)
	}
	return s.store.RecordHeartbeat(ctx, domain.Heartbeat{
		RobotID: robotID, JobID: jobID, ProgressPercent: progressPercent,
		MemoryBytes: memoryBytes, CPUPercent: cpuPercent, ObservedAt: now,
	})
}

// Deregister marks a robot offline and removes it from the active pool.
// reason is accepted for audit purposes by the caller; the registry
// itself does not persist it.
func (s *Service) Deregister(ctx context.Context, tenantID, robotID uuid.UUID, reason string) error {
	r, err := s.store.GetRobot(ctx, tenantID, robotID)
	if err != nil {
		return err
	}
	r.Status = domain.RobotOffline
	if _, err := s.store.UpdateRobot(ctx, r); err != nil {
		return err
	}
	return nil
}

// List returns a tenant's robots, optionally filtered by status.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status *domain.RobotStatus) ([]domain.Robot, error) {
	return s.store.ListRobots(ctx, tenantID, status)
}

// DetectStaleRobots flips any robot whose last heartbeat is older than
// the liveness window to offline, per spec.md §4.4; callers run this on a
// ticker alongside jobqueue.Service.ReclaimExpiredLeases.
func (s *Service) DetectStaleRobots(ctx context.Context) ([]domain.Robot, error) {
	cutoff := time.Now().UTC().Add(-s.livenessWindow)
	stale, err := s.store.ListStaleRobots(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for i, r := range stale {
		r.Status = domain.RobotOffline
		updated, err := s.store.UpdateRobot(ctx, r)
		if err != nil {
			return nil, err
		}
		stale[i] = updated
	}
	return stale, nil
}

// SelectCandidates ranks eligible robots for workflowID per spec.md §4.4:
// filters by tenant, idle status, capability superset, and exclusion;
// ranks by policy; ties break on oldest last_seen. excluded lists robot
// IDs to skip (e.g. a robot that recently failed this same workflow).
func (s *Service) SelectCandidates(ctx context.Context, tenantID, workflowID uuid.UUID, requiredCaps []string, count int, policy SelectionPolicy, excluded map[uuid.UUID]struct{}) ([]domain.Robot, error) {
	idle := domain.RobotIdle
	all, err := s.store.ListRobots(ctx, tenantID, &idle)
	if err != nil {
		return nil, err
	}

	var eligible []domain.Robot
	for _, r := range all {
		if _, skip := excluded[r.ID]; skip {
			continue
		}
		if !hasAllCapabilities(r.Capabilities, requiredCaps) {
			continue
		}
		if r.CurrentJobs >= r.MaxConcurrent {
			continue
		}
		eligible = append(eligible, r)
	}

	rank(eligible, policy, workflowID)

	if count > 0 && len(eligible) > count {
		eligible = eligible[:count]
	}
	return eligible, nil
}

func hasAllCapabilities(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func rank(robots []domain.Robot, policy SelectionPolicy, workflowID uuid.UUID) {
	switch policy {
	case PolicyCapabilityTightest:
		sort.SliceStable(robots, func(i, k int) bool {
			if len(robots[i].Capabilities) != len(robots[k].Capabilities) {
				return len(robots[i].Capabilities) < len(robots[k].Capabilities)
			}
			return tieBreakOldestSeen(robots, i, k)
		})
	case PolicyStickiness:
		preferred := stickyPick(robots, workflowID)
		sort.SliceStable(robots, func(i, k int) bool {
			if robots[i].ID == preferred && robots[k].ID != preferred {
				return true
			}
			if robots[i].ID != preferred && robots[k].ID == preferred {
				return false
			}
			return tieBreakOldestSeen(robots, i, k)
		})
	default: // PolicyLeastLoaded
		sort.SliceStable(robots, func(i, k int) bool {
			if robots[i].CurrentJobs != robots[k].CurrentJobs {
				return robots[i].CurrentJobs < robots[k].CurrentJobs
			}
			return tieBreakOldestSeen(robots, i, k)
		})
	}
}

func tieBreakOldestSeen(robots []domain.Robot, i, k int) bool {
	a, b := robots[i].LastSeenAt, robots[k].LastSeenAt
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

// stickyPick uses rendezvous hashing over the eligible robot set, keyed on
// workflowID, to deterministically prefer the same robot for the same
// workflow across calls as long as that robot remains eligible — the
// nearest in-process approximation of "recently completed this workflow
// successfully" without needing a separate affinity table.
func stickyPick(robots []domain.Robot, workflowID uuid.UUID) uuid.UUID {
	if len(robots) == 0 {
		return uuid.Nil
	}
	nodes := make([]string, len(robots))
	for i, r := range robots {
		nodes[i] = r.ID.String()
	}
	r := rendezvous.New(nodes, hashString)
	return uuid.MustParse(r.Lookup(workflowID.String()))
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
