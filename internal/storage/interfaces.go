// Package storage declares the persistence interfaces every service package
// depends on, so each has an in-memory implementation for tests and a
// Postgres implementation for production, exactly mirroring each other.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// TenantStore persists tenants and their resource counters.
type TenantStore interface {
	CreateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error)
	UpdateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (domain.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (domain.Tenant, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)

	// AdjustWorkflowCount and AdjustRobotCount apply a signed delta to a
	// tenant's resource counters, clamped at zero, the in-application
	// mirror of the triggers the Postgres schema also carries as a
	// defense-in-depth backstop.
	AdjustWorkflowCount(ctx context.Context, tenantID uuid.UUID, delta int) error
	AdjustRobotCount(ctx context.Context, tenantID uuid.UUID, delta int) error
}

// UserStore persists authenticated principals.
type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
}

// RBACStore persists roles, permissions, memberships and API keys.
type RBACStore interface {
	CreateRole(ctx context.Context, r domain.Role) (domain.Role, error)
	GetRole(ctx context.Context, id uuid.UUID) (domain.Role, error)
	ListRoles(ctx context.Context, tenantID *uuid.UUID) ([]domain.Role, error)

	GetPermission(ctx context.Context, resource, action string) (domain.Permission, error)
	ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]domain.Permission, error)
	GrantPermission(ctx context.Context, roleID, permissionID uuid.UUID, condition map[string]any) error

	CreateMembership(ctx context.Context, m domain.Membership) (domain.Membership, error)
	GetMembership(ctx context.Context, tenantID, userID uuid.UUID) (domain.Membership, error)
	ListMemberships(ctx context.Context, userID uuid.UUID) ([]domain.Membership, error)

	CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (domain.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error
}

// WorkflowStore persists workflows, versions and job pins.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w domain.Workflow) (domain.Workflow, error)
	GetWorkflow(ctx context.Context, tenantID, id uuid.UUID) (domain.Workflow, error)
	ListWorkflows(ctx context.Context, tenantID uuid.UUID) ([]domain.Workflow, error)

	CreateVersion(ctx context.Context, v domain.WorkflowVersion) (domain.WorkflowVersion, error)
	GetVersion(ctx context.Context, tenantID, id uuid.UUID) (domain.WorkflowVersion, error)
	GetActiveVersion(ctx context.Context, tenantID, workflowID uuid.UUID) (domain.WorkflowVersion, error)
	ListVersions(ctx context.Context, tenantID, workflowID uuid.UUID) ([]domain.WorkflowVersion, error)
	// ActivateVersion performs the transactional deprecate-then-activate
	// protocol of spec.md §4.2 and returns the newly active version.
	ActivateVersion(ctx context.Context, tenantID, workflowID, versionID uuid.UUID) (domain.WorkflowVersion, error)

	CreatePin(ctx context.Context, p domain.JobVersionPin) (domain.JobVersionPin, error)
	GetPin(ctx context.Context, tenantID, jobID uuid.UUID) (domain.JobVersionPin, bool, error)
}

// JobStore persists jobs and the dead-letter queue.
type JobStore interface {
	CreateJob(ctx context.Context, j domain.Job) (domain.Job, error)
	GetJob(ctx context.Context, tenantID, id uuid.UUID) (domain.Job, error)
	ListJobs(ctx context.Context, tenantID uuid.UUID, status *domain.JobStatus, limit int) ([]domain.Job, error)
	UpdateJob(ctx context.Context, j domain.Job) (domain.Job, error)

	// ClaimJobs atomically leases up to maxN eligible queued jobs to robotID,
	// ordered by (priority DESC, scheduled_time ASC, created_at ASC).
	ClaimJobs(ctx context.Context, tenantID, robotID uuid.UUID, requiredCaps []string, maxN int, leaseWindow time.Duration) ([]domain.Job, error)
	// AssignJob atomically leases a specific queued job to robotID, failing
	// with apperr.Conflict if another assignment already claimed it in the
	// meantime. This is the dispatcher's targeted counterpart to ClaimJobs'
	// pull-style "any eligible job" lease.
	AssignJob(ctx context.Context, tenantID, jobID, robotID uuid.UUID, leaseWindow time.Duration) (domain.Job, error)
	// RenewLease extends an existing claim; fails with apperr.LeaseLost if
	// the job is no longer leased to robotID.
	RenewLease(ctx context.Context, tenantID, jobID, robotID uuid.UUID, leaseWindow time.Duration) error
	// ReclaimExpiredLeases flips jobs whose lease has expired back to
	// queued and returns them as updated, with AssignedRobotID cleared; the
	// robot that held each lease is not reported.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]domain.Job, error)

	WriteDLQ(ctx context.Context, e domain.DLQEntry) (domain.DLQEntry, error)
	ListDLQ(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.DLQEntry, error)
}

// RobotStore persists registered robots and their heartbeats.
type RobotStore interface {
	CreateRobot(ctx context.Context, r domain.Robot) (domain.Robot, error)
	GetRobot(ctx context.Context, tenantID, id uuid.UUID) (domain.Robot, error)
	GetRobotBySessionToken(ctx context.Context, token string) (domain.Robot, error)
	UpdateRobot(ctx context.Context, r domain.Robot) (domain.Robot, error)
	DeleteRobot(ctx context.Context, tenantID, id uuid.UUID) error
	ListRobots(ctx context.Context, tenantID uuid.UUID, status *domain.RobotStatus) ([]domain.Robot, error)

	RecordHeartbeat(ctx context.Context, h domain.Heartbeat) (domain.Heartbeat, error)
	ListStaleRobots(ctx context.Context, cutoff time.Time) ([]domain.Robot, error)
}

// CalendarStore persists business calendars and their blackout periods.
type CalendarStore interface {
	CreateCalendar(ctx context.Context, c domain.BusinessCalendar) (domain.BusinessCalendar, error)
	GetCalendar(ctx context.Context, tenantID, id uuid.UUID) (domain.BusinessCalendar, error)
	ListBlackouts(ctx context.Context, calendarID uuid.UUID) ([]domain.BlackoutPeriod, error)
	CreateBlackout(ctx context.Context, b domain.BlackoutPeriod) (domain.BlackoutPeriod, error)
}

// ScheduleStore persists schedules and their sub-records.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	GetSchedule(ctx context.Context, tenantID, id uuid.UUID) (domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	ListSchedules(ctx context.Context, tenantID uuid.UUID) ([]domain.Schedule, error)
	ListDueSchedules(ctx context.Context, before time.Time, limit int) ([]domain.Schedule, error)

	GetSLAConfig(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleSLAConfig, bool, error)
	PutSLAConfig(ctx context.Context, c domain.ScheduleSLAConfig) error

	GetRateLimit(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleRateLimit, bool, error)
	CountExecutionsInWindow(ctx context.Context, scheduleID uuid.UUID, since time.Time) (int, error)

	CreateDependencyEdge(ctx context.Context, e domain.DependencyEdge) (domain.DependencyEdge, error)
	ListDependencyEdges(ctx context.Context, scheduleID uuid.UUID) ([]domain.DependencyEdge, error)
	WouldCycle(ctx context.Context, scheduleID, dependsOnID uuid.UUID) (bool, error)

	GetCondition(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleCondition, bool, error)
	GetCatchupConfig(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleCatchupConfig, bool, error)
	GetEventTrigger(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleEventTrigger, bool, error)

	RecordDependencyCompletion(ctx context.Context, c domain.DependencyCompletion) (domain.DependencyCompletion, error)
	ListDependencyCompletions(ctx context.Context, scheduleID uuid.UUID, since time.Time) ([]domain.DependencyCompletion, error)

	AppendExecutionHistory(ctx context.Context, h domain.ScheduleExecutionHistory) (domain.ScheduleExecutionHistory, error)
	ListExecutionHistory(ctx context.Context, scheduleID uuid.UUID, limit int) ([]domain.ScheduleExecutionHistory, error)
}

// AuditStore persists the hash-chained audit log and its Merkle roots.
type AuditStore interface {
	// AppendEntry appends e after computing PreviousHash from the current
	// chain tail; callers pre-populate every field except SequenceID,
	// PreviousHash, and EntryHash.
	AppendEntry(ctx context.Context, e domain.AuditLogEntry) (domain.AuditLogEntry, error)
	GetTailHash(ctx context.Context) ([32]byte, int64, error)
	ListRange(ctx context.Context, tenantID *uuid.UUID, startID, endID int64) ([]domain.AuditLogEntry, error)
	RecordMerkleRoot(ctx context.Context, m domain.MerkleRoot) (domain.MerkleRoot, error)
	LatestMerkleRoot(ctx context.Context) (domain.MerkleRoot, bool, error)

	RecordHealingEvent(ctx context.Context, e domain.HealingEvent) (domain.HealingEvent, error)
}

// Store is the union every service in this repository depends on. Both the
// in-memory and Postgres implementations satisfy it in full.
type Store interface {
	TenantStore
	UserStore
	RBACStore
	WorkflowStore
	JobStore
	RobotStore
	CalendarStore
	ScheduleStore
	AuditStore
}
