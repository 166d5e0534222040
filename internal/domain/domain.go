// Package domain defines the orchestrator's core entity types: the data
// model of spec.md §3, shared by every storage and service package. Entities
// are identified by opaque UUIDs per the spec's "128-bit IDs" requirement.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the closed set of lifecycle states for a Tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantPending   TenantStatus = "pending"
	TenantArchived  TenantStatus = "archived"
)

// Tenant is an isolation unit: every tenant-scoped row references one.
type Tenant struct {
	ID                    uuid.UUID
	Slug                  string
	Name                  string
	Status                TenantStatus
	SubscriptionTier      string
	MaxWorkflows          int
	MaxRobots             int
	MaxExecutionsPerHour  int
	MaxStorageBytes       int64
	MaxTeamMembers        int
	CurrentWorkflowCount  int
	CurrentRobotCount     int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ResourceType enumerates the quota-checked resources of §4.1's check_quota.
type ResourceType string

const (
	ResourceWorkflow  ResourceType = "workflow"
	ResourceRobot     ResourceType = "robot"
	ResourceExecution ResourceType = "execution"
	ResourceMember    ResourceType = "member"
)

// UserStatus is the closed set of lifecycle states for a User.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserLocked   UserStatus = "locked"
	UserDisabled UserStatus = "disabled"
)

// User is an authenticated principal, bound to tenants via Membership.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	DisplayName  string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role is either system-level (TenantID is nil) or tenant-custom.
type Role struct {
	ID        uuid.UUID
	TenantID  *uuid.UUID
	Name      string
	IsSystem  bool
	Priority  int
	CreatedAt time.Time
}

// System role names, seeded with fixed permission sets that cannot be
// mutated at runtime.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleOperator  = "operator"
	RoleViewer    = "viewer"
)

// Permission is an immutable (resource, action) pair.
type Permission struct {
	ID       uuid.UUID
	Resource string
	Action   string
}

// RolePermission links a Role to a Permission, optionally guarded by a
// condition predicate evaluated against the request context.
type RolePermission struct {
	RoleID       uuid.UUID
	PermissionID uuid.UUID
	Condition    map[string]any
}

// MembershipStatus is the closed set of lifecycle states for a Membership.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
)

// Membership binds a User to a Tenant with a Role.
type Membership struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	UserID    uuid.UUID
	RoleID    uuid.UUID
	Status    MembershipStatus
	CreatedAt time.Time
}

// APIKeyStatus is the closed set of lifecycle states for an APIKey.
type APIKeyStatus string

const (
	APIKeyActive  APIKeyStatus = "active"
	APIKeyRevoked APIKeyStatus = "revoked"
)

// APIKey is an opaque credential bound to a tenant and role. Only the hash
// of the secret portion is ever persisted.
type APIKey struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	KeyPrefix  string
	KeyHash    string
	RoleID     uuid.UUID
	Status     APIKeyStatus
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Principal is the resolved (tenant, actor, role) tuple every authenticated
// request carries downstream.
type Principal struct {
	TenantID uuid.UUID
	UserID   uuid.UUID // zero UUID when authenticated via APIKey
	APIKeyID uuid.UUID // zero UUID when authenticated via User credential
	RoleID   uuid.UUID
}

// WorkflowStatus is the closed set of lifecycle states for a Workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowPublished WorkflowStatus = "published"
	WorkflowArchived  WorkflowStatus = "archived"
	WorkflowDisabled  WorkflowStatus = "disabled"
)

// Workflow is a named container of versions, tenant-scoped.
type Workflow struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Workspace string
	CreatedBy uuid.UUID
	Status    WorkflowStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowVersionStatus is the closed set of lifecycle states for a
// WorkflowVersion.
type WorkflowVersionStatus string

const (
	VersionDraft      WorkflowVersionStatus = "draft"
	VersionActive     WorkflowVersionStatus = "active"
	VersionDeprecated WorkflowVersionStatus = "deprecated"
	VersionArchived   WorkflowVersionStatus = "archived"
)

// WorkflowVersion is an immutable serialized workflow payload.
type WorkflowVersion struct {
	ID               uuid.UUID
	WorkflowID       uuid.UUID
	TenantID         uuid.UUID
	SemanticVersion  string
	ParentVersionID  *uuid.UUID
	Status           WorkflowVersionStatus
	Payload          []byte
	Checksum         string
	ChangeSummary    string
	NodeCount        int
	ConnectionCount  int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobVersionPin maps a job to a specific version, overriding "use active".
type JobVersionPin struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	TenantID   uuid.UUID
	WorkflowID uuid.UUID
	VersionID  *uuid.UUID
	Reason     string
	CreatedAt  time.Time
}

// TriggerType is the closed set of job trigger origins.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerAPI       TriggerType = "api"
	TriggerWebhook   TriggerType = "webhook"
	TriggerEvent     TriggerType = "event"
)

// JobStatus is the closed set of job lifecycle states (§4.3).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimeout   JobStatus = "timeout"
)

// Priority is the closed 0-3 job priority range (0=low, 3=critical).
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Job is a scheduled or ad-hoc execution request.
type Job struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	WorkflowID uuid.UUID
	Priority          Priority
	Variables         map[string]any
	TriggerType       TriggerType
	Status            JobStatus
	AssignedRobotID   *uuid.UUID
	LeaseExpiresAt    *time.Time
	RetryCount        int
	MaxRetries        int
	Result            map[string]any
	Error             *JobError
	ScheduledTime     time.Time
	CreatedAt         time.Time
	ClaimedAt         *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// ErrorCategory is the closed set of error classifications the retry
// registry maps to (retryable, severity, suggested_backoff_base).
type ErrorCategory string

const (
	CategoryValidation  ErrorCategory = "validation"
	CategoryTransientIO ErrorCategory = "transient_io"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryPermission  ErrorCategory = "permission"
	CategoryInternal    ErrorCategory = "internal"
	CategoryUserAbort   ErrorCategory = "user_abort"
)

// JobError is the structured failure a robot reports for a job.
type JobError struct {
	Code     string
	Message  string
	Category ErrorCategory
	Node     string
}

// DLQEntry is the terminal record for a job that exhausted retries.
type DLQEntry struct {
	ID            uuid.UUID
	OriginalJobID uuid.UUID
	TenantID      uuid.UUID
	Variables     map[string]any
	FinalError    JobError
	LastNodeID    string
	RetryCount    int
	CreatedAt     time.Time
}

// RobotStatus is the closed set of robot lifecycle states.
type RobotStatus string

const (
	RobotIdle    RobotStatus = "idle"
	RobotBusy    RobotStatus = "busy"
	RobotOffline RobotStatus = "offline"
	RobotFailed  RobotStatus = "failed"
)

// Robot is a registered worker process.
type Robot struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Name           string
	Hostname       string
	Capabilities   []string
	Status         RobotStatus
	MaxConcurrent  int
	CurrentJobs    int
	SessionToken   string
	LastSeenAt     *time.Time
	RegisteredAt   time.Time
	FailedAckAt    *time.Time
}

// Heartbeat is a periodic liveness observation from a Robot.
type Heartbeat struct {
	ID              int64
	RobotID         uuid.UUID
	JobID           *uuid.UUID
	ProgressPercent *int
	CurrentNodeID   string
	MemoryBytes     int64
	CPUPercent      float32
	ObservedAt      time.Time
}
