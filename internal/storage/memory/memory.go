// Package memory is a thread-safe in-memory implementation of
// storage.Store, used for tests and prototyping without a live database.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// Store is an in-memory persistence layer implementing storage.Store. It
// deliberately keeps locking coarse (one mutex for the whole store) since it
// exists for tests, not for production throughput.
type Store struct {
	mu sync.RWMutex

	tenants     map[uuid.UUID]domain.Tenant
	users       map[uuid.UUID]domain.User
	roles       map[uuid.UUID]domain.Role
	permissions map[uuid.UUID]domain.Permission
	rolePerms   map[uuid.UUID][]uuid.UUID // roleID -> permissionIDs
	rolePermCond map[string]map[string]any
	memberships map[string]domain.Membership // tenantID|userID -> membership
	apiKeys     map[uuid.UUID]domain.APIKey

	workflows map[uuid.UUID]domain.Workflow
	versions  map[uuid.UUID]domain.WorkflowVersion
	pins      map[string]domain.JobVersionPin // tenantID|jobID -> pin

	jobs map[uuid.UUID]domain.Job
	dlq  map[uuid.UUID]domain.DLQEntry

	robots     map[uuid.UUID]domain.Robot
	heartbeats []domain.Heartbeat
	nextHBID   int64

	calendars map[uuid.UUID]domain.BusinessCalendar
	blackouts map[uuid.UUID][]domain.BlackoutPeriod

	schedules           map[uuid.UUID]domain.Schedule
	slaConfigs          map[uuid.UUID]domain.ScheduleSLAConfig
	rateLimits          map[uuid.UUID]domain.ScheduleRateLimit
	dependencyEdges     map[uuid.UUID][]domain.DependencyEdge
	conditions          map[uuid.UUID]domain.ScheduleCondition
	catchupConfigs      map[uuid.UUID]domain.ScheduleCatchupConfig
	eventTriggers       map[uuid.UUID]domain.ScheduleEventTrigger
	dependencyCompleted []domain.DependencyCompletion
	executionHistory    []domain.ScheduleExecutionHistory
	nextExecHistID      int64

	auditLog       []domain.AuditLogEntry
	merkleRoots    []domain.MerkleRoot
	healingEvents  []domain.HealingEvent
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:      make(map[uuid.UUID]domain.Tenant),
		users:        make(map[uuid.UUID]domain.User),
		roles:        make(map[uuid.UUID]domain.Role),
		permissions:  make(map[uuid.UUID]domain.Permission),
		rolePerms:    make(map[uuid.UUID][]uuid.UUID),
		rolePermCond: make(map[string]map[string]any),
		memberships:  make(map[string]domain.Membership),
		apiKeys:      make(map[uuid.UUID]domain.APIKey),

		workflows: make(map[uuid.UUID]domain.Workflow),
		versions:  make(map[uuid.UUID]domain.WorkflowVersion),
		pins:      make(map[string]domain.JobVersionPin),

		jobs: make(map[uuid.UUID]domain.Job),
		dlq:  make(map[uuid.UUID]domain.DLQEntry),

		robots:   make(map[uuid.UUID]domain.Robot),
		nextHBID: 1,

		calendars: make(map[uuid.UUID]domain.BusinessCalendar),
		blackouts: make(map[uuid.UUID][]domain.BlackoutPeriod),

		schedules:       make(map[uuid.UUID]domain.Schedule),
		slaConfigs:      make(map[uuid.UUID]domain.ScheduleSLAConfig),
		rateLimits:      make(map[uuid.UUID]domain.ScheduleRateLimit),
		dependencyEdges: make(map[uuid.UUID][]domain.DependencyEdge),
		conditions:      make(map[uuid.UUID]domain.ScheduleCondition),
		catchupConfigs:  make(map[uuid.UUID]domain.ScheduleCatchupConfig),
		eventTriggers:   make(map[uuid.UUID]domain.ScheduleEventTrigger),
		nextExecHistID:  1,
	}
}

func membershipKey(tenantID, userID uuid.UUID) string {
	return tenantID.String() + "|" + userID.String()
}

func pinKey(tenantID, jobID uuid.UUID) string {
	return tenantID.String() + "|" + jobID.String()
}
