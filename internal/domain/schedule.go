package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleType is the closed set of trigger mechanisms a Schedule evaluates.
type ScheduleType string

const (
	ScheduleCron       ScheduleType = "cron"
	ScheduleInterval   ScheduleType = "interval"
	ScheduleEvent      ScheduleType = "event"
	ScheduleDependency ScheduleType = "dependency"
	ScheduleOneTime    ScheduleType = "one_time"
)

// ScheduleStatus is the closed set of schedule lifecycle states.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleDisabled  ScheduleStatus = "disabled"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleError     ScheduleStatus = "error"
)

// Schedule is a trigger configuration that fires Jobs.
type Schedule struct {
	ID                   uuid.UUID
	TenantID             uuid.UUID
	WorkflowID           uuid.UUID
	Name                 string
	Type                 ScheduleType
	Expression           string
	Parameters           map[string]any
	Timezone             string
	CalendarID           *uuid.UUID
	RespectBusinessHours bool
	Priority             Priority
	Variables            map[string]any
	Enabled              bool
	Status               ScheduleStatus
	NextRunAt            *time.Time
	LastRunAt            *time.Time
	RunCount             int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SLAStatus is the closed set of SLA health states (§4.7).
type SLAStatus string

const (
	SLAOk       SLAStatus = "ok"
	SLAWarning  SLAStatus = "warning"
	SLABreached SLAStatus = "breached"
)

// ScheduleSLAConfig holds per-schedule SLA thresholds.
type ScheduleSLAConfig struct {
	ScheduleID               uuid.UUID
	MaxDurationSeconds       *int
	MaxStartDelaySeconds     *int
	SuccessRateThreshold     float64
	ConsecutiveFailureLimit  int
	AlertChannels            []string
	CurrentStatus            SLAStatus
}

// ScheduleRateLimit is a per-schedule sliding-window execution cap.
type ScheduleRateLimit struct {
	ScheduleID     uuid.UUID
	MaxExecutions  int
	WindowSeconds  int
	QueueOverflow  bool
}

// DependencyEdge is a directed edge (schedule depends on depends_on).
type DependencyEdge struct {
	ID             uuid.UUID
	ScheduleID     uuid.UUID
	DependsOnID    uuid.UUID
	WaitForAll     bool
	RequireSuccess bool
	TimeoutSeconds int
	PriorityOrder  int
}

// ConditionKind is the closed set of runtime condition evaluators (§4.7).
type ConditionKind string

const (
	ConditionSQLQuery   ConditionKind = "sql_query"
	ConditionHTTPCheck  ConditionKind = "http_check"
	ConditionFileExists ConditionKind = "file_exists"
	ConditionCustom     ConditionKind = "custom"
)

// ScheduleCondition gates a fire on a runtime check.
type ScheduleCondition struct {
	ScheduleID           uuid.UUID
	Kind                 ConditionKind
	Expression           string
	RetryOnFail          bool
	MaxRetries           int
	RetryIntervalSeconds int
}

// ScheduleCatchupConfig controls missed-fire replay on resume.
type ScheduleCatchupConfig struct {
	ScheduleID             uuid.UUID
	Enabled                bool
	MaxCatchupRuns         int
	CatchupWindowSeconds   int
	RunSequentially        bool
}

// EventType is the closed set of external event kinds an event-triggered
// Schedule listens for.
type EventType string

const (
	EventFileArrival      EventType = "file_arrival"
	EventWebhook          EventType = "webhook"
	EventDatabaseChange   EventType = "database_change"
	EventQueueMessage     EventType = "queue_message"
	EventWorkflowComplete EventType = "workflow_completed"
	EventCustom           EventType = "custom"
)

// ScheduleEventTrigger configures an event-driven Schedule.
type ScheduleEventTrigger struct {
	ScheduleID          uuid.UUID
	EventType           EventType
	JSONPredicate       string
	DebounceSeconds     int
	BatchWindowSeconds  int
}

// ScheduleExecutionHistory drives SLA computation.
type ScheduleExecutionHistory struct {
	ID            int64
	ScheduleID    uuid.UUID
	ScheduledTime time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
	StartDelayMs  *int64
	Success       *bool
	ErrorMessage  string
	RobotID       *uuid.UUID
	JobID         *uuid.UUID
	CatchUp       bool
}

// DependencyCompletion is a transient record used to resolve pending
// dependent schedules.
type DependencyCompletion struct {
	ID          uuid.UUID
	ScheduleID  uuid.UUID
	CompletedAt time.Time
	Success     bool
	ResultData  map[string]any
	ExpiresAt   time.Time
}

// WeekdayHours is the working-hours window for one weekday.
type WeekdayHours struct {
	Start   string // "HH:MM"
	End     string // "HH:MM"
	Enabled bool
}

// BusinessCalendar is a tenant-scoped working-hours/holiday calendar.
type BusinessCalendar struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	Name               string
	Timezone           string
	WorkingHours       map[time.Weekday]WeekdayHours
	WeekendPolicy      string
	OutsideHoursPolicy string
	Holidays           []time.Time
	CustomNonWorking   []time.Time
	CreatedAt          time.Time
}

// BlackoutPeriod is a window during which affected schedules cannot fire.
type BlackoutPeriod struct {
	ID                uuid.UUID
	CalendarID        uuid.UUID
	Name              string
	StartTime         time.Time
	EndTime           time.Time
	Recurring         bool
	AffectedWorkflows []uuid.UUID
}
