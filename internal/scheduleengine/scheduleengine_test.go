package scheduleengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/calendar"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
)

func newTestStack(t *testing.T) (*Service, *memory.Store, domain.Tenant) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	tenant, err := store.CreateTenant(ctx, domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive,
		MaxWorkflows: 5, MaxRobots: 5, MaxExecutionsPerHour: 1000,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	gw := gateway.New(store, config.AuthConfig{JWTSecret: "s", TokenTTL: "15m"})
	jobs := jobqueue.New(store, gw, jobqueue.Options{LeaseWindow: time.Minute, MaxRetries: 3})
	cal := calendar.New(store)
	svc := New(store, cal, jobs, nil, nil, nil, Options{BatchSize: 10}, nil)
	return svc, store, tenant
}

func createWorkflow(t *testing.T, store *memory.Store, tenantID uuid.UUID) uuid.UUID {
	t.Helper()
	wf, err := store.CreateWorkflow(context.Background(), domain.Workflow{TenantID: tenantID, Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf.ID
}

func TestNextRunCronAdvancesOneMinute(t *testing.T) {
	sc := domain.Schedule{
		Type:       domain.ScheduleCron,
		Expression: "* * * * *",
		Timezone:   "UTC",
	}
	after := time.Date(2026, time.March, 2, 10, 0, 30, 0, time.UTC)
	next, err := nextRun(sc, after)
	if err != nil {
		t.Fatalf("nextRun: %v", err)
	}
	want := time.Date(2026, time.March, 2, 10, 1, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunIntervalUsesReferenceTime(t *testing.T) {
	sc := domain.Schedule{
		Type:      domain.ScheduleInterval,
		Timezone:  "UTC",
		CreatedAt: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
		Parameters: map[string]any{
			"interval_seconds": float64(300),
		},
	}
	after := time.Date(2026, time.March, 2, 9, 7, 0, 0, time.UTC)
	next, err := nextRun(sc, after)
	if err != nil {
		t.Fatalf("nextRun: %v", err)
	}
	want := time.Date(2026, time.March, 2, 9, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunOneTimeFiresOnceThenStops(t *testing.T) {
	at := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	sc := domain.Schedule{
		Type:       domain.ScheduleOneTime,
		Timezone:   "UTC",
		Parameters: map[string]any{"at": at.Format(time.RFC3339)},
	}
	before := at.Add(-time.Hour)
	next, err := nextRun(sc, before)
	if err != nil {
		t.Fatalf("nextRun: %v", err)
	}
	if !next.Equal(at) {
		t.Fatalf("next = %v, want %v", next, at)
	}

	after, err := nextRun(sc, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("nextRun: %v", err)
	}
	if !after.IsZero() {
		t.Fatalf("next = %v, want zero (one_time already fired)", after)
	}
}

func TestEvaluateDueEnqueuesJobAndAdvancesNextRun(t *testing.T) {
	svc, store, tenant := newTestStack(t)
	ctx := context.Background()
	workflowID := createWorkflow(t, store, tenant.ID)

	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	sc, err := store.CreateSchedule(ctx, domain.Schedule{
		TenantID:   tenant.ID,
		WorkflowID: workflowID,
		Name:       "nightly",
		Type:       domain.ScheduleCron,
		Expression: "0 * * * *",
		Timezone:   "UTC",
		Enabled:    true,
		Status:     domain.ScheduleActive,
		NextRunAt:  &due,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	fired, err := svc.evaluateDueAt(ctx, tenant.ID, now)
	if err != nil {
		t.Fatalf("evaluateDueAt: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	updated, err := store.GetSchedule(ctx, tenant.ID, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if updated.RunCount != 1 {
		t.Fatalf("RunCount = %d, want 1", updated.RunCount)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(now) {
		t.Fatalf("NextRunAt = %v, want advanced past %v", updated.NextRunAt, now)
	}
}

func TestEvaluateDueSkipsDuringBlackoutButAdvances(t *testing.T) {
	svc, store, tenant := newTestStack(t)
	ctx := context.Background()
	workflowID := createWorkflow(t, store, tenant.ID)

	cal, err := store.CreateCalendar(ctx, domain.BusinessCalendar{
		TenantID: tenant.ID,
		Name:     "standard",
		Timezone: "UTC",
		WorkingHours: map[time.Weekday]domain.WeekdayHours{
			time.Monday: {Start: "00:00", End: "23:59", Enabled: true},
		},
		WeekendPolicy:      "allow",
		OutsideHoursPolicy: "defer",
	})
	if err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	if _, err := store.CreateBlackout(ctx, domain.BlackoutPeriod{
		CalendarID: cal.ID,
		Name:       "freeze",
		StartTime:  time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2026, time.March, 2, 11, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("CreateBlackout: %v", err)
	}

	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	sc, err := store.CreateSchedule(ctx, domain.Schedule{
		TenantID:             tenant.ID,
		WorkflowID:           workflowID,
		Name:                 "during-freeze",
		Type:                 domain.ScheduleCron,
		Expression:           "0 * * * *",
		Timezone:             "UTC",
		CalendarID:           &cal.ID,
		RespectBusinessHours: true,
		Enabled:              true,
		Status:               domain.ScheduleActive,
		NextRunAt:            &due,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	fired, err := svc.evaluateDueAt(ctx, tenant.ID, now)
	if err != nil {
		t.Fatalf("evaluateDueAt: %v", err)
	}
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 (blackout should suppress)", fired)
	}

	updated, err := store.GetSchedule(ctx, tenant.ID, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if updated.RunCount != 0 {
		t.Fatalf("RunCount = %d, want 0 (suppressed fire is not a run)", updated.RunCount)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(now) {
		t.Fatalf("NextRunAt = %v, want advanced past %v even though suppressed", updated.NextRunAt, now)
	}
}

func TestRateGateDropsWithoutQueueOverflow(t *testing.T) {
	svc, store, _ := newTestStack(t)
	ctx := context.Background()
	scheduleID := uuid.New()

	if err := store.PutRateLimitForTest(scheduleID, domain.ScheduleRateLimit{
		ScheduleID: scheduleID, MaxExecutions: 1, WindowSeconds: 3600, QueueOverflow: false,
	}); err != nil {
		t.Fatalf("PutRateLimitForTest: %v", err)
	}
	if _, err := store.AppendExecutionHistory(ctx, domain.ScheduleExecutionHistory{
		ScheduleID: scheduleID, ScheduledTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendExecutionHistory: %v", err)
	}

	decision, err := svc.rate.Evaluate(ctx, scheduleID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("decision = %+v, want blocked once MaxExecutions is reached", decision)
	}
	if !decision.Dropped {
		t.Fatalf("decision = %+v, want Dropped since QueueOverflow is false", decision)
	}
}

func TestCheckDependenciesRequiresAllWaitForAllEdges(t *testing.T) {
	svc, store, tenant := newTestStack(t)
	ctx := context.Background()

	upstream := uuid.New()
	downstream := uuid.New()
	if _, err := store.CreateDependencyEdge(ctx, domain.DependencyEdge{
		ScheduleID: downstream, DependsOnID: upstream, WaitForAll: true, RequireSuccess: true, TimeoutSeconds: 3600,
	}); err != nil {
		t.Fatalf("CreateDependencyEdge: %v", err)
	}

	sc := domain.Schedule{ID: downstream, TenantID: tenant.ID}
	now := time.Now().UTC()

	ok, err := svc.checkDependencies(ctx, sc, now)
	if err != nil {
		t.Fatalf("checkDependencies: %v", err)
	}
	if ok {
		t.Fatalf("checkDependencies = true, want false before upstream completes")
	}

	if _, err := store.RecordDependencyCompletion(ctx, domain.DependencyCompletion{
		ScheduleID: upstream, CompletedAt: now, Success: true,
	}); err != nil {
		t.Fatalf("RecordDependencyCompletion: %v", err)
	}

	ok, err = svc.checkDependencies(ctx, sc, now)
	if err != nil {
		t.Fatalf("checkDependencies: %v", err)
	}
	if !ok {
		t.Fatalf("checkDependencies = false, want true once upstream completes successfully")
	}
}

func TestResumeScheduleReplaysMissedCronFires(t *testing.T) {
	svc, store, tenant := newTestStack(t)
	ctx := context.Background()
	workflowID := createWorkflow(t, store, tenant.ID)

	lastRun := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	sc, err := store.CreateSchedule(ctx, domain.Schedule{
		TenantID:   tenant.ID,
		WorkflowID: workflowID,
		Name:       "hourly",
		Type:       domain.ScheduleCron,
		Expression: "0 * * * *",
		Timezone:   "UTC",
		Enabled:    false,
		Status:     domain.SchedulePaused,
		LastRunAt:  &lastRun,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	if err := store.PutCatchupConfigForTest(sc.ID, domain.ScheduleCatchupConfig{
		ScheduleID: sc.ID, Enabled: true, MaxCatchupRuns: 5, CatchupWindowSeconds: 4 * 3600,
	}); err != nil {
		t.Fatalf("PutCatchupConfigForTest: %v", err)
	}

	resumed, replayed, err := svc.ResumeSchedule(ctx, tenant.ID, sc.ID)
	if err != nil {
		t.Fatalf("ResumeSchedule: %v", err)
	}
	if replayed == 0 {
		t.Fatalf("replayed = %d, want at least one missed fire replayed", replayed)
	}
	if resumed.Status != domain.ScheduleActive || !resumed.Enabled {
		t.Fatalf("resumed schedule = %+v, want active and enabled", resumed)
	}
}
