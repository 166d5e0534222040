package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
)

func newTestCalendarStack(t *testing.T) (*Service, domain.Tenant, domain.BusinessCalendar) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	tenant, err := store.CreateTenant(ctx, domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive,
		MaxWorkflows: 5, MaxRobots: 5, MaxExecutionsPerHour: 100,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	svc := New(store)
	cal, err := svc.CreateCalendar(ctx, tenant.ID, domain.BusinessCalendar{
		Name:     "standard",
		Timezone: "Europe/Istanbul",
		WorkingHours: map[time.Weekday]domain.WeekdayHours{
			time.Monday:    {Start: "09:00", End: "17:00", Enabled: true},
			time.Tuesday:   {Start: "09:00", End: "17:00", Enabled: true},
			time.Wednesday: {Start: "09:00", End: "17:00", Enabled: true},
			time.Thursday:  {Start: "09:00", End: "17:00", Enabled: true},
			time.Friday:    {Start: "09:00", End: "17:00", Enabled: true},
		},
		WeekendPolicy:      "deny",
		OutsideHoursPolicy: "defer",
	})
	if err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	return svc, tenant, cal
}

func istanbul(t *testing.T, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestEvaluateAllowsWithinWorkingHours(t *testing.T) {
	svc, tenant, cal := newTestCalendarStack(t)
	at := istanbul(t, 2026, time.March, 2, 10, 0) // a Monday
	decision, err := svc.Evaluate(context.Background(), tenant.ID, &cal.ID, uuid.New(), true, at)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed within working hours", decision)
	}
}

func TestEvaluateBlocksOutsideWorkingHours(t *testing.T) {
	svc, tenant, cal := newTestCalendarStack(t)
	at := istanbul(t, 2026, time.March, 2, 20, 0) // Monday evening
	decision, err := svc.Evaluate(context.Background(), tenant.ID, &cal.ID, uuid.New(), true, at)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("decision = %+v, want blocked outside working hours", decision)
	}
}

func TestEvaluateBlocksWeekend(t *testing.T) {
	svc, tenant, cal := newTestCalendarStack(t)
	at := istanbul(t, 2026, time.March, 7, 10, 0) // a Saturday
	decision, err := svc.Evaluate(context.Background(), tenant.ID, &cal.ID, uuid.New(), true, at)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("decision = %+v, want blocked on weekend", decision)
	}
}

func TestEvaluateBlocksDuringBlackout(t *testing.T) {
	svc, tenant, cal := newTestCalendarStack(t)
	ctx := context.Background()
	_, err := svc.AddBlackout(ctx, tenant.ID, domain.BlackoutPeriod{
		CalendarID: cal.ID,
		Name:       "maintenance",
		StartTime:  istanbul(t, 2026, time.March, 4, 10, 0),
		EndTime:    istanbul(t, 2026, time.March, 4, 12, 0),
	})
	if err != nil {
		t.Fatalf("AddBlackout: %v", err)
	}

	during := istanbul(t, 2026, time.March, 4, 10, 30) // a Wednesday
	decision, err := svc.Evaluate(ctx, tenant.ID, &cal.ID, uuid.New(), true, during)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("decision = %+v, want blocked inside blackout window", decision)
	}

	before := istanbul(t, 2026, time.March, 4, 9, 30)
	decision, err = svc.Evaluate(ctx, tenant.ID, &cal.ID, uuid.New(), true, before)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed before blackout window starts", decision)
	}

	after := istanbul(t, 2026, time.March, 4, 13, 0)
	decision, err = svc.Evaluate(ctx, tenant.ID, &cal.ID, uuid.New(), true, after)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed after blackout window ends", decision)
	}
}

func TestEvaluateNoCalendarAlwaysAllows(t *testing.T) {
	svc, tenant, _ := newTestCalendarStack(t)
	decision, err := svc.Evaluate(context.Background(), tenant.ID, nil, uuid.New(), true, time.Now())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed with no calendar attached", decision)
	}
}
