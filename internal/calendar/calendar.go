// Package calendar implements spec.md §4.7's business-calendar gate: a
// tenant-scoped working-hours/holiday calendar, with blackout periods
// layered on top, that the schedule engine consults before firing a
// schedule with respect_business_hours set.
package calendar

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Service implements calendar CRUD and the can_execute working-hours/
// blackout gate over internal/storage.
type Service struct {
	store storage.Store
}

// New builds a Service over store.
func New(store storage.Store) *Service {
	return &Service{store: store}
}

// CreateCalendar registers a new business calendar for tenantID.
func (s *Service) CreateCalendar(ctx context.Context, tenantID uuid.UUID, c domain.BusinessCalendar) (domain.BusinessCalendar, error) {
	c.TenantID = tenantID
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return domain.BusinessCalendar{}, apperr.Validationf("calendar.CreateCalendar", "invalid timezone %q: %v", c.Timezone, err)
	}
	return s.store.CreateCalendar(ctx, c)
}

// AddBlackout appends a blackout period to calendarID, rejecting an
// inverted [start, end) window.
func (s *Service) AddBlackout(ctx context.Context, tenantID uuid.UUID, b domain.BlackoutPeriod) (domain.BlackoutPeriod, error) {
	if _, err := s.store.GetCalendar(ctx, tenantID, b.CalendarID); err != nil {
		return domain.BlackoutPeriod{}, err
	}
	return s.store.CreateBlackout(ctx, b)
}

// Decision is the outcome of evaluating a calendar/blackout gate at a
// given instant, carried back to the schedule engine so it can both skip
// the fire and record why.
type Decision struct {
	Allowed bool
	Reason  string
}

// allowed returns a passing Decision; kept as a helper so every gate below
// reads the same way.
func allowed() Decision { return Decision{Allowed: true} }

func blocked(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Evaluate runs spec.md §4.7's can_execute calendar gate for schedule
// fire time t: blackout (recurring or one-off) first, then working hours
// if respectBusinessHours is set. calendarID may be nil, in which case
// only global maintenance blackouts (none modeled at this layer — callers
// pass a maintenance window via the same BlackoutPeriod mechanism on a
// tenant-wide calendar) and, absent respectBusinessHours, nothing at all
// gates the fire.
func (s *Service) Evaluate(ctx context.Context, tenantID uuid.UUID, calendarID *uuid.UUID, workflowID uuid.UUID, respectBusinessHours bool, t time.Time) (Decision, error) {
	if calendarID == nil {
		return allowed(), nil
	}

	cal, err := s.store.GetCalendar(ctx, tenantID, *calendarID)
	if err != nil {
		return Decision{}, err
	}

	loc, err := time.LoadLocation(cal.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	blackouts, err := s.store.ListBlackouts(ctx, cal.ID)
	if err != nil {
		return Decision{}, err
	}
	for _, b := range blackouts {
		if !blackoutAffects(b, workflowID) {
			continue
		}
		if inBlackout(b, local) {
			return blocked("blackout:" + b.Name), nil
		}
	}

	if isHoliday(cal, local) {
		return blocked("holiday"), nil
	}
	if isCustomNonWorking(cal, local) {
		return blocked("custom_non_working"), nil
	}

	if !respectBusinessHours {
		return allowed(), nil
	}

	if isWeekend(local.Weekday()) {
		switch cal.WeekendPolicy {
		case "allow":
			return allowed(), nil
		default:
			return blocked("weekend"), nil
		}
	}

	hours, ok := cal.WorkingHours[local.Weekday()]
	if !ok || !hours.Enabled {
		return gateOutsideHours(cal, "no_working_hours_configured")
	}
	if !withinWindow(local, hours) {
		return gateOutsideHours(cal, "outside_working_hours")
	}
	return allowed(), nil
}

// gateOutsideHours applies a calendar's outside_hours_policy: "allow"
// passes the fire through anyway; any other value (the default, "defer")
// blocks it — the schedule engine's next_run computation is what actually
// rolls the fire forward to the next working window.
func gateOutsideHours(cal domain.BusinessCalendar, reason string) (Decision, error) {
	if cal.OutsideHoursPolicy == "allow" {
		return allowed(), nil
	}
	return blocked(reason), nil
}

func blackoutAffects(b domain.BlackoutPeriod, workflowID uuid.UUID) bool {
	if len(b.AffectedWorkflows) == 0 {
		return true
	}
	for _, id := range b.AffectedWorkflows {
		if id == workflowID {
			return true
		}
	}
	return false
}

// inBlackout checks a [start, end) window; Recurring blackouts repeat on
// the same time-of-day and weekday every week, anchored to the original
// StartTime/EndTime's wall-clock time-of-day.
func inBlackout(b domain.BlackoutPeriod, local time.Time) bool {
	if !b.Recurring {
		return !local.Before(b.StartTime) && local.Before(b.EndTime)
	}
	if local.Weekday() != b.StartTime.Weekday() {
		return false
	}
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), b.StartTime.Hour(), b.StartTime.Minute(), b.StartTime.Second(), 0, local.Location())
	duration := b.EndTime.Sub(b.StartTime)
	dayEnd := dayStart.Add(duration)
	return !local.Before(dayStart) && local.Before(dayEnd)
}

func isHoliday(cal domain.BusinessCalendar, local time.Time) bool {
	for _, h := range cal.Holidays {
		if sameDate(h, local) {
			return true
		}
	}
	return false
}

func isCustomNonWorking(cal domain.BusinessCalendar, local time.Time) bool {
	for _, d := range cal.CustomNonWorking {
		if sameDate(d, local) {
			return true
		}
	}
	return false
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

func withinWindow(local time.Time, hours domain.WeekdayHours) bool {
	start, err := parseClock(local, hours.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(local, hours.End)
	if err != nil {
		return false
	}
	return !local.Before(start) && local.Before(end)
}

func parseClock(local time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, local.Location()), nil
}
