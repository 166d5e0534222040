package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateCalendar(ctx context.Context, c domain.BusinessCalendar) (domain.BusinessCalendar, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	workingHoursJSON, err := marshalJSON("postgres.CreateCalendar", c.WorkingHours)
	if err != nil {
		return domain.BusinessCalendar{}, err
	}
	holidaysJSON, err := marshalJSON("postgres.CreateCalendar", c.Holidays)
	if err != nil {
		return domain.BusinessCalendar{}, err
	}
	customJSON, err := marshalJSON("postgres.CreateCalendar", c.CustomNonWorking)
	if err != nil {
		return domain.BusinessCalendar{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO business_calendars (id, tenant_id, name, timezone, working_hours, weekend_policy,
			outside_hours_policy, holidays, custom_non_working)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.TenantID, c.Name, c.Timezone, workingHoursJSON, c.WeekendPolicy, c.OutsideHoursPolicy, holidaysJSON, customJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.BusinessCalendar{}, apperr.Conflictf("postgres.CreateCalendar", "calendar named %s already exists", c.Name)
		}
		return domain.BusinessCalendar{}, apperr.Wrap(apperr.Internal, "postgres.CreateCalendar", "insert calendar", err)
	}
	return s.GetCalendar(ctx, c.TenantID, c.ID)
}

func (s *Store) GetCalendar(ctx context.Context, tenantID, id uuid.UUID) (domain.BusinessCalendar, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, timezone, working_hours, weekend_policy, outside_hours_policy,
			holidays, custom_non_working, created_at
		FROM business_calendars WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	var (
		c                domain.BusinessCalendar
		workingHoursRaw  []byte
		holidaysRaw      []byte
		customRaw        []byte
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Timezone, &workingHoursRaw, &c.WeekendPolicy,
		&c.OutsideHoursPolicy, &holidaysRaw, &customRaw, &c.CreatedAt); err != nil {
		return domain.BusinessCalendar{}, apperr.NotFoundf("postgres.GetCalendar", "calendar %s not found", id)
	}

	var rawHours map[time.Weekday]domain.WeekdayHours
	if len(workingHoursRaw) > 0 && string(workingHoursRaw) != "null" {
		if err := json.Unmarshal(workingHoursRaw, &rawHours); err == nil {
			c.WorkingHours = rawHours
		}
	}
	_ = json.Unmarshal(holidaysRaw, &c.Holidays)
	_ = json.Unmarshal(customRaw, &c.CustomNonWorking)
	return c, nil
}

func (s *Store) ListBlackouts(ctx context.Context, calendarID uuid.UUID) ([]domain.BlackoutPeriod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, calendar_id, name, start_time, end_time, recurring, affected_workflows
		FROM blackout_periods WHERE calendar_id = $1 ORDER BY start_time
	`, calendarID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListBlackouts", "query blackout periods", err)
	}
	defer rows.Close()

	var out []domain.BlackoutPeriod
	for rows.Next() {
		var (
			b             domain.BlackoutPeriod
			affectedRaw   []byte
		)
		if err := rows.Scan(&b.ID, &b.CalendarID, &b.Name, &b.StartTime, &b.EndTime, &b.Recurring, &affectedRaw); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "postgres.ListBlackouts", "scan blackout row", err)
		}
		_ = json.Unmarshal(affectedRaw, &b.AffectedWorkflows)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CreateBlackout(ctx context.Context, b domain.BlackoutPeriod) (domain.BlackoutPeriod, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	affectedJSON, err := marshalJSON("postgres.CreateBlackout", b.AffectedWorkflows)
	if err != nil {
		return domain.BlackoutPeriod{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blackout_periods (id, calendar_id, name, start_time, end_time, recurring, affected_workflows)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.CalendarID, b.Name, b.StartTime, b.EndTime, b.Recurring, affectedJSON)
	if err != nil {
		return domain.BlackoutPeriod{}, apperr.Wrap(apperr.Validation, "postgres.CreateBlackout", "insert blackout period (end time must be after start time)", err)
	}
	return b, nil
}
