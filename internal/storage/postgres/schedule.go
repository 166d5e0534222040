package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

const scheduleColumns = `id, tenant_id, workflow_id, name, type, expression, parameters, timezone, calendar_id,
	respect_business_hours, priority, variables, enabled, status, next_run_at, last_run_at, run_count,
	created_at, updated_at`

func (s *Store) CreateSchedule(ctx context.Context, sc domain.Schedule) (domain.Schedule, error) {
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	paramsJSON, err := marshalJSON("postgres.CreateSchedule", sc.Parameters)
	if err != nil {
		return domain.Schedule{}, err
	}
	variablesJSON, err := marshalJSON("postgres.CreateSchedule", sc.Variables)
	if err != nil {
		return domain.Schedule{}, err
	}
	if sc.Status == "" {
		sc.Status = domain.ScheduleActive
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO advanced_schedules (id, tenant_id, workflow_id, name, type, expression, parameters, timezone,
			calendar_id, respect_business_hours, priority, variables, enabled, status, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, sc.ID, sc.TenantID, sc.WorkflowID, sc.Name, sc.Type, toNullString(sc.Expression), paramsJSON, sc.Timezone,
		nullUUID(sc.CalendarID), sc.RespectBusinessHours, sc.Priority, variablesJSON, sc.Enabled, sc.Status, toNullTime(sc.NextRunAt))
	if err != nil {
		return domain.Schedule{}, apperr.Wrap(apperr.Internal, "postgres.CreateSchedule", "insert schedule", err)
	}
	return s.GetSchedule(ctx, sc.TenantID, sc.ID)
}

func (s *Store) GetSchedule(ctx context.Context, tenantID, id uuid.UUID) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM advanced_schedules WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanSchedule(row)
}

func (s *Store) UpdateSchedule(ctx context.Context, sc domain.Schedule) (domain.Schedule, error) {
	paramsJSON, err := marshalJSON("postgres.UpdateSchedule", sc.Parameters)
	if err != nil {
		return domain.Schedule{}, err
	}
	variablesJSON, err := marshalJSON("postgres.UpdateSchedule", sc.Variables)
	if err != nil {
		return domain.Schedule{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE advanced_schedules
		SET name = $2, expression = $3, parameters = $4, timezone = $5, calendar_id = $6,
			respect_business_hours = $7, priority = $8, variables = $9, enabled = $10, status = $11,
			next_run_at = $12, last_run_at = $13, run_count = $14, updated_at = now()
		WHERE id = $1
	`, sc.ID, toNullString(sc.Expression), paramsJSON, sc.Timezone, nullUUID(sc.CalendarID),
		sc.RespectBusinessHours, sc.Priority, variablesJSON, sc.Enabled, sc.Status,
		toNullTime(sc.NextRunAt), toNullTime(sc.LastRunAt), sc.RunCount)
	if err != nil {
		return domain.Schedule{}, apperr.Wrap(apperr.Internal, "postgres.UpdateSchedule", "update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Schedule{}, apperr.NotFoundf("postgres.UpdateSchedule", "schedule %s not found", sc.ID)
	}
	return s.GetSchedule(ctx, sc.TenantID, sc.ID)
}

func (s *Store) ListSchedules(ctx context.Context, tenantID uuid.UUID) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM advanced_schedules WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListSchedules", "query schedules", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) ListDueSchedules(ctx context.Context, before time.Time, limit int) ([]domain.Schedule, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM advanced_schedules
		WHERE enabled AND status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at LIMIT $3
	`, domain.ScheduleActive, before, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListDueSchedules", "query due schedules", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSchedule(scanner rowScanner) (domain.Schedule, error) {
	var (
		sc          domain.Schedule
		expression  sql.NullString
		paramsRaw   []byte
		calendarID  uuid.NullUUID
		variablesRaw []byte
		nextRunAt   sql.NullTime
		lastRunAt   sql.NullTime
	)
	if err := scanner.Scan(&sc.ID, &sc.TenantID, &sc.WorkflowID, &sc.Name, &sc.Type, &expression, &paramsRaw, &sc.Timezone,
		&calendarID, &sc.RespectBusinessHours, &sc.Priority, &variablesRaw, &sc.Enabled, &sc.Status,
		&nextRunAt, &lastRunAt, &sc.RunCount, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return domain.Schedule{}, apperr.NotFoundf("postgres.scanSchedule", "schedule not found")
	}
	sc.Expression = fromNullString(expression)
	_ = unmarshalJSONMap(paramsRaw, &sc.Parameters)
	_ = unmarshalJSONMap(variablesRaw, &sc.Variables)
	if calendarID.Valid {
		sc.CalendarID = &calendarID.UUID
	}
	sc.NextRunAt = fromNullTime(nextRunAt)
	sc.LastRunAt = fromNullTime(lastRunAt)
	return sc, nil
}

func (s *Store) GetSLAConfig(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleSLAConfig, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT schedule_id, max_duration_seconds, max_start_delay_seconds, success_rate_threshold,
			consecutive_failure_limit, alert_channels, current_status
		FROM schedule_sla_configs WHERE schedule_id = $1
	`, scheduleID)

	var (
		c                  domain.ScheduleSLAConfig
		maxDuration        sql.NullInt32
		maxStartDelay      sql.NullInt32
		alertChannelsRaw   []byte
	)
	if err := row.Scan(&c.ScheduleID, &maxDuration, &maxStartDelay, &c.SuccessRateThreshold,
		&c.ConsecutiveFailureLimit, &alertChannelsRaw, &c.CurrentStatus); err != nil {
		if err == sql.ErrNoRows {
			return domain.ScheduleSLAConfig{}, false, nil
		}
		return domain.ScheduleSLAConfig{}, false, apperr.Wrap(apperr.Internal, "postgres.GetSLAConfig", "scan sla config", err)
	}
	if maxDuration.Valid {
		v := int(maxDuration.Int32)
		c.MaxDurationSeconds = &v
	}
	if maxStartDelay.Valid {
		v := int(maxStartDelay.Int32)
		c.MaxStartDelaySeconds = &v
	}
	_ = unmarshalJSONSlice(alertChannelsRaw, &c.AlertChannels)
	return c, true, nil
}

func (s *Store) PutSLAConfig(ctx context.Context, c domain.ScheduleSLAConfig) error {
	alertChannelsJSON, err := marshalJSON("postgres.PutSLAConfig", c.AlertChannels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedule_sla_configs (schedule_id, max_duration_seconds, max_start_delay_seconds,
			success_rate_threshold, consecutive_failure_limit, alert_channels, current_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (schedule_id) DO UPDATE SET
			max_duration_seconds = EXCLUDED.max_duration_seconds,
			max_start_delay_seconds = EXCLUDED.max_start_delay_seconds,
			success_rate_threshold = EXCLUDED.success_rate_threshold,
			consecutive_failure_limit = EXCLUDED.consecutive_failure_limit,
			alert_channels = EXCLUDED.alert_channels,
			current_status = EXCLUDED.current_status
	`, c.ScheduleID, intPtrArg(c.MaxDurationSeconds), intPtrArg(c.MaxStartDelaySeconds),
		c.SuccessRateThreshold, c.ConsecutiveFailureLimit, alertChannelsJSON, c.CurrentStatus)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.PutSLAConfig", "upsert sla config", err)
	}
	return nil
}

func (s *Store) GetRateLimit(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleRateLimit, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT schedule_id, max_executions, window_seconds, queue_overflow FROM schedule_rate_limits WHERE schedule_id = $1
	`, scheduleID)
	var r domain.ScheduleRateLimit
	if err := row.Scan(&r.ScheduleID, &r.MaxExecutions, &r.WindowSeconds, &r.QueueOverflow); err != nil {
		if err == sql.ErrNoRows {
			return domain.ScheduleRateLimit{}, false, nil
		}
		return domain.ScheduleRateLimit{}, false, apperr.Wrap(apperr.Internal, "postgres.GetRateLimit", "scan rate limit", err)
	}
	return r, true, nil
}

func (s *Store) CountExecutionsInWindow(ctx context.Context, scheduleID uuid.UUID, since time.Time) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM schedule_execution_history WHERE schedule_id = $1 AND scheduled_time > $2
	`, scheduleID, since)
	if err := row.Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "postgres.CountExecutionsInWindow", "count execution history", err)
	}
	return n, nil
}

// CreateDependencyEdge inserts the edge; the orchestrator_prevent_dependency_cycle
// trigger rejects it with SQLSTATE 23514 if it would close a cycle, which this
// translates into apperr.DependencyCycle the same way the in-memory store's
// pre-check does.
func (s *Store) CreateDependencyEdge(ctx context.Context, e domain.DependencyEdge) (domain.DependencyEdge, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_dependencies (id, schedule_id, depends_on_id, wait_for_all, require_success,
			timeout_seconds, priority_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ScheduleID, e.DependsOnID, e.WaitForAll, e.RequireSuccess, e.TimeoutSeconds, e.PriorityOrder)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23514" {
			return domain.DependencyEdge{}, apperr.New(apperr.DependencyCycle, "postgres.CreateDependencyEdge", "edge would introduce a dependency cycle")
		}
		return domain.DependencyEdge{}, apperr.Wrap(apperr.Internal, "postgres.CreateDependencyEdge", "insert dependency edge", err)
	}
	return e, nil
}

func (s *Store) ListDependencyEdges(ctx context.Context, scheduleID uuid.UUID) ([]domain.DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, depends_on_id, wait_for_all, require_success, timeout_seconds, priority_order
		FROM schedule_dependencies WHERE schedule_id = $1 ORDER BY priority_order
	`, scheduleID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListDependencyEdges", "query dependency edges", err)
	}
	defer rows.Close()

	var out []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.DependsOnID, &e.WaitForAll, &e.RequireSuccess, &e.TimeoutSeconds, &e.PriorityOrder); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "postgres.ListDependencyEdges", "scan dependency edge", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WouldCycle runs the same recursive reachability query the
// orchestrator_prevent_dependency_cycle trigger evaluates, as a read-only
// pre-check callers can use before attempting the insert.
func (s *Store) WouldCycle(ctx context.Context, scheduleID, dependsOnID uuid.UUID) (bool, error) {
	if scheduleID == dependsOnID {
		return true, nil
	}
	var reachesBack bool
	row := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE reachable(id) AS (
			SELECT $2::uuid
			UNION
			SELECT sd.depends_on_id
			FROM schedule_dependencies sd
			JOIN reachable r ON sd.schedule_id = r.id
		)
		SELECT EXISTS (SELECT 1 FROM reachable WHERE id = $1)
	`, scheduleID, dependsOnID)
	if err := row.Scan(&reachesBack); err != nil {
		return false, apperr.Wrap(apperr.Internal, "postgres.WouldCycle", "evaluate reachability", err)
	}
	return reachesBack, nil
}

func (s *Store) GetCondition(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleCondition, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT schedule_id, kind, expression, retry_on_fail, max_retries, retry_interval_seconds
		FROM schedule_conditions WHERE schedule_id = $1
	`, scheduleID)
	var c domain.ScheduleCondition
	if err := row.Scan(&c.ScheduleID, &c.Kind, &c.Expression, &c.RetryOnFail, &c.MaxRetries, &c.RetryIntervalSeconds); err != nil {
		if err == sql.ErrNoRows {
			return domain.ScheduleCondition{}, false, nil
		}
		return domain.ScheduleCondition{}, false, apperr.Wrap(apperr.Internal, "postgres.GetCondition", "scan condition", err)
	}
	return c, true, nil
}

func (s *Store) GetCatchupConfig(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleCatchupConfig, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT schedule_id, enabled, max_catchup_runs, catchup_window_seconds, run_sequentially
		FROM schedule_catchup_configs WHERE schedule_id = $1
	`, scheduleID)
	var c domain.ScheduleCatchupConfig
	if err := row.Scan(&c.ScheduleID, &c.Enabled, &c.MaxCatchupRuns, &c.CatchupWindowSeconds, &c.RunSequentially); err != nil {
		if err == sql.ErrNoRows {
			return domain.ScheduleCatchupConfig{}, false, nil
		}
		return domain.ScheduleCatchupConfig{}, false, apperr.Wrap(apperr.Internal, "postgres.GetCatchupConfig", "scan catchup config", err)
	}
	return c, true, nil
}

func (s *Store) GetEventTrigger(ctx context.Context, scheduleID uuid.UUID) (domain.ScheduleEventTrigger, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT schedule_id, event_type, json_predicate, debounce_seconds, batch_window_seconds
		FROM schedule_event_triggers WHERE schedule_id = $1
	`, scheduleID)
	var (
		t             domain.ScheduleEventTrigger
		jsonPredicate sql.NullString
	)
	if err := row.Scan(&t.ScheduleID, &t.EventType, &jsonPredicate, &t.DebounceSeconds, &t.BatchWindowSeconds); err != nil {
		if err == sql.ErrNoRows {
			return domain.ScheduleEventTrigger{}, false, nil
		}
		return domain.ScheduleEventTrigger{}, false, apperr.Wrap(apperr.Internal, "postgres.GetEventTrigger", "scan event trigger", err)
	}
	t.JSONPredicate = fromNullString(jsonPredicate)
	return t, true, nil
}

func (s *Store) RecordDependencyCompletion(ctx context.Context, c domain.DependencyCompletion) (domain.DependencyCompletion, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	resultDataJSON, err := marshalJSON("postgres.RecordDependencyCompletion", c.ResultData)
	if err != nil {
		return domain.DependencyCompletion{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dependency_completions (id, schedule_id, success, result_data, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.ScheduleID, c.Success, resultDataJSON, c.ExpiresAt)
	if err != nil {
		return domain.DependencyCompletion{}, apperr.Wrap(apperr.Internal, "postgres.RecordDependencyCompletion", "insert dependency completion", err)
	}
	return c, nil
}

func (s *Store) ListDependencyCompletions(ctx context.Context, scheduleID uuid.UUID, since time.Time) ([]domain.DependencyCompletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, completed_at, success, result_data, expires_at
		FROM dependency_completions WHERE schedule_id = $1 AND completed_at > $2 ORDER BY completed_at
	`, scheduleID, since)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListDependencyCompletions", "query dependency completions", err)
	}
	defer rows.Close()

	var out []domain.DependencyCompletion
	for rows.Next() {
		var (
			c             domain.DependencyCompletion
			resultDataRaw []byte
		)
		if err := rows.Scan(&c.ID, &c.ScheduleID, &c.CompletedAt, &c.Success, &resultDataRaw, &c.ExpiresAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "postgres.ListDependencyCompletions", "scan dependency completion", err)
		}
		_ = unmarshalJSONMap(resultDataRaw, &c.ResultData)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendExecutionHistory(ctx context.Context, h domain.ScheduleExecutionHistory) (domain.ScheduleExecutionHistory, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO schedule_execution_history (schedule_id, scheduled_time, started_at, completed_at, duration_ms,
			start_delay_ms, success, error_message, robot_id, job_id, catch_up)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, h.ScheduleID, h.ScheduledTime, toNullTime(h.StartedAt), toNullTime(h.CompletedAt),
		int64PtrArg(h.DurationMs), int64PtrArg(h.StartDelayMs), boolPtrArg(h.Success),
		toNullString(h.ErrorMessage), nullUUID(h.RobotID), nullUUID(h.JobID), h.CatchUp)
	if err := row.Scan(&h.ID); err != nil {
		return domain.ScheduleExecutionHistory{}, apperr.Wrap(apperr.Internal, "postgres.AppendExecutionHistory", "insert execution history", err)
	}
	return h, nil
}

func (s *Store) ListExecutionHistory(ctx context.Context, scheduleID uuid.UUID, limit int) ([]domain.ScheduleExecutionHistory, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, scheduled_time, started_at, completed_at, duration_ms, start_delay_ms,
			success, error_message, robot_id, job_id, catch_up
		FROM schedule_execution_history WHERE schedule_id = $1 ORDER BY id DESC LIMIT $2
	`, scheduleID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListExecutionHistory", "query execution history", err)
	}
	defer rows.Close()

	var out []domain.ScheduleExecutionHistory
	for rows.Next() {
		var (
			h            domain.ScheduleExecutionHistory
			startedAt    sql.NullTime
			completedAt  sql.NullTime
			durationMs   sql.NullInt64
			startDelayMs sql.NullInt64
			success      sql.NullBool
			errorMessage sql.NullString
			robotID      uuid.NullUUID
			jobID        uuid.NullUUID
		)
		if err := rows.Scan(&h.ID, &h.ScheduleID, &h.ScheduledTime, &startedAt, &completedAt, &durationMs, &startDelayMs,
			&success, &errorMessage, &robotID, &jobID, &h.CatchUp); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "postgres.ListExecutionHistory", "scan execution history", err)
		}
		h.StartedAt = fromNullTime(startedAt)
		h.CompletedAt = fromNullTime(completedAt)
		if durationMs.Valid {
			v := durationMs.Int64
			h.DurationMs = &v
		}
		if startDelayMs.Valid {
			v := startDelayMs.Int64
			h.StartDelayMs = &v
		}
		if success.Valid {
			v := success.Bool
			h.Success = &v
		}
		h.ErrorMessage = fromNullString(errorMessage)
		if robotID.Valid {
			h.RobotID = &robotID.UUID
		}
		if jobID.Valid {
			h.JobID = &jobID.UUID
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func intPtrArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64PtrArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolPtrArg(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
