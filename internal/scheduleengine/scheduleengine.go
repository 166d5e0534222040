// Package scheduleengine implements spec.md §4.7's schedule evaluation
// loop: for every schedule due to fire it walks the gate chain —
// enabled/paused, business calendar, rate limit, runtime condition,
// dependency — and on a clean pass enqueues a job through jobqueue and
// advances the schedule's next_run_at. Event and dependency schedules
// skip the polled next_run computation entirely and fire instead from
// HandleEvent/the dependency gate below.
package scheduleengine

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/casarerpa/orchestrator/internal/calendar"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/storage"
	"github.com/casarerpa/orchestrator/pkg/logger"
	"github.com/casarerpa/orchestrator/pkg/pgnotify"
)

// Options tunes one evaluation pass.
type Options struct {
	BatchSize int
}

// Service runs the schedule evaluation loop over storage.Store,
// internal/calendar, and internal/jobqueue.
type Service struct {
	store     storage.Store
	calendars *calendar.Service
	jobs      *jobqueue.Service
	rate      *rateGate
	condition *conditionGate
	bus       *pgnotify.Bus
	opts      Options
	log       *logger.Logger
}

// New builds a Service. db and rdb may both be nil: sql_query conditions
// then fail closed with apperr.Internal, and the rate gate falls back to
// storage.ScheduleStore.CountExecutionsInWindow.
func New(store storage.Store, calendars *calendar.Service, jobs *jobqueue.Service, db *sql.DB, rdb *redis.Client, bus *pgnotify.Bus, opts Options, log *logger.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if log == nil {
		log = logger.NewDefault("scheduleengine")
	}
	return &Service{
		store: store, calendars: calendars, jobs: jobs,
		rate:      newRateGate(store, rdb),
		condition: newConditionGate(db),
		bus:       bus, opts: opts, log: log,
	}
}

// ScheduleChannel is the pgnotify channel Run subscribes to, so a
// notification on it wakes the engine before the next tick. No code or
// migration in this repository publishes on it; upsert_schedule does not,
// so a new or just-enabled schedule is picked up on the next tick.
func ScheduleChannel(tenantID uuid.UUID) string {
	return "orchestrator_schedule_" + tenantID.String()
}

// Run blocks, evaluating due schedules on every tick and whenever
// ScheduleChannel(tenantID) fires, until ctx is cancelled.
func (s *Service) Run(ctx context.Context, tenantID uuid.UUID, tick time.Duration) error {
	wake := make(chan struct{}, 1)
	if s.bus != nil {
		channel := ScheduleChannel(tenantID)
		if err := s.bus.Subscribe(channel, func(_ context.Context, _ pgnotify.Event) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		}); err != nil {
			return err
		}
		defer s.bus.Unsubscribe(channel) //nolint:errcheck
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		if _, err := s.EvaluateDue(ctx, tenantID); err != nil {
			s.log.WithFields(logrus.Fields{"tenant_id": tenantID, "error": err}).Error("schedule evaluation pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// EvaluateDue runs one evaluation pass over every schedule due at or
// before now, returning the number of jobs successfully enqueued.
func (s *Service) EvaluateDue(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return s.evaluateDueAt(ctx, tenantID, time.Now().UTC())
}

func (s *Service) evaluateDueAt(ctx context.Context, tenantID uuid.UUID, now time.Time) (int, error) {
	due, err := s.store.ListDueSchedules(ctx, now, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, sc := range due {
		if sc.TenantID != tenantID {
			continue
		}
		ok, err := s.evaluateOne(ctx, sc, now)
		if err != nil {
			s.log.WithFields(logrus.Fields{"schedule_id": sc.ID, "error": err}).Warn("schedule evaluation failed")
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// evaluateOne walks the gate chain for a single due schedule, in the
// order spec.md §4.7 defines: can_execute (enabled, calendar) → rate
// limit → condition → dependency → enqueue → compute next_run. A gate
// that blocks still advances next_run_at, so a suppressed fire does not
// wedge the schedule into permanently re-evaluating the same instant.
func (s *Service) evaluateOne(ctx context.Context, sc domain.Schedule, now time.Time) (bool, error) {
	if !sc.Enabled || sc.Status != domain.ScheduleActive {
		return false, s.advance(ctx, sc, now, nil)
	}

	decision, err := s.calendars.Evaluate(ctx, sc.TenantID, sc.CalendarID, sc.WorkflowID, sc.RespectBusinessHours, now)
	if err != nil {
		return false, err
	}
	if !decision.Allowed {
		return false, s.recordSkip(ctx, sc, now, "calendar: "+decision.Reason)
	}

	rateDecision, err := s.rate.Evaluate(ctx, sc.ID, now)
	if err != nil {
		return false, err
	}
	if !rateDecision.Allowed {
		if rateDecision.Dropped {
			return false, s.recordSkip(ctx, sc, now, "rate_limit: dropped")
		}
		return false, s.deferSchedule(ctx, sc, rateDecision.DeferredUntil)
	}

	if ok, err := s.checkCondition(ctx, sc); err != nil {
		return false, err
	} else if !ok {
		return false, s.recordSkip(ctx, sc, now, "condition: not satisfied")
	}

	if ok, err := s.checkDependencies(ctx, sc, now); err != nil {
		return false, err
	} else if !ok {
		return false, s.recordSkip(ctx, sc, now, "dependency: not satisfied")
	}

	job, err := s.jobs.Enqueue(ctx, sc.TenantID, sc.WorkflowID, sc.Variables, sc.Priority, domain.TriggerScheduled, now, 0)
	if err != nil {
		return false, err
	}

	startDelay := now.Sub(startOfMinute(now)).Milliseconds()
	if _, err := s.store.AppendExecutionHistory(ctx, domain.ScheduleExecutionHistory{
		ScheduleID:    sc.ID,
		ScheduledTime: now,
		StartedAt:     &now,
		StartDelayMs:  &startDelay,
		JobID:         &job.ID,
	}); err != nil {
		s.log.WithFields(logrus.Fields{"schedule_id": sc.ID, "error": err}).Warn("execution history append failed")
	}

	if _, err := s.store.AppendEntry(ctx, domain.AuditLogEntry{
		EntryUUID: uuid.New(),
		Action:    "schedule.fired",
		Actor:     domain.Actor{Type: domain.ActorSystem, ID: "scheduleengine"},
		Resource:  domain.Resource{Type: "schedule", ID: sc.ID.String()},
		TenantID:  &sc.TenantID,
		Details:   map[string]any{"job_id": job.ID.String()},
	}); err != nil {
		s.log.WithFields(logrus.Fields{"schedule_id": sc.ID, "error": err}).Warn("audit append failed after schedule fire")
	}

	return true, s.advance(ctx, sc, now, &job.ID)
}

// checkCondition evaluates the schedule's runtime condition, if any,
// with spec.md's retry-on-fail semantics: on failure with RetryOnFail
// set, the gate is retried up to MaxRetries times spaced
// RetryIntervalSeconds apart before giving up for this tick.
func (s *Service) checkCondition(ctx context.Context, sc domain.Schedule) (bool, error) {
	cond, ok, err := s.store.GetCondition(ctx, sc.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	attempts := 1
	if cond.RetryOnFail && cond.MaxRetries > 0 {
		attempts = cond.MaxRetries + 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Duration(cond.RetryIntervalSeconds) * time.Second):
			}
		}
		satisfied, err := s.condition.Evaluate(ctx, cond)
		if err == nil {
			if satisfied {
				return true, nil
			}
			lastErr = nil
			continue
		}
		lastErr = err
	}
	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// checkDependencies reports whether sc's dependency edges are satisfied:
// an edge's dependency must have completed within its TimeoutSeconds
// window, and if RequireSuccess is set that completion must also report
// Success. If any edge has WaitForAll set, every WaitForAll edge must be
// satisfied (AND gate); a schedule with only non-WaitForAll edges fires
// once any one of them is satisfied (OR gate).
func (s *Service) checkDependencies(ctx context.Context, sc domain.Schedule, now time.Time) (bool, error) {
	edges, err := s.store.ListDependencyEdges(ctx, sc.ID)
	if err != nil {
		return false, err
	}
	if len(edges) == 0 {
		return true, nil
	}

	requireAll := false
	for _, edge := range edges {
		if edge.WaitForAll {
			requireAll = true
			break
		}
	}

	anySatisfied := false
	for _, edge := range edges {
		satisfied, err := s.dependencySatisfied(ctx, edge, now)
		if err != nil {
			return false, err
		}
		if requireAll && edge.WaitForAll && !satisfied {
			return false, nil
		}
		if satisfied {
			anySatisfied = true
		}
	}
	if requireAll {
		return true, nil
	}
	return anySatisfied, nil
}

func (s *Service) dependencySatisfied(ctx context.Context, edge domain.DependencyEdge, now time.Time) (bool, error) {
	since := now.Add(-time.Duration(edge.TimeoutSeconds) * time.Second)
	completions, err := s.store.ListDependencyCompletions(ctx, edge.DependsOnID, since)
	if err != nil {
		return false, err
	}
	if len(completions) == 0 {
		return false, nil
	}
	if edge.RequireSuccess {
		return completions[len(completions)-1].Success, nil
	}
	return true, nil
}

// recordSkip appends an execution-history row marking a suppressed fire
// (no job produced) and advances next_run_at so the schedule does not
// re-evaluate the same blocked instant forever.
func (s *Service) recordSkip(ctx context.Context, sc domain.Schedule, now time.Time, reason string) error {
	failed := false
	if _, err := s.store.AppendExecutionHistory(ctx, domain.ScheduleExecutionHistory{
		ScheduleID:    sc.ID,
		ScheduledTime: now,
		Success:       &failed,
		ErrorMessage:  reason,
	}); err != nil {
		s.log.WithFields(logrus.Fields{"schedule_id": sc.ID, "error": err}).Warn("execution history append failed")
	}
	return s.advance(ctx, sc, now, nil)
}

// deferSchedule pushes next_run_at out to until without recording an
// execution-history row, matching spec.md's queue_overflow behavior: the
// fire is rescheduled, not counted as an attempt.
func (s *Service) deferSchedule(ctx context.Context, sc domain.Schedule, until time.Time) error {
	sc.NextRunAt = &until
	_, err := s.store.UpdateSchedule(ctx, sc)
	return err
}

// advance recomputes next_run_at from sc's own type/expression and
// persists it along with last_run_at/run_count when jobID is non-nil.
func (s *Service) advance(ctx context.Context, sc domain.Schedule, firedAt time.Time, jobID *uuid.UUID) error {
	next, err := nextRun(sc, firedAt)
	if err != nil {
		sc.Status = domain.ScheduleError
		if _, updErr := s.store.UpdateSchedule(ctx, sc); updErr != nil {
			return updErr
		}
		return err
	}

	if jobID != nil {
		sc.LastRunAt = &firedAt
		sc.RunCount++
	}
	if next.IsZero() {
		sc.NextRunAt = nil
		if sc.Type == domain.ScheduleOneTime {
			sc.Status = domain.ScheduleCompleted
		}
	} else {
		sc.NextRunAt = &next
	}
	_, err = s.store.UpdateSchedule(ctx, sc)
	return err
}

// HandleEvent fires every event-type schedule on tenantID whose
// EventType matches and whose JSONPredicate (if any) matches payload,
// debouncing repeated events inside DebounceSeconds of the schedule's
// last fire.
func (s *Service) HandleEvent(ctx context.Context, tenantID uuid.UUID, eventType domain.EventType, payload map[string]any) (int, error) {
	schedules, err := s.store.ListSchedules(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	fired := 0
	for _, sc := range schedules {
		if sc.Type != domain.ScheduleEvent || !sc.Enabled || sc.Status != domain.ScheduleActive {
			continue
		}
		trigger, ok, err := s.store.GetEventTrigger(ctx, sc.ID)
		if err != nil {
			return fired, err
		}
		if !ok || trigger.EventType != eventType {
			continue
		}
		if sc.LastRunAt != nil && now.Sub(*sc.LastRunAt) < time.Duration(trigger.DebounceSeconds)*time.Second {
			continue
		}
		if trigger.JSONPredicate != "" && !matchesEventPredicate(trigger.JSONPredicate, payload) {
			continue
		}
		if ok, err := s.evaluateOne(ctx, sc, now); err != nil {
			s.log.WithFields(logrus.Fields{"schedule_id": sc.ID, "error": err}).Warn("event-triggered evaluation failed")
		} else if ok {
			fired++
		}
	}
	return fired, nil
}

func startOfMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}
