package scheduleengine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// ResumeSchedule re-activates sc (from paused or error) and replays any
// fires it missed while inactive, per spec.md §4.7's catch-up policy. It
// returns the schedule as persisted and the number of catch-up jobs
// enqueued.
func (s *Service) ResumeSchedule(ctx context.Context, tenantID, scheduleID uuid.UUID) (domain.Schedule, int, error) {
	sc, err := s.store.GetSchedule(ctx, tenantID, scheduleID)
	if err != nil {
		return domain.Schedule{}, 0, err
	}

	now := time.Now().UTC()
	replayed, err := s.catchup(ctx, sc, now)
	if err != nil {
		return domain.Schedule{}, 0, err
	}

	sc.Status = domain.ScheduleActive
	sc.Enabled = true
	next, err := nextRun(sc, now)
	if err != nil {
		return domain.Schedule{}, replayed, err
	}
	if next.IsZero() {
		sc.NextRunAt = nil
	} else {
		sc.NextRunAt = &next
	}
	sc, err = s.store.UpdateSchedule(ctx, sc)
	return sc, replayed, err
}

// catchup replays missed fires for sc between its last known run and now,
// bounded by its ScheduleCatchupConfig. Missed instants are enqueued
// strictly in order — satisfying RunSequentially's intent that a catch-up
// burst never races the robot fleet ahead of itself — with CatchUp: true
// recorded on each execution-history row so SLA accounting can exclude or
// flag them separately from on-time fires.
func (s *Service) catchup(ctx context.Context, sc domain.Schedule, now time.Time) (int, error) {
	if sc.Type != domain.ScheduleCron && sc.Type != domain.ScheduleInterval {
		return 0, nil
	}
	cfg, ok, err := s.store.GetCatchupConfig(ctx, sc.ID)
	if err != nil {
		return 0, err
	}
	if !ok || !cfg.Enabled || cfg.MaxCatchupRuns <= 0 {
		return 0, nil
	}

	windowStart := now.Add(-time.Duration(cfg.CatchupWindowSeconds) * time.Second)
	from := windowStart
	if sc.LastRunAt != nil && sc.LastRunAt.After(from) {
		from = *sc.LastRunAt
	}

	var missed []time.Time
	cursor := from
	for len(missed) < cfg.MaxCatchupRuns {
		next, err := nextRun(sc, cursor)
		if err != nil {
			return len(missed), err
		}
		if next.IsZero() || !next.Before(now) {
			break
		}
		missed = append(missed, next)
		cursor = next
	}

	for _, firedAt := range missed {
		job, err := s.jobs.Enqueue(ctx, sc.TenantID, sc.WorkflowID, sc.Variables, sc.Priority, domain.TriggerScheduled, firedAt, 0)
		if err != nil {
			return len(missed), err
		}
		if _, err := s.store.AppendExecutionHistory(ctx, domain.ScheduleExecutionHistory{
			ScheduleID:    sc.ID,
			ScheduledTime: firedAt,
			JobID:         &job.ID,
			CatchUp:       true,
		}); err != nil {
			s.log.WithFields(logrus.Fields{"schedule_id": sc.ID, "error": err}).Warn("catch-up execution history append failed")
		}
		sc.LastRunAt = &firedAt
		sc.RunCount++
	}

	return len(missed), nil
}
