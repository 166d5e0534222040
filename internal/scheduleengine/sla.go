package scheduleengine

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/obsmetrics"
)

// slaHistoryWindow bounds how many recent execution-history rows feed the
// success-rate computation.
const slaHistoryWindow = 50

// RecomputeSLA reassesses scheduleID's SLA health against its recent
// execution history and persists the new status, emitting an audit entry
// exactly once per status transition (so a schedule stuck at breached
// does not spam the log on every tick).
func (s *Service) RecomputeSLA(ctx context.Context, tenantID, scheduleID uuid.UUID) (domain.SLAStatus, error) {
	cfg, ok, err := s.store.GetSLAConfig(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.SLAOk, nil
	}

	history, err := s.store.ListExecutionHistory(ctx, scheduleID, slaHistoryWindow)
	if err != nil {
		return "", err
	}

	status, consecutiveFailures, successRate := evaluateSLA(cfg, history)

	if status == cfg.CurrentStatus {
		return status, nil
	}

	previous := cfg.CurrentStatus
	cfg.CurrentStatus = status
	if err := s.store.PutSLAConfig(ctx, cfg); err != nil {
		return status, err
	}
	if status == domain.SLABreached {
		obsmetrics.RecordSLABreach(scheduleID.String())
	}

	if _, err := s.store.AppendEntry(ctx, domain.AuditLogEntry{
		EntryUUID: uuid.New(),
		Action:    "schedule.sla_transition",
		Actor:     domain.Actor{Type: domain.ActorSystem, ID: "scheduleengine"},
		Resource:  domain.Resource{Type: "schedule", ID: scheduleID.String()},
		TenantID:  &tenantID,
		Details: map[string]any{
			"previous_status":      previous,
			"new_status":           status,
			"consecutive_failures": consecutiveFailures,
			"success_rate":         successRate,
			"alert_channels":       cfg.AlertChannels,
		},
	}); err != nil {
		s.log.WithFields(logrus.Fields{"schedule_id": scheduleID, "error": err}).Warn("SLA transition audit append failed")
	}

	return status, nil
}

// RecordCompletion updates the execution-history row for jobID with its
// terminal outcome and re-evaluates the schedule's SLA. Callers — the
// control API's job-completion webhook, or a jobqueue observer — invoke
// this once a dispatched job reaches a terminal state, since
// scheduleengine itself never observes job execution directly.
func (s *Service) RecordCompletion(ctx context.Context, tenantID, scheduleID, jobID uuid.UUID, success bool, durationMs int64) (domain.SLAStatus, error) {
	history, err := s.store.ListExecutionHistory(ctx, scheduleID, slaHistoryWindow)
	if err != nil {
		return "", err
	}
	for _, h := range history {
		if h.JobID != nil && *h.JobID == jobID {
			h.Success = &success
			h.DurationMs = &durationMs
			if _, err := s.store.AppendExecutionHistory(ctx, h); err != nil {
				return "", err
			}
			break
		}
	}
	return s.RecomputeSLA(ctx, tenantID, scheduleID)
}

// evaluateSLA applies spec.md's thresholds to the most recent history
// rows: breached once consecutive failures (most-recent-first) reach
// ConsecutiveFailureLimit, or once the rolling success rate falls more
// than 5 points below SuccessRateThreshold; warning once it falls below
// the threshold at all; ok otherwise. history is assumed newest-first,
// matching ListExecutionHistory's ordering.
func evaluateSLA(cfg domain.ScheduleSLAConfig, history []domain.ScheduleExecutionHistory) (domain.SLAStatus, int, float64) {
	if len(history) == 0 {
		return domain.SLAOk, 0, 100
	}

	consecutiveFailures := 0
	for _, h := range history {
		if h.Success == nil {
			continue
		}
		if *h.Success {
			break
		}
		consecutiveFailures++
	}

	successes := 0
	counted := 0
	for _, h := range history {
		if h.Success == nil {
			continue
		}
		counted++
		if *h.Success {
			successes++
		}
	}
	successRate := 100.0
	if counted > 0 {
		successRate = 100 * float64(successes) / float64(counted)
	}

	if cfg.ConsecutiveFailureLimit > 0 && consecutiveFailures >= cfg.ConsecutiveFailureLimit {
		return domain.SLABreached, consecutiveFailures, successRate
	}
	if cfg.SuccessRateThreshold > 0 && successRate < cfg.SuccessRateThreshold-5 {
		return domain.SLABreached, consecutiveFailures, successRate
	}
	if cfg.SuccessRateThreshold > 0 && successRate < cfg.SuccessRateThreshold {
		return domain.SLAWarning, consecutiveFailures, successRate
	}
	return domain.SLAOk, consecutiveFailures, successRate
}
