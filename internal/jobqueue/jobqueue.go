// Package jobqueue implements spec.md §4.3's Job Queue & Dead-Letter
// Queue: enqueue, claim, heartbeat_claim, complete, fail, and cancel, plus
// the error classification registry and exponential backoff that decide
// retry-or-DLQ. The backoff formula (base * multiplier^retry_count,
// clamped to a maximum) is grounded on the teacher's
// infrastructure/resilience.RetryConfig/nextDelay shape, adapted from a
// blocking retry loop into a pure delay calculator Service.Fail uses to
// compute a retried job's next scheduled_time.
package jobqueue

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Classification is what the error registry resolves an ErrorCategory to:
// whether it is worth retrying, its severity, and the backoff base delay
// to start from.
type Classification struct {
	Retryable        bool
	Severity         string
	BackoffBaseDelay time.Duration
}

// defaultRegistry is the fixed (retryable, severity, suggested_backoff_base)
// table spec.md §4.3 describes, keyed on the closed ErrorCategory
// vocabulary. validation and permission failures are never worth retrying;
// user_abort is terminal by definition.
var defaultRegistry = map[domain.ErrorCategory]Classification{
	domain.CategoryValidation:  {Retryable: false, Severity: "low"},
	domain.CategoryTransientIO: {Retryable: true, Severity: "medium", BackoffBaseDelay: 2 * time.Second},
	domain.CategoryTimeout:     {Retryable: true, Severity: "medium", BackoffBaseDelay: 5 * time.Second},
	domain.CategoryPermission:  {Retryable: false, Severity: "high"},
	domain.CategoryInternal:    {Retryable: true, Severity: "high", BackoffBaseDelay: 3 * time.Second},
	domain.CategoryUserAbort:   {Retryable: false, Severity: "low"},
}

// Backoff computes base * multiplier^retryCount clamped to maxDelay, per
// spec.md §4.3's retry formula.
func Backoff(base time.Duration, multiplier float64, retryCount int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(multiplier, float64(retryCount))
	if delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

// Options tunes the lease window, retry backoff, and max retry count a
// Service applies; callers build one from config.LeaseConfig/RetryConfig.
type Options struct {
	LeaseWindow time.Duration
	BackoffBase time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
	MaxRetries  int
}

// Service implements the job queue's state machine over storage.Store.
type Service struct {
	store    storage.Store
	gw       *gateway.Gateway
	opts     Options
	registry map[domain.ErrorCategory]Classification
}

// New builds a Service with the default error-classification registry.
func New(store storage.Store, gw *gateway.Gateway, opts Options) *Service {
	reg := make(map[domain.ErrorCategory]Classification, len(defaultRegistry))
	for k, v := range defaultRegistry {
		reg[k] = v
	}
	return &Service{store: store, gw: gw, opts: opts, registry: reg}
}

// Enqueue creates a new job in the queued state, failing with
// apperr.QuotaExceeded if the tenant's execution quota is exhausted. The
// job references workflowID, not a specific version — the dispatcher
// resolves the version to run at assignment time via
// workflowstore.ResolveForExecution, honoring any pin set after enqueue.
func (s *Service) Enqueue(ctx context.Context, tenantID, workflowID uuid.UUID, variables map[string]any, priority domain.Priority, trigger domain.TriggerType, scheduledTime time.Time, maxRetries int) (domain.Job, error) {
	ok, err := s.gw.CheckQuota(ctx, tenantID, domain.ResourceExecution)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, apperr.New(apperr.QuotaExceeded, "jobqueue.Enqueue", "execution quota exhausted")
	}
	if scheduledTime.IsZero() {
		scheduledTime = time.Now().UTC()
	}
	return s.store.CreateJob(ctx, domain.Job{
		TenantID:      tenantID,
		WorkflowID:    workflowID,
		Priority:      priority,
		Variables:     variables,
		TriggerType:   trigger,
		Status:        domain.JobQueued,
		MaxRetries:    maxRetries,
		ScheduledTime: scheduledTime,
	})
}

// Claim leases up to maxN eligible queued jobs to robotID, per spec.md
// §4.3's priority ordering, and transitions each claimed job to running
// once leased (the registry accepts a claim implying the robot begins
// work immediately, matching the teacher's synchronous dispatch style).
func (s *Service) Claim(ctx context.Context, tenantID, robotID uuid.UUID, requiredCaps []string, maxN int) ([]domain.Job, error) {
	claimed, err := s.store.ClaimJobs(ctx, tenantID, robotID, requiredCaps, maxN, s.opts.LeaseWindow)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range claimed {
		claimed[i].Status = domain.JobRunning
		claimed[i].StartedAt = &now
		updated, err := s.store.UpdateJob(ctx, claimed[i])
		if err != nil {
			return nil, err
		}
		claimed[i] = updated
	}
	return claimed, nil
}

// HeartbeatClaim extends robotID's lease on jobID. Fails with
// apperr.LeaseLost if the job is no longer leased to robotID.
func (s *Service) HeartbeatClaim(ctx context.Context, tenantID, jobID, robotID uuid.UUID) error {
	return s.store.RenewLease(ctx, tenantID, jobID, robotID, s.opts.LeaseWindow)
}

// Complete marks jobID as completed with result, verifying robotID still
// holds the lease.
func (s *Service) Complete(ctx context.Context, tenantID, jobID, robotID uuid.UUID, result map[string]any) (domain.Job, error) {
	j, err := s.ownedJob(ctx, tenantID, jobID, robotID)
	if err != nil {
		return domain.Job{}, err
	}
	now := time.Now().UTC()
	j.Status = domain.JobCompleted
	j.Result = result
	j.CompletedAt = &now
	j.LeaseExpiresAt = nil
	return s.store.UpdateJob(ctx, j)
}

// Fail reports jobID's failure with jobErr. If the error's category is
// retryable and retry_count < max_retries, the job returns to queued with
// an exponentially backed-off scheduled_time; otherwise it writes a DLQ
// entry and marks the job terminally failed, per spec.md §4.3.
func (s *Service) Fail(ctx context.Context, tenantID, jobID, robotID uuid.UUID, jobErr domain.JobError) (domain.Job, error) {
	j, err := s.ownedJob(ctx, tenantID, jobID, robotID)
	if err != nil {
		return domain.Job{}, err
	}

	class := s.Classify(jobErr.Category)
	j.Error = &jobErr
	j.LeaseExpiresAt = nil
	j.AssignedRobotID = nil

	if class.Retryable && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = domain.JobQueued
		base := class.BackoffBaseDelay
		if base <= 0 {
			base = s.opts.BackoffBase
		}
		delay := Backoff(base, s.opts.Multiplier, j.RetryCount, s.opts.MaxBackoff)
		j.ScheduledTime = time.Now().UTC().Add(delay)
		return s.store.UpdateJob(ctx, j)
	}

	now := time.Now().UTC()
	j.Status = domain.JobFailed
	j.CompletedAt = &now
	updated, err := s.store.UpdateJob(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	if _, err := s.store.WriteDLQ(ctx, domain.DLQEntry{
		OriginalJobID: j.ID,
		TenantID:      j.TenantID,
		Variables:     j.Variables,
		FinalError:    jobErr,
		LastNodeID:    jobErr.Node,
		RetryCount:    j.RetryCount,
	}); err != nil {
		return domain.Job{}, err
	}
	return updated, nil
}

// Cancel transitions jobID to cancelled, failing with
// apperr.Conflict (the spec's TerminalAlready) if it has already reached
// a terminal state.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID uuid.UUID, reason string) (domain.Job, error) {
	j, err := s.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if isTerminal(j.Status) {
		return domain.Job{}, apperr.Conflictf("jobqueue.Cancel", "job %s already %s", jobID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = domain.JobCancelled
	j.CompletedAt = &now
	j.Error = &domain.JobError{Code: "cancelled", Message: reason, Category: domain.CategoryUserAbort}
	return s.store.UpdateJob(ctx, j)
}

// ReclaimExpiredLeases requeues jobs whose lease has lapsed, the
// heartbeat-timeout half of the claimed/running -> queued transition
// spec.md §4.3 and §4.4 both describe; the companion half (marking the
// robot offline) is internal/robotregistry's responsibility.
func (s *Service) ReclaimExpiredLeases(ctx context.Context) ([]domain.Job, error) {
	return s.store.ReclaimExpiredLeases(ctx, time.Now().UTC())
}

// Classify resolves category to its Classification, defaulting to a
// non-retryable "unknown" classification for any category outside the
// closed vocabulary — silently retrying an unrecognized category would
// risk an infinite loop.
func (s *Service) Classify(category domain.ErrorCategory) Classification {
	if c, ok := s.registry[category]; ok {
		return c
	}
	return Classification{Retryable: false, Severity: "unknown"}
}

func (s *Service) ownedJob(ctx context.Context, tenantID, jobID, robotID uuid.UUID) (domain.Job, error) {
	j, err := s.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.AssignedRobotID == nil || *j.AssignedRobotID != robotID {
		return domain.Job{}, apperr.New(apperr.LeaseLost, "jobqueue", "job is no longer leased to this robot")
	}
	return j, nil
}

func isTerminal(status domain.JobStatus) bool {
	switch status {
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled, domain.JobTimeout:
		return true
	default:
		return false
	}
}
