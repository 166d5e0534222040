package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateJob(_ context.Context, j domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	j.CreatedAt = time.Now().UTC()
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) GetJob(_ context.Context, tenantID, id uuid.UUID) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, apperr.NotFoundf("memory.GetJob", "job %s not found", id)
	}
	return j, nil
}

func (s *Store) ListJobs(_ context.Context, tenantID uuid.UUID, status *domain.JobStatus, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateJob(_ context.Context, j domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[j.ID]
	if !ok {
		return domain.Job{}, apperr.NotFoundf("memory.UpdateJob", "job %s not found", j.ID)
	}
	j.CreatedAt = existing.CreatedAt
	s.jobs[j.ID] = j
	return j, nil
}

// AssignJob leases a specific queued job to robotID, failing with
// apperr.Conflict if it is no longer queued (already claimed or
// cancelled concurrently).
func (s *Store) AssignJob(_ context.Context, tenantID, jobID, robotID uuid.UUID, leaseWindow time.Duration) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, apperr.NotFoundf("memory.AssignJob", "job %s not found", jobID)
	}
	if j.Status != domain.JobQueued {
		return domain.Job{}, apperr.Conflictf("memory.AssignJob", "job %s is no longer queued (status=%s)", jobID, j.Status)
	}
	now := time.Now().UTC()
	lease := now.Add(leaseWindow)
	j.Status = domain.JobClaimed
	j.AssignedRobotID = &robotID
	j.LeaseExpiresAt = &lease
	j.ClaimedAt = &now
	s.jobs[j.ID] = j
	return j, nil
}

// ClaimJobs selects eligible queued jobs ordered by (priority DESC,
// scheduled_time ASC, created_at ASC), the in-memory equivalent of the
// Postgres SELECT ... FOR UPDATE SKIP LOCKED claim query.
func (s *Store) ClaimJobs(_ context.Context, tenantID, robotID uuid.UUID, requiredCaps []string, maxN int, leaseWindow time.Duration) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var candidates []domain.Job
	for _, j := range s.jobs {
		if j.TenantID != tenantID || j.Status != domain.JobQueued {
			continue
		}
		if j.ScheduledTime.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].ScheduledTime.Equal(candidates[k].ScheduledTime) {
			return candidates[i].ScheduledTime.Before(candidates[k].ScheduledTime)
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if maxN > len(candidates) {
		maxN = len(candidates)
	}

	claimed := make([]domain.Job, 0, maxN)
	lease := now.Add(leaseWindow)
	for _, j := range candidates[:maxN] {
		j.Status = domain.JobClaimed
		j.AssignedRobotID = &robotID
		j.LeaseExpiresAt = &lease
		j.ClaimedAt = &now
		s.jobs[j.ID] = j
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *Store) RenewLease(_ context.Context, tenantID, jobID, robotID uuid.UUID, leaseWindow time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return apperr.NotFoundf("memory.RenewLease", "job %s not found", jobID)
	}
	if j.AssignedRobotID == nil || *j.AssignedRobotID != robotID {
		return apperr.New(apperr.LeaseLost, "memory.RenewLease", "job is no longer leased to this robot")
	}
	lease := time.Now().UTC().Add(leaseWindow)
	j.LeaseExpiresAt = &lease
	s.jobs[jobID] = j
	return nil
}

func (s *Store) ReclaimExpiredLeases(_ context.Context, now time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []domain.Job
	for id, j := range s.jobs {
		if (j.Status != domain.JobClaimed && j.Status != domain.JobRunning) || j.LeaseExpiresAt == nil {
			continue
		}
		if j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Status = domain.JobQueued
		j.AssignedRobotID = nil
		j.LeaseExpiresAt = nil
		s.jobs[id] = j
		reclaimed = append(reclaimed, j)
	}
	return reclaimed, nil
}

func (s *Store) WriteDLQ(_ context.Context, e domain.DLQEntry) (domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	s.dlq[e.ID] = e
	return e, nil
}

func (s *Store) ListDLQ(_ context.Context, tenantID uuid.UUID, limit int) ([]domain.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DLQEntry
	for _, e := range s.dlq {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
