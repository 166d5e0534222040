package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateSchedule(_ context.Context, sc domain.Schedule) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	now := time.Now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	s.schedules[sc.ID] = sc
	return sc, nil
}

func (s *Store) GetSchedule(_ context.Context, tenantID, id uuid.UUID) (domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[id]
	if !ok || sc.TenantID != tenantID {
		return domain.Schedule{}, apperr.NotFoundf("memory.GetSchedule", "schedule %s not found", id)
	}
	return sc, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sc domain.Schedule) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.schedules[sc.ID]
	if !ok {
		return domain.Schedule{}, apperr.NotFoundf("memory.UpdateSchedule", "schedule %s not found", sc.ID)
	}
	sc.CreatedAt = existing.CreatedAt
	sc.UpdatedAt = time.Now().UTC()
	s.schedules[sc.ID] = sc
	return sc, nil
}

func (s *Store) ListSchedules(_ context.Context, tenantID uuid.UUID) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Schedule
	for _, sc := range s.schedules {
		if sc.TenantID == tenantID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *Store) ListDueSchedules(_ context.Context, before time.Time, limit int) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Schedule
	for _, sc := range s.schedules {
		if sc.Status == domain.ScheduleActive && sc.Enabled && sc.NextRunAt != nil && !sc.NextRunAt.After(before) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt.Before(*out[k].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetSLAConfig(_ context.Context, scheduleID uuid.UUID) (domain.ScheduleSLAConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.slaConfigs[scheduleID]
	return c, ok, nil
}

func (s *Store) PutSLAConfig(_ context.Context, c domain.ScheduleSLAConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slaConfigs[c.ScheduleID] = c
	return nil
}

// PutRateLimitForTest seeds a schedule's rate limit directly, for tests
// that exercise the rate gate without going through the control API.
func (s *Store) PutRateLimitForTest(scheduleID uuid.UUID, r domain.ScheduleRateLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits[scheduleID] = r
	return nil
}

// PutCatchupConfigForTest seeds a schedule's catch-up config directly, for
// tests that exercise missed-fire replay without going through the
// control API.
func (s *Store) PutCatchupConfigForTest(scheduleID uuid.UUID, c domain.ScheduleCatchupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchupConfigs[scheduleID] = c
	return nil
}

func (s *Store) GetRateLimit(_ context.Context, scheduleID uuid.UUID) (domain.ScheduleRateLimit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rateLimits[scheduleID]
	return r, ok, nil
}

func (s *Store) CountExecutionsInWindow(_ context.Context, scheduleID uuid.UUID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, h := range s.executionHistory {
		if h.ScheduleID == scheduleID && h.ScheduledTime.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateDependencyEdge(_ context.Context, e domain.DependencyEdge) (domain.DependencyEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cycles(s.dependencyEdges, e.ScheduleID, e.DependsOnID) {
		return domain.DependencyEdge{}, apperr.New(apperr.DependencyCycle, "memory.CreateDependencyEdge", "edge would introduce a dependency cycle")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.dependencyEdges[e.ScheduleID] = append(s.dependencyEdges[e.ScheduleID], e)
	return e, nil
}

func (s *Store) ListDependencyEdges(_ context.Context, scheduleID uuid.UUID) ([]domain.DependencyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DependencyEdge, len(s.dependencyEdges[scheduleID]))
	copy(out, s.dependencyEdges[scheduleID])
	return out, nil
}

func (s *Store) WouldCycle(_ context.Context, scheduleID, dependsOnID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cycles(s.dependencyEdges, scheduleID, dependsOnID), nil
}

// cycles reports whether adding an edge scheduleID -> dependsOnID would
// create a cycle, by checking whether scheduleID is already reachable from
// dependsOnID via the existing edge set (a forward transitive-closure walk
// along depends-on edges, matching the recursive CTE the Postgres trigger
// runs).
func cycles(edges map[uuid.UUID][]domain.DependencyEdge, scheduleID, dependsOnID uuid.UUID) bool {
	if scheduleID == dependsOnID {
		return true
	}
	visited := map[uuid.UUID]bool{dependsOnID: true}
	queue := []uuid.UUID{dependsOnID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range edges[cur] {
			if e.DependsOnID == scheduleID {
				return true
			}
			if !visited[e.DependsOnID] {
				visited[e.DependsOnID] = true
				queue = append(queue, e.DependsOnID)
			}
		}
	}
	return false
}

func (s *Store) GetCondition(_ context.Context, scheduleID uuid.UUID) (domain.ScheduleCondition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conditions[scheduleID]
	return c, ok, nil
}

func (s *Store) GetCatchupConfig(_ context.Context, scheduleID uuid.UUID) (domain.ScheduleCatchupConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.catchupConfigs[scheduleID]
	return c, ok, nil
}

func (s *Store) GetEventTrigger(_ context.Context, scheduleID uuid.UUID) (domain.ScheduleEventTrigger, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.eventTriggers[scheduleID]
	return t, ok, nil
}

func (s *Store) RecordDependencyCompletion(_ context.Context, c domain.DependencyCompletion) (domain.DependencyCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.dependencyCompleted = append(s.dependencyCompleted, c)
	return c, nil
}

func (s *Store) ListDependencyCompletions(_ context.Context, scheduleID uuid.UUID, since time.Time) ([]domain.DependencyCompletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DependencyCompletion
	for _, c := range s.dependencyCompleted {
		if c.ScheduleID == scheduleID && c.CompletedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) AppendExecutionHistory(_ context.Context, h domain.ScheduleExecutionHistory) (domain.ScheduleExecutionHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.ID = s.nextExecHistID
	s.nextExecHistID++
	s.executionHistory = append(s.executionHistory, h)
	return h, nil
}

func (s *Store) ListExecutionHistory(_ context.Context, scheduleID uuid.UUID, limit int) ([]domain.ScheduleExecutionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ScheduleExecutionHistory
	for _, h := range s.executionHistory {
		if h.ScheduleID == scheduleID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
