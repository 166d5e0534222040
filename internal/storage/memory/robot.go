package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateRobot(_ context.Context, r domain.Robot) (domain.Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.RegisteredAt = time.Now().UTC()
	s.robots[r.ID] = r
	return r, nil
}

func (s *Store) GetRobot(_ context.Context, tenantID, id uuid.UUID) (domain.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.robots[id]
	if !ok || r.TenantID != tenantID {
		return domain.Robot{}, apperr.NotFoundf("memory.GetRobot", "robot %s not found", id)
	}
	return r, nil
}

func (s *Store) GetRobotBySessionToken(_ context.Context, token string) (domain.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.robots {
		if r.SessionToken == token {
			return r, nil
		}
	}
	return domain.Robot{}, apperr.NotFoundf("memory.GetRobotBySessionToken", "no robot with that session token")
}

func (s *Store) UpdateRobot(_ context.Context, r domain.Robot) (domain.Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.robots[r.ID]
	if !ok {
		return domain.Robot{}, apperr.NotFoundf("memory.UpdateRobot", "robot %s not found", r.ID)
	}
	r.RegisteredAt = existing.RegisteredAt
	s.robots[r.ID] = r
	return r, nil
}

func (s *Store) DeleteRobot(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.robots[id]
	if !ok || r.TenantID != tenantID {
		return apperr.NotFoundf("memory.DeleteRobot", "robot %s not found", id)
	}
	delete(s.robots, id)
	return nil
}

func (s *Store) ListRobots(_ context.Context, tenantID uuid.UUID, status *domain.RobotStatus) ([]domain.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Robot
	for _, r := range s.robots {
		if r.TenantID != tenantID {
			continue
		}
		if status != nil && r.Status != *status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) RecordHeartbeat(_ context.Context, h domain.Heartbeat) (domain.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.ID = s.nextHBID
	s.nextHBID++
	h.ObservedAt = time.Now().UTC()
	s.heartbeats = append(s.heartbeats, h)

	if r, ok := s.robots[h.RobotID]; ok {
		now := h.ObservedAt
		r.LastSeenAt = &now
		s.robots[h.RobotID] = r
	}
	return h, nil
}

func (s *Store) ListStaleRobots(_ context.Context, cutoff time.Time) ([]domain.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Robot
	for _, r := range s.robots {
		if r.Status == domain.RobotOffline {
			continue
		}
		if r.LastSeenAt == nil || r.LastSeenAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}
