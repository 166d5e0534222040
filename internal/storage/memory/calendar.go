package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateCalendar(_ context.Context, c domain.BusinessCalendar) (domain.BusinessCalendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	s.calendars[c.ID] = c
	return c, nil
}

func (s *Store) GetCalendar(_ context.Context, tenantID, id uuid.UUID) (domain.BusinessCalendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calendars[id]
	if !ok || c.TenantID != tenantID {
		return domain.BusinessCalendar{}, apperr.NotFoundf("memory.GetCalendar", "calendar %s not found", id)
	}
	return c, nil
}

func (s *Store) ListBlackouts(_ context.Context, calendarID uuid.UUID) ([]domain.BlackoutPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BlackoutPeriod, len(s.blackouts[calendarID]))
	copy(out, s.blackouts[calendarID])
	return out, nil
}

func (s *Store) CreateBlackout(_ context.Context, b domain.BlackoutPeriod) (domain.BlackoutPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if !b.EndTime.After(b.StartTime) {
		return domain.BlackoutPeriod{}, apperr.Validationf("memory.CreateBlackout", "blackout end time must be after start time")
	}
	s.blackouts[b.CalendarID] = append(s.blackouts[b.CalendarID], b)
	return b, nil
}
