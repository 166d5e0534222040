package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateTenant(_ context.Context, t domain.Tenant) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, exists := s.tenants[t.ID]; exists {
		return domain.Tenant{}, apperr.Conflictf("memory.CreateTenant", "tenant %s already exists", t.ID)
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) UpdateTenant(_ context.Context, t domain.Tenant) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tenants[t.ID]
	if !ok {
		return domain.Tenant{}, apperr.NotFoundf("memory.UpdateTenant", "tenant %s not found", t.ID)
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) GetTenant(_ context.Context, id uuid.UUID) (domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return domain.Tenant{}, apperr.NotFoundf("memory.GetTenant", "tenant %s not found", id)
	}
	return t, nil
}

func (s *Store) GetTenantBySlug(_ context.Context, slug string) (domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return domain.Tenant{}, apperr.NotFoundf("memory.GetTenantBySlug", "tenant with slug %q not found", slug)
}

func (s *Store) ListTenants(_ context.Context) ([]domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out, nil
}

// AdjustWorkflowCount applies a signed delta to a tenant's workflow counter,
// the in-memory equivalent of the Postgres trigger in 0003_workflows_and_versions.sql.
func (s *Store) AdjustWorkflowCount(_ context.Context, tenantID uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return apperr.NotFoundf("memory.AdjustWorkflowCount", "tenant %s not found", tenantID)
	}
	t.CurrentWorkflowCount += delta
	if t.CurrentWorkflowCount < 0 {
		t.CurrentWorkflowCount = 0
	}
	s.tenants[tenantID] = t
	return nil
}

// AdjustRobotCount applies a signed delta to a tenant's robot counter.
func (s *Store) AdjustRobotCount(_ context.Context, tenantID uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return apperr.NotFoundf("memory.AdjustRobotCount", "tenant %s not found", tenantID)
	}
	t.CurrentRobotCount += delta
	if t.CurrentRobotCount < 0 {
		t.CurrentRobotCount = 0
	}
	s.tenants[tenantID] = t
	return nil
}
