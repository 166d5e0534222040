package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateWorkflow(_ context.Context, w domain.Workflow) (domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	s.workflows[w.ID] = w
	return w, nil
}

func (s *Store) GetWorkflow(_ context.Context, tenantID, id uuid.UUID) (domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok || w.TenantID != tenantID {
		return domain.Workflow{}, apperr.NotFoundf("memory.GetWorkflow", "workflow %s not found", id)
	}
	return w, nil
}

func (s *Store) ListWorkflows(_ context.Context, tenantID uuid.UUID) ([]domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Workflow
	for _, w := range s.workflows {
		if w.TenantID == tenantID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) CreateVersion(_ context.Context, v domain.WorkflowVersion) (domain.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = domain.VersionDraft
	}
	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	s.versions[v.ID] = v
	return v, nil
}

func (s *Store) GetVersion(_ context.Context, tenantID, id uuid.UUID) (domain.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[id]
	if !ok || v.TenantID != tenantID {
		return domain.WorkflowVersion{}, apperr.NotFoundf("memory.GetVersion", "version %s not found", id)
	}
	return v, nil
}

func (s *Store) GetActiveVersion(_ context.Context, tenantID, workflowID uuid.UUID) (domain.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.TenantID == tenantID && v.WorkflowID == workflowID && v.Status == domain.VersionActive {
			return v, nil
		}
	}
	return domain.WorkflowVersion{}, apperr.NotFoundf("memory.GetActiveVersion", "no active version for workflow %s", workflowID)
}

func (s *Store) ListVersions(_ context.Context, tenantID, workflowID uuid.UUID) ([]domain.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.WorkflowVersion
	for _, v := range s.versions {
		if v.TenantID == tenantID && v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	return out, nil
}

// ActivateVersion implements spec.md §4.2's transaction: (1) select the
// currently active version, (2) mark it deprecated, (3) mark the target
// active, (4) commit; if (3) would affect zero rows (target missing or
// archived) the whole operation rolls back by returning before any map
// mutation is applied.
func (s *Store) ActivateVersion(_ context.Context, tenantID, workflowID, versionID uuid.UUID) (domain.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.versions[versionID]
	if !ok || target.TenantID != tenantID || target.WorkflowID != workflowID {
		return domain.WorkflowVersion{}, apperr.NotFoundf("memory.ActivateVersion", "version %s not found", versionID)
	}
	if target.Status == domain.VersionArchived {
		return domain.WorkflowVersion{}, apperr.Conflictf("memory.ActivateVersion", "cannot activate archived version %s", versionID)
	}

	var currentActiveID uuid.UUID
	hasActive := false
	for id, v := range s.versions {
		if v.TenantID == tenantID && v.WorkflowID == workflowID && v.Status == domain.VersionActive {
			currentActiveID, hasActive = id, true
			break
		}
	}

	now := time.Now().UTC()
	if hasActive && currentActiveID != versionID {
		deprecated := s.versions[currentActiveID]
		deprecated.Status = domain.VersionDeprecated
		deprecated.UpdatedAt = now
		s.versions[currentActiveID] = deprecated
	}

	target.Status = domain.VersionActive
	target.UpdatedAt = now
	s.versions[versionID] = target
	return target, nil
}

func (s *Store) CreatePin(_ context.Context, p domain.JobVersionPin) (domain.JobVersionPin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	s.pins[pinKey(p.TenantID, p.JobID)] = p
	return p, nil
}

func (s *Store) GetPin(_ context.Context, tenantID, jobID uuid.UUID) (domain.JobVersionPin, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pins[pinKey(tenantID, jobID)]
	return p, ok, nil
}
