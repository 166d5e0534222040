package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, slug, name, status, subscription_tier, max_workflows, max_robots,
			max_executions_per_hour, max_storage_bytes, max_team_members, current_workflow_count, current_robot_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0)
	`, t.ID, t.Slug, t.Name, t.Status, t.SubscriptionTier, t.MaxWorkflows, t.MaxRobots,
		t.MaxExecutionsPerHour, t.MaxStorageBytes, t.MaxTeamMembers)
	if err != nil {
		return domain.Tenant{}, apperr.Wrap(apperr.Internal, "postgres.CreateTenant", "insert tenant", err)
	}
	return s.GetTenant(ctx, t.ID)
}

func (s *Store) UpdateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET slug = $2, name = $3, status = $4, subscription_tier = $5, max_workflows = $6, max_robots = $7,
			max_executions_per_hour = $8, max_storage_bytes = $9, max_team_members = $10, updated_at = now()
		WHERE id = $1
	`, t.ID, t.Slug, t.Name, t.Status, t.SubscriptionTier, t.MaxWorkflows, t.MaxRobots,
		t.MaxExecutionsPerHour, t.MaxStorageBytes, t.MaxTeamMembers)
	if err != nil {
		return domain.Tenant{}, apperr.Wrap(apperr.Internal, "postgres.UpdateTenant", "update tenant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Tenant{}, apperr.NotFoundf("postgres.UpdateTenant", "tenant %s not found", t.ID)
	}
	return s.GetTenant(ctx, t.ID)
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, status, subscription_tier, max_workflows, max_robots, max_executions_per_hour,
			max_storage_bytes, max_team_members, current_workflow_count, current_robot_count, created_at, updated_at
		FROM tenants WHERE id = $1
	`, id)
	return scanTenant(row)
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, status, subscription_tier, max_workflows, max_robots, max_executions_per_hour,
			max_storage_bytes, max_team_members, current_workflow_count, current_robot_count, created_at, updated_at
		FROM tenants WHERE slug = $1
	`, slug)
	return scanTenant(row)
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, status, subscription_tier, max_workflows, max_robots, max_executions_per_hour,
			max_storage_bytes, max_team_members, current_workflow_count, current_robot_count, created_at, updated_at
		FROM tenants ORDER BY created_at
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListTenants", "query tenants", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AdjustWorkflowCount(ctx context.Context, tenantID uuid.UUID, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET current_workflow_count = GREATEST(0, current_workflow_count + $2) WHERE id = $1
	`, tenantID, delta)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.AdjustWorkflowCount", "update counter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("postgres.AdjustWorkflowCount", "tenant %s not found", tenantID)
	}
	return nil
}

func (s *Store) AdjustRobotCount(ctx context.Context, tenantID uuid.UUID, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET current_robot_count = GREATEST(0, current_robot_count + $2) WHERE id = $1
	`, tenantID, delta)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.AdjustRobotCount", "update counter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("postgres.AdjustRobotCount", "tenant %s not found", tenantID)
	}
	return nil
}

func scanTenant(scanner rowScanner) (domain.Tenant, error) {
	var t domain.Tenant
	if err := scanner.Scan(&t.ID, &t.Slug, &t.Name, &t.Status, &t.SubscriptionTier, &t.MaxWorkflows, &t.MaxRobots,
		&t.MaxExecutionsPerHour, &t.MaxStorageBytes, &t.MaxTeamMembers, &t.CurrentWorkflowCount, &t.CurrentRobotCount,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Tenant{}, apperr.Wrap(apperr.NotFound, "postgres.scanTenant", "scan tenant row", err)
	}
	return t, nil
}
