package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateWorkflow(ctx context.Context, w domain.Workflow) (domain.Workflow, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_workflows (id, tenant_id, name, workspace, created_by, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, w.ID, w.TenantID, w.Name, w.Workspace, w.CreatedBy, w.Status)
	if err != nil {
		return domain.Workflow{}, apperr.Wrap(apperr.Internal, "postgres.CreateWorkflow", "insert workflow", err)
	}
	return s.GetWorkflow(ctx, w.TenantID, w.ID)
}

func (s *Store) GetWorkflow(ctx context.Context, tenantID, id uuid.UUID) (domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, workspace, created_by, status, created_at, updated_at
		FROM tenant_workflows WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanWorkflow(row)
}

func (s *Store) ListWorkflows(ctx context.Context, tenantID uuid.UUID) ([]domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, workspace, created_by, status, created_at, updated_at
		FROM tenant_workflows WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListWorkflows", "query workflows", err)
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkflow(scanner rowScanner) (domain.Workflow, error) {
	var w domain.Workflow
	if err := scanner.Scan(&w.ID, &w.TenantID, &w.Name, &w.Workspace, &w.CreatedBy, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return domain.Workflow{}, apperr.NotFoundf("postgres.scanWorkflow", "workflow not found")
	}
	return w, nil
}

func (s *Store) CreateVersion(ctx context.Context, v domain.WorkflowVersion) (domain.WorkflowVersion, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = domain.VersionDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_versions (id, workflow_id, tenant_id, semantic_version, parent_version_id, status,
			payload, checksum, change_summary, node_count, connection_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, v.ID, v.WorkflowID, v.TenantID, v.SemanticVersion, v.ParentVersionID, v.Status,
		v.Payload, v.Checksum, v.ChangeSummary, v.NodeCount, v.ConnectionCount)
	if err != nil {
		return domain.WorkflowVersion{}, apperr.Wrap(apperr.Internal, "postgres.CreateVersion", "insert workflow version", err)
	}
	return s.GetVersion(ctx, v.TenantID, v.ID)
}

func (s *Store) GetVersion(ctx context.Context, tenantID, id uuid.UUID) (domain.WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, tenant_id, semantic_version, parent_version_id, status, payload, checksum,
			change_summary, node_count, connection_count, created_at, updated_at
		FROM workflow_versions WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanVersion(row)
}

func (s *Store) GetActiveVersion(ctx context.Context, tenantID, workflowID uuid.UUID) (domain.WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, tenant_id, semantic_version, parent_version_id, status, payload, checksum,
			change_summary, node_count, connection_count, created_at, updated_at
		FROM workflow_versions WHERE workflow_id = $1 AND tenant_id = $2 AND status = $3
	`, workflowID, tenantID, domain.VersionActive)
	v, err := scanVersion(row)
	if err != nil {
		return domain.WorkflowVersion{}, apperr.NotFoundf("postgres.GetActiveVersion", "no active version for workflow %s", workflowID)
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, tenantID, workflowID uuid.UUID) ([]domain.WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, tenant_id, semantic_version, parent_version_id, status, payload, checksum,
			change_summary, node_count, connection_count, created_at, updated_at
		FROM workflow_versions WHERE workflow_id = $1 AND tenant_id = $2 ORDER BY created_at
	`, workflowID, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListVersions", "query workflow versions", err)
	}
	defer rows.Close()

	var out []domain.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ActivateVersion runs spec.md §4.2's transaction exactly: select the
// current active version for update, mark it deprecated, mark the target
// active, and roll back if the UPDATE touching the target affects zero rows.
func (s *Store) ActivateVersion(ctx context.Context, tenantID, workflowID, versionID uuid.UUID) (domain.WorkflowVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowVersion{}, apperr.Wrap(apperr.Internal, "postgres.ActivateVersion", "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var currentActiveID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM workflow_versions
		WHERE workflow_id = $1 AND tenant_id = $2 AND status = $3
		FOR UPDATE
	`, workflowID, tenantID, domain.VersionActive).Scan(&currentActiveID)
	if err != nil && err != sql.ErrNoRows {
		return domain.WorkflowVersion{}, apperr.Wrap(apperr.Internal, "postgres.ActivateVersion", "select active version", err)
	}

	if currentActiveID != uuid.Nil && currentActiveID != versionID {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_versions SET status = $4, updated_at = now()
			WHERE id = $1 AND tenant_id = $2 AND workflow_id = $3
		`, currentActiveID, tenantID, workflowID, domain.VersionDeprecated); err != nil {
			return domain.WorkflowVersion{}, apperr.Wrap(apperr.Internal, "postgres.ActivateVersion", "deprecate previous version", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_versions SET status = $4, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND workflow_id = $3 AND status <> $5
	`, versionID, tenantID, workflowID, domain.VersionActive, domain.VersionArchived)
	if err != nil {
		return domain.WorkflowVersion{}, apperr.Wrap(apperr.Internal, "postgres.ActivateVersion", "activate target version", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.WorkflowVersion{}, apperr.Conflictf("postgres.ActivateVersion", "version %s could not be activated (missing or archived)", versionID)
	}

	var v domain.WorkflowVersion
	row := tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, tenant_id, semantic_version, parent_version_id, status, payload, checksum,
			change_summary, node_count, connection_count, created_at, updated_at
		FROM workflow_versions WHERE id = $1
	`, versionID)
	if v, err = scanVersion(row); err != nil {
		return domain.WorkflowVersion{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.WorkflowVersion{}, apperr.Wrap(apperr.Internal, "postgres.ActivateVersion", "commit tx", err)
	}
	return v, nil
}

func scanVersion(scanner rowScanner) (domain.WorkflowVersion, error) {
	var (
		v               domain.WorkflowVersion
		parentVersionID uuid.NullUUID
	)
	if err := scanner.Scan(&v.ID, &v.WorkflowID, &v.TenantID, &v.SemanticVersion, &parentVersionID, &v.Status,
		&v.Payload, &v.Checksum, &v.ChangeSummary, &v.NodeCount, &v.ConnectionCount, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return domain.WorkflowVersion{}, apperr.NotFoundf("postgres.scanVersion", "workflow version not found")
	}
	if parentVersionID.Valid {
		v.ParentVersionID = &parentVersionID.UUID
	}
	return v, nil
}

func (s *Store) CreatePin(ctx context.Context, p domain.JobVersionPin) (domain.JobVersionPin, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_version_pins (id, job_id, tenant_id, workflow_id, version_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET version_id = EXCLUDED.version_id, reason = EXCLUDED.reason
	`, p.ID, p.JobID, p.TenantID, p.WorkflowID, p.VersionID, p.Reason)
	if err != nil {
		return domain.JobVersionPin{}, apperr.Wrap(apperr.Internal, "postgres.CreatePin", "insert job version pin", err)
	}
	pin, _, err := s.GetPin(ctx, p.TenantID, p.JobID)
	return pin, err
}

func (s *Store) GetPin(ctx context.Context, tenantID, jobID uuid.UUID) (domain.JobVersionPin, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, tenant_id, workflow_id, version_id, reason, created_at
		FROM job_version_pins WHERE tenant_id = $1 AND job_id = $2
	`, tenantID, jobID)

	var (
		p         domain.JobVersionPin
		versionID uuid.NullUUID
	)
	if err := row.Scan(&p.ID, &p.JobID, &p.TenantID, &p.WorkflowID, &versionID, &p.Reason, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.JobVersionPin{}, false, nil
		}
		return domain.JobVersionPin{}, false, apperr.Wrap(apperr.Internal, "postgres.GetPin", "scan pin row", err)
	}
	if versionID.Valid {
		p.VersionID = &versionID.UUID
	}
	return p, true, nil
}
