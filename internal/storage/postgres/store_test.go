package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateTenantInsertsThenReloads(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	tenant := domain.Tenant{
		Slug: "acme", Name: "Acme Corp", Status: domain.TenantActive,
		SubscriptionTier: "pro", MaxWorkflows: 50, MaxRobots: 20,
		MaxExecutionsPerHour: 1000, MaxStorageBytes: 1 << 30, MaxTeamMembers: 10,
	}

	mock.ExpectExec("INSERT INTO tenants").WillReturnResult(sqlmock.NewResult(1, 1))
	rows := sqlmock.NewRows([]string{
		"id", "slug", "name", "status", "subscription_tier", "max_workflows", "max_robots",
		"max_executions_per_hour", "max_storage_bytes", "max_team_members",
		"current_workflow_count", "current_robot_count", "created_at", "updated_at",
	}).AddRow(uuid.New(), "acme", "Acme Corp", domain.TenantActive, "pro", 50, 20, 1000, int64(1<<30), 10, 0, 0, time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.|\n)*FROM tenants WHERE id").WillReturnRows(rows)

	got, err := s.CreateTenant(ctx, tenant)
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if got.Slug != "acme" {
		t.Fatalf("slug = %q, want acme", got.Slug)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdjustWorkflowCountNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	mock.ExpectExec("UPDATE tenants SET current_workflow_count").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AdjustWorkflowCount(ctx, tenantID, 1)
	if apperr.CodeOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestActivateVersionDeprecatesThenActivates(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	tenantID, workflowID := uuid.New(), uuid.New()
	currentActive, target := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM workflow_versions").
		WithArgs(workflowID, tenantID, domain.VersionActive).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(currentActive))
	mock.ExpectExec("UPDATE workflow_versions SET status (.|\n)*WHERE id = \\$1 AND tenant_id = \\$2 AND workflow_id = \\$3\\s*$").
		WithArgs(currentActive, tenantID, workflowID, domain.VersionDeprecated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workflow_versions SET status (.|\n)*status <> ").
		WithArgs(target, tenantID, workflowID, domain.VersionActive, domain.VersionArchived).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.|\n)*FROM workflow_versions WHERE id = \\$1\\s*$").
		WithArgs(target).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "tenant_id", "semantic_version", "parent_version_id", "status", "payload",
			"checksum", "change_summary", "node_count", "connection_count", "created_at", "updated_at",
		}).AddRow(target, workflowID, tenantID, "1.0.1", nil, domain.VersionActive, []byte(`{}`),
			"deadbeef", "", 1, 0, time.Now(), time.Now()))
	mock.ExpectCommit()

	v, err := s.ActivateVersion(ctx, tenantID, workflowID, target)
	if err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}
	if v.ID != target {
		t.Fatalf("activated version id = %v, want %v", v.ID, target)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestActivateVersionRollsBackOnConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	tenantID, workflowID, target := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM workflow_versions").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE workflow_versions SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.ActivateVersion(ctx, tenantID, workflowID, target)
	if apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
