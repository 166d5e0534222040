package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/casarerpa/orchestrator/internal/auditlog"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/robotregistry"
	"github.com/casarerpa/orchestrator/internal/scheduleengine"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
	"github.com/casarerpa/orchestrator/internal/workflowstore"
	"github.com/casarerpa/orchestrator/pkg/logger"
)

// testFixture wires a full API behind an in-memory store, with one tenant,
// one role granted every permission the Control API checks, and an API key
// a test can present via the X-API-Key header.
type testFixture struct {
	api      *API
	tenant   domain.Tenant
	apiKey   string
	store    *memory.Store
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	tenant, err := store.CreateTenant(ctx, domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive,
		MaxWorkflows: 100, MaxRobots: 100,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	role, err := store.CreateRole(ctx, domain.Role{Name: domain.RoleAdmin, IsSystem: true})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	for _, pa := range [][2]string{
		{"job", "create"}, {"job", "read"}, {"job", "cancel"},
		{"workflow", "create"}, {"workflow", "update"},
		{"schedule", "create"}, {"schedule", "update"},
		{"robot", "read"}, {"audit", "read"},
	} {
		perm := store.RegisterPermission(pa[0], pa[1])
		if err := store.GrantPermission(ctx, role.ID, perm.ID, nil); err != nil {
			t.Fatalf("GrantPermission %s:%s: %v", pa[0], pa[1], err)
		}
	}

	rawKey := "testprefix.testsecret"
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	if _, err := store.CreateAPIKey(ctx, domain.APIKey{
		TenantID:  tenant.ID,
		Name:      "ci",
		KeyPrefix: "testprefix",
		KeyHash:   string(hash),
		RoleID:    role.ID,
		Status:    domain.APIKeyActive,
	}); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	gw := gateway.New(store, config.AuthConfig{JWTSecret: "test-secret", TokenTTL: "15m"})
	log := logger.New(logger.LoggingConfig{Level: "error", Format: "json", Output: "stdout"})

	jobs := jobqueue.New(store, gw, jobqueue.Options{})
	workflows := workflowstore.New(store, gw)
	robots := robotregistry.New(store, 0)
	schedules := scheduleengine.New(store, nil, jobs, nil, nil, nil, scheduleengine.Options{}, log)
	audit := auditlog.New(store, auditlog.Options{}, log)

	api := New(store, gw, jobs, workflows, robots, schedules, audit, Options{}, log)

	return &testFixture{api: api, tenant: tenant, apiKey: rawKey, store: store}
}

func (f *testFixture) request(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", f.apiKey)
	req.Header.Set("X-Tenant-ID", f.tenant.ID.String())
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndGetJob(t *testing.T) {
	f := newTestFixture(t)

	submitRec := f.request(http.MethodPost, "/v1/jobs/", map[string]any{
		"workflow_id": uuid.New().String(),
		"priority":    1,
	})
	if submitRec.Code != http.StatusCreated {
		t.Fatalf("submit-job status = %d, body = %s", submitRec.Code, submitRec.Body.String())
	}
	var created jobResponse
	if err := json.Unmarshal(submitRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode submit-job response: %v", err)
	}
	if created.Status != domain.JobQueued {
		t.Fatalf("job status = %s, want queued", created.Status)
	}

	getRec := f.request(http.MethodGet, "/v1/jobs/"+created.ID.String(), nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get-job status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
	var fetched jobResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode get-job response: %v", err)
	}
	if fetched.ID != created.ID {
		t.Fatalf("fetched job id = %s, want %s", fetched.ID, created.ID)
	}
}

func TestCancelJob(t *testing.T) {
	f := newTestFixture(t)

	submitRec := f.request(http.MethodPost, "/v1/jobs/", map[string]any{"workflow_id": uuid.New().String()})
	var created jobResponse
	_ = json.Unmarshal(submitRec.Body.Bytes(), &created)

	cancelRec := f.request(http.MethodPost, "/v1/jobs/"+created.ID.String()+"/cancel", map[string]any{"reason": "no longer needed"})
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel-job status = %d, body = %s", cancelRec.Code, cancelRec.Body.String())
	}
	var cancelled jobResponse
	if err := json.Unmarshal(cancelRec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancel-job response: %v", err)
	}
	if cancelled.Status != domain.JobCancelled {
		t.Fatalf("job status = %s, want cancelled", cancelled.Status)
	}
}

func TestListRobotsEmpty(t *testing.T) {
	f := newTestFixture(t)

	rec := f.request(http.MethodGet, "/v1/robots/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list-robots status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var robots []any
	if err := json.Unmarshal(rec.Body.Bytes(), &robots); err != nil {
		t.Fatalf("decode list-robots response: %v", err)
	}
	if len(robots) != 0 {
		t.Fatalf("robots = %v, want empty", robots)
	}
}

func TestReadAuditRangeEmpty(t *testing.T) {
	f := newTestFixture(t)

	rec := f.request(http.MethodGet, "/v1/audit?start_id=1&end_id=100", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read-audit-range status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp auditRangeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode read-audit-range response: %v", err)
	}
	if !resp.VerificationOK {
		t.Fatalf("expected an empty range to verify clean, got %+v", resp)
	}
}

func TestMissingCredentialIsUnauthenticated(t *testing.T) {
	f := newTestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/robots/", nil)
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestWrongResourcePermissionIsForbidden(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tenant, err := store.CreateTenant(ctx, domain.Tenant{Slug: "acme", Name: "Acme", Status: domain.TenantActive, MaxWorkflows: 10, MaxRobots: 10})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	role, err := store.CreateRole(ctx, domain.Role{Name: "viewer"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm := store.RegisterPermission("robot", "read")
	if err := store.GrantPermission(ctx, role.ID, perm.ID, nil); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	rawKey := "viewerprefix.viewersecret"
	hash, _ := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	if _, err := store.CreateAPIKey(ctx, domain.APIKey{
		TenantID: tenant.ID, Name: "viewer", KeyPrefix: "viewerprefix", KeyHash: string(hash),
		RoleID: role.ID, Status: domain.APIKeyActive,
	}); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	gw := gateway.New(store, config.AuthConfig{JWTSecret: "test-secret", TokenTTL: "15m"})
	log := logger.New(logger.LoggingConfig{Level: "error", Format: "json", Output: "stdout"})
	jobs := jobqueue.New(store, gw, jobqueue.Options{})
	api := New(store, gw, jobs, nil, nil, nil, nil, Options{}, log)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewReader([]byte(`{"workflow_id":"`+uuid.New().String()+`"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", rawKey)
	req.Header.Set("X-Tenant-ID", tenant.ID.String())
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}
