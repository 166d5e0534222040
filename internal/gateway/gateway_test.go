package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
)

func seedTenantAndUserWithStatus(t *testing.T, store *memory.Store, password string, userStatus domain.UserStatus, membershipStatus domain.MembershipStatus) (domain.Tenant, domain.User, domain.Role) {
	t.Helper()
	ctx := context.Background()

	tenant, err := store.CreateTenant(ctx, domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive,
		MaxWorkflows: 10, MaxRobots: 5,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	role, err := store.CreateRole(ctx, domain.Role{Name: domain.RoleAdmin, IsSystem: true})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm := store.RegisterPermission("job", "submit")
	if err := store.GrantPermission(ctx, role.ID, perm.ID, nil); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user, err := store.CreateUser(ctx, domain.User{
		Email: "alice@example.com", PasswordHash: hash, Status: userStatus,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.CreateMembership(ctx, domain.Membership{
		TenantID: tenant.ID, UserID: user.ID, RoleID: role.ID, Status: membershipStatus,
	}); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	return tenant, user, role
}

func seedTenantAndUser(t *testing.T, store *memory.Store, password string) (domain.Tenant, domain.User, domain.Role) {
	t.Helper()
	return seedTenantAndUserWithStatus(t, store, password, domain.UserActive, domain.MembershipActive)
}

func newTestGateway(store *memory.Store) *Gateway {
	return New(store, config.AuthConfig{JWTSecret: "test-secret", TokenTTL: "15m"})
}

func TestAuthenticatePasswordSucceeds(t *testing.T) {
	store := memory.New()
	tenant, user, role := seedTenantAndUser(t, store, "correct horse battery staple")
	g := newTestGateway(store)

	sess, err := g.Authenticate(context.Background(), tenant.ID, Credential{
		Email: "alice@example.com", Password: "correct horse battery staple",
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Principal.UserID != user.ID || sess.Principal.RoleID != role.ID {
		t.Fatalf("principal = %+v, want user %s role %s", sess.Principal, user.ID, role.ID)
	}
	if sess.Token == "" {
		t.Fatalf("expected a signed token")
	}
}

func TestAuthenticateWrongPasswordFails(t *testing.T) {
	store := memory.New()
	tenant, _, _ := seedTenantAndUser(t, store, "correct horse battery staple")
	g := newTestGateway(store)

	_, err := g.Authenticate(context.Background(), tenant.ID, Credential{
		Email: "alice@example.com", Password: "wrong",
	})
	if apperr.CodeOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestAuthenticateLockedAccountFails(t *testing.T) {
	store := memory.New()
	tenant, _, _ := seedTenantAndUserWithStatus(t, store, "pw", domain.UserLocked, domain.MembershipActive)
	g := newTestGateway(store)

	_, err := g.Authenticate(context.Background(), tenant.ID, Credential{Email: "alice@example.com", Password: "pw"})
	if apperr.CodeOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for locked account, got %v", err)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	store := memory.New()
	tenant, user, role := seedTenantAndUser(t, store, "pw")
	g := newTestGateway(store)

	sess, err := g.Authenticate(context.Background(), tenant.ID, Credential{Email: "alice@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	resumed, err := g.Authenticate(context.Background(), tenant.ID, Credential{Token: sess.Token})
	if err != nil {
		t.Fatalf("resume via token: %v", err)
	}
	if resumed.Principal.UserID != user.ID || resumed.Principal.RoleID != role.ID {
		t.Fatalf("resumed principal = %+v", resumed.Principal)
	}
}

func TestParseTokenExpired(t *testing.T) {
	store := memory.New()
	g := New(store, config.AuthConfig{JWTSecret: "s", TokenTTL: "1ms"})
	tenant, _, _ := seedTenantAndUser(t, store, "pw")

	sess, err := g.Authenticate(context.Background(), tenant.ID, Credential{Email: "alice@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, _, err = g.ParseToken(sess.Token)
	if apperr.CodeOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for expired token, got %v", err)
	}
}

func TestAuthorizeGrantedPermission(t *testing.T) {
	store := memory.New()
	tenant, user, role := seedTenantAndUser(t, store, "pw")
	g := newTestGateway(store)

	principal := domain.Principal{TenantID: tenant.ID, UserID: user.ID, RoleID: role.ID}
	if err := g.Authorize(context.Background(), principal, tenant.ID, "job", "submit"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
}

func TestAuthorizeMissingPermissionForbidden(t *testing.T) {
	store := memory.New()
	tenant, user, role := seedTenantAndUser(t, store, "pw")
	g := newTestGateway(store)

	principal := domain.Principal{TenantID: tenant.ID, UserID: user.ID, RoleID: role.ID}
	err := g.Authorize(context.Background(), principal, tenant.ID, "job", "delete")
	if apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestAuthorizeInactiveMembershipForbidden(t *testing.T) {
	store := memory.New()
	tenant, user, role := seedTenantAndUserWithStatus(t, store, "pw", domain.UserActive, domain.MembershipInactive)
	g := newTestGateway(store)

	principal := domain.Principal{TenantID: tenant.ID, UserID: user.ID, RoleID: role.ID}
	err := g.Authorize(context.Background(), principal, tenant.ID, "job", "submit")
	if apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("expected Forbidden for inactive membership, got %v", err)
	}
}

func TestAuthorizeWrongTenantForbidden(t *testing.T) {
	store := memory.New()
	tenant, user, role := seedTenantAndUser(t, store, "pw")
	g := newTestGateway(store)

	principal := domain.Principal{TenantID: tenant.ID, UserID: user.ID, RoleID: role.ID}
	if err := g.Authorize(context.Background(), principal, uuid.New(), "job", "submit"); apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("expected Forbidden for foreign tenant, got %v", err)
	}
}

func TestSetContextAndFromContext(t *testing.T) {
	store := memory.New()
	tenant, user, role := seedTenantAndUser(t, store, "pw")
	g := newTestGateway(store)

	principal := domain.Principal{TenantID: tenant.ID, UserID: user.ID, RoleID: role.ID}
	ctx := g.SetContext(context.Background(), tenant, principal)

	bc, err := FromContext(ctx)
	if err != nil {
		t.Fatalf("FromContext: %v", err)
	}
	if bc.Tenant.ID != tenant.ID || bc.Principal.UserID != user.ID {
		t.Fatalf("bound context = %+v", bc)
	}
}

func TestFromContextFailsWithoutBinding(t *testing.T) {
	_, err := FromContext(context.Background())
	if apperr.CodeOf(err) != apperr.Validation {
		t.Fatalf("expected Validation for missing tenant context, got %v", err)
	}
}

func TestCheckQuotaRespectsCounters(t *testing.T) {
	store := memory.New()
	tenant, err := store.CreateTenant(context.Background(), domain.Tenant{
		Slug: "tight", Name: "Tight Co", Status: domain.TenantActive,
		MaxWorkflows: 1, MaxRobots: 1,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	g := newTestGateway(store)

	ok, err := g.CheckQuota(context.Background(), tenant.ID, domain.ResourceWorkflow)
	if err != nil || !ok {
		t.Fatalf("expected quota available, got ok=%v err=%v", ok, err)
	}

	if err := store.AdjustWorkflowCount(context.Background(), tenant.ID, 1); err != nil {
		t.Fatalf("AdjustWorkflowCount: %v", err)
	}
	ok, err = g.CheckQuota(context.Background(), tenant.ID, domain.ResourceWorkflow)
	if err != nil || ok {
		t.Fatalf("expected quota exhausted, got ok=%v err=%v", ok, err)
	}
}
