package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return domain.User{}, apperr.Conflictf("memory.CreateUser", "email %s already registered", u.Email)
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return domain.User{}, apperr.NotFoundf("memory.GetUser", "user %s not found", id)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, apperr.NotFoundf("memory.GetUserByEmail", "user with email %q not found", email)
}

func (s *Store) CreateRole(_ context.Context, r domain.Role) (domain.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()
	s.roles[r.ID] = r
	return r, nil
}

func (s *Store) GetRole(_ context.Context, id uuid.UUID) (domain.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[id]
	if !ok {
		return domain.Role{}, apperr.NotFoundf("memory.GetRole", "role %s not found", id)
	}
	return r, nil
}

func (s *Store) ListRoles(_ context.Context, tenantID *uuid.UUID) ([]domain.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Role
	for _, r := range s.roles {
		if r.IsSystem || (tenantID != nil && r.TenantID != nil && *r.TenantID == *tenantID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetPermission(_ context.Context, resource, action string) (domain.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.permissions {
		if p.Resource == resource && p.Action == action {
			return p, nil
		}
	}
	return domain.Permission{}, apperr.NotFoundf("memory.GetPermission", "permission %s:%s not found", resource, action)
}

func (s *Store) ListRolePermissions(_ context.Context, roleID uuid.UUID) ([]domain.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Permission
	for _, pid := range s.rolePerms[roleID] {
		if p, ok := s.permissions[pid]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) GrantPermission(_ context.Context, roleID, permissionID uuid.UUID, condition map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolePerms[roleID] = append(s.rolePerms[roleID], permissionID)
	if condition != nil {
		s.rolePermCond[roleID.String()+"|"+permissionID.String()] = condition
	}
	return nil
}

// RegisterPermission inserts or finds a Permission; used by seed routines
// since the interface has no CreatePermission method (permissions are a
// fixed, seeded vocabulary per spec.md §4.1).
func (s *Store) RegisterPermission(resource, action string) domain.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.permissions {
		if p.Resource == resource && p.Action == action {
			return p
		}
	}
	p := domain.Permission{ID: uuid.New(), Resource: resource, Action: action}
	s.permissions[p.ID] = p
	return p
}

func (s *Store) CreateMembership(_ context.Context, m domain.Membership) (domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	key := membershipKey(m.TenantID, m.UserID)
	if _, exists := s.memberships[key]; exists {
		return domain.Membership{}, apperr.Conflictf("memory.CreateMembership", "membership already exists for tenant %s user %s", m.TenantID, m.UserID)
	}
	m.CreatedAt = time.Now().UTC()
	s.memberships[key] = m
	return m, nil
}

func (s *Store) GetMembership(_ context.Context, tenantID, userID uuid.UUID) (domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memberships[membershipKey(tenantID, userID)]
	if !ok {
		return domain.Membership{}, apperr.NotFoundf("memory.GetMembership", "no membership for tenant %s user %s", tenantID, userID)
	}
	return m, nil
}

func (s *Store) ListMemberships(_ context.Context, userID uuid.UUID) ([]domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) CreateAPIKey(_ context.Context, k domain.APIKey) (domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	for _, existing := range s.apiKeys {
		if existing.KeyPrefix == k.KeyPrefix {
			return domain.APIKey{}, apperr.Conflictf("memory.CreateAPIKey", "key prefix %s already in use", k.KeyPrefix)
		}
	}
	k.CreatedAt = time.Now().UTC()
	s.apiKeys[k.ID] = k
	return k, nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) (domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix {
			return k, nil
		}
	}
	return domain.APIKey{}, apperr.NotFoundf("memory.GetAPIKeyByPrefix", "api key with prefix %s not found", prefix)
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return apperr.NotFoundf("memory.RevokeAPIKey", "api key %s not found", id)
	}
	k.Status = domain.APIKeyRevoked
	s.apiKeys[id] = k
	return nil
}

func (s *Store) TouchAPIKey(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return apperr.NotFoundf("memory.TouchAPIKey", "api key %s not found", id)
	}
	k.LastUsedAt = &at
	s.apiKeys[id] = k
	return nil
}
