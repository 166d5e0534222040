package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, status)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, apperr.Conflictf("postgres.CreateUser", "email %s already registered", u.Email)
		}
		return domain.User{}, apperr.Wrap(apperr.Internal, "postgres.CreateUser", "insert user", err)
	}
	return s.GetUser(ctx, u.ID)
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, status, created_at, updated_at FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, status, created_at, updated_at FROM users WHERE email = $1
	`, email)
	return scanUser(row)
}

func scanUser(scanner rowScanner) (domain.User, error) {
	var u domain.User
	if err := scanner.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.User{}, apperr.NotFoundf("postgres.scanUser", "user not found")
		}
		return domain.User{}, apperr.Wrap(apperr.Internal, "postgres.scanUser", "scan user row", err)
	}
	return u, nil
}

func (s *Store) CreateRole(ctx context.Context, r domain.Role) (domain.Role, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, tenant_id, name, is_system, priority)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.TenantID, r.Name, r.IsSystem, r.Priority)
	if err != nil {
		return domain.Role{}, apperr.Wrap(apperr.Internal, "postgres.CreateRole", "insert role", err)
	}
	return s.GetRole(ctx, r.ID)
}

func (s *Store) GetRole(ctx context.Context, id uuid.UUID) (domain.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, is_system, priority, created_at FROM roles WHERE id = $1
	`, id)
	return scanRole(row)
}

func (s *Store) ListRoles(ctx context.Context, tenantID *uuid.UUID) ([]domain.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, is_system, priority, created_at
		FROM roles WHERE is_system OR tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListRoles", "query roles", err)
	}
	defer rows.Close()

	var out []domain.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRole(scanner rowScanner) (domain.Role, error) {
	var (
		r        domain.Role
		tenantID uuid.NullUUID
	)
	if err := scanner.Scan(&r.ID, &tenantID, &r.Name, &r.IsSystem, &r.Priority, &r.CreatedAt); err != nil {
		return domain.Role{}, apperr.Wrap(apperr.NotFound, "postgres.scanRole", "scan role row", err)
	}
	if tenantID.Valid {
		r.TenantID = &tenantID.UUID
	}
	return r, nil
}

func (s *Store) GetPermission(ctx context.Context, resource, action string) (domain.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, resource, action FROM permissions WHERE resource = $1 AND action = $2
	`, resource, action)
	var p domain.Permission
	if err := row.Scan(&p.ID, &p.Resource, &p.Action); err != nil {
		return domain.Permission{}, apperr.NotFoundf("postgres.GetPermission", "permission %s:%s not found", resource, action)
	}
	return p, nil
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]domain.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.resource, p.action
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
	`, roleID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListRolePermissions", "query role permissions", err)
	}
	defer rows.Close()

	var out []domain.Permission
	for rows.Next() {
		var p domain.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "postgres.ListRolePermissions", "scan permission row", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID uuid.UUID, condition map[string]any) error {
	conditionJSON, err := marshalJSON("postgres.GrantPermission", condition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, condition)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO UPDATE SET condition = EXCLUDED.condition
	`, roleID, permissionID, conditionJSON)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.GrantPermission", "insert role permission", err)
	}
	return nil
}

func (s *Store) CreateMembership(ctx context.Context, m domain.Membership) (domain.Membership, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_members (id, tenant_id, user_id, role_id, status)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.TenantID, m.UserID, m.RoleID, m.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Membership{}, apperr.Conflictf("postgres.CreateMembership", "membership already exists for tenant %s user %s", m.TenantID, m.UserID)
		}
		return domain.Membership{}, apperr.Wrap(apperr.Internal, "postgres.CreateMembership", "insert membership", err)
	}
	return s.GetMembership(ctx, m.TenantID, m.UserID)
}

func (s *Store) GetMembership(ctx context.Context, tenantID, userID uuid.UUID) (domain.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, role_id, status, created_at
		FROM tenant_members WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID)
	var m domain.Membership
	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.RoleID, &m.Status, &m.CreatedAt); err != nil {
		return domain.Membership{}, apperr.NotFoundf("postgres.GetMembership", "no membership for tenant %s user %s", tenantID, userID)
	}
	return m, nil
}

func (s *Store) ListMemberships(ctx context.Context, userID uuid.UUID) ([]domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, role_id, status, created_at FROM tenant_members WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListMemberships", "query memberships", err)
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.RoleID, &m.Status, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "postgres.ListMemberships", "scan membership row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error) {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_prefix, key_hash, role_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, k.ID, k.TenantID, k.Name, k.KeyPrefix, k.KeyHash, k.RoleID, k.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.APIKey{}, apperr.Conflictf("postgres.CreateAPIKey", "key prefix %s already in use", k.KeyPrefix)
		}
		return domain.APIKey{}, apperr.Wrap(apperr.Internal, "postgres.CreateAPIKey", "insert api key", err)
	}
	return s.GetAPIKeyByPrefix(ctx, k.KeyPrefix)
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (domain.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, key_prefix, key_hash, role_id, status, last_used_at, created_at
		FROM api_keys WHERE key_prefix = $1
	`, prefix)
	return scanAPIKey(row)
}

func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET status = $2 WHERE id = $1`, id, domain.APIKeyRevoked)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.RevokeAPIKey", "update api key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("postgres.RevokeAPIKey", "api key %s not found", id)
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.TouchAPIKey", "update api key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("postgres.TouchAPIKey", "api key %s not found", id)
	}
	return nil
}

func scanAPIKey(scanner rowScanner) (domain.APIKey, error) {
	var (
		k          domain.APIKey
		lastUsedAt sql.NullTime
	)
	if err := scanner.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyPrefix, &k.KeyHash, &k.RoleID, &k.Status, &lastUsedAt, &k.CreatedAt); err != nil {
		return domain.APIKey{}, apperr.NotFoundf("postgres.scanAPIKey", "api key not found")
	}
	k.LastUsedAt = fromNullTime(lastUsedAt)
	return k, nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
