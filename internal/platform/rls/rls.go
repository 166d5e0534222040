// Package rls binds the Postgres session variables that Row-Level Security
// policies key on, so every tenant-scoped query runs inside a transaction
// that has already declared its tenant and actor identity.
package rls

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Context carries the (tenant, actor) identity that must be bound to a
// transaction before any tenant-scoped statement executes.
type Context struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
}

// BindTx sets the `app.tenant_id` and `app.user_id` session variables for
// the lifetime of tx, using SET LOCAL so the binding never escapes the
// transaction. Callers MUST acquire tx and call BindTx before issuing any
// tenant-scoped statement within it.
func BindTx(ctx context.Context, tx *sql.Tx, c Context) error {
	if c.TenantID == uuid.Nil {
		return fmt.Errorf("rls: tenant id required")
	}
	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, true)", c.TenantID.String()); err != nil {
		return fmt.Errorf("rls: bind tenant: %w", err)
	}
	userID := c.UserID.String()
	if c.UserID == uuid.Nil {
		userID = ""
	}
	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return fmt.Errorf("rls: bind user: %w", err)
	}
	return nil
}

// SystemContext returns a Context that satisfies system-wide audit reads;
// callers still need a real tenant_id for any tenant-scoped table since the
// RLS policy on those tables does not special-case a "no tenant" session.
func SystemContext(tenantID uuid.UUID) Context {
	return Context{TenantID: tenantID}
}
