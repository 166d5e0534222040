// Package postgres implements storage.Store against PostgreSQL, exercised
// through database/sql + lib/pq for point reads/writes and jmoiron/sqlx for
// the range reads the Control API's audit endpoints run.
package postgres

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/casarerpa/orchestrator/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL. Every tenant-scoped
// method assumes the caller already bound the request's rls.Context onto the
// *sql.Tx (or relies on the session-level defaults for single-tenant admin
// tooling); Store itself never sets app.tenant_id.
type Store struct {
	db  *sql.DB
	sdb *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db, sdb: sqlx.NewDb(db, "postgres")}
}
