package rls

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindTxRejectsNilTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	err = BindTx(context.Background(), tx, Context{})
	assert.Error(t, err)
}

func TestBindTxSetsSessionVariables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenantID := uuid.New()
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config\\('app.tenant_id'").
		WithArgs(tenantID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT set_config\\('app.user_id'").
		WithArgs(userID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := db.Begin()
	require.NoError(t, err)

	err = BindTx(context.Background(), tx, Context{TenantID: tenantID, UserID: userID})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
