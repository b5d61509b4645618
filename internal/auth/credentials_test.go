package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPGCredentials(t *testing.T) (*PGCredentials, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGCredentials(sqlx.NewDb(db, "sqlmock")), mock
}

func TestPGCredentialsLookup(t *testing.T) {
	creds, mock := setupPGCredentials(t)

	t.Run("Found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT identifier, display_name, role, bus_id, secret_hash FROM accounts`).
			WithArgs("driver3@campus.edu").
			WillReturnRows(sqlmock.NewRows([]string{"identifier", "display_name", "role", "bus_id", "secret_hash"}).
				AddRow("driver3@campus.edu", "Ravi", "driver", 3, "$2a$hash"))

		a, err := creds.Lookup(context.Background(), "Driver3@campus.edu")
		require.NoError(t, err)
		assert.Equal(t, RoleDriver, a.Role)
		require.NotNil(t, a.BusID)
		assert.Equal(t, 3, *a.BusID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("No Bus", func(t *testing.T) {
		mock.ExpectQuery(`SELECT identifier`).
			WithArgs("gate@campus.edu").
			WillReturnRows(sqlmock.NewRows([]string{"identifier", "display_name", "role", "bus_id", "secret_hash"}).
				AddRow("gate@campus.edu", "Gate A", "security", nil, "$2a$hash"))

		a, err := creds.Lookup(context.Background(), "gate@campus.edu")
		require.NoError(t, err)
		assert.Nil(t, a.BusID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Missing", func(t *testing.T) {
		mock.ExpectQuery(`SELECT identifier`).WillReturnError(sql.ErrNoRows)

		_, err := creds.Lookup(context.Background(), "nobody@campus.edu")
		assert.ErrorIs(t, err, ErrNoAccount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Database Error", func(t *testing.T) {
		mock.ExpectQuery(`SELECT identifier`).WillReturnError(errors.New("connection reset"))

		_, err := creds.Lookup(context.Background(), "gate@campus.edu")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoAccount)
		assert.Contains(t, err.Error(), "lookup account")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGCredentialsUpsert(t *testing.T) {
	creds, mock := setupPGCredentials(t)

	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("admin@campus.edu", "Transport Office", "admin", nil, "$2a$hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := creds.Upsert(context.Background(), Account{
		Identifier: "Admin@Campus.edu", Name: "Transport Office", Role: RoleAdmin, SecretHash: "$2a$hash",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, creds.Upsert(context.Background(), Account{Identifier: "x", Role: "pilot"}))
}

func TestPGCredentialsEnsureSchema(t *testing.T) {
	creds, mock := setupPGCredentials(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS accounts`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, creds.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
