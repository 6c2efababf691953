package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palantir/internal/errors"
	"palantir/internal/testutil"
)

// Unit Tests

func TestNewMySQLCompanyConfigRepository(t *testing.T) {
	db := &sql.DB{}
	repo := NewMySQLCompanyConfigRepository(db)

	assert.NotNil(t, repo)
	assert.Equal(t, db, repo.db)
}

// Integration Tests

func TestCompanyConfigRepository_FindByCompanyID_Success(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.SetupTestTables(t, db)
	defer testutil.CleanupTestDB(t, db)

	repo := NewMySQLCompanyConfigRepository(db)

	result, err := db.Exec(`
		INSERT INTO CompanyConfig (companyId, messagingInstance, printerName)
		VALUES (1, 'pizzaria-centro', 'EPSON TM-T20')
	`)
	require.NoError(t, err)

	configID, err := result.LastInsertId()
	require.NoError(t, err)

	config, err := repo.FindByCompanyID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int(configID), config.ID)
	assert.Equal(t, 1, config.CompanyID)
	assert.Equal(t, "pizzaria-centro", config.MessagingInstance)
	require.NotNil(t, config.PrinterName)
	assert.Equal(t, "EPSON TM-T20", *config.PrinterName)
}

func TestCompanyConfigRepository_FindByCompanyID_WithoutPrinter(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.SetupTestTables(t, db)
	defer testutil.CleanupTestDB(t, db)

	repo := NewMySQLCompanyConfigRepository(db)

	_, err := db.Exec(`
		INSERT INTO CompanyConfig (companyId, messagingInstance)
		VALUES (2, 'lanchonete')
	`)
	require.NoError(t, err)

	config, err := repo.FindByCompanyID(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, config.PrinterName)
	assert.False(t, config.CreatedAt.IsZero())
}

func TestCompanyConfigRepository_FindByCompanyID_NotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.SetupTestTables(t, db)
	defer testutil.CleanupTestDB(t, db)

	repo := NewMySQLCompanyConfigRepository(db)

	config, err := repo.FindByCompanyID(context.Background(), 9999)
	assert.Error(t, err)
	assert.Nil(t, config)

	nfe, ok := errors.IsNotFoundError(err)
	assert.True(t, ok)
	assert.NotNil(t, nfe)
}

func TestCompanyConfigRepository_UniqueConstraint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.SetupTestTables(t, db)
	defer testutil.CleanupTestDB(t, db)

	_, err := db.Exec(`INSERT INTO CompanyConfig (companyId, messagingInstance) VALUES (50, 'a')`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO CompanyConfig (companyId, messagingInstance) VALUES (50, 'b')`)
	require.Error(t, err)
}
