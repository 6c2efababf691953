package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
)

// SetupTestDB opens the integration database and skips the test when it is
// unreachable. TEST_DB_DSN overrides the default local DSN.
func SetupTestDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = "root:@tcp(localhost:3306)/palantir_test?parseTime=true"
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("test database not available: %v", err)
	}

	return db
}

// CleanupTestDB empties the tables and closes the connection.
func CleanupTestDB(t *testing.T, db *sql.DB) {
	if db == nil {
		return
	}

	tables := []string{"WhatsappAlerts", "Orders", "CompanyConfig"}
	for _, table := range tables {
		_, err := db.Exec(fmt.Sprintf("DELETE FROM %s", table))
		if err != nil {
			t.Logf("failed to clean table %s: %v", table, err)
		}
	}

	db.Close()
}

// SetupTestTables creates the tables the repositories read and write.
func SetupTestTables(t *testing.T, db *sql.DB) {
	createCompanyConfigTable := `
	CREATE TABLE IF NOT EXISTS CompanyConfig (
		id INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		companyId INT NOT NULL UNIQUE,
		messagingInstance VARCHAR(100) NOT NULL,
		printerName VARCHAR(255),
		createdAt DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updatedAt DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`

	createOrdersTable := `
	CREATE TABLE IF NOT EXISTS Orders (
		id INT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		companyId INT NOT NULL,
		orderNumber INT NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'new',
		customerName VARCHAR(150) NOT NULL,
		customerPhone VARCHAR(30),
		customerAddress VARCHAR(255),
		items JSON NOT NULL,
		paymentMethod VARCHAR(50) NOT NULL,
		subtotal DECIMAL(10,2) NOT NULL DEFAULT 0.00,
		deliveryFee DECIMAL(10,2) NOT NULL DEFAULT 0.00,
		total DECIMAL(10,2) NOT NULL DEFAULT 0.00,
		createdAt DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updatedAt DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		INDEX idx_company_created (companyId, createdAt)
	)`

	createAlertsTable := `
	CREATE TABLE IF NOT EXISTS WhatsappAlerts (
		id CHAR(36) NOT NULL PRIMARY KEY,
		companyId INT NOT NULL,
		customerName VARCHAR(150) NOT NULL,
		phone VARCHAR(30) NOT NULL,
		message TEXT NOT NULL,
		isRead TINYINT(1) NOT NULL DEFAULT 0,
		createdAt DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		INDEX idx_company_created (companyId, createdAt)
	)`

	tables := []struct {
		name  string
		query string
	}{
		{"CompanyConfig", createCompanyConfigTable},
		{"Orders", createOrdersTable},
		{"WhatsappAlerts", createAlertsTable},
	}

	for _, tbl := range tables {
		_, err := db.Exec(tbl.query)
		if err != nil {
			t.Logf("failed to create table %s: %v", tbl.name, err)
		}
	}
}
