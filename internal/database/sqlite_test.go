package database

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("   ", zap.NewNop()); !errors.Is(err, errMissingDatabasePath) {
		testContext.Fatalf("expected missing path error, got %v", err)
	}
}

func TestOpenSQLiteCreatesStoreTables(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "store.db"), nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"store_nodes", migrationRecord{}.TableName()} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	var count int64
	if err := database.Model(&StoreNode{}).Where("path = ?", ticketsNodePath).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected seeded ticket pool node, got %d", count)
	}
}

func TestSQLiteDSN(testContext *testing.T) {
	testCases := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "plain file", path: "watchparty.db", expected: "watchparty.db?_pragma=busy_timeout(5000)"},
		{name: "existing query", path: "file:watchparty.db?mode=rwc", expected: "file:watchparty.db?mode=rwc&_pragma=busy_timeout(5000)"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			if actual := sqliteDSN(testCase.path); actual != testCase.expected {
				testContext.Fatalf("expected %s, got %s", testCase.expected, actual)
			}
		})
	}
}
