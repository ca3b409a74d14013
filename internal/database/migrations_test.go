package database

import (
	"context"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&StoreNode{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsSeedsTrialTicket(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored StoreNode
	if err := database.Where("path = ?", ticketsNodePath).Take(&stored).Error; err != nil {
		testContext.Fatalf("expected seeded ticket pool: %v", err)
	}
	if stored.ValueJSON != `["TRIAL-JKT48"]` {
		testContext.Fatalf("unexpected seeded pool %s", stored.ValueJSON)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedTrialTicket).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsKeepsExistingPools(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	repository, err := NewNodeRepository(NodeRepositoryConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to create repository: %v", err)
	}
	if err := repository.Save(context.Background(), publicTicketsNodePath, []byte(`["OPEN"]`)); err != nil {
		testContext.Fatalf("failed to seed public pool: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var count int64
	if err := database.Model(&StoreNode{}).Where("path = ?", ticketsNodePath).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no trial ticket when a pool already exists")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := database.Where("path = ?", ticketsNodePath).Delete(&StoreNode{}).Error; err != nil {
		testContext.Fatalf("failed to clear pool: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}
	var count int64
	database.Model(&StoreNode{}).Count(&count)
	if count != 0 {
		testContext.Fatalf("expected an applied migration not to run again, found %d nodes", count)
	}
}
