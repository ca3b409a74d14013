package database

import (
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sqliteBusyTimeoutMillis = 5000

var errMissingDatabasePath = errors.New("database path is required")

// OpenSQLite opens the durable store file. It creates the store_nodes table
// that backs settings, lineup, ticket pools and chat, plus the migration
// ledger, then applies pending data migrations such as the trial ticket
// seed. A single connection serializes writers.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingDatabasePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&StoreNode{}, &migrationRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: schema: %w", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: migrations: %w", err)
	}

	logger.Info("store database ready",
		zap.String("path", path),
		zap.String("table", StoreNode{}.TableName()))
	return db, nil
}

// sqliteDSN adds a busy timeout so a second process waits on the file lock
// instead of failing immediately.
func sqliteDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", path, separator, sqliteBusyTimeoutMillis)
}
