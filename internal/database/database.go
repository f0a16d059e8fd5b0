package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the run journal database. File URLs and *.db paths use SQLite, anything
// else is treated as a PostgreSQL DSN.
func Connect(url string) (*gorm.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("database url must not be empty")
	}

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if isSQLite(url) {
		db, err := gorm.Open(sqlite.Open(url), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return db, nil
	}

	db, err := gorm.Open(postgres.Open(url), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return db, nil
}

func isSQLite(url string) bool {
	return strings.HasPrefix(url, "file:") || strings.HasSuffix(url, ".db") || url == ":memory:"
}
