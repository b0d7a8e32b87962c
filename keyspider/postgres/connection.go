// File: connection.go
package postgres

import (
	"fmt"

	"github.com/keyspider/go-api/keyspider/postgres/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var db *gorm.DB

// Connect opens the database and migrates the schema. driver is
// "postgres" or "sqlite"; dsn is the connection string (a file path or
// ":memory:" for sqlite).
func Connect(driver, dsn string) error {
	var err error

	switch driver {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.AutoMigrate(
		&models.Server{},
		&models.AgentStatus{},
		&models.SSHKey{},
		&models.KeyLocation{},
		&models.AccessEvent{},
		&models.SudoEvent{},
		&models.AccessPath{},
		&models.UnreachableSource{},
		&models.ScanJob{},
		&models.WatchSession{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database schema: %w", err)
	}

	return nil
}

// GetDB returns the shared gorm handle, or nil before Connect.
func GetDB() *gorm.DB {
	return db
}
