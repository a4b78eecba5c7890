package db

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations. SQL logging goes
// through log at warn level; slow queries are reported above 500ms.
func InitDB(dbPath string, log *logrus.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{}
	if log != nil {
		cfg.Logger = logger.New(log, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(sqlite.Open(dbPath), cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the service uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Option{},
		&models.Transient{},
		&models.ScheduledEvent{},
		&models.Listing{},
		&models.PostAttempt{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
