// Package gorm persists devices and sagas in Postgres.
package gorm

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"

	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/saga"
)

// Open connects to Postgres. Queries are logged through lg at warn level;
// slow ones (over 200ms) are always reported.
func Open(dsn string, lg zerolog.Logger) (*gorm.DB, error) {
	return OpenDialector(postgres.Open(dsn), lg)
}

// OpenDialector is Open for an arbitrary dialector, e.g. a mocked connection.
func OpenDialector(d gorm.Dialector, lg zerolog.Logger) (*gorm.DB, error) {
	lg = lg.With().Str("component", "gorm").Logger()
	gormLogger := gormlog.New(
		&lg,
		gormlog.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlog.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(d, &gorm.Config{
		Logger:                 gormLogger,
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the devices and sagas tables.
func Migrate(db *gorm.DB, lg zerolog.Logger) error {
	if err := db.AutoMigrate(&devices.Device{}, &saga.Saga{}); err != nil {
		return fmt.Errorf("gorm migrate: %w", err)
	}
	lg.Info().Msg("database migration successful")
	return nil
}
