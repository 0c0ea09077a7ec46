package main

import (
	"errors"

	"github.com/spf13/cobra"

	"device-orchestrator/internal/adapters/gorm"
	"device-orchestrator/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}
		lg := newLogger(cfg)
		db, err := gorm.Open(cfg.DatabaseURL, lg)
		if err != nil {
			return err
		}
		return gorm.Migrate(db, lg)
	},
}
