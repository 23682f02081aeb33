package cli

import (
	"chatdesk/internal/database"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.Open(cfg)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		logger.WithField("driver", cfg.Database.Driver).Info("Starting database migration...")
		if err := database.Migrate(db); err != nil {
			return err
		}
		logger.Info("Database migration completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
