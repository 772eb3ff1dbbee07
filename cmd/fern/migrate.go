package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/migrations"
	"github.com/Ramsey-B/fern/pkg/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply control-plane migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			zl, logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			db, err := database.Connect(ctx, cfg.Database(), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return database.NewMigrationService(logger, cfg.Migrations(migrations.FS)).Migrate(db, cfg.DatabaseName)
		},
	}
}
