package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattyhall/rexml/internal/logging"
	"github.com/mattyhall/rexml/internal/storage/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Applies or rolls back the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			if len(args) == 1 && args[0] == "down" {
				return migrations.Down(cfg.DB.Driver, cfg.DB.DSN, logger)
			}
			return migrations.Up(cfg.DB.Driver, cfg.DB.DSN, logger)
		},
	}
}
