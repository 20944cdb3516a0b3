package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattyhall/rexml/internal/server"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Runs a single scan cycle over every channel and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer app.Close()
			return app.Scheduler().RunOnce(cmd.Context())
		},
	}
}
