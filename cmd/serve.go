package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattyhall/rexml/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the feed and admin listeners and the scan scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
