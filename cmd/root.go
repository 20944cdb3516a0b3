// Package cmd defines the rexml command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattyhall/rexml/internal/config"
)

var cfgFile string

// newRootCmd creates the root command. Running it without a subcommand serves.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rexml",
		Short: "Watches subreddits and publishes posts that cross an upvote threshold as Atom feeds.",
		Long: `rexml periodically scans the newest posts of every registered subreddit,
records the moment each post first reaches the channel's upvote threshold, and
serves those posts as an Atom feed per channel.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./rexml.yaml or /etc/rexml/rexml.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newChannelsCmd())
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
