package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattyhall/rexml/internal/id/uuid"
	"github.com/mattyhall/rexml/internal/logging"
	"github.com/mattyhall/rexml/internal/storage"
	"github.com/mattyhall/rexml/internal/watch"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manages registered channels",
	}
	cmd.AddCommand(newChannelsAddCmd())
	cmd.AddCommand(newChannelsListCmd())
	return cmd
}

func newChannelsAddCmd() *cobra.Command {
	var (
		threshold int64
		cutoff    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Registers a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !watch.ValidChannelName(name) {
				return fmt.Errorf("invalid channel name %q", name)
			}
			if threshold < 0 {
				return fmt.Errorf("--threshold must be >= 0")
			}
			if cutoff < time.Second {
				return fmt.Errorf("--cutoff must be at least 1s")
			}
			id, err := uuid.New().NewID()
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(store watch.Store) error {
				err := store.CreateChannel(cmd.Context(), watch.Channel{
					ID:              id,
					Name:            name,
					UpvoteThreshold: threshold,
					TimeCutoff:      cutoff.Truncate(time.Second),
				})
				if err != nil {
					return fmt.Errorf("register %s: %w", name, err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", name)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&threshold, "threshold", 0, "upvote threshold a post must reach")
	cmd.Flags().DurationVar(&cutoff, "cutoff", 24*time.Hour, "how far back each scan looks")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

func newChannelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists registered channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(store watch.Store) error {
				channels, err := store.ListChannels(cmd.Context())
				if err != nil {
					return fmt.Errorf("list channels: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "NAME\tTHRESHOLD\tCUTOFF")
				for _, c := range channels {
					_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Name, c.UpvoteThreshold, c.TimeCutoff)
				}
				return tw.Flush()
			})
		},
	}
}

func withStore(ctx context.Context, fn func(watch.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.Open(ctx, cfg.DB, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}
