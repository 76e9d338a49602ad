package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete expired sessions",
	Long: `Deletes every session whose lifetime has elapsed. With --interval the
command keeps running and collects garbage periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		collect := func() error {
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			n, err := store.Cleanup(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int64("deleted", n).Msg("expired sessions deleted")
			return nil
		}

		if err := collect(); err != nil || interval <= 0 {
			return err
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := collect(); err != nil {
					logger.Error().Err(err).Msg("garbage collection failed")
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().Duration("interval", 0, "repeat every interval until interrupted")
}
