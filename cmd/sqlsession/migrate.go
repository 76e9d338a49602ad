package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the session table",
	Long:  `Creates the session table with the configured table and column names if it does not exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.CreateTable(ctx); err != nil {
			return err
		}
		logger.Info().Str("dialect", store.Dialect().Name()).Msg("session table ready")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
