package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		// Idempotent: every statement is IF NOT EXISTS.
		if err := a.store.Migrate(cmd.Context()); err != nil {
			return err
		}
		a.logger.Info().Str("database", a.cfg.Database.Path).Msg("schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
