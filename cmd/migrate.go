package cmd

import (
	"github.com/agentic-research/portal/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the realm tables and the root realm",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		pool, err := db.Open(cmd.Context(), cfg.DB, nil, log)
		if err != nil {
			return err
		}
		defer func() { _ = pool.Close() }()

		if err := db.Migrate(cmd.Context(), pool); err != nil {
			return err
		}
		log.Info().Str("dialect", pool.Dialect().String()).Msg("database migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
