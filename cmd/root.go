package cmd

import (
	"fmt"
	"os"

	"github.com/agentic-research/portal/internal/config"
	"github.com/agentic-research/portal/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (PORTAL_* variables override it)")
}

var rootCmd = &cobra.Command{
	Use:           "portal",
	Short:         "Portal: GraphQL API over a tree of realms",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger every command that
// touches the database needs.
func setup(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}
