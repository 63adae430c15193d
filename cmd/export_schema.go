package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentic-research/portal/api"
	"github.com/agentic-research/portal/internal/resolver"
	"github.com/spf13/cobra"
)

var exportSchemaCmd = &cobra.Command{
	Use:   "export-schema [path]",
	Short: "Write the GraphQL schema to path, or stdout without one",
	Long: "Writes the GraphQL schema in SDL form, prefixed with a banner. Missing\n" +
		"parent directories of path are created. No database is needed.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Binding catches resolver methods that drifted from the SDL.
		if _, err := resolver.NewSchema(); err != nil {
			return fmt.Errorf("bind schema: %w", err)
		}
		sdl, err := api.Export()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			_, err := fmt.Fprint(cmd.OutOrStdout(), sdl)
			return err
		}
		target := args[0]
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent directories: %w", err)
		}
		if err := os.WriteFile(target, []byte(sdl), 0o644); err != nil {
			return fmt.Errorf("write schema: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportSchemaCmd)
}
