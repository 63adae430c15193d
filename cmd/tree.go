package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/ident"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/spf13/cobra"
)

var treeCmd = &cobra.Command{
	Use:   "tree [path]",
	Short: "Load the realm tree once and print it",
	Long: "Loads the realm tree with the same checks the server applies and prints\n" +
		"the subtree at path (default \"/\"). Fails on structural violations.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		pool, err := db.Open(cmd.Context(), cfg.DB, nil, log)
		if err != nil {
			return err
		}
		defer func() { _ = pool.Close() }()

		tree, err := realm.PoolLoader(pool)(cmd.Context(), 1)
		if err != nil {
			return err
		}
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		start, ok := tree.Resolve(path)
		if !ok {
			return fmt.Errorf("%w: %s", realm.ErrNotFound, path)
		}
		printTree(cmd.OutOrStdout(), tree, start)
		return nil
	},
}

func printTree(w io.Writer, tree *realm.Tree, start *realm.Node) {
	base := start.Depth()
	tree.Walk(start, func(n *realm.Node) bool {
		indent := strings.Repeat("  ", n.Depth()-base)
		fmt.Fprintf(w, "%s%s  %q  [%s]\n", indent, n.Path(), n.Name(), ident.Encode(ident.KindRealm, n.ID()))
		return true
	})
}

func init() {
	rootCmd.AddCommand(treeCmd)
}
