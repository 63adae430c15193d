package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/metrics"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/agentic-research/portal/internal/resolver"
	"github.com/agentic-research/portal/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the GraphQL API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		pool, err := db.Open(ctx, cfg.DB, m, log)
		if err != nil {
			return err
		}
		defer func() { _ = pool.Close() }()

		trees := realm.NewHolder(realm.PoolLoader(pool), m, log)
		if _, err := trees.Reload(ctx); err != nil {
			return fmt.Errorf("initial realm tree: %w", err)
		}
		schema, err := resolver.NewSchema()
		if err != nil {
			return fmt.Errorf("bind schema: %w", err)
		}

		srv := server.New(cfg.HTTP, server.Deps{
			Schema:  schema,
			Factory: reqctx.NewFactory(pool, trees, log),
			Trees:   trees,
			Metrics: m,
			Log:     log,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
		if cfg.Tree.ReloadInterval > 0 {
			g.Go(func() error { return trees.Run(gctx, cfg.Tree.ReloadInterval) })
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
