// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-feeds/internal/service"
)

// newRunCmd creates the long running daemon command.
func newRunCmd(a *app) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the feed scheduler until interrupted",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Flags override the config file and environment.
			for key, flag := range map[string]string{
				"scheduler.tick_interval":        "tick-interval",
				"scheduler.max_concurrent_feeds": "max-concurrent",
				"server.address":                 "listen",
			} {
				if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			noServer, err := cmd.Flags().GetBool("no-server")
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), a, noServer)
		},
	}

	runCmd.Flags().Duration("tick-interval", 0, "how often due feeds are evaluated")
	runCmd.Flags().Int("max-concurrent", 0, "maximum number of feeds running at once")
	runCmd.Flags().String("listen", "", "address of the metrics and status server")
	runCmd.Flags().Bool("no-server", false, "do not start the metrics and status server")
	return runCmd
}

func runDaemon(ctx context.Context, a *app, noServer bool) error {
	// PersistentPreRunE has already loaded a.cfg, but flags bound in PreRunE
	// only apply after a fresh unmarshal.
	if err := a.v.Unmarshal(a.cfg); err != nil {
		return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := a.logger()

	components, err := a.components(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return components.Scheduler.Start(gctx)
	})
	if a.cfg.Server.Enabled && !noServer {
		srv := service.NewServer(components.Scheduler, logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, a.cfg.Server.Address)
		})
	}

	logger.Info("Feed daemon running.", zap.Strings("feeds", components.Registry.Names()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Feed daemon stopped.")
	return nil
}
