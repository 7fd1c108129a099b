// File: cmd/feeds.go
package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newFeedsCmd(a *app) *cobra.Command {
	feedsCmd := &cobra.Command{
		Use:   "feeds",
		Short: "Inspect and run registered feeds",
	}
	feedsCmd.AddCommand(newFeedsListCmd(a), newFeedsRunCmd(a))
	return feedsCmd
}

func newFeedsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered feeds and their last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			components, err := a.components(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			if err := components.Scheduler.Init(ctx); err != nil {
				return err
			}
			states, err := components.Scheduler.States(ctx)
			if err != nil {
				return fmt.Errorf("failed to list feed states: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFREQUENCY\tWATERMARK\tLAST RUN\tSTATUS\tERROR")
			for _, st := range states {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					st.Name, st.Frequency, formatTime(st.Watermark), formatTime(st.LastRun), st.LastStatus, st.LastError)
			}
			return w.Flush()
		},
	}
}

func newFeedsRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <name>",
		Short: "Run one feed now, regardless of its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			components, err := a.components(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			if err := components.Scheduler.Init(ctx); err != nil {
				return err
			}
			res, err := components.Scheduler.RunOnce(ctx, args[0])
			if err != nil {
				a.logger().Error("Feed run failed", zap.String("feed", args[0]), zap.Error(err))
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: fetched=%d filtered=%d processed=%d skipped=%d watermark=%s\n",
				res.Feed, res.Fetched, res.Filtered, res.Processed, res.Skipped, formatTime(res.Watermark))
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
