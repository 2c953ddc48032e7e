package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Inspect and replay undeliverable webhooks",
	}
	cmd.AddCommand(newDeadLetterReplayCmd())
	return cmd
}

func newDeadLetterReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Redeliver dead-lettered webhooks against the shared store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			gw, err := gateway.New(ctx, cfg, gateway.WithLogger(logger), gateway.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() {
				if err := gw.Close(context.Background()); err != nil {
					logger.Warn("failed to release resources", observability.Error(err))
				}
			}()

			res, err := gw.ReplayDeadLetters(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "processed: %d\n", res.Processed)
			fmt.Fprintf(out, "delivered: %s\n", color.GreenString("%d", res.Delivered))
			fmt.Fprintf(out, "requeued:  %s\n", color.YellowString("%d", res.Requeued))
			fmt.Fprintf(out, "dropped:   %s\n", color.RedString("%d", res.Dropped))
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "Maximum deliveries to replay (0 replays everything parked)")
	return cmd
}
