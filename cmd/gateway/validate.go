package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check that the configuration file loads and is valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintln(out, color.RedString("✗ %s: %v", path, err))
				return err
			}
			fmt.Fprintln(out, color.GreenString("✓ %s is valid", path))
			fmt.Fprintf(out, "  registry:  %s\n", cfg.Registry.Type)
			fmt.Fprintf(out, "  consumers: %d\n", len(cfg.Consumers))
			fmt.Fprintf(out, "  routes:    %d\n", len(cfg.Routes))
			if cfg.Redis.Address == "" {
				fmt.Fprintln(out, color.YellowString("  ! no redis address: rate limits and idempotency are per instance"))
			}
			return nil
		},
	}
}
