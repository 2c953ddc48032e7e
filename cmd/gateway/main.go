// Package main is the entry point for the API gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "avagate",
		Short: "API gateway for authenticated, rate limited backend access",
		Long: `avagate authenticates consumers, enforces rate limits, quotas and
route policies, and forwards requests to backend services with circuit
breaking and retries. Long running routes are served as async operations
with signed webhook callbacks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file (YAML or TOML)")
	root.PersistentFlags().String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level override (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format override (json, console)")

	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newKeyCmd(),
		newDeadLetterCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "avagate version %s\n", version)
			fmt.Fprintf(out, "  Build time: %s\n", buildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", gitCommit)
		},
	}
}
