package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avagate/internal/auth"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage consumer API keys",
	}
	cmd.AddCommand(newKeyGenerateCmd(), newKeyHashCmd())
	return cmd
}

func newKeyGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <key-id>",
		Short: "Generate an API key and the hash to store for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, _ := cmd.Flags().GetInt("cost")

			key, err := auth.GenerateAPIKey(args[0])
			if err != nil {
				return err
			}
			hash, err := auth.HashAPIKey(key, cost)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key_id:          %s\n", args[0])
			fmt.Fprintf(out, "api_key:         %s\n", color.GreenString(key))
			fmt.Fprintf(out, "credential_hash: %s\n", hash)
			fmt.Fprintln(out, color.YellowString("The API key is shown once. Store only the hash in the gateway config."))
			return nil
		},
	}
	cmd.Flags().Int("cost", 0, "bcrypt cost (0 uses the default)")
	return cmd
}

func newKeyHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash <api-key>",
		Short: "Print the credential hash for an existing API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, _ := cmd.Flags().GetInt("cost")
			hash, err := auth.HashAPIKey(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().Int("cost", 0, "bcrypt cost (0 uses the default)")
	return cmd
}
