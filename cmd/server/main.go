package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammadhprp/ratelimiting/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Request admission service",
		Long:          "Safelist, blocklist and throttle inbound HTTP and gRPC requests using shared fixed-window counters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		validateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a rules file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.LoadRules(rulesFile)
			if err != nil {
				return err
			}
			reg, err := f.Registry()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules (%d safelist, %d blocklist, %d throttle)\n",
				rulesFile, reg.Len(), len(reg.Safelists()), len(reg.Blocklists()), len(reg.Throttles()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&rulesFile, "rules", "r", "rules.yaml", "rules file to validate")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "server %s\n", Version)
		},
	}
}
