package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var (
		apiFlag    string
		tenantFlag string
		timeout    time.Duration
	)
	ctx := &commandContext{apiFlag: &apiFlag, tenantFlag: &tenantFlag, timeout: &timeout}

	rootCmd := &cobra.Command{
		Use:           "botctl",
		Short:         "Operate the bot job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	defaultAPI := os.Getenv("BOTCTL_API")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", defaultAPI, "Base URL of the trigger API")
	rootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "Tenant sent as X-Tenant-ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newDLQCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	return rootCmd
}
