package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at link time via -ldflags "-X ...cmd.buildVersion=...".
var buildVersion = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print fleet-scheduler version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			return nil
		},
	}
}
