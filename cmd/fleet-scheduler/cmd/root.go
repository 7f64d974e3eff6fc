package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armada-fleet/corectl/internal/config"
)

const configLocationFlag = "config"

// RootCmd is the fleet-scheduler entrypoint, wiring the placement and reconciliation core to a
// concrete deployment.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fleet-scheduler",
		SilenceUsage: true,
		Short:        "Placement and reconciliation core for the fleet control plane",
	}
	root.PersistentFlags().String(configLocationFlag, "./config", "path to the directory holding config.yaml")
	_ = viper.BindPFlag(configLocationFlag, root.PersistentFlags().Lookup(configLocationFlag))

	root.AddCommand(runCmd(), versionCmd())
	return root
}

func loadConfig() (config.Configuration, error) {
	path := viper.GetString(configLocationFlag)
	if path == "" {
		path = "./config"
	}
	return config.Load(path)
}
