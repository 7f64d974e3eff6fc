package main

import (
	"os"

	"github.com/armada-fleet/corectl/cmd/fleet-scheduler/cmd"
	"github.com/armada-fleet/corectl/internal/logging"
)

func main() {
	logging.Configure(false)
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
