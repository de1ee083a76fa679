package main

import (
	"fmt"
	"os"

	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/kerneld/config.toml"

var rootCmd = &cobra.Command{
	Use:   "kerneld",
	Short: "kerneld runs and talks to a kernelmesh node",
	Long:  `kerneld schedules mobile kernels across a cluster of nodes and runs the applications they belong to.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
	},
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "kerneld config file")
}
