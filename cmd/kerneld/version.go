package main

import (
	"fmt"

	"github.com/danmuck/kernelmesh/internal/server"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kerneld version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kerneld version %s\n", server.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
