package main

import (
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/node"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		logging.Infof("kerneld.serve name=%s port=%d unix_socket=%q", cfg.Name, cfg.Port, cfg.UnixSocket)
		return node.NewServiceWithConfig(cfg).Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
