package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/pipeline/local"
	"github.com/danmuck/kernelmesh/internal/pipeline/process"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var defaultCount uint64 = 8

var rootCmd = &cobra.Command{
	Use:          "kernelapp",
	Short:        "Sum of squares over a kernelmesh cluster",
	Long:         `kernelapp is started by kerneld. Its main kernel computes 1^2 + ... + n^2 with one kernel per term.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()
		defaultCount, _ = cmd.Flags().GetUint64("n")
		workers, _ := cmd.Flags().GetInt("workers")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, workers)
	},
}

func init() {
	rootCmd.Flags().Uint64P("n", "n", defaultCount, "number of terms when the main kernel does not carry one")
	rootCmd.Flags().Int("workers", 0, "concurrent kernels (defaults to GOMAXPROCS)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kernelapp: %v\n", err)
		os.Exit(1)
	}
}

// run serves kernels from the node until the main kernel finished.
func run(ctx context.Context, workers int) error {
	types := newTypes()
	instances := kernel.NewInstances()
	child, err := process.OpenChild(process.ChildConfig{
		Name:      "kernelapp",
		Types:     types,
		Instances: instances,
	})
	if err != nil {
		return err
	}
	lp := local.New(local.Config{
		Name:      "kernelapp",
		Workers:   workers,
		Upstream:  child,
		Instances: instances,
	})
	child.SetNative(lp.Native())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lp.Run(gctx) })
	g.Go(func() error {
		// the child returns once the main kernel's result is written
		defer cancel()
		return child.Run(gctx)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.Infof("kernelapp.run app=%d exit err=%v", child.App(), err)
	return err
}
