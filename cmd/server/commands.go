package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "content-jobs",
		Short:         "Asynchronous content generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the YAML config file")

	rootCmd.AddCommand(
		newAPICommand(&configPath),
		newWorkerCommand(&configPath),
		newAllCommand(&configPath),
	)
	return rootCmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newAPICommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Args:  cobra.NoArgs,
		Short: "Serve the submission and status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			sched := rt.scheduler(false, true)
			sched.Start(ctx)
			defer sched.Stop()

			return rt.serve(ctx)
		},
	}
}

func newWorkerCommand(configPath *string) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "worker",
		Args:  cobra.NoArgs,
		Short: "Run the worker pool",
		Long: `Run the worker pool. Before the first ref is popped the startup
reclaimer fails jobs whose in-flight chunks were abandoned by a dead worker
and pushes again the refs of pending chunks that were popped but never
claimed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			return rt.work(ctx, drain, false)
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "process queued refs until the queues are empty, then exit")
	return cmd
}

func newAllCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Args:  cobra.NoArgs,
		Short: "Serve the API and run the worker pool in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rt.serve(gctx) })
			g.Go(func() error { return rt.work(gctx, false, true) })
			return g.Wait()
		},
	}
}
