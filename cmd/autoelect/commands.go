package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autoelect/internal/app"
	"autoelect/internal/config"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "autoelect",
		Short:         "Course registration scheduler",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	root.AddCommand(
		newRunCmd(&cfgPath),
		newCheckCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var withMonitor bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the registration loops and keep going until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []app.Option
			if withMonitor {
				opts = append(opts, app.WithMonitor())
			}
			return run(cmd.Context(), *cfgPath, opts...)
		},
	}
	cmd.Flags().BoolVar(&withMonitor, "with-monitor", false, "start the status server even if monitor.enabled is false")
	return cmd
}

func run(ctx context.Context, cfgPath string, opts ...app.Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.NewApp(cfgPath, opts...)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFinished
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
		reason = app.StopAppStop
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the resulting rule set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			snap, err := config.BuildSnapshot(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range snap.Describe() {
				fmt.Fprintln(out, line)
			}
			for _, w := range snap.Warnings() {
				fmt.Fprintln(out, "warning:", w)
			}
			fmt.Fprintf(out, "ok: %d courses, %d partitions, version %s\n",
				len(snap.Courses()), len(snap.Partitions()), snap.Version())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}
