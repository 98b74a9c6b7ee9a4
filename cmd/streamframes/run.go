package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"streamframes/internal/app"
	"streamframes/pkg/systemd"
)

func newRunCommand(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration

	command := &cobra.Command{
		Use:   "run",
		Short: "Run the worker: tick scheduled tasks, sweep retention, serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			log := a.Logger()
			systemd.Ready(log)
			go func() { _ = systemd.Watchdog(ctx, log) }()

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			reason := app.StopSignal
			if ctx.Err() == nil {
				reason = app.StopFatalError
			}
			systemd.Stopping(log)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	command.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return command
}
