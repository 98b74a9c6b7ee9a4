package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"streamframes/internal/app"
)

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "streamframes",
		Short:         "Time-frame analysis over append-only streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(
		newRunCommand(&cfgPath),
		newTaskCommand(&cfgPath),
		newCleanupCommand(&cfgPath),
		newBackfillCommand(&cfgPath),
		newRetryCommand(&cfgPath),
		newFramesCommand(&cfgPath),
		newIngestCommand(&cfgPath),
	)
	return root
}

// withTool runs fn against an app opened for one-shot use.
func withTool(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.OpenTool(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
