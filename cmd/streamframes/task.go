package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"streamframes/internal/app"
)

func newTaskCommand(cfgPath *string) *cobra.Command {
	command := &cobra.Command{
		Use:   "task",
		Short: "Start, stop and inspect analysis tasks",
	}
	command.AddCommand(
		&cobra.Command{
			Use:   "start <key>...",
			Short: "Schedule tasks; a running worker arms them on its next reconcile",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
					for _, key := range args {
						st, err := a.Controller().Schedule(ctx, key)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, st.ArmStatus)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stop <key>...",
			Short: "Cancel tasks; frames already produced are kept",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
					for _, key := range args {
						st, err := a.Controller().Cancel(ctx, key)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, st.ArmStatus)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status <key>",
			Short: "Show definition, arm status and frame stats of a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
					st, err := a.Controller().Status(ctx, args[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), st)
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List configured tasks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
					list, err := a.Controller().List(ctx)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "KEY\tSTATUS\tCALCULATOR\tSTREAM\tDURATION\tFRAMES\tFAILED\tLATEST")
					for _, s := range list {
						latest := "-"
						if s.Latest != nil {
							latest = fmtTime(s.Latest.Start)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
							s.Definition.Key, s.State.ArmStatus, s.Definition.Calculator, s.Definition.Stream,
							s.Definition.Duration, s.Stats.Total, s.Stats.Failed, latest)
					}
					return tw.Flush()
				})
			},
		},
	)
	return command
}
