package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"streamframes/internal/app"
	"streamframes/internal/storage"
)

func newCleanupCommand(cfgPath *string) *cobra.Command {
	var dryRun bool

	command := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stream records no scheduled task needs anymore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				rep, err := a.Sweep(ctx, dryRun)
				if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil {
					return werr
				}
				return err
			})
		},
	}
	command.Flags().BoolVar(&dryRun, "dry-run", false, "only count what would be deleted")
	return command
}

func newBackfillCommand(cfgPath *string) *cobra.Command {
	var force bool

	command := &cobra.Command{
		Use:   "backfill [key]",
		Short: "Compute frames between the start of the stream and a task's first frame",
		Long: "Without a key every scheduled task is backfilled. Tasks that are not scheduled\n" +
			"are refused unless --force is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				keys := args
				if len(keys) == 0 {
					list, err := a.Controller().List(ctx)
					if err != nil {
						return err
					}
					for _, s := range list {
						if force || s.State.ArmStatus == storage.ArmScheduled {
							keys = append(keys, s.Definition.Key)
						}
					}
				}
				for _, key := range keys {
					res, err := a.Controller().Backfill(ctx, key, force)
					if err != nil {
						return fmt.Errorf("backfill %s: %w", key, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d created, %d conflicts\n", key, res.Created, res.Conflicts)
				}
				return nil
			})
		},
	}
	command.Flags().BoolVar(&force, "force", false, "backfill tasks that are not scheduled")
	return command
}

func newRetryCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <key>",
		Short: "Reset attempts of failed frames so ticks retry them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				n, err := a.Controller().RetryFailed(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d failed frames reset\n", args[0], n)
				return nil
			})
		},
	}
}

func newFramesCommand(cfgPath *string) *cobra.Command {
	var (
		status string
		after  string
		before string
		limit  int
		desc   bool
	)

	command := &cobra.Command{
		Use:   "frames <key>",
		Short: "List frames of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := storage.FrameQuery{
				Status: storage.FrameStatus(strings.ToLower(strings.TrimSpace(status))),
				Limit:  limit,
				Desc:   desc,
			}
			var err error
			if q.After, err = parseTimeFlag(after); err != nil {
				return fmt.Errorf("--after: %w", err)
			}
			if q.Before, err = parseTimeFlag(before); err != nil {
				return fmt.Errorf("--before: %w", err)
			}
			return withTool(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				frames, err := a.Controller().Frames(ctx, args[0], q)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), frames)
			})
		},
	}
	command.Flags().StringVar(&status, "status", "", "pending, computed, cleaned_up or failed")
	command.Flags().StringVar(&after, "after", "", "only frames starting at or after (RFC3339 or unix seconds)")
	command.Flags().StringVar(&before, "before", "", "only frames starting before (RFC3339 or unix seconds)")
	command.Flags().IntVar(&limit, "limit", 100, "maximum frames returned, 0 for all")
	command.Flags().BoolVar(&desc, "desc", false, "newest first")
	return command
}
