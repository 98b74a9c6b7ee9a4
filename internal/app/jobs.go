package app

import (
	"context"
	"time"

	"streamframes/internal/analysis"
	"streamframes/internal/task/scheduler"
	logx "streamframes/pkg/logx"
)

const (
	jobReconcile = "reconcile"
	jobRetention = "retention"
)

// applyJobs (re)installs the housekeeping schedules. Scheduler upserts by
// name, so this is safe on every reload.
func (a *App) applyJobs(cfg *Config) {
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}

	every, err := mapReconcileInterval(cfg)
	switch {
	case err != nil:
		a.log.Warn("invalid scheduler.reconcile_interval; keeping previous", logx.Err(err))
	case every > 0:
		if _, err := a.sched.AddIntervalOpt(jobReconcile, every, every, opt, a.reconcile); err != nil {
			a.log.Warn("reconcile schedule not installed", logx.Err(err))
		}
	default:
		a.sched.Remove(jobReconcile)
	}

	rc, err := mapRetentionConfig(cfg)
	if err != nil {
		a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		return
	}
	a.mu.Lock()
	a.ret = rc
	a.mu.Unlock()
	if !rc.Enabled {
		a.sched.Remove(jobRetention)
		return
	}
	opt.RetryMax = -1
	if _, err := a.sched.AddScheduleOpt(jobRetention, rc.Schedule, rc.Timeout, opt, a.retention); err != nil {
		a.log.Warn("retention schedule not installed", logx.String("schedule", rc.Schedule), logx.Err(err))
	}
}

func (a *App) reconcile(ctx context.Context) error {
	res, err := a.ctl.Reconcile(ctx)
	if len(res.Armed) > 0 || len(res.Disarmed) > 0 {
		a.log.Info("tasks reconciled", logx.Any("armed", res.Armed), logx.Any("disarmed", res.Disarmed))
	}
	return err
}

func (a *App) retention(ctx context.Context) error {
	a.mu.Lock()
	dryRun := a.ret.DryRun
	a.mu.Unlock()
	_, err := a.Sweep(ctx, dryRun)
	return err
}

// Sweep runs one retention pass and logs its outcome.
func (a *App) Sweep(ctx context.Context, dryRun bool) (analysis.SweepReport, error) {
	rep, err := a.adv.Sweep(ctx, dryRun)
	var count, deleted int64
	for _, s := range rep.Streams {
		count += s.Count
		deleted += s.Deleted
	}
	fields := []logx.Field{
		logx.Bool("dry_run", dryRun),
		logx.Int("streams", len(rep.Streams)),
		logx.Int64("eligible", count),
		logx.Int64("deleted", deleted),
		logx.Duration("took", rep.Took.Truncate(time.Millisecond)),
	}
	if err != nil {
		a.log.Warn("retention sweep finished with errors", append(fields, logx.Err(err))...)
		return rep, err
	}
	a.log.Info("retention sweep finished", fields...)
	return rep, nil
}
