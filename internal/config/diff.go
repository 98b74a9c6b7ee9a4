package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "streamframes/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe attrs for logging
// (never secrets) and the keys of tasks that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Analysis != newCfg.Analysis {
		changed = append(changed, "analysis")
		attrs = append(attrs,
			logx.Int("analysis.max_attempts", newCfg.Analysis.MaxAttempts),
			logx.String("analysis.stale_after", strings.TrimSpace(newCfg.Analysis.StaleAfter)),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", strings.TrimSpace(newCfg.Retention.Schedule)),
			logx.Bool("retention.dry_run", newCfg.Retention.DryRun),
		)
	}

	if !reflect.DeepEqual(oldCfg.Streams, newCfg.Streams) {
		changed = append(changed, "streams")
		attrs = append(attrs, logx.Int("streams.count", len(newCfg.Streams)))
	}

	tasks := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(tasks)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	// Token changes are detected but never logged.
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", newCfg.Alerts.Telegram.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(newCfg.Alerts.Telegram.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tasks
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func diffTasks(oldM, newM map[string]TaskConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for key := range set {
		o, okO := oldM[key]
		n, okN := newM[key]
		if okO != okN || taskHash(o) != taskHash(n) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// taskHash ignores formatting differences in options.
func taskHash(t TaskConfig) uint64 {
	opts := canonicalHashJSON(t.Options)
	t.Options = nil
	b, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return hashBytes(b) ^ opts
}
