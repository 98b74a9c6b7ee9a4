package app

import (
	"fmt"
	"strings"
	"time"

	"streamframes/internal/alert"
	"streamframes/internal/analysis"
	"streamframes/internal/catalog"
	"streamframes/internal/observability/ops"
	"streamframes/internal/task/engine"
	"streamframes/internal/task/scheduler"
	logx "streamframes/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers := 0
	queueSize := 0
	historySize := 0
	retryMax := 0
	circuit := 0
	defTimeoutStr := ""
	maxQueueDelayStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		workers = te.Workers
		queueSize = te.QueueSize
		historySize = te.HistorySize
		retryMax = te.RetryMax
		circuit = te.CircuitTripFailures
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		// ticks would be triggered into a dead engine
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if historySize == 0 {
		historySize = 200
	}
	if retryMax == 0 {
		retryMax = 3
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:             enabled,
		Workers:             workers,
		QueueSize:           queueSize,
		DefaultTimeout:      defTimeout,
		MaxQueueDelay:       maxQueueDelay,
		HistorySize:         max(historySize, 0),
		RetryMax:            max(retryMax, 0),
		CircuitTripFailures: circuit,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	poll, err := parseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	tickTimeout, err := parseDurationField("scheduler.tick_timeout", cfg.Scheduler.TickTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
		PollInterval: poll,
		TickTimeout:  tickTimeout,
	}, nil
}

// mapReconcileInterval returns 0 when reconciling is disabled.
func mapReconcileInterval(cfg *Config) (time.Duration, error) {
	return parseOptionalDuration("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval, time.Minute)
}

func mapAnalysisConfig(cfg *Config) (analysis.Config, error) {
	stale, err := parseDurationField("analysis.stale_after", cfg.Analysis.StaleAfter)
	if err != nil {
		return analysis.Config{}, err
	}
	return analysis.Config{MaxAttempts: cfg.Analysis.MaxAttempts, StaleAfter: stale}, nil
}

type retentionConfig struct {
	Enabled  bool
	Schedule string
	DryRun   bool
	Timeout  time.Duration
}

func mapRetentionConfig(cfg *Config) (retentionConfig, error) {
	rc := cfg.Retention
	schedule := strings.TrimSpace(rc.Schedule)
	if schedule == "" {
		schedule = "@every 10m"
	}
	if rc.Enabled {
		if err := scheduler.Validate(schedule); err != nil {
			return retentionConfig{}, fmt.Errorf("retention.schedule: %w", err)
		}
	}
	timeout, err := parseDurationOrDefault("retention.timeout", rc.Timeout, 5*time.Minute)
	if err != nil {
		return retentionConfig{}, err
	}
	return retentionConfig{Enabled: rc.Enabled, Schedule: schedule, DryRun: rc.DryRun, Timeout: timeout}, nil
}

func mapOpsConfig(cfg *Config) (ops.Config, error) {
	mc := cfg.Metrics
	read, err := parseDurationField("metrics.read_timeout", mc.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := parseDurationField("metrics.write_timeout", mc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := parseDurationField("metrics.idle_timeout", mc.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              mc.Enabled,
		Addr:                 strings.TrimSpace(mc.Addr),
		Token:                mc.Token,
		AllowInsecure:        mc.AllowInsecure,
		Pprof:                mc.Pprof,
		PprofPrefix:          strings.TrimSpace(mc.PprofPrefix),
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: mc.MutexProfileFraction,
		BlockProfileRate:     mc.BlockProfileRate,
	}, nil
}

func mapAlertConfig(cfg *Config) (alert.Config, alert.TelegramConfig) {
	tc := cfg.Alerts.Telegram
	return alert.Config{
			Enabled:       tc.Enabled,
			RatePerMinute: tc.RatePerMinute,
		}, alert.TelegramConfig{
			Token:    strings.TrimSpace(tc.Token),
			ChatID:   tc.ChatID,
			ThreadID: tc.ThreadID,
			APIURL:   strings.TrimSpace(tc.APIURL),
		}
}

func catalogSpecs(cfg *Config) map[string]catalog.Spec {
	out := make(map[string]catalog.Spec, len(cfg.Tasks))
	for key, t := range cfg.Tasks {
		out[key] = catalog.Spec{
			Name:       t.Name,
			Calculator: t.Calculator,
			Stream:     t.Stream,
			Duration:   t.Duration,
			Align:      t.Align,
			Autostart:  t.Autostart,
			Options:    t.Options,
		}
	}
	return out
}
