package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/multierr"

	"streamframes/internal/task/scheduler"
)

// Validate checks everything that can be checked without other components:
// durations, enums, bounds, schedules and timezone. Task definitions are
// validated against calculators and streams by the catalog.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs error
	add := func(err error) { errs = multierr.Append(errs, err) }
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(fmt.Errorf("logging.file.path is required when logging.file.enabled=true"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=sqlite"))
		}
	case "":
		add(fmt.Errorf("storage.driver is required"))
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add(fmt.Errorf("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(fmt.Errorf("task_engine.queue_size must be >= 0"))
		}
		if te.HistorySize < 0 {
			add(fmt.Errorf("task_engine.history_size must be >= 0"))
		}
		if te.RetryMax < 0 {
			add(fmt.Errorf("task_engine.retry_max must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			add(fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}

	dur("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	dur("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval)
	dur("scheduler.tick_timeout", cfg.Scheduler.TickTimeout)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if cfg.Analysis.MaxAttempts < 0 {
		add(fmt.Errorf("analysis.max_attempts must be >= 0"))
	}
	dur("analysis.stale_after", cfg.Analysis.StaleAfter)

	if s := strings.TrimSpace(cfg.Retention.Schedule); s != "" {
		if err := scheduler.Validate(s); err != nil {
			add(fmt.Errorf("retention.schedule: %w", err))
		}
	}
	dur("retention.timeout", cfg.Retention.Timeout)

	for name, sc := range cfg.Streams {
		path := "streams." + name
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				add(fmt.Errorf("%s.path is required for the sqlite driver", path))
			}
		case "redis":
			if len(sc.Addrs) == 0 {
				add(fmt.Errorf("%s.addrs is required for the redis driver", path))
			}
		default:
			add(fmt.Errorf("%s.driver: unknown driver %q", path, sc.Driver))
		}
		dur(path+".busy_timeout", sc.BusyTimeout)
	}

	mc := cfg.Metrics
	dur("metrics.read_timeout", mc.ReadTimeout)
	dur("metrics.write_timeout", mc.WriteTimeout)
	dur("metrics.idle_timeout", mc.IdleTimeout)
	if mc.MutexProfileFraction < 0 {
		add(fmt.Errorf("metrics.mutex_profile_fraction must be >= 0"))
	}
	if mc.BlockProfileRate < 0 {
		add(fmt.Errorf("metrics.block_profile_rate must be >= 0"))
	}
	if addr := strings.TrimSpace(mc.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("metrics.addr: %w", err))
		}
	}

	tg := cfg.Alerts.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(fmt.Errorf("alerts.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			add(fmt.Errorf("alerts.telegram.chat_id is required when enabled"))
		}
	}
	if tg.RatePerMinute < 0 {
		add(fmt.Errorf("alerts.telegram.rate_per_minute must be >= 0"))
	}
	return errs
}
