package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m") and are parsed when mapped onto service configs.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// TaskEngine controls execution of tick jobs. If omitted, the engine
	// follows scheduler.enabled with default settings.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Retention RetentionConfig `json:"retention"`

	Streams map[string]StreamConfig `json:"streams"`
	Tasks   map[string]TaskConfig   `json:"tasks"`

	Metrics MetricsConfig `json:"metrics,omitempty"`
	Alerts  AlertsConfig  `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the frame store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./streamframes.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TaskEngineConfig controls the job engine.
//
// Enabled is a pointer so "omitted" (follow scheduler.enabled) differs from
// an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - circuit_trip_failures: 5 (-1 disables)
type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	CircuitTripFailures int `json:"circuit_trip_failures,omitempty"`
}

// SchedulerConfig controls tick triggering.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA), used by cron schedules such as retention.
	Timezone string `json:"timezone,omitempty"`

	// PollInterval is how often an armed task ticks. Default "5s".
	PollInterval string `json:"poll_interval,omitempty"`
	// ReconcileInterval re-arms scheduled tasks from the store. Default "1m",
	// "0s" disables.
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
	// TickTimeout bounds one tick. Default: task_engine.default_timeout.
	TickTimeout string `json:"tick_timeout,omitempty"`
}

type AnalysisConfig struct {
	// MaxAttempts bounds compute attempts of a failed frame. Default 3.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// StaleAfter is when an untouched Pending or Computed frame is
	// considered abandoned. Default "10m".
	StaleAfter string `json:"stale_after,omitempty"`
}

type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule accepts cron, interval or "daily:HH:MM". Default "@every 10m".
	Schedule string `json:"schedule,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StreamConfig configures one named stream source.
type StreamConfig struct {
	Driver string `json:"driver"`

	// sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// redis
	Addrs    []string `json:"addrs,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"` // do not log
	DB       int      `json:"db,omitempty"`
	Key      string   `json:"key,omitempty"`
}

// TaskConfig is one analysis task. The map key is the task key.
type TaskConfig struct {
	Name       string          `json:"name,omitempty"`
	Calculator string          `json:"calculator"`
	Stream     string          `json:"stream"`
	Duration   string          `json:"duration"`
	Align      string          `json:"align,omitempty"`
	Autostart  bool            `json:"autostart,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// UnmarshalJSON rejects unknown fields; map values are not covered by the
// top-level decoder setting.
func (t *TaskConfig) UnmarshalJSON(b []byte) error {
	type plain TaskConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*t = TaskConfig(p)
	return nil
}

// UnmarshalJSON rejects unknown fields.
func (s *StreamConfig) UnmarshalJSON(b []byte) error {
	type plain StreamConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = StreamConfig(p)
	return nil
}

// MetricsConfig controls the ops HTTP server (/metrics, /healthz and
// optionally /debug/pprof/).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// Server timeouts. WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

// TelegramAlertConfig sends frame failures to a chat.
type TelegramAlertConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// APIURL overrides the Bot API endpoint.
	APIURL string `json:"api_url,omitempty"`
	// RatePerMinute caps sent alerts. Default 20.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}
