package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"streamframes/internal/task/engine"
	logx "streamframes/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// PollInterval is the re-arm period of task ticks. Default 5s.
	PollInterval time.Duration
	// TickTimeout bounds one tick job. 0 uses the engine default.
	TickTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Executor receives triggered jobs. *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	exec Executor

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue warnings are throttled per schedule name.
	enqMu    sync.Mutex
	enqLimit map[string]*rate.Limiter
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"spread,omitempty"`
	Running bool          `json:"running"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled      bool           `json:"enabled"`
	Started      bool           `json:"started"`
	Timezone     string         `json:"timezone"`
	PollInterval time.Duration  `json:"poll_interval"`
	Schedules    []ScheduleInfo `json:"schedules"`
}
