package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "streamframes/pkg/logx"
)

func New(cfg Config, exec Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		exec: exec,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   newParser(),
		enqLimit: map[string]*rate.Limiter{},
	}
}

func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// PollInterval is the current tick period.
func (s *Service) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollInterval
}

// Apply swaps the config. A timezone change restarts cron; a poll interval
// change re-registers every armed tick with the new period.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	oldPoll := s.cfg.PollInterval
	oldTimeout := s.cfg.TickTimeout
	s.cfg = cfg

	if cfg.PollInterval != oldPoll || cfg.TickTimeout != oldTimeout {
		for i := range s.defs {
			if strings.HasPrefix(s.defs[i].name, tickPrefix) {
				s.defs[i].spec = everySpec(cfg.PollInterval)
				s.defs[i].timeout = cfg.TickTimeout
			}
		}
	}
	if s.c == nil {
		return
	}
	if oldTZ != newTZ || cfg.PollInterval != oldPoll {
		s.restartLocked()
	}
}

// Start starts cron triggering for every registered schedule.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)), logx.Duration("poll", cur.PollInterval))
}

// Stop stops triggering. Definitions remain and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}
