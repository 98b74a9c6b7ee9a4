// Package alert forwards frame failures to an operator channel.
//
// The service subscribes to frame.failed on the event bus, suppresses
// repeats of the same frame within a window and rate-limits what is left.
// Alerts are best-effort: a failed send is logged and counted, never retried.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"streamframes/internal/analysis"
	"streamframes/internal/eventbus"
	rtsup "streamframes/internal/runtime/supervisor"
	logx "streamframes/pkg/logx"
)

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled bool
	// RatePerMinute caps sent alerts; the burst equals the rate. Default 20.
	RatePerMinute int
	// DedupWindow suppresses repeated failures of the same frame. Default 10m.
	DedupWindow time.Duration
	// SendTimeout bounds one Send. Default 10s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Stats struct {
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
	Deduped     uint64 `json:"deduped"`
	RateLimited uint64 `json:"rate_limited"`
}

const maxDedupEntries = 2000

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor

	sender Sender
	log    logx.Logger
	bus    eventbus.Bus

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, deduped, limited atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps limits. Enabling or disabling is done with Start and Stop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSender swaps the destination, for example after a token change.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if s.limiter == nil || s.cfg.RatePerMinute != cfg.RatePerMinute {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	s.cfg = cfg
}

// Start subscribes to frame failures. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil || s.bus == nil {
		return
	}
	events, unsub := s.bus.Subscribe(64, analysis.EventFrameFailed)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// alert failures must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("alert.loop", func(c context.Context) error {
		defer unsub()
		s.loop(c, events)
		return nil
	})
	s.log.Info("alerts started", logx.Int("rate_per_minute", s.cfg.RatePerMinute))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("alerts stop incomplete", logx.Err(err))
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:        s.sent.Load(),
		Failed:      s.failed.Load(),
		Deduped:     s.deduped.Load(),
		RateLimited: s.limited.Load(),
	}
}

func (s *Service) loop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fe, ok := ev.Data.(analysis.FrameEvent)
			if !ok {
				continue
			}
			s.handle(ctx, ev.Time, fe)
		}
	}
}

func (s *Service) handle(ctx context.Context, at time.Time, fe analysis.FrameEvent) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	if !s.firstInWindow(dedupKey(fe), at, cfg.DedupWindow) {
		s.deduped.Add(1)
		return
	}
	if !lim.Allow() {
		s.limited.Add(1)
		s.log.Debug("alert rate limited", logx.String("task", fe.Task), logx.Time("start", fe.Start))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := sender.Send(sctx, Format(fe))
	cancel()
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("alert send failed", logx.String("task", fe.Task), logx.Err(err))
		return
	}
	s.sent.Add(1)
}

func dedupKey(fe analysis.FrameEvent) string {
	return fmt.Sprintf("%s|%d|%s", fe.Task, fe.Start.UnixNano(), fe.Stage)
}

func (s *Service) firstInWindow(key string, now time.Time, window time.Duration) bool {
	if now.IsZero() {
		now = time.Now()
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= maxDedupEntries {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		if len(s.dedup) >= maxDedupEntries {
			clear(s.dedup)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// Format renders a frame failure as plain text.
func Format(fe analysis.FrameEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "frame failed: %s\n", fe.Task)
	fmt.Fprintf(&b, "window: %s .. %s\n", fe.Start.UTC().Format(time.RFC3339), fe.End.UTC().Format(time.RFC3339))
	if fe.Stage != "" {
		fmt.Fprintf(&b, "stage: %s\n", fe.Stage)
	}
	if fe.Attempts > 0 {
		fmt.Fprintf(&b, "attempts: %d\n", fe.Attempts)
	}
	if fe.Error != "" {
		fmt.Fprintf(&b, "error: %s", truncate(fe.Error, 512))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Do not cut a multi-byte rune.
	for n > 0 && n < len(s) && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n] + "…"
}
