package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"streamframes/internal/task/engine"
	logx "streamframes/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips are normal when ticks outlast the poll interval.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	s.enqMu.Lock()
	lim := s.enqLimit[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(enqueueWarnThrottle), 1)
		s.enqLimit[name] = lim
	}
	s.enqMu.Unlock()
	if !lim.Allow() {
		return
	}

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
