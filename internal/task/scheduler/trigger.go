package scheduler

import (
	"context"
	"errors"
	"strings"

	"streamframes/internal/task/engine"
)

const tickPrefix = "tick:"

// TickName is the schedule name of the recurring tick for a task key.
func TickName(key string) string { return tickPrefix + strings.TrimSpace(key) }

// Arm registers (or replaces) the recurring tick for key at the poll
// interval. A tick is skipped while the previous one is still queued or
// running.
func (s *Service) Arm(key string, job func(ctx context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("task key required")
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	_, err := s.AddIntervalOpt(TickName(key), cfg.PollInterval, cfg.TickTimeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
	return err
}

// Disarm removes the recurring tick for key.
func (s *Service) Disarm(key string) bool {
	return s.Remove(TickName(key))
}

// Fire enqueues one extra tick for key right away, next to the recurring one.
func (s *Service) Fire(key string, job func(ctx context.Context) error) error {
	if s.exec == nil {
		return engine.ErrStopped
	}
	s.mu.Lock()
	timeout := s.cfg.TickTimeout
	s.mu.Unlock()
	err := s.exec.Enqueue(engine.Task{
		Name:    TickName(key) + ":now",
		Key:     TickName(key),
		Timeout: timeout,
		Run:     job,
		Opt:     TaskOptions{Overlap: OverlapAllow},
	})
	if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		s.reportEnqueueError(TickName(key), err)
	}
	return err
}
