package engine

import (
	"strings"
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker per job name. After trip
// failures in a row the job is refused for a cooldown that doubles with every
// further failure, up to maxDelay. A success closes it; a long quiet period
// (resetAfter) forgets old failures.
type breaker struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func breakerFor(cfg Config, opt TaskOptions) (breaker, bool) {
	trip := cfg.CircuitTripFailures
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return breaker{}, false
	}
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return breaker{
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}, true
}

type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// forget clears failures older than resetAfter.
func (c *circuit) forget(now time.Time, b breaker) {
	if !c.lastFailure.IsZero() && b.resetAfter > 0 && now.Sub(c.lastFailure) > b.resetAfter {
		*c = circuit{}
	}
}

type circuits struct {
	mu sync.Mutex
	m  map[string]*circuit
}

// lookup returns the circuit for name. Call with mu held.
func (s *circuits) lookup(name string) *circuit {
	if s.m == nil {
		s.m = make(map[string]*circuit)
	}
	c := s.m[name]
	if c == nil {
		c = &circuit{}
		s.m[name] = c
	}
	return c
}

// open reports whether name is currently refused and until when.
func (s *circuits) open(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	b, ok := breakerFor(cfg, opt)
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(name)
	c.forget(now, b)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record feeds the final result of a run (after retries) into the breaker.
func (s *circuits) record(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	b, ok := breakerFor(cfg, opt)
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(name)
	c.forget(now, b)
	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < b.trip {
		return
	}
	d := b.baseDelay
	for i := 0; i < c.fails-b.trip && d < b.maxDelay; i++ {
		d *= 2
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	c.openUntil = now.Add(d)
}

func (s *circuits) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, c := range s.m {
		if now.Before(c.openUntil) {
			open++
		}
	}
	return total, open
}
