package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	tz := cfg.Timezone
	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			ID:      d.id,
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Spread:  d.startupSpread,
			Running: d.state.Running(),
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	return Snapshot{
		Enabled:      cfg.Enabled,
		Started:      c != nil,
		Timezone:     tz,
		PollInterval: cfg.PollInterval,
		Schedules:    items,
	}
}
