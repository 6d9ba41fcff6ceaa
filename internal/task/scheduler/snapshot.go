package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	loc := s.loc
	c := s.c
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.startupSpread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		items = append(items, it)
	}
	s.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	s.tmu.Lock()
	timers, users := len(s.timers), len(s.byUser)
	s.tmu.Unlock()

	snap := Snapshot{
		Enabled:    enabled,
		Timezone:   tz,
		Schedules:  items,
		UserTimers: timers,
		Users:      users,
	}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}
