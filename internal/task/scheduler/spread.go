package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule fires first at a fixed time, then follows base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalWithSpread returns an @every schedule whose first run is delayed by
// a random offset below min(every, maxStartupSpread).
func intervalWithSpread(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return base, 0
	}
	jitter := rand.N(limit)
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
