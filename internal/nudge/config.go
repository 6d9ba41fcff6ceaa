package nudge

import "time"

// Config tunes the service. Zero values take the defaults below.
type Config struct {
	Enabled bool
	Policy  string // random_gap or window
	Seed    int64  // 0 seeds from the clock

	SilenceDelay   time.Duration
	SilenceMargin  time.Duration
	RecentActivity time.Duration
	JitterMin      time.Duration
	JitterMax      time.Duration

	SweepEvery      time.Duration
	DispatchTimeout time.Duration
	RestoreSpread   time.Duration

	// Location evaluates HH:MM windows.
	Location *time.Location
}

const (
	defaultSilenceDelay    = 10 * time.Minute
	defaultSilenceMargin   = time.Minute
	defaultRecentActivity  = 5 * time.Minute
	defaultJitterMin       = 30 * time.Second
	defaultJitterMax       = 300 * time.Second
	defaultSweepEvery      = 60 * time.Second
	defaultDispatchTimeout = 2 * time.Minute
	defaultRestoreSpread   = 30 * time.Second

	// persistTimeout bounds store writes done after the job context may
	// already be spent.
	persistTimeout = 10 * time.Second

	sweepJobName = "nudge.sweep"
)

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.SilenceDelay, defaultSilenceDelay)
	def(&c.SilenceMargin, defaultSilenceMargin)
	def(&c.RecentActivity, defaultRecentActivity)
	def(&c.JitterMin, defaultJitterMin)
	def(&c.JitterMax, defaultJitterMax)
	def(&c.SweepEvery, defaultSweepEvery)
	def(&c.DispatchTimeout, defaultDispatchTimeout)
	def(&c.RestoreSpread, defaultRestoreSpread)
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	if c.Policy == "" {
		c.Policy = PolicyRandomGap
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

func (c Config) policy() Policy {
	if c.Policy == PolicyWindow {
		return WindowPolicy{Loc: c.Location}
	}
	return RandomGap{}
}
