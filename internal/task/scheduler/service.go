package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"livenudge/internal/eventbus"
	"livenudge/internal/task/engine"
	"livenudge/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		// SecondOptional accepts 5-field and 6-field specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:      map[Key]*userTimer{},
		byUser:      map[int64]map[Key]struct{}{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the timezone periodic entries are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Apply swaps the config. A timezone change restarts cron with every entry
// re-registered; per-user timers are absolute and stay untouched.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins cron triggering. Per-user timers are live from ArmUser on.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts cron and drops every per-user timer. Periodic definitions are
// kept so a later Start re-registers them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	n := len(s.timers)
	for _, t := range s.timers {
		t.timer.Stop()
	}
	s.timers = map[Key]*userTimer{}
	s.byUser = map[int64]map[Key]struct{}{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("dropped_timers", n), logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
