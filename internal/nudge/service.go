package nudge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"livenudge/internal/eventbus"
	"livenudge/internal/task/scheduler"
	"livenudge/pkg/logx"
)

type Service struct {
	store  Store
	sender Sender
	timers Timers
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	gen     *Generator
	rng     *rand.Rand
	started bool

	flightMu sync.Mutex
	inflight map[int64]struct{}
}

type Option func(*Service)

// WithClock overrides time.Now for decisions. Timers still fire on wall time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRand injects the generator's random source.
func WithRand(rng *rand.Rand) Option {
	return func(s *Service) { s.rng = rng }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func New(cfg Config, store Store, sender Sender, timers Timers, log logx.Logger, opts ...Option) (*Service, error) {
	switch {
	case store == nil:
		return nil, errors.New("nudge: store required")
	case sender == nil:
		return nil, errors.New("nudge: sender required")
	case timers == nil:
		return nil, errors.New("nudge: timers required")
	}
	s := &Service{
		store:    store,
		sender:   sender,
		timers:   timers,
		log:      log.With(logx.String("comp", "nudge")),
		bus:      eventbus.Nop(),
		now:      time.Now,
		inflight: map[int64]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	cfg = cfg.withDefaults()
	if s.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewSource(seed))
	}
	s.cfg = cfg
	s.gen = NewGenerator(cfg.policy(), s.rng, cfg.JitterMin, cfg.JitterMax)
	return s, nil
}

// Apply swaps config. Existing timers keep their fire times; callers run
// RebuildAll to re-plan under the new settings.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.SweepEvery != s.cfg.SweepEvery && s.started {
		if err := s.registerSweepLocked(cfg.SweepEvery, cfg.DispatchTimeout); err != nil {
			s.log.Warn("sweeper not rescheduled", logx.Err(err))
		}
	}
	s.cfg = cfg
	s.gen = NewGenerator(cfg.policy(), s.rng, cfg.JitterMin, cfg.JitterMax)
}

func (s *Service) state() (Config, *Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.gen
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.cfg.Enabled
}

// Start restores persisted plans and registers the sweeper.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("nudges disabled")
		return nil
	}
	s.started = true
	if err := s.registerSweepLocked(s.cfg.SweepEvery, s.cfg.DispatchTimeout); err != nil {
		s.started = false
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	n, err := s.restore(ctx)
	if err != nil {
		s.log.Warn("plan restore incomplete", logx.Int("restored", n), logx.Err(err))
	}
	s.log.Info("nudge service started", logx.Int("restored", n))
	return nil
}

// Stop unregisters the sweeper and drops every user timer. Pending plans
// stay persisted for the next Start.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	was := s.started
	s.started = false
	s.mu.Unlock()
	if was {
		s.timers.Remove(sweepJobName)
		n := s.timers.CancelAll(scheduler.KindNudge, scheduler.KindSilence)
		s.log.Info("nudge service stopped", logx.Int("dropped_timers", n))
	}
}

func (s *Service) registerSweepLocked(every, timeout time.Duration) error {
	if _, err := s.timers.AddInterval(sweepJobName, every, timeout, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register sweeper: %w", err)
	}
	return nil
}

// Timers lists userID's registered timer keys.
func (s *Service) Timers(userID int64) []scheduler.Key {
	return s.timers.UserTimers(userID)
}

// commit is the only place that creates a nudge occurrence. A persistence
// failure is returned, but the armed timer is kept.
func (s *Service) commit(ctx context.Context, userID, convID int64, fireAt time.Time, reason string) error {
	cfg, _ := s.state()
	key, err := s.timers.ReplaceUser(scheduler.KindNudge, userID, fireAt, cfg.DispatchTimeout, func(ctx context.Context) error {
		return s.onNudgeDue(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("arm nudge for user %d: %w", userID, err)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := s.store.UpsertPendingPlan(pctx, userID, convID, fireAt); err != nil {
		return fmt.Errorf("persist plan %s: %w", key, err)
	}
	s.log.Debug("plan committed", logx.Stringer("key", key), logx.ConvID(convID), logx.String("reason", reason))
	s.emit(eventbus.PlanCommitted, userID, reason)
	return nil
}

// planFresh plans userID from scratch. It returns false without error when
// the service is stopped, the profile is disabled or there is no
// conversation.
func (s *Service) planFresh(ctx context.Context, userID int64, reason string) (bool, error) {
	if !s.running() {
		return false, nil
	}
	p, err := s.store.Profile(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load profile %d: %w", userID, err)
	}
	if !p.Enabled {
		return false, nil
	}
	convID, ok, err := s.store.ActiveConversation(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("resolve conversation for %d: %w", userID, err)
	}
	if !ok {
		return false, nil
	}
	lastSent, err := s.lastSent(ctx, userID, p)
	if err != nil {
		return false, err
	}
	_, gen := s.state()
	at, ok := gen.Next(p, s.now(), lastSent)
	if !ok {
		return false, nil
	}
	return true, s.commit(ctx, userID, convID, at, reason)
}

func (s *Service) lastSent(ctx context.Context, userID int64, p Profile) (time.Time, error) {
	t, ok, err := s.store.LastNudgeSentAt(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("last nudge for %d: %w", userID, err)
	}
	if !ok {
		return p.LastSentAt, nil
	}
	return t, nil
}

func (s *Service) emit(typ string, userID int64, reason string) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.NudgeEvent{UserID: userID, Reason: reason}})
}
