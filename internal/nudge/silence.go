package nudge

import (
	"context"
	"fmt"
	"time"

	"livenudge/internal/eventbus"
	"livenudge/internal/task/scheduler"
	"livenudge/pkg/logx"
)

// ArmSilenceCheck schedules a quiet-period check for convID after delay
// (the configured silence delay when delay <= 0). A newer call for the same
// user replaces the pending check.
func (s *Service) ArmSilenceCheck(ctx context.Context, userID, convID int64, delay time.Duration) error {
	_ = ctx
	if !s.running() {
		return nil
	}
	cfg, _ := s.state()
	if delay <= 0 {
		delay = cfg.SilenceDelay
	}
	_, err := s.timers.ReplaceUser(scheduler.KindSilence, userID, s.now().Add(delay), cfg.DispatchTimeout, func(ctx context.Context) error {
		return s.onSilence(ctx, userID, convID, delay)
	})
	if err != nil {
		return fmt.Errorf("arm silence check for user %d: %w", userID, err)
	}
	return nil
}

func (s *Service) onSilence(ctx context.Context, userID, convID int64, delay time.Duration) error {
	if !s.running() {
		return nil
	}
	cfg, _ := s.state()
	now := s.now()
	window := delay - cfg.SilenceMargin

	last, known, err := s.store.LastActivity(ctx, convID)
	if err != nil {
		return fmt.Errorf("silence check for user %d: %w", userID, err)
	}
	if known && now.Sub(last) < window {
		s.emit(eventbus.SilenceChecked, userID, "active")
		return nil
	}
	if s.busy(userID) || s.timers.HasFuture(userID, now, scheduler.KindNudge) {
		s.emit(eventbus.SilenceChecked, userID, "already_planned")
		return nil
	}
	planned, err := s.planFresh(ctx, userID, ReasonSilence)
	if err != nil {
		s.log.Warn("silence plan failed", logx.UserID(userID), logx.Err(err))
		return nil
	}
	if planned {
		s.emit(eventbus.SilenceChecked, userID, "planned")
	}
	return nil
}
