package nudge

import (
	"context"
	"errors"
	"fmt"

	"livenudge/internal/task/scheduler"
	"livenudge/pkg/logx"
)

// Rebuild drops every timer and the pending plan of userID, then plans afresh
// if the profile is enabled. It reports whether a plan was committed.
func (s *Service) Rebuild(ctx context.Context, userID int64) (bool, error) {
	s.timers.CancelUser(userID, scheduler.KindNudge, scheduler.KindSilence)
	if err := s.store.ClearPendingPlan(ctx, userID); err != nil {
		return false, fmt.Errorf("rebuild %d: %w", userID, err)
	}
	return s.planFresh(ctx, userID, ReasonRebuild)
}

// RebuildAll rebuilds every known user and returns how many got a plan.
func (s *Service) RebuildAll(ctx context.Context) (int, error) {
	ids, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	planned := 0
	var errs []error
	for _, uid := range ids {
		ok, err := s.Rebuild(ctx, uid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			planned++
		}
	}
	s.log.Info("rebuild finished", logx.Int("users", len(ids)), logx.Int("planned", planned), logx.Int("errors", len(errs)))
	return planned, errors.Join(errs...)
}

// SetEnabled persists the opt-in flag and rebuilds the user.
func (s *Service) SetEnabled(ctx context.Context, userID int64, on bool) error {
	if err := s.store.SetNudgeEnabled(ctx, userID, on); err != nil {
		return fmt.Errorf("set nudges %v for %d: %w", on, userID, err)
	}
	_, err := s.Rebuild(ctx, userID)
	return err
}
