package nudge

import (
	"context"
	"errors"
	"fmt"

	"livenudge/internal/eventbus"
)

// restore re-arms persisted pending plans. Overdue plans fire within
// RestoreSpread of now; plans of disabled users are cleared.
func (s *Service) restore(ctx context.Context) (int, error) {
	plans, err := s.store.ListPendingPlans(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending plans: %w", err)
	}
	cfg, gen := s.state()
	now := s.now()
	restored := 0
	var errs []error
	for _, pl := range plans {
		p, err := s.store.Profile(ctx, pl.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %d: %w", pl.UserID, err))
			continue
		}
		if !p.Enabled {
			if err := s.store.ClearPendingPlan(ctx, pl.UserID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		at := pl.FireAt
		if !at.After(now) {
			at = now.Add(gen.Uniform(cfg.RestoreSpread))
		}
		if err := s.commit(ctx, pl.UserID, pl.ConversationID, at, ReasonRestore); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	if restored > 0 {
		s.bus.Publish(eventbus.Event{Type: eventbus.PlansRestored, Data: eventbus.NudgeEvent{Reason: ReasonRestore, Count: restored}})
	}
	return restored, errors.Join(errs...)
}
