package nudge

import (
	"context"
	"fmt"

	"livenudge/internal/eventbus"
	"livenudge/pkg/logx"
)

// Sweep plans every candidate that has no future timer of either kind and
// returns how many were repaired. Users with a timer or a dispatch in
// flight are left alone.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if !s.running() {
		return 0, nil
	}
	ids, err := s.store.ListCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list candidates: %w", err)
	}
	now := s.now()
	repaired := 0
	for _, uid := range ids {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		if s.busy(uid) || s.timers.HasFuture(uid, now) {
			continue
		}
		ok, err := s.planFresh(ctx, uid, ReasonSweep)
		if err != nil {
			s.log.Warn("sweep plan failed", logx.UserID(uid), logx.Err(err))
			continue
		}
		if ok {
			repaired++
		}
	}
	if repaired > 0 {
		s.log.Info("sweep repaired users", logx.Int("repaired", repaired), logx.Int("candidates", len(ids)))
		s.bus.Publish(eventbus.Event{Type: eventbus.SweepRepaired, Data: eventbus.NudgeEvent{Reason: ReasonSweep, Count: repaired}})
	}
	return repaired, nil
}
