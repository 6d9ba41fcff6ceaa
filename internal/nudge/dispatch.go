package nudge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"livenudge/internal/eventbus"
	"livenudge/internal/storage"
	"livenudge/internal/task/scheduler"
	"livenudge/pkg/logx"
)

// Reasons recorded on plans and events.
const (
	ReasonNoConversation = "no_conversation"
	ReasonRecentActivity = "recent_activity"
	ReasonGap            = "gap"
	ReasonSent           = "sent"
	ReasonNotSent        = "not_sent"
	ReasonSendFailed     = "send_failed"
	ReasonStoreError     = "store_error"
	ReasonDisabled       = "disabled"
	ReasonSilence        = "silence"
	ReasonSweep          = "sweep"
	ReasonRebuild        = "rebuild"
	ReasonRestore        = "restore"
)

func (s *Service) acquire(userID int64) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if _, busy := s.inflight[userID]; busy {
		return false
	}
	s.inflight[userID] = struct{}{}
	return true
}

func (s *Service) release(userID int64) {
	s.flightMu.Lock()
	delete(s.inflight, userID)
	s.flightMu.Unlock()
}

// busy reports a dispatch in flight for userID. Its fired timer is already
// gone from the registry and it re-arms on its own when done.
func (s *Service) busy(userID int64) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	_, ok := s.inflight[userID]
	return ok
}

// onNudgeDue runs when a nudge timer fires. Unless the user was disabled
// meanwhile, it always leaves one future nudge timer behind.
func (s *Service) onNudgeDue(ctx context.Context, userID int64) error {
	if !s.running() {
		return nil
	}
	if !s.acquire(userID) {
		s.log.Debug("dispatch already running", logx.UserID(userID))
		return nil
	}
	defer s.release(userID)

	log := s.log.With(logx.UserID(userID), logx.String("cycle", uuid.NewString()[:8]))
	cfg, gen := s.state()
	now := s.now()

	p, err := s.store.Profile(ctx, userID)
	if err != nil {
		log.Warn("profile unavailable, retrying soon", logx.Err(err))
		s.rearm(ctx, log, userID, 0, now.Add(gen.Jitter()), ReasonStoreError)
		return nil
	}
	if !p.Enabled {
		s.timers.CancelUser(userID, scheduler.KindNudge, scheduler.KindSilence)
		if err := s.store.ClearPendingPlan(ctx, userID); err != nil {
			log.Warn("clear plan failed", logx.Err(err))
		}
		log.Info("nudges stopped for disabled user")
		s.emit(eventbus.NudgeDeferred, userID, ReasonDisabled)
		return nil
	}

	convID, ok, err := s.store.ActiveConversation(ctx, userID)
	if err != nil {
		log.Warn("conversation lookup failed, retrying soon", logx.Err(err))
		s.rearm(ctx, log, userID, 0, now.Add(gen.Jitter()), ReasonStoreError)
		return nil
	}
	lastSent, err := s.lastSent(ctx, userID, p)
	if err != nil {
		log.Warn("last send unknown", logx.Err(err))
		lastSent = p.LastSentAt
	}

	if !ok {
		s.deferSlot(ctx, log, userID, 0, p, now, lastSent, ReasonNoConversation)
		return nil
	}
	if last, known, err := s.store.LastActivity(ctx, convID); err != nil {
		log.Warn("activity lookup failed", logx.Err(err))
	} else if known && now.Sub(last) < cfg.RecentActivity {
		s.deferSlot(ctx, log, userID, convID, p, now, lastSent, ReasonRecentActivity)
		return nil
	}
	if !lastSent.IsZero() && now.Sub(lastSent) < p.Normalize().MinGap {
		s.retire(ctx, log, userID, storage.PlanSkipped, now)
		s.emit(eventbus.NudgeDeferred, userID, ReasonGap)
		s.rearm(ctx, log, userID, convID, gen.GapFloor(lastSent, p.MinGap), ReasonGap)
		return nil
	}

	reason := ReasonSent
	text, err := s.sender.SendNudge(ctx, userID, convID)
	switch {
	case err != nil:
		reason = ReasonSendFailed
		log.Warn("nudge delivery failed", logx.ConvID(convID), logx.Err(err))
		s.retire(ctx, log, userID, storage.PlanSkipped, now)
		s.emit(eventbus.NudgeFailed, userID, reason)
	case text == "":
		reason = ReasonNotSent
		log.Debug("nudge not sent", logx.ConvID(convID))
		s.retire(ctx, log, userID, storage.PlanSkipped, now)
		s.emit(eventbus.NudgeDeferred, userID, reason)
	default:
		log.Info("nudge sent", logx.ConvID(convID), logx.Int("chars", len([]rune(text))))
		s.retire(ctx, log, userID, storage.PlanSent, s.now())
		s.emit(eventbus.NudgeSent, userID, reason)
	}

	after := s.now()
	if sent, ok, err := s.store.LastNudgeSentAt(ctx, userID); err == nil && ok {
		lastSent = sent
	}
	at, ok := gen.Next(p, after, lastSent)
	if !ok {
		at = after.Add(p.MaxDelay)
	}
	s.rearm(ctx, log, userID, convID, at, reason)
	return nil
}

// deferSlot retires the fired plan and re-arms a full slot.
func (s *Service) deferSlot(ctx context.Context, log logx.Logger, userID, convID int64, p Profile, now, lastSent time.Time, reason string) {
	_, gen := s.state()
	s.retire(ctx, log, userID, storage.PlanSkipped, now)
	log.Debug("nudge deferred", logx.String("reason", reason))
	s.emit(eventbus.NudgeDeferred, userID, reason)
	at, _ := gen.Next(p, now, lastSent)
	s.rearm(ctx, log, userID, convID, at, reason)
}

func (s *Service) rearm(ctx context.Context, log logx.Logger, userID, convID int64, at time.Time, reason string) {
	if err := s.commit(ctx, userID, convID, at, reason); err != nil {
		log.Error("re-arm failed", logx.String("reason", reason), logx.Err(err))
	}
}

func (s *Service) retire(ctx context.Context, log logx.Logger, userID int64, status storage.PlanStatus, at time.Time) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.RetirePendingPlan(pctx, userID, status, at); err != nil {
		log.Warn("retire plan failed", logx.String("status", string(status)), logx.Err(err))
	}
}
