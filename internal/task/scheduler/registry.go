package scheduler

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"livenudge/internal/eventbus"
	"livenudge/internal/task/engine"
	"livenudge/pkg/logx"
)

// ArmUser registers a one-shot timer for userID at at and returns its key.
// Arming an existing key replaces it. A past at fires immediately.
//
// Per-user jobs run with retries disabled; the caller re-arms instead.
func (s *Service) ArmUser(kind Kind, userID int64, at time.Time, timeout time.Duration, job Job) (Key, error) {
	return s.arm(kind, userID, at, timeout, job, false)
}

// ReplaceUser is ArmUser that also drops userID's other timers of kind under
// the same lock, so concurrent callers never leave two behind.
func (s *Service) ReplaceUser(kind Kind, userID int64, at time.Time, timeout time.Duration, job Job) (Key, error) {
	return s.arm(kind, userID, at, timeout, job, true)
}

func (s *Service) arm(kind Kind, userID int64, at time.Time, timeout time.Duration, job Job, exclusive bool) (Key, error) {
	switch {
	case userID == 0:
		return Key{}, errors.New("user id required")
	case at.IsZero():
		return Key{}, errors.New("fire time required")
	case job == nil:
		return Key{}, errors.New("job required")
	case kind != KindNudge && kind != KindSilence:
		return Key{}, errors.New("unknown timer kind " + string(kind))
	}
	key := NewKey(kind, userID, at)

	s.tmu.Lock()
	var dropped []Key
	if exclusive {
		for k := range s.byUser[userID] {
			if k.Kind == kind && k != key {
				dropped = append(dropped, k)
			}
		}
		for _, k := range dropped {
			s.timers[k].timer.Stop()
			s.dropLocked(k)
		}
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	s.ver++
	ver := s.ver
	ut := &userTimer{ver: ver, at: at, timeout: timeout}
	s.timers[key] = ut
	set := s.byUser[userID]
	if set == nil {
		set = map[Key]struct{}{}
		s.byUser[userID] = set
	}
	set[key] = struct{}{}
	ut.timer = time.AfterFunc(max(time.Until(at), 0), func() { s.fire(key, ver, job) })
	s.tmu.Unlock()

	for _, k := range dropped {
		s.publishCancelled(userID, k.Kind)
	}
	s.log.Debug("timer armed", logx.Stringer("key", key), logx.Time("at", at))
	s.bus.Publish(eventbus.Event{Type: eventbus.TimerArmed, Data: eventbus.NudgeEvent{UserID: userID, Kind: string(kind)}})
	return key, nil
}

func (s *Service) fire(key Key, ver uint64, job Job) {
	s.tmu.Lock()
	ut, ok := s.timers[key]
	if !ok || ut.ver != ver {
		// replaced or cancelled after the timer was already running
		s.tmu.Unlock()
		return
	}
	s.dropLocked(key)
	timeout := ut.timeout
	s.tmu.Unlock()

	s.enqueue(engine.Task{Name: key.String(), Timeout: timeout, Run: job, Opt: engine.NoRetries})
}

// CancelKey stops one timer. It reports whether the key was registered.
func (s *Service) CancelKey(key Key) bool {
	s.tmu.Lock()
	ut, ok := s.timers[key]
	if ok {
		ut.timer.Stop()
		s.dropLocked(key)
	}
	s.tmu.Unlock()
	if ok {
		s.publishCancelled(key.UserID, key.Kind)
	}
	return ok
}

// CancelUser stops userID's timers of the given kinds, or of every kind when
// none is given, and returns how many were stopped.
func (s *Service) CancelUser(userID int64, kinds ...Kind) int {
	s.tmu.Lock()
	var hit []Key
	for key := range s.byUser[userID] {
		if matchKind(key.Kind, kinds) {
			hit = append(hit, key)
		}
	}
	for _, key := range hit {
		s.timers[key].timer.Stop()
		s.dropLocked(key)
	}
	s.tmu.Unlock()

	for _, key := range hit {
		s.publishCancelled(userID, key.Kind)
	}
	return len(hit)
}

// CancelAll stops every user's timers of the given kinds, or of every kind
// when none is given.
func (s *Service) CancelAll(kinds ...Kind) int {
	s.tmu.Lock()
	var hit []Key
	for key := range s.timers {
		if matchKind(key.Kind, kinds) {
			hit = append(hit, key)
		}
	}
	for _, key := range hit {
		s.timers[key].timer.Stop()
		s.dropLocked(key)
	}
	s.tmu.Unlock()

	for _, key := range hit {
		s.publishCancelled(key.UserID, key.Kind)
	}
	return len(hit)
}

// UserTimers lists userID's registered keys ordered by fire time.
func (s *Service) UserTimers(userID int64, kinds ...Kind) []Key {
	s.tmu.Lock()
	out := make([]Key, 0, len(s.byUser[userID]))
	for key := range s.byUser[userID] {
		if matchKind(key.Kind, kinds) {
			out = append(out, key)
		}
	}
	s.tmu.Unlock()

	slices.SortFunc(out, func(a, b Key) int {
		if c := cmp.Compare(a.At, b.At); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return out
}

// HasFuture reports whether userID has a timer of the given kinds firing
// after now.
func (s *Service) HasFuture(userID int64, now time.Time, kinds ...Kind) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for key := range s.byUser[userID] {
		if matchKind(key.Kind, kinds) && s.timers[key].at.After(now) {
			return true
		}
	}
	return false
}

func (s *Service) dropLocked(key Key) {
	delete(s.timers, key)
	if set := s.byUser[key.UserID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(s.byUser, key.UserID)
		}
	}
}

func (s *Service) publishCancelled(userID int64, kind Kind) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TimerCancelled, Data: eventbus.NudgeEvent{UserID: userID, Kind: string(kind)}})
}

func matchKind(k Kind, kinds []Kind) bool {
	return len(kinds) == 0 || slices.Contains(kinds, k)
}
