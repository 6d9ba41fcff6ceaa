package scheduler

import (
	"errors"
	"strings"
	"time"

	"livenudge/internal/task/engine"
	"livenudge/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a trigger that could not reach the engine, at most
// once per enqueueWarnThrottle per name. Per-user names share one bucket per
// kind so a burst of users does not flood the log.
func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	bucket := warnBucket(name)
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[bucket]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[bucket] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func warnBucket(name string) string {
	if k, _, ok := strings.Cut(name, ":"); ok && (Kind(k) == KindNudge || Kind(k) == KindSilence) {
		return k
	}
	return name
}
