package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"livenudge/internal/eventbus"
	"livenudge/pkg/logx"
)

// slowTask is the duration above which completions are logged at info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.releaseState()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onDropped(start, qt.task.Name, "stale_queue_delay", &s.droppedStale, &s.lastStaleWarnAt, logx.Duration("queue_delay", queueDelay))
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	var (
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts > qt.opt.RetryMax {
			break
		}
		delay := retryDelay(qt.opt, attempts, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		if !sleep(ctx, stopCh, delay) {
			err = fmt.Errorf("retry aborted: %w", errors.Join(err, ErrStopping))
			break
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := eventbus.TaskEvent{Task: qt.task.Name, Attempt: attempts, Duration: dur.Seconds()}
	fields := []logx.Field{
		logx.String("task", qt.task.Name),
		logx.String("id", qt.task.ID),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", dur),
		logx.Int("attempts", attempts),
	}

	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Err = item.Error
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	} else {
		s.completed.Add(1)
		if dur >= slowTask {
			s.log.Info("task completed", fields...)
		} else {
			s.log.Debug("task completed", fields...)
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskSucceeded, Data: ev})
	}
	s.record(item)
}

// runOnce executes one attempt under the task timeout, turning a panic into an error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
