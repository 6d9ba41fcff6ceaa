package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livenudge/internal/eventbus"
	rtsup "livenudge/internal/runtime/supervisor"
	"livenudge/pkg/logx"

	"github.com/google/uuid"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool with per-task timeout, retries, panic
// recovery and a short run history.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	inFlight         atomic.Int32
	completed        atomic.Uint64
	failed           atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	tracked    bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "taskengine")), bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker or queue size changes restart the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent and waits for an in-progress Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}

	queue := make(chan queuedTask, cfg.QueueSize)
	stopCh := make(chan struct{})
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.q, s.stopCh, s.sup = queue, stopCh, sup
	s.mu.Unlock()

	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue, i)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals workers and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue queues t without blocking. A full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit queues t, blocking until accepted, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	now := time.Now()
	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning && t.State != nil {
		if !t.State.tryAcquire() {
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		qt.tracked = true
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseState()
			s.onDropped(now, t.Name, "queue_full", &s.droppedQueueFull, &s.lastQueueFullWarnAt, logx.Int("queue_cap", cap(q)))
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseState()
		return ctx.Err()
	case <-stopCh:
		qt.releaseState()
		return ErrStopping
	}
}

func (qt queuedTask) releaseState() {
	if qt.tracked {
		qt.task.State.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onDropped(now time.Time, name, reason string, counter *atomic.Uint64, lastWarn *atomic.Int64, fields ...logx.Field) {
	total := counter.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: eventbus.TaskEvent{Task: name, Err: reason}})
	if shouldWarn(lastWarn, now) {
		fields = append(fields, logx.String("task", name), logx.String("reason", reason), logx.Uint64("dropped_total", total))
		s.log.Warn("task dropped", fields...)
	}
}
