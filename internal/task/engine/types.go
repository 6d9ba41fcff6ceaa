package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool. The app maps config.task_engine into it.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited longer than this in the queue. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

const (
	defaultWorkers     = 4
	defaultQueueSize   = 1024
	defaultHistorySize = 200
	defaultRetryMax    = 3
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning skips a task whose State is already queued or running.
	OverlapSkipIfRunning
)

// TaskOptions tunes retries and overlap per task.
//
// RetryMax: 0 uses Config.RetryMax, a negative value disables retries.
type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = ±20%
}

// NoRetries is the option set for tasks that must run at most once.
var NoRetries = TaskOptions{RetryMax: -1}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// RunState gates OverlapSkipIfRunning. Share one State across triggers of the same job.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Completed        uint64
	Failed           uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}
