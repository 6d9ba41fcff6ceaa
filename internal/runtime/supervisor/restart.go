package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"livenudge/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// A run that lasted this long resets the backoff.
	healthyRun = 30 * time.Second
)

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0: unlimited
	stopOnCleanExit bool
	publishFirstErr bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default true).
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// GoRestart runs fn in a loop, restarting it after errors or panics with
// jittered exponential backoff until the context is cancelled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: defaultMinBackoff, maxBackoff: defaultMaxBackoff, stopOnCleanExit: true}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		for restarts := 0; ctx.Err() == nil; restarts++ {
			startedAt := s.noteStart(name, restarts > 0)
			err := s.runGuarded(ctx, name, fn)

			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.noteStop(name, startedAt, nil)
					return
				}
				err = errors.New("exited")
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			if cfg.publishFirstErr {
				s.setErr(err)
			}

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(startedAt) >= healthyRun {
				backoff = cfg.minBackoff
			}

			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

func (s *Supervisor) runGuarded(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
