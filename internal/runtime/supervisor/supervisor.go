// Package supervisor runs named goroutines under one cancellable context with
// panic recovery, optional restart loops and first-error capture.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"livenudge/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	firstErr atomic.Pointer[error]
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	started atomic.Uint64
	active  atomic.Int64

	mu    sync.Mutex
	stats map[string]*gorStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error from Go.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*gorStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A panic or a non-cancellation error is recorded as the
// supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		startedAt := s.noteStart(name, false)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			s.notePanic(name, r)
			err := fmt.Errorf("panic in %s: %v", name, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.noteStop(name, startedAt, err)
			s.fail(err)
		}()

		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			s.fail(err)
			return
		}
		s.noteStop(name, startedAt, nil)
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
