package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// NoRetry marks err as permanent so the engine does not retry it.
//
//	return engine.NoRetry(fmt.Errorf("bad column: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a retry delay hint (e.g. a transport 429 Retry-After).
// The hint is capped by RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
