package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	sup.Go("fails", func(context.Context) error { return boom })
	sup.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	sup.Go0("panics", func(context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	snap := sup.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, uint64(1), snap.Goroutines[0].Panics)
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(3), runs.Load())
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	sup.GoRestart0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
	assert.Equal(t, int64(0), sup.Counters().Active)
}
