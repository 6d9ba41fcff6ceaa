package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenudge/pkg/logx"
)

type notifyLog struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyLog) notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *notifyLog) count(state string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.states {
		if s == state {
			c++
		}
	}
	return c
}

func TestSDNotifierLifecycle(t *testing.T) {
	rec := &notifyLog{}
	n := &sdNotifier{log: logx.Nop(), notify: rec.notify, watchdog: func() (time.Duration, error) { return 0, nil }}
	n.Ready()
	n.Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, rec.states)

	// No watchdog configured: returns immediately.
	n.RunWatchdog(context.Background(), nil)
}

func TestSDWatchdogSkipsWhenUnhealthy(t *testing.T) {
	rec := &notifyLog{}
	n := &sdNotifier{log: logx.Nop(), notify: rec.notify, watchdog: func() (time.Duration, error) { return 20 * time.Millisecond, nil }}

	var mu sync.Mutex
	var unhealthy error
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.RunWatchdog(ctx, func() error {
			mu.Lock()
			defer mu.Unlock()
			return unhealthy
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	unhealthy = errors.New("storage down")
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	before := rec.count(daemon.SdNotifyWatchdog)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, rec.count(daemon.SdNotifyWatchdog))

	cancel()
	<-done
}
