package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenudge/internal/eventbus"
	"livenudge/pkg/logx"
)

func TestCollectorCountsEvents(t *testing.T) {
	m := New()
	c := NewCollector(m, eventbus.Nop())

	c.Observe(eventbus.Event{Type: eventbus.TimerArmed, Data: eventbus.NudgeEvent{UserID: 1, Kind: "nudge"}})
	c.Observe(eventbus.Event{Type: eventbus.TimerArmed, Data: eventbus.NudgeEvent{UserID: 2, Kind: "nudge"}})
	c.Observe(eventbus.Event{Type: eventbus.TimerCancelled, Data: eventbus.NudgeEvent{UserID: 1, Kind: "silence"}})
	c.Observe(eventbus.Event{Type: eventbus.NudgeSent, Data: eventbus.NudgeEvent{UserID: 1, Reason: "sent"}})
	c.Observe(eventbus.Event{Type: eventbus.SweepRepaired, Data: eventbus.NudgeEvent{Count: 3}})
	c.Observe(eventbus.Event{Type: eventbus.TaskDropped, Data: eventbus.TaskEvent{Task: "nudge:1:1700000000", Err: "queue_full"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TimersArmed.WithLabelValues("nudge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimersCancelled.WithLabelValues("silence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NudgeEvents.WithLabelValues("sent", "sent")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweepRepaired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksDropped.WithLabelValues("nudge", "queue_full")))
}

func TestTaskFamily(t *testing.T) {
	assert.Equal(t, "nudge", taskFamily("nudge:42:1700000000"))
	assert.Equal(t, "silence", taskFamily("silence:42:1700000000"))
	assert.Equal(t, "nudge.sweep", taskFamily("nudge.sweep"))
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	m := New()
	bus := eventbus.New()
	c := NewCollector(m, bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.PlansRestored, Data: eventbus.NudgeEvent{Count: 1}})
		return testutil.ToFloat64(m.PlansRestored) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestHandlerAuthAndHealth(t *testing.T) {
	m := New()
	m.TimersArmed.WithLabelValues("nudge").Inc()
	var healthy atomic.Bool
	healthy.Store(true)
	s := NewServer(ServerConfig{}, m, func() error {
		if !healthy.Load() {
			return errors.New("engine stopped")
		}
		return nil
	}, logx.Nop())
	ts := httptest.NewServer(s.handler(ServerConfig{Token: "s3cret"}))
	defer ts.Close()

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(body), `livenudge_timers_armed_total{kind="nudge"} 1`))

	res, err = http.Get(ts.URL + "/healthz?token=s3cret")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	healthy.Store(false)
	res, err = http.Get(ts.URL + "/healthz?token=s3cret")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	res, err = http.Get(ts.URL + "/debug/pprof/?token=s3cret")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, New(), nil, logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	res, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, "", s.Addr())
}

func TestLoopbackCheck(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:9464"))
	assert.True(t, isLoopbackAddr("[::1]:9464"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9464"))
}
