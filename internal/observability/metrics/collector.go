package metrics

import (
	"context"
	"strings"

	"livenudge/internal/eventbus"
)

// Collector turns bus events into metric updates.
type Collector struct {
	m   *Metrics
	bus eventbus.Bus
}

func NewCollector(m *Metrics, bus eventbus.Bus) *Collector {
	return &Collector{m: m, bus: bus}
}

// Run consumes events until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ch, unsub := c.bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

func (c *Collector) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.TaskEvent:
		family := taskFamily(d.Task)
		switch ev.Type {
		case eventbus.TaskSucceeded:
			c.m.TaskDuration.WithLabelValues(family, "ok").Observe(d.Duration)
		case eventbus.TaskFailed:
			c.m.TaskDuration.WithLabelValues(family, "error").Observe(d.Duration)
		case eventbus.TaskDropped:
			c.m.TasksDropped.WithLabelValues(family, d.Err).Inc()
		}
	case eventbus.NudgeEvent:
		switch ev.Type {
		case eventbus.TimerArmed:
			c.m.TimersArmed.WithLabelValues(d.Kind).Inc()
		case eventbus.TimerCancelled:
			c.m.TimersCancelled.WithLabelValues(d.Kind).Inc()
		case eventbus.PlanCommitted:
			c.m.NudgeEvents.WithLabelValues("planned", d.Reason).Inc()
		case eventbus.NudgeSent:
			c.m.NudgeEvents.WithLabelValues("sent", d.Reason).Inc()
		case eventbus.NudgeDeferred:
			c.m.NudgeEvents.WithLabelValues("deferred", d.Reason).Inc()
		case eventbus.NudgeFailed:
			c.m.NudgeEvents.WithLabelValues("failed", d.Reason).Inc()
		case eventbus.SilenceChecked:
			c.m.SilenceChecks.WithLabelValues(d.Reason).Inc()
		case eventbus.SweepRepaired:
			c.m.SweepRepaired.Add(float64(d.Count))
		case eventbus.PlansRestored:
			c.m.PlansRestored.Add(float64(d.Count))
		}
	}
}

// taskFamily keeps per-user task names (nudge:42:1700000000) to one label.
func taskFamily(name string) string {
	if k, _, ok := strings.Cut(name, ":"); ok {
		return k
	}
	return name
}
