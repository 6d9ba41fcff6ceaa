package nudge

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"livenudge/internal/config"
)

const (
	PolicyRandomGap = "random_gap"
	PolicyWindow    = "window"
)

// Policy draws a raw slot for an enabled, normalized profile. The gap floor
// is applied by Generator on top of it.
type Policy interface {
	Slot(p Profile, now time.Time, rng *rand.Rand) (time.Time, bool)
}

// RandomGap fires after a uniform delay in [MinDelay, MaxDelay].
type RandomGap struct{}

func (RandomGap) Slot(p Profile, now time.Time, rng *rand.Rand) (time.Time, bool) {
	return now.Add(p.MinDelay + uniform(rng, p.MaxDelay-p.MinDelay)), true
}

// WindowPolicy draws like RandomGap, then moves a slot that lands outside the
// user's daily window to a random point inside the next window. Profiles
// without a valid window behave like RandomGap.
type WindowPolicy struct {
	Loc *time.Location
}

func (w WindowPolicy) Slot(p Profile, now time.Time, rng *rand.Rand) (time.Time, bool) {
	at, _ := RandomGap{}.Slot(p, now, rng)
	if strings.TrimSpace(p.Window) == "" {
		return at, true
	}
	from, to, err := config.ParseWindow(p.Window)
	if err != nil {
		return at, true
	}
	loc := w.Loc
	if loc == nil {
		loc = time.Local
	}
	local := at.In(loc)
	if InWindow(local.Hour()*60+local.Minute(), from, to) {
		return at, true
	}
	start := time.Date(local.Year(), local.Month(), local.Day(), from/60, from%60, 0, 0, loc)
	if start.Before(local) {
		start = start.AddDate(0, 0, 1)
	}
	span := time.Duration((to-from+24*60)%(24*60)) * time.Minute
	return start.Add(uniform(rng, span-time.Minute)), true
}

// InWindow reports whether minute-of-day m lies in [from, to). The window
// wraps midnight when from > to.
func InWindow(m, from, to int) bool {
	if from < to {
		return m >= from && m < to
	}
	return m >= from || m < to
}

// Generator computes next slots. It is safe for concurrent use.
type Generator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	policy    Policy
	jitterMin time.Duration
	jitterMax time.Duration
}

func NewGenerator(policy Policy, rng *rand.Rand, jitterMin, jitterMax time.Duration) *Generator {
	if policy == nil {
		policy = RandomGap{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if jitterMax < jitterMin {
		jitterMax = jitterMin
	}
	return &Generator{rng: rng, policy: policy, jitterMin: jitterMin, jitterMax: jitterMax}
}

// Next returns the next fire time for p, or false when p is disabled. With
// a known lastSent the result is never closer than MinGap to it.
func (g *Generator) Next(p Profile, now, lastSent time.Time) (time.Time, bool) {
	p = p.Normalize()
	if !p.Enabled {
		return time.Time{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.policy.Slot(p, now, g.rng)
	if !ok {
		return time.Time{}, false
	}
	if !lastSent.IsZero() && at.Sub(lastSent) < p.MinGap {
		at = lastSent.Add(p.MinGap + g.jitterLocked())
	}
	return at, true
}

// GapFloor is the earliest retry after a send that was too recent.
func (g *Generator) GapFloor(lastSent time.Time, minGap time.Duration) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return lastSent.Add(max(minGap, 0) + g.jitterLocked())
}

// Jitter draws from [jitterMin, jitterMax].
func (g *Generator) Jitter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.jitterLocked()
}

// Uniform draws from [0, d].
func (g *Generator) Uniform(d time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uniform(g.rng, d)
}

func (g *Generator) jitterLocked() time.Duration {
	return g.jitterMin + uniform(g.rng, g.jitterMax-g.jitterMin)
}

func uniform(rng *rand.Rand, span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(span) + 1))
}
