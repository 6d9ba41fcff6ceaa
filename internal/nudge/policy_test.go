package nudge

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jMin = 30 * time.Second
	jMax = 300 * time.Second
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	p := Profile{PerDay: -1, MinGap: -time.Second, MinDelay: 10 * time.Minute, MaxDelay: time.Minute}.Normalize()
	assert.Equal(t, 0, p.PerDay)
	assert.Equal(t, time.Duration(0), p.MinGap)
	assert.Equal(t, 10*time.Minute, p.MaxDelay)
}

func TestNextSlotBounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	g := NewGenerator(RandomGap{}, rand.New(rand.NewSource(1)), jMin, jMax)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2000; i++ {
		minDelay := time.Duration(rng.Int63n(int64(4 * time.Hour)))
		maxDelay := minDelay + time.Duration(rng.Int63n(int64(8*time.Hour)))
		p := Profile{
			Enabled:  true,
			MinGap:   time.Duration(rng.Int63n(int64(maxDelay) + 1)),
			MinDelay: minDelay,
			MaxDelay: maxDelay,
		}
		var lastSent time.Time
		if i%2 == 0 {
			lastSent = now.Add(-time.Duration(rng.Int63n(int64(12 * time.Hour))))
		}

		at, ok := g.Next(p, now, lastSent)
		require.True(t, ok)
		d := at.Sub(now)
		require.GreaterOrEqual(t, d, p.MinDelay, "profile %+v", p)
		require.LessOrEqual(t, d, p.MaxDelay+jMax, "profile %+v", p)
		if !lastSent.IsZero() {
			require.GreaterOrEqual(t, at.Sub(lastSent), p.MinGap, "profile %+v", p)
		}
	}
}

func TestNextRespectsGapAfterRecentSend(t *testing.T) {
	t.Parallel()
	g := NewGenerator(RandomGap{}, rand.New(rand.NewSource(3)), jMin, jMax)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Profile{Enabled: true, MinDelay: time.Minute, MaxDelay: 4 * time.Minute, MinGap: 10 * time.Minute}

	for i := 0; i < 200; i++ {
		at, ok := g.Next(p, now, now.Add(-5*time.Minute))
		require.True(t, ok)
		assert.False(t, at.Before(now.Add(5*time.Minute)), "got %s", at.Sub(now))
	}
}

func TestNextDisabled(t *testing.T) {
	t.Parallel()
	g := NewGenerator(nil, nil, jMin, jMax)
	_, ok := g.Next(Profile{MinDelay: time.Minute, MaxDelay: time.Hour}, time.Now(), time.Time{})
	assert.False(t, ok)
}

func TestGapFloorAndJitter(t *testing.T) {
	t.Parallel()
	g := NewGenerator(RandomGap{}, rand.New(rand.NewSource(5)), jMin, jMax)
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		at := g.GapFloor(last, time.Hour)
		assert.GreaterOrEqual(t, at.Sub(last), time.Hour+jMin)
		assert.LessOrEqual(t, at.Sub(last), time.Hour+jMax)
		assert.LessOrEqual(t, g.Uniform(30*time.Second), 30*time.Second)
	}
	assert.Equal(t, time.Duration(0), g.Uniform(0))
}

func TestInWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		m, from, to int
		want        bool
	}{
		{m: 9 * 60, from: 8 * 60, to: 20 * 60, want: true},
		{m: 20 * 60, from: 8 * 60, to: 20 * 60, want: false},
		{m: 7 * 60, from: 8 * 60, to: 20 * 60, want: false},
		{m: 23 * 60, from: 22 * 60, to: 6 * 60, want: true},
		{m: 3 * 60, from: 22 * 60, to: 6 * 60, want: true},
		{m: 12 * 60, from: 22 * 60, to: 6 * 60, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InWindow(tt.m, tt.from, tt.to), "m=%d [%d,%d)", tt.m, tt.from, tt.to)
	}
}

func TestWindowPolicyLandsInsideWindow(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(9))
	w := WindowPolicy{Loc: time.UTC}
	p := Profile{Enabled: true, MinDelay: time.Hour, MaxDelay: 10 * time.Hour, Window: "22:00-02:00"}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 500; i++ {
		at, ok := w.Slot(p, now, rng)
		require.True(t, ok)
		m := at.Hour()*60 + at.Minute()
		require.True(t, InWindow(m, 22*60, 2*60), "slot %s outside window", at)
		require.False(t, at.Before(now.Add(p.MinDelay)))
	}

	p.Window = "garbage"
	at, ok := w.Slot(p, now, rng)
	require.True(t, ok)
	assert.False(t, at.Before(now.Add(time.Hour)))
}
