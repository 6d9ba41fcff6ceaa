package nudge

import (
	"time"

	"livenudge/internal/storage"
)

// Profile is a user's nudge preferences as seen by the generator.
type Profile struct {
	Enabled    bool
	PerDay     int
	MinGap     time.Duration
	MinDelay   time.Duration
	MaxDelay   time.Duration
	LastSentAt time.Time
	Window     string // HH:MM-HH:MM, window policy only
}

// Normalize clamps negative values to 0 and lifts MaxDelay to MinDelay.
func (p Profile) Normalize() Profile {
	p.PerDay = max(p.PerDay, 0)
	p.MinGap = max(p.MinGap, 0)
	p.MinDelay = max(p.MinDelay, 0)
	p.MaxDelay = max(p.MaxDelay, 0)
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

func ProfileFromUser(u storage.User) Profile {
	return Profile{
		Enabled:    u.Nudge.Enabled && !u.Banned,
		PerDay:     u.Nudge.PerDay,
		MinGap:     u.Nudge.MinGap,
		MinDelay:   u.Nudge.MinDelay,
		MaxDelay:   u.Nudge.MaxDelay,
		LastSentAt: u.LastNudgeAt,
		Window:     u.Nudge.Window,
	}
}
