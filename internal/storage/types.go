package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrNotFound      = errors.New("not found")
	ErrInvalidColumn = errors.New("invalid column")
)

// Config configures storage. Driver "sqlite" is the only backend; empty or
// "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0: 5s
}

// NudgeSettings is the per-user nudge profile as stored in users.
type NudgeSettings struct {
	Enabled  bool
	PerDay   int
	MinGap   time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration
	Window   string
}

type User struct {
	ID               int64
	Username         string
	CreatedAt        time.Time
	Banned           bool
	Subscription     string
	SubEnd           time.Time
	FreeTokens       int64
	PaidTokens       int64
	LastDailyBonusAt time.Time

	Nudge         NudgeSettings
	NudgeFreeUsed int
	LastNudgeAt   time.Time
}

type PlanStatus string

const (
	PlanPending PlanStatus = "PENDING"
	PlanSent    PlanStatus = "SENT"
	PlanSkipped PlanStatus = "SKIPPED"
)

// PlanEntry is one row of nudge_plan.
type PlanEntry struct {
	ID             int64
	UserID         int64
	ConversationID int64
	FireAt         time.Time
	Status         PlanStatus
	CreatedAt      time.Time
	SentAt         time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	NudgeKindFree = "free"
	NudgeKindPaid = "paid"
)

// NudgeRecord describes a delivered nudge for RecordNudge.
type NudgeRecord struct {
	UserID         int64
	ConversationID int64
	Text           string
	At             time.Time
	// FreeLimit is how many nudges per user are free; later ones cost Cost paid tokens.
	FreeLimit int
	Cost      int64
}
