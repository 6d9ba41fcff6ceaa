package nudge

import (
	"context"
	"errors"
	"time"

	"livenudge/internal/storage"
	"livenudge/internal/task/scheduler"
)

// Store is the persistence the service reads and writes.
type Store interface {
	Profile(ctx context.Context, userID int64) (Profile, error)
	ActiveConversation(ctx context.Context, userID int64) (int64, bool, error)
	LastActivity(ctx context.Context, convID int64) (time.Time, bool, error)
	LastNudgeSentAt(ctx context.Context, userID int64) (time.Time, bool, error)
	ListCandidates(ctx context.Context) ([]int64, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	UpsertPendingPlan(ctx context.Context, userID, convID int64, fireAt time.Time) (int64, error)
	ClearPendingPlan(ctx context.Context, userID int64) error
	RetirePendingPlan(ctx context.Context, userID int64, status storage.PlanStatus, at time.Time) error
	ListPendingPlans(ctx context.Context) ([]storage.PlanEntry, error)
	SetNudgeEnabled(ctx context.Context, userID int64, on bool) error
}

// Sender delivers one nudge. An empty text with a nil error means nothing
// was sent.
type Sender interface {
	SendNudge(ctx context.Context, userID, convID int64) (string, error)
}

// Timers is the slice of the job timer core the service needs.
type Timers interface {
	ReplaceUser(kind scheduler.Kind, userID int64, at time.Time, timeout time.Duration, job scheduler.Job) (scheduler.Key, error)
	CancelUser(userID int64, kinds ...scheduler.Kind) int
	CancelAll(kinds ...scheduler.Kind) int
	HasFuture(userID int64, now time.Time, kinds ...scheduler.Kind) bool
	UserTimers(userID int64, kinds ...scheduler.Kind) []scheduler.Key
	AddInterval(name string, every, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

// FromStore adapts a storage.Store to Store.
func FromStore(st *storage.Store) Store { return storeAdapter{st} }

type storeAdapter struct{ *storage.Store }

// Profile treats unknown and banned users as disabled.
func (a storeAdapter) Profile(ctx context.Context, userID int64) (Profile, error) {
	u, err := a.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return ProfileFromUser(u), nil
}
