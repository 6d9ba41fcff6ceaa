package nudge

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livenudge/internal/eventbus"
	"livenudge/internal/storage"
	"livenudge/internal/task/engine"
	"livenudge/internal/task/scheduler"
	"livenudge/pkg/logx"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	profiles  map[int64]Profile
	convs     map[int64]int64
	activity  map[int64]time.Time
	lastSent  map[int64]time.Time
	pending   map[int64]storage.PlanEntry
	retired   []storage.PlanEntry
	upsertErr error
	seq       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: map[int64]Profile{},
		convs:    map[int64]int64{},
		activity: map[int64]time.Time{},
		lastSent: map[int64]time.Time{},
		pending:  map[int64]storage.PlanEntry{},
	}
}

// addUser registers an enabled user with conversation convID that was last
// active an hour ago.
func (f *fakeStore) addUser(id, convID int64, p Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = p
	if convID != 0 {
		f.convs[id] = convID
		f.activity[convID] = time.Now().Add(-time.Hour)
	}
}

func (f *fakeStore) setActivity(convID int64, at time.Time) {
	f.mu.Lock()
	f.activity[convID] = at
	f.mu.Unlock()
}

func (f *fakeStore) setLastSent(userID int64, at time.Time) {
	f.mu.Lock()
	f.lastSent[userID] = at
	f.mu.Unlock()
}

func (f *fakeStore) plan(userID int64) (storage.PlanEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[userID]
	return p, ok
}

func (f *fakeStore) retiredStatuses(userID int64) []storage.PlanStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.PlanStatus
	for _, p := range f.retired {
		if p.UserID == userID {
			out = append(out, p.Status)
		}
	}
	return out
}

func (f *fakeStore) Profile(_ context.Context, userID int64) (Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[userID], nil
}

func (f *fakeStore) ActiveConversation(_ context.Context, userID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[userID]
	return c, ok, nil
}

func (f *fakeStore) LastActivity(_ context.Context, convID int64) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.activity[convID]
	return t, ok, nil
}

func (f *fakeStore) LastNudgeSentAt(_ context.Context, userID int64) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.lastSent[userID]
	return t, ok, nil
}

func (f *fakeStore) ListCandidates(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, p := range f.profiles {
		if _, ok := f.convs[id]; ok && p.Enabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) ListUserIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.profiles))
	for id := range f.profiles {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) UpsertPendingPlan(_ context.Context, userID, convID int64, fireAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.seq++
	f.pending[userID] = storage.PlanEntry{ID: f.seq, UserID: userID, ConversationID: convID, FireAt: fireAt, Status: storage.PlanPending}
	return f.seq, nil
}

func (f *fakeStore) ClearPendingPlan(_ context.Context, userID int64) error {
	f.mu.Lock()
	delete(f.pending, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) RetirePendingPlan(_ context.Context, userID int64, status storage.PlanStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[userID]
	if !ok {
		return nil
	}
	delete(f.pending, userID)
	p.Status, p.SentAt = status, at
	f.retired = append(f.retired, p)
	return nil
}

func (f *fakeStore) ListPendingPlans(context.Context) ([]storage.PlanEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.PlanEntry, 0, len(f.pending))
	for _, p := range f.pending {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) SetNudgeEnabled(_ context.Context, userID int64, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Enabled = on
	f.profiles[userID] = p
	return nil
}

type fakeSender struct {
	store *fakeStore
	calls atomic.Int32
	text  string
	err   error
	block chan struct{}
}

func (f *fakeSender) SendNudge(ctx context.Context, userID, convID int64) (string, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" && f.store != nil {
		f.store.setLastSent(userID, time.Now())
	}
	return f.text, nil
}

var errSend = errors.New("telegram down")

func newTimers(t *testing.T, bus eventbus.Bus) *scheduler.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 4}, logx.Nop(), bus)
	eng.Start(context.Background())
	sch := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), bus)
	sch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sch.Stop(ctx)
		eng.Stop(ctx)
	})
	return sch
}

func newTestService(t *testing.T, store *fakeStore, sender Sender, cfg Config) (*Service, *scheduler.Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	sch := newTimers(t, bus)
	cfg.Enabled = true
	svc, err := New(cfg, store, sender, sch, logx.Nop(), WithRand(rand.New(rand.NewSource(7))), WithBus(bus))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc, sch, bus
}

// hourly keeps every armed nudge hours away so nothing fires mid-test.
var hourly = Profile{Enabled: true, PerDay: 3, MinGap: time.Hour, MinDelay: 2 * time.Hour, MaxDelay: 6 * time.Hour}

func futureNudges(sch *scheduler.Service, userID int64) int {
	n := 0
	now := time.Now()
	for _, k := range sch.UserTimers(userID, scheduler.KindNudge) {
		if k.Time().After(now) {
			n++
		}
	}
	return n
}
