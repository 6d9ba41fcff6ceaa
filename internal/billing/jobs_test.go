package billing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenudge/internal/storage"
	"livenudge/internal/task/engine"
	"livenudge/internal/task/scheduler"
	"livenudge/internal/transport"
	"livenudge/pkg/logx"
)

type fakeSchedules struct {
	mu      sync.Mutex
	entries map[string]string
	err     error
}

func newFakeSchedules() *fakeSchedules { return &fakeSchedules{entries: map[string]string{}} }

func (f *fakeSchedules) AddDaily(name, at string, _ time.Duration, _ scheduler.Job) (string, error) {
	return f.add(name, "daily "+at)
}

func (f *fakeSchedules) AddSchedule(name, spec string, _ time.Duration, _ scheduler.Job) (string, error) {
	return f.add(name, spec)
}

func (f *fakeSchedules) add(name, spec string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.entries[name] = spec
	return name, nil
}

func (f *fakeSchedules) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[name]
	delete(f.entries, name)
	return ok
}

type recordingOut struct {
	mu   sync.Mutex
	to   []int64
	fail map[int64]bool
}

func (r *recordingOut) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[to.ChatID] {
		return transport.MessageRef{}, errors.New("blocked by user")
	}
	r.to = append(r.to, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "b.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterFollowsConfig(t *testing.T) {
	t.Parallel()
	sched := newFakeSchedules()
	j := New(Config{DailyEnabled: true, ExpiryEnabled: true}, nil, sched, nil, logx.Nop())

	require.NoError(t, j.Register())
	assert.Equal(t, "daily "+DefaultDailyAt, sched.entries[DailyAllowanceJob])
	assert.Equal(t, DefaultSchedule, sched.entries[SubsExpireJob])

	require.NoError(t, j.Apply(Config{DailyEnabled: true, DailyAt: "03:30"}))
	assert.Equal(t, "daily 03:30", sched.entries[DailyAllowanceJob])
	_, ok := sched.entries[SubsExpireJob]
	assert.False(t, ok)
}

func TestRegisterJoinsErrors(t *testing.T) {
	t.Parallel()
	sched := newFakeSchedules()
	sched.err = errors.New("bad schedule")
	j := New(Config{DailyEnabled: true, ExpiryEnabled: true}, nil, sched, nil, logx.Nop())

	err := j.Register()
	require.Error(t, err)
	assert.Contains(t, err.Error(), DailyAllowanceJob)
	assert.Contains(t, err.Error(), SubsExpireJob)
}

func TestGrantDailyOncePerDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	for _, id := range []int64{1, 2} {
		_, _, err := st.EnsureUser(ctx, id, "", storage.NudgeSettings{})
		require.NoError(t, err)
	}
	require.NoError(t, st.SetSubscription(ctx, 2, "pro", time.Now().Add(24*time.Hour)))

	j := New(Config{FreeAmount: 100}, st, newFakeSchedules(), nil, logx.Nop())
	require.NoError(t, j.GrantDaily(ctx))
	require.NoError(t, j.GrantDaily(ctx))

	u1, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), u1.FreeTokens)
	u2, err := st.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u2.FreeTokens)
}

func TestExpireSubscriptionsNotifies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	now := time.Now()
	for _, id := range []int64{1, 2, 3} {
		_, _, err := st.EnsureUser(ctx, id, "", storage.NudgeSettings{})
		require.NoError(t, err)
	}
	require.NoError(t, st.SetSubscription(ctx, 1, "pro", now.Add(-time.Hour)))
	require.NoError(t, st.SetSubscription(ctx, 2, "pro", now.Add(-time.Minute)))
	require.NoError(t, st.SetSubscription(ctx, 3, "pro", now.Add(time.Hour)))

	out := &recordingOut{fail: map[int64]bool{2: true}}
	j := New(Config{}, st, newFakeSchedules(), out, logx.Nop())
	require.NoError(t, j.ExpireSubscriptions(ctx))

	assert.Equal(t, []int64{1}, out.to)
	u1, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "free", u1.Subscription)
	u3, err := st.GetUser(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "pro", u3.Subscription)
}

func TestExpireRejectsUnknownColumn(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	j := New(Config{ExpiryColumn: "sub_end; DROP TABLE users"}, st, newFakeSchedules(), nil, logx.Nop())

	err := j.ExpireSubscriptions(context.Background())
	assert.ErrorIs(t, err, storage.ErrInvalidColumn)
	assert.True(t, engine.IsNoRetry(err))
}
