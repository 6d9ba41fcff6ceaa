package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"livenudge/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefaults = NudgeSettings{
	Enabled:  true,
	PerDay:   2,
	MinGap:   10 * time.Minute,
	MinDelay: time.Hour,
	MaxDelay: 12 * time.Hour,
}

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)

	_, err = Open(context.Background(), Config{Driver: "postgres", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "twice.db")
	for range 2 {
		st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}
}

func TestEnsureUserAppliesDefaultsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	u, created, err := st.EnsureUser(ctx, 42, "alice", testDefaults)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "free", u.Subscription)
	assert.Equal(t, testDefaults, u.Nudge)

	require.NoError(t, st.SetNudgeEnabled(ctx, 42, false))

	u, created, err = st.EnsureUser(ctx, 42, "alice2", testDefaults)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice2", u.Username)
	assert.False(t, u.Nudge.Enabled, "existing profile must not be reset")

	_, err = st.GetUser(ctx, 7)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, st.SetNudgeEnabled(ctx, 7, true), ErrNotFound)
}

func TestActiveConversationAndLastActivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	_, _, err := st.EnsureUser(ctx, 1, "u", testDefaults)
	require.NoError(t, err)

	_, ok, err := st.ActiveConversation(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	c1, err := st.CreateConversation(ctx, 1, "first")
	require.NoError(t, err)
	c2, err := st.CreateConversation(ctx, 1, "second")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	_, err = st.AppendMessage(ctx, c1, RoleUser, "hi", base.Add(time.Hour))
	require.NoError(t, err)

	active, ok, err := st.ActiveConversation(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1, active, "conversation with the newest message wins")

	last, ok, err := st.LastActivity(ctx, c1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), last)

	_, ok, err = st.LastActivity(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := st.ConversationOwner(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), owner)
}

func TestListCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	for _, id := range []int64{1, 2, 3, 4} {
		_, _, err := st.EnsureUser(ctx, id, "", testDefaults)
		require.NoError(t, err)
	}
	for _, id := range []int64{1, 2, 3} {
		_, err := st.CreateConversation(ctx, id, "")
		require.NoError(t, err)
	}
	require.NoError(t, st.SetNudgeEnabled(ctx, 2, false))
	require.NoError(t, st.SetBanned(ctx, 3, true))

	ids, err := st.ListCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	all, err := st.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, all)
}

func TestPendingPlanIsUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	_, _, err := st.EnsureUser(ctx, 5, "", testDefaults)
	require.NoError(t, err)

	at1 := time.Unix(1_700_000_000, 0).UTC()
	at2 := at1.Add(time.Hour)
	_, err = st.UpsertPendingPlan(ctx, 5, 11, at1)
	require.NoError(t, err)
	id2, err := st.UpsertPendingPlan(ctx, 5, 12, at2)
	require.NoError(t, err)

	plans, err := st.ListPendingPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, id2, plans[0].ID)
	assert.Equal(t, int64(12), plans[0].ConversationID)
	assert.Equal(t, at2, plans[0].FireAt)

	// The partial unique index backs the delete+insert.
	_, err = st.db.ExecContext(ctx,
		`INSERT INTO nudge_plan(user_id, conversation_id, fire_at, status, created_at) VALUES(5, 1, 1, 'PENDING', 1)`)
	require.Error(t, err)

	require.NoError(t, st.RetirePendingPlan(ctx, 5, PlanSent, at2))
	_, ok, err := st.PendingPlan(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	// Retiring with nothing pending is a no-op.
	require.NoError(t, st.RetirePendingPlan(ctx, 5, PlanSkipped, at2))
	require.Error(t, st.RetirePendingPlan(ctx, 5, PlanPending, at2))

	_, err = st.UpsertPendingPlan(ctx, 5, 12, at2)
	require.NoError(t, err)
	require.NoError(t, st.ClearPendingPlan(ctx, 5))
	plans, err = st.ListPendingPlans(ctx)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestRecordNudgeChargesFreeThenPaid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	_, _, err := st.EnsureUser(ctx, 9, "", testDefaults)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `UPDATE users SET paid_tokens = 100 WHERE id = 9`)
	require.NoError(t, err)
	conv, err := st.CreateConversation(ctx, 9, "")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	kinds := make([]string, 0, 3)
	for i := range 3 {
		k, err := st.RecordNudge(ctx, NudgeRecord{
			UserID: 9, ConversationID: conv, Text: "ping",
			At: now.Add(time.Duration(i) * time.Second), FreeLimit: 2, Cost: 30,
		})
		require.NoError(t, err)
		kinds = append(kinds, k)
	}
	assert.Equal(t, []string{NudgeKindFree, NudgeKindFree, NudgeKindPaid}, kinds)

	u, err := st.GetUser(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(70), u.PaidTokens)
	assert.Equal(t, 2, u.NudgeFreeUsed)

	last, ok, err := st.LastNudgeSentAt(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Second), last)

	n, err := st.CountNudgesToday(ctx, 9, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	act, ok, err := st.LastActivity(ctx, conv)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Second), act)

	_, err = st.RecordNudge(ctx, NudgeRecord{UserID: 404, FreeLimit: 2})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGrantDailyAllowanceOncePerDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	for _, id := range []int64{1, 2} {
		_, _, err := st.EnsureUser(ctx, id, "", testDefaults)
		require.NoError(t, err)
	}
	require.NoError(t, st.SetSubscription(ctx, 2, "premium", time.Now().Add(24*time.Hour)))

	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	ids, err := st.GrantDailyAllowance(ctx, 50000, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	ids, err = st.GrantDailyAllowance(ctx, 50000, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = st.GrantDailyAllowance(ctx, 50000, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	u, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), u.FreeTokens)
}

func TestExpireSubscriptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []int64{1, 2} {
		_, _, err := st.EnsureUser(ctx, id, "", testDefaults)
		require.NoError(t, err)
	}
	require.NoError(t, st.SetSubscription(ctx, 1, "premium", now.Add(-time.Hour)))
	require.NoError(t, st.SetSubscription(ctx, 2, "premium", now.Add(time.Hour)))

	ids, err := st.ExpireSubscriptions(ctx, "sub_end", now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	u, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "free", u.Subscription)
	assert.True(t, u.SubEnd.IsZero())

	u, err = st.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "premium", u.Subscription)

	_, err = st.ExpireSubscriptions(ctx, "sub_end; DROP TABLE users", now)
	require.True(t, errors.Is(err, ErrInvalidColumn))
	_, err = st.GetUser(ctx, 2)
	require.NoError(t, err, "users table must survive")
}
