package delivery

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"livenudge/internal/storage"
	"livenudge/internal/transport"
	"livenudge/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOut struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingOut) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return transport.MessageRef{}, r.err
	}
	r.sent = append(r.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(r.sent)}, nil
}

var settings = storage.NudgeSettings{Enabled: true, PerDay: 3, MinGap: 10 * time.Minute, MinDelay: time.Hour, MaxDelay: 2 * time.Hour}

func setup(t *testing.T, cfg Config) (*storage.Store, *recordingOut, *Sender, int64) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, _, err = st.EnsureUser(ctx, 7, "ann", settings)
	require.NoError(t, err)
	conv, err := st.CreateConversation(ctx, 7, "chat")
	require.NoError(t, err)

	out := &recordingOut{}
	s := New(cfg, st, out, logx.Nop(), WithRand(rand.New(rand.NewSource(1))))
	return st, out, s, conv
}

func TestSendNudgeDeliversAndRecords(t *testing.T) {
	t.Parallel()
	st, out, s, conv := setup(t, Config{Templates: []string{"hi {name}"}, FreeNudges: 1, NudgeCost: 5})
	ctx := context.Background()

	text, err := s.SendNudge(ctx, 7, conv)
	require.NoError(t, err)
	assert.Equal(t, "hi ann", text)
	assert.Equal(t, []string{"hi ann"}, out.sent)

	n, err := st.CountNudgesToday(ctx, 7, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, err := st.LastNudgeSentAt(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	// second send is inside the min gap
	text, err = s.SendNudge(ctx, 7, conv)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Len(t, out.sent, 1)
}

func TestCheckReasons(t *testing.T) {
	t.Parallel()
	st, _, s, conv := setup(t, Config{})
	ctx := context.Background()
	now := time.Now()

	_, err := s.Check(ctx, 7, conv, now)
	require.NoError(t, err)

	_, err = s.Check(ctx, 99, conv, now)
	assert.ErrorIs(t, err, ErrUserDisabled)

	_, _, err = st.EnsureUser(ctx, 8, "bob", settings)
	require.NoError(t, err)
	_, err = s.Check(ctx, 8, conv, now)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = s.Check(ctx, 7, 12345, now)
	assert.ErrorIs(t, err, ErrNotOwner)

	for i := 0; i < settings.PerDay; i++ {
		_, err := st.RecordNudge(ctx, storage.NudgeRecord{UserID: 7, ConversationID: conv, Text: "x", At: now})
		require.NoError(t, err)
	}
	_, err = s.Check(ctx, 7, conv, now)
	assert.ErrorIs(t, err, ErrDailyCap)

	require.NoError(t, st.SetNudgeEnabled(ctx, 7, false))
	_, err = s.Check(ctx, 7, conv, now)
	assert.ErrorIs(t, err, ErrUserDisabled)
}

func TestCheckGap(t *testing.T) {
	t.Parallel()
	st, _, s, conv := setup(t, Config{})
	ctx := context.Background()
	now := time.Now()

	_, err := st.RecordNudge(ctx, storage.NudgeRecord{UserID: 7, ConversationID: conv, At: now.Add(-5 * time.Minute)})
	require.NoError(t, err)
	_, err = s.Check(ctx, 7, conv, now)
	assert.ErrorIs(t, err, ErrTooSoon)
	_, err = s.Check(ctx, 7, conv, now.Add(6*time.Minute))
	assert.NoError(t, err)
}

func TestSendNudgeTransportError(t *testing.T) {
	t.Parallel()
	st, out, s, conv := setup(t, Config{})
	out.err = errors.New("blocked by user")

	text, err := s.SendNudge(context.Background(), 7, conv)
	assert.Error(t, err)
	assert.Empty(t, text)
	_, ok, err := st.LastNudgeSentAt(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, ok, "failed sends are not recorded")
}

func TestComposeFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Templates: []string{"  "}}.withDefaults()
	assert.Equal(t, defaultTemplates, cfg.Templates)

	s := New(Config{Templates: []string{"yo {name}"}}, nil, nil, logx.Nop())
	assert.Equal(t, "yo there", s.compose(s.config().Templates, ""))
}

func TestApplyUpdatesLimiter(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, logx.Nop())
	s.Apply(Config{RatePerSec: 1, Burst: 2})
	assert.Equal(t, 2, s.limiter.Burst())
	assert.InDelta(t, 1, float64(s.limiter.Limit()), 0.001)
}
