// Package delivery sends nudges through the transport and records them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"livenudge/internal/storage"
	"livenudge/internal/transport"
	"livenudge/pkg/logx"
)

// Store is what the sender reads and writes. *storage.Store implements it.
type Store interface {
	GetUser(ctx context.Context, id int64) (storage.User, error)
	ConversationOwner(ctx context.Context, convID int64) (int64, error)
	CountNudgesToday(ctx context.Context, userID int64, now time.Time) (int, error)
	LastNudgeSentAt(ctx context.Context, userID int64) (time.Time, bool, error)
	RecordNudge(ctx context.Context, rec storage.NudgeRecord) (string, error)
}

type Config struct {
	RatePerSec float64
	Burst      int
	FreeNudges int
	NudgeCost  int64
	Templates  []string
}

const (
	defaultRatePerSec = 20
	defaultBurst      = 5
)

var defaultTemplates = []string{
	"Hey {name}, how is it going?",
	"{name}, I was just thinking about our chat. Anything new?",
	"Still around, {name}? I'm here if you want to pick up where we left off.",
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	c.FreeNudges = max(c.FreeNudges, 0)
	c.NudgeCost = max(c.NudgeCost, 0)
	var tpl []string
	for _, t := range c.Templates {
		if strings.TrimSpace(t) != "" {
			tpl = append(tpl, t)
		}
	}
	if len(tpl) == 0 {
		tpl = defaultTemplates
	}
	c.Templates = tpl
	return c
}

// Skip reasons reported by Check.
var (
	ErrUserDisabled = errors.New("user disabled")
	ErrDailyCap     = errors.New("daily cap reached")
	ErrTooSoon      = errors.New("min gap not elapsed")
	ErrNotOwner     = errors.New("conversation not owned by user")
)

type Sender struct {
	store Store
	out   transport.TextSender
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	rng     *rand.Rand
}

type Option func(*Sender)

func WithClock(now func() time.Time) Option { return func(s *Sender) { s.now = now } }

func WithRand(rng *rand.Rand) Option { return func(s *Sender) { s.rng = rng } }

func New(cfg Config, store Store, out transport.TextSender, log logx.Logger, opts ...Option) *Sender {
	cfg = cfg.withDefaults()
	s := &Sender{
		store:   store,
		out:     out,
		log:     log.With(logx.String("comp", "delivery")),
		now:     time.Now,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// Apply swaps config; the limiter keeps its tokens.
func (s *Sender) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.Burst)
}

func (s *Sender) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Check reports whether userID may be nudged in convID now. A nil error
// means yes; the Err* sentinels name the reason it may not.
func (s *Sender) Check(ctx context.Context, userID, convID int64, now time.Time) (storage.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, ErrUserDisabled
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("load user: %w", err)
	}
	if !u.Nudge.Enabled || u.Banned {
		return u, ErrUserDisabled
	}
	owner, err := s.store.ConversationOwner(ctx, convID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && owner != userID) {
		return u, ErrNotOwner
	}
	if err != nil {
		return u, fmt.Errorf("conversation owner: %w", err)
	}
	if u.Nudge.PerDay <= 0 {
		return u, ErrDailyCap
	}
	n, err := s.store.CountNudgesToday(ctx, userID, now)
	if err != nil {
		return u, fmt.Errorf("count nudges: %w", err)
	}
	if n >= u.Nudge.PerDay {
		return u, ErrDailyCap
	}
	last, ok, err := s.store.LastNudgeSentAt(ctx, userID)
	if err != nil {
		return u, fmt.Errorf("last nudge: %w", err)
	}
	if ok && now.Sub(last) < u.Nudge.MinGap {
		return u, ErrTooSoon
	}
	return u, nil
}

// SendNudge delivers one nudge. It returns "" with a nil error when a
// precondition does not hold.
func (s *Sender) SendNudge(ctx context.Context, userID, convID int64) (string, error) {
	now := s.now()
	u, err := s.Check(ctx, userID, convID, now)
	switch {
	case errors.Is(err, ErrUserDisabled), errors.Is(err, ErrDailyCap), errors.Is(err, ErrTooSoon), errors.Is(err, ErrNotOwner):
		s.log.Debug("nudge skipped", logx.UserID(userID), logx.String("reason", err.Error()))
		return "", nil
	case err != nil:
		return "", err
	}

	cfg := s.config()
	text := s.compose(cfg.Templates, u.Username)
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	if _, err := s.out.SendText(ctx, transport.ChatTarget{ChatID: userID}, text, nil); err != nil {
		return "", err
	}
	kind, err := s.store.RecordNudge(context.WithoutCancel(ctx), storage.NudgeRecord{
		UserID:         userID,
		ConversationID: convID,
		Text:           text,
		At:             s.now(),
		FreeLimit:      cfg.FreeNudges,
		Cost:           cfg.NudgeCost,
	})
	if err != nil {
		// the message is out; the next gap and cap checks will not see it
		s.log.Error("nudge delivered but not recorded", logx.UserID(userID), logx.Err(err))
		return text, nil
	}
	s.log.Debug("nudge recorded", logx.UserID(userID), logx.String("kind", kind))
	return text, nil
}

func (s *Sender) compose(templates []string, username string) string {
	s.mu.Lock()
	tpl := templates[s.rng.Intn(len(templates))]
	s.mu.Unlock()
	name := strings.TrimSpace(username)
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(tpl, "{name}", name)
}
