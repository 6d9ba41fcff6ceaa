// Package billing registers the periodic account jobs: the daily free-tier
// allowance and the subscription-expiry sweep.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"livenudge/internal/storage"
	"livenudge/internal/task/engine"
	"livenudge/internal/task/scheduler"
	"livenudge/internal/transport"
	"livenudge/pkg/logx"
)

const (
	DailyAllowanceJob = "billing.daily_allowance"
	SubsExpireJob     = "billing.subs_expire"

	DefaultFreeAmount = 50000
	DefaultDailyAt    = "00:05"
	DefaultSchedule   = "@every 1h"
	DefaultColumn     = "sub_end"
	DefaultMessage    = "Your subscription has ended. You are back on the free plan."

	jobTimeout = 2 * time.Minute
)

type Config struct {
	DailyEnabled bool
	DailyAt      string
	FreeAmount   int64

	ExpiryEnabled  bool
	ExpirySchedule string
	ExpiryColumn   string
	ExpiryMessage  string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.DailyAt) == "" {
		c.DailyAt = DefaultDailyAt
	}
	if c.FreeAmount <= 0 {
		c.FreeAmount = DefaultFreeAmount
	}
	if strings.TrimSpace(c.ExpirySchedule) == "" {
		c.ExpirySchedule = DefaultSchedule
	}
	if strings.TrimSpace(c.ExpiryColumn) == "" {
		c.ExpiryColumn = DefaultColumn
	}
	if strings.TrimSpace(c.ExpiryMessage) == "" {
		c.ExpiryMessage = DefaultMessage
	}
	return c
}

type Store interface {
	GrantDailyAllowance(ctx context.Context, amount int64, now time.Time) ([]int64, error)
	ExpireSubscriptions(ctx context.Context, col string, now time.Time) ([]int64, error)
}

// Schedules is the subset of the job timer core used here.
type Schedules interface {
	AddDaily(name, atHHMM string, timeout time.Duration, job scheduler.Job) (string, error)
	AddSchedule(name, schedule string, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

type Jobs struct {
	store Store
	sched Schedules
	out   transport.TextSender
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, store Store, sched Schedules, out transport.TextSender, log logx.Logger) *Jobs {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Jobs{
		store: store,
		sched: sched,
		out:   out,
		log:   log.With(logx.String("comp", "billing")),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
	}
}

// Apply swaps the config and re-registers both jobs.
func (j *Jobs) Apply(cfg Config) error {
	j.mu.Lock()
	j.cfg = cfg.withDefaults()
	j.mu.Unlock()
	return j.Register()
}

// Register adds or removes the periodic entries to match the current config.
func (j *Jobs) Register() error {
	cfg := j.config()
	var errs []error

	if cfg.DailyEnabled {
		if _, err := j.sched.AddDaily(DailyAllowanceJob, cfg.DailyAt, jobTimeout, j.GrantDaily); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", DailyAllowanceJob, err))
		}
	} else {
		j.sched.Remove(DailyAllowanceJob)
	}

	if cfg.ExpiryEnabled {
		if _, err := j.sched.AddSchedule(SubsExpireJob, cfg.ExpirySchedule, jobTimeout, j.ExpireSubscriptions); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", SubsExpireJob, err))
		}
	} else {
		j.sched.Remove(SubsExpireJob)
	}
	return errors.Join(errs...)
}

func (j *Jobs) config() Config {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg
}

// GrantDaily credits the free-tier allowance to every user not yet granted today.
func (j *Jobs) GrantDaily(ctx context.Context) error {
	cfg := j.config()
	ids, err := j.store.GrantDailyAllowance(ctx, cfg.FreeAmount, j.now())
	if err != nil {
		return err
	}
	j.log.Info("daily allowance granted", logx.Int("users", len(ids)), logx.Int64("amount", cfg.FreeAmount))
	return nil
}

// ExpireSubscriptions downgrades lapsed subscriptions and notifies each user.
// Notification failures are logged; the downgrade is already committed.
func (j *Jobs) ExpireSubscriptions(ctx context.Context) error {
	cfg := j.config()
	ids, err := j.store.ExpireSubscriptions(ctx, cfg.ExpiryColumn, j.now())
	if errors.Is(err, storage.ErrInvalidColumn) {
		return engine.NoRetry(err)
	}
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	failed := 0
	for _, id := range ids {
		if j.out == nil {
			break
		}
		if _, err := j.out.SendText(ctx, transport.ChatTarget{ChatID: id}, cfg.ExpiryMessage, nil); err != nil {
			failed++
			j.log.Warn("expiry notice failed", logx.UserID(id), logx.Err(err))
		}
	}
	j.log.Info("subscriptions expired", logx.Int("users", len(ids)), logx.Int("notice_failed", failed))
	return nil
}
