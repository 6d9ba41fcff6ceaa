package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags first, then the fields that need parsing
// (durations, timezone, HH:MM, windows). It returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fmt.Errorf("%s: failed %q", trimRoot(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"nudge.defaults.min_gap", cfg.Nudge.Defaults.MinGap},
		{"nudge.defaults.min_delay", cfg.Nudge.Defaults.MinDelay},
		{"nudge.defaults.max_delay", cfg.Nudge.Defaults.MaxDelay},
		{"nudge.silence_delay", cfg.Nudge.SilenceDelay},
		{"nudge.silence_margin", cfg.Nudge.SilenceMargin},
		{"nudge.recent_activity", cfg.Nudge.RecentActivity},
		{"nudge.jitter_min", cfg.Nudge.JitterMin},
		{"nudge.jitter_max", cfg.Nudge.JitterMax},
		{"nudge.sweep_every", cfg.Nudge.SweepEvery},
		{"nudge.dispatch_timeout", cfg.Nudge.DispatchTimeout},
		{"nudge.restore_spread", cfg.Nudge.RestoreSpread},
		{"observability.read_timeout", cfg.Observability.ReadTimeout},
		{"observability.write_timeout", cfg.Observability.WriteTimeout},
		{"observability.idle_timeout", cfg.Observability.IdleTimeout},
	}
	if te := cfg.TaskEngine; te != nil {
		durations = append(durations,
			struct{ path, raw string }{"task_engine.default_timeout", te.DefaultTimeout},
			struct{ path, raw string }{"task_engine.max_queue_delay", te.MaxQueueDelay},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	minD, _ := ParseDurationField("", cfg.Nudge.Defaults.MinDelay)
	maxD, _ := ParseDurationField("", cfg.Nudge.Defaults.MaxDelay)
	if maxD > 0 && maxD < minD {
		errs = append(errs, fmt.Errorf("nudge.defaults.max_delay (%s) must be >= min_delay (%s)", maxD, minD))
	}
	jMin, _ := ParseDurationField("", cfg.Nudge.JitterMin)
	jMax, _ := ParseDurationField("", cfg.Nudge.JitterMax)
	if jMax > 0 && jMax < jMin {
		errs = append(errs, fmt.Errorf("nudge.jitter_max (%s) must be >= jitter_min (%s)", jMax, jMin))
	}

	if w := strings.TrimSpace(cfg.Nudge.Defaults.Window); w != "" {
		if _, _, err := ParseWindow(w); err != nil {
			errs = append(errs, fmt.Errorf("nudge.defaults.window: %w", err))
		}
	}
	if cfg.Billing.DailyAllowance.Enabled {
		if _, err := ParseHHMM(cfg.Billing.DailyAllowance.At); err != nil {
			errs = append(errs, fmt.Errorf("billing.daily_allowance.at: %w", err))
		}
	}
	if cfg.Billing.SubscriptionExpiry.Enabled && strings.TrimSpace(cfg.Billing.SubscriptionExpiry.Schedule) == "" {
		errs = append(errs, errors.New("billing.subscription_expiry.schedule: required when enabled"))
	}

	return errors.Join(errs...)
}

func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// ParseHHMM parses "HH:MM" into minutes after midnight.
func ParseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != 5 {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseWindow parses "HH:MM-HH:MM" into start/end minutes. The window may wrap midnight.
func ParseWindow(s string) (from, to int, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid window %q (want HH:MM-HH:MM)", s)
	}
	if from, err = ParseHHMM(a); err != nil {
		return 0, 0, err
	}
	if to, err = ParseHHMM(b); err != nil {
		return 0, 0, err
	}
	if from == to {
		return 0, 0, fmt.Errorf("invalid window %q (empty)", s)
	}
	return from, to, nil
}
