package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"livenudge/internal/billing"
	"livenudge/internal/config"
	"livenudge/internal/delivery"
	"livenudge/internal/nudge"
	"livenudge/internal/observability/metrics"
	"livenudge/internal/storage"
	"livenudge/internal/task/engine"
	"livenudge/internal/task/scheduler"
	"livenudge/pkg/logx"
)

// Fallback profile for users seen for the first time when nudge.defaults is empty.
const (
	defaultPerDay   = 3
	defaultMinGap   = 2 * time.Hour
	defaultMinDelay = 3 * time.Hour
	defaultMaxDelay = 8 * time.Hour
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
		Alerts: logx.AlertConfig{
			// Alerts need a destination chat.
			Enabled:    lc.Alerts.Enabled && cfg.Telegram.OpsChat != 0,
			ThreadID:   lc.Alerts.ThreadID,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./livenudge.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     4,
		QueueSize:   1024,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

// mapNudgeConfig resolves durations; zero values fall back to the nudge
// package defaults.
func mapNudgeConfig(cfg *config.Config) (nudge.Config, error) {
	nc := cfg.Nudge
	out := nudge.Config{Enabled: nc.Enabled, Policy: nc.Policy, Seed: nc.Seed}

	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"nudge.silence_delay", nc.SilenceDelay, &out.SilenceDelay},
		{"nudge.silence_margin", nc.SilenceMargin, &out.SilenceMargin},
		{"nudge.recent_activity", nc.RecentActivity, &out.RecentActivity},
		{"nudge.jitter_min", nc.JitterMin, &out.JitterMin},
		{"nudge.jitter_max", nc.JitterMax, &out.JitterMax},
		{"nudge.sweep_every", nc.SweepEvery, &out.SweepEvery},
		{"nudge.dispatch_timeout", nc.DispatchTimeout, &out.DispatchTimeout},
		{"nudge.restore_spread", nc.RestoreSpread, &out.RestoreSpread},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return nudge.Config{}, err
		}
		*f.dst = d
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nudge.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

// mapNudgeDefaults builds the profile stored for a user seen for the first time.
func mapNudgeDefaults(cfg *config.Config) (storage.NudgeSettings, error) {
	d := cfg.Nudge.Defaults
	out := storage.NudgeSettings{Enabled: true, PerDay: d.PerDay, Window: strings.TrimSpace(d.Window)}
	if out.PerDay == 0 {
		out.PerDay = defaultPerDay
	}
	var err error
	if out.MinGap, err = config.ParseDurationOrDefault("nudge.defaults.min_gap", d.MinGap, defaultMinGap); err != nil {
		return storage.NudgeSettings{}, err
	}
	if out.MinDelay, err = config.ParseDurationOrDefault("nudge.defaults.min_delay", d.MinDelay, defaultMinDelay); err != nil {
		return storage.NudgeSettings{}, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault("nudge.defaults.max_delay", d.MaxDelay, defaultMaxDelay); err != nil {
		return storage.NudgeSettings{}, err
	}
	if out.MaxDelay < out.MinDelay {
		out.MaxDelay = out.MinDelay
	}
	return out, nil
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	dc := cfg.Delivery
	return delivery.Config{
		RatePerSec: dc.RatePerSec,
		Burst:      dc.Burst,
		FreeNudges: dc.FreeNudges,
		NudgeCost:  dc.NudgeCost,
		Templates:  append([]string(nil), dc.Templates...),
	}
}

func mapBillingConfig(cfg *config.Config) billing.Config {
	b := cfg.Billing
	return billing.Config{
		DailyEnabled:   b.DailyAllowance.Enabled,
		DailyAt:        b.DailyAllowance.At,
		FreeAmount:     b.DailyAllowance.FreeAmount,
		ExpiryEnabled:  b.SubscriptionExpiry.Enabled,
		ExpirySchedule: b.SubscriptionExpiry.Schedule,
		ExpiryColumn:   b.SubscriptionExpiry.Column,
		ExpiryMessage:  b.SubscriptionExpiry.Message,
	}
}

func mapServerConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	oc := cfg.Observability
	out := metrics.ServerConfig{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("observability.write_timeout", oc.WriteTimeout, 60*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	return out, nil
}

// validateConfig covers what config.Validate cannot check without runtime
// packages: schedule syntax and the mapped values.
func validateConfig(cfg *config.Config) error {
	var errs []error
	if se := cfg.Billing.SubscriptionExpiry; se.Enabled && strings.TrimSpace(se.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(se.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("billing.subscription_expiry.schedule: %w", err))
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNudgeDefaults(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
