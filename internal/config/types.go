package config

// Config is the root of the livenudge configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10m", "12h").
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	TaskEngine    *TaskEngineConfig   `json:"task_engine,omitempty"`
	Nudge         NudgeConfig         `json:"nudge"`
	Delivery      DeliveryConfig      `json:"delivery"`
	Billing       BillingConfig       `json:"billing"`
	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	Token        string  `json:"token" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"dive,gt=0"`
	// OpsChat receives alert log lines. 0 disables delivery even when logging.alerts is on.
	OpsChat     int64  `json:"ops_chat,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// StorageConfig selects the relational store.
//
//	"storage": { "driver": "sqlite", "path": "./livenudge.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name used for HH:MM schedules and the window policy.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fired timers.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 4
//   - queue_size: 1024
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=256"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0"`
}

type NudgeConfig struct {
	Enabled bool `json:"enabled"`
	// Policy is "random_gap" (default) or "window".
	Policy string `json:"policy,omitempty" validate:"omitempty,oneof=random_gap window"`
	// Seed fixes the slot RNG. 0 seeds from the clock.
	Seed     int64         `json:"seed,omitempty"`
	Defaults NudgeDefaults `json:"defaults"`

	SilenceDelay    string `json:"silence_delay,omitempty"`
	SilenceMargin   string `json:"silence_margin,omitempty"`
	RecentActivity  string `json:"recent_activity,omitempty"`
	JitterMin       string `json:"jitter_min,omitempty"`
	JitterMax       string `json:"jitter_max,omitempty"`
	SweepEvery      string `json:"sweep_every,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	RestoreSpread   string `json:"restore_spread,omitempty"`
}

// NudgeDefaults seed the profile of a user seen for the first time.
type NudgeDefaults struct {
	PerDay   int    `json:"per_day" validate:"gte=0,lte=48"`
	MinGap   string `json:"min_gap,omitempty"`
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
	Window   string `json:"window,omitempty"`
}

type DeliveryConfig struct {
	RatePerSec float64  `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int      `json:"burst,omitempty" validate:"gte=0"`
	FreeNudges int      `json:"free_nudges,omitempty" validate:"gte=0"`
	NudgeCost  int64    `json:"nudge_cost,omitempty" validate:"gte=0"`
	Templates  []string `json:"templates,omitempty" validate:"dive,required"`
}

type BillingConfig struct {
	DailyAllowance     DailyAllowanceConfig     `json:"daily_allowance"`
	SubscriptionExpiry SubscriptionExpiryConfig `json:"subscription_expiry"`
}

type DailyAllowanceConfig struct {
	Enabled bool `json:"enabled"`
	// At is HH:MM in scheduler.timezone.
	At         string `json:"at,omitempty"`
	FreeAmount int64  `json:"free_amount,omitempty" validate:"gte=0"`
}

type SubscriptionExpiryConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule accepts cron, "@every", a duration or HH:MM.
	Schedule string `json:"schedule,omitempty"`
	Column   string `json:"column,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ObservabilityConfig controls the metrics/health HTTP server.
//
// Prefer binding to localhost. A non-loopback address requires a token or allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
