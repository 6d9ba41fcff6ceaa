package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenudge/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram:  config.TelegramConfig{Token: "t"},
		Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Nudge:     config.NudgeConfig{Enabled: true},
	}
}

func TestMapTaskEngineDefaults(t *testing.T) {
	ec, err := mapTaskEngineConfig(baseConfig())
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 4, ec.Workers)
	assert.Equal(t, 1024, ec.QueueSize)
	assert.Equal(t, 3, ec.RetryMax)
}

func TestMapTaskEngineRejectsDisabledWithScheduler(t *testing.T) {
	cfg := baseConfig()
	off := false
	cfg.TaskEngine = &config.TaskEngineConfig{Enabled: &off}
	_, err := mapTaskEngineConfig(cfg)
	assert.Error(t, err)
}

func TestMapNudgeDefaults(t *testing.T) {
	cfg := baseConfig()
	d, err := mapNudgeDefaults(cfg)
	require.NoError(t, err)
	assert.True(t, d.Enabled)
	assert.Equal(t, defaultPerDay, d.PerDay)
	assert.Equal(t, defaultMinDelay, d.MinDelay)

	cfg.Nudge.Defaults = config.NudgeDefaults{PerDay: 5, MinDelay: "2h", MaxDelay: "1h"}
	d, err = mapNudgeDefaults(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, d.PerDay)
	assert.Equal(t, 2*time.Hour, d.MaxDelay)
}

func TestMapNudgeConfigLocation(t *testing.T) {
	cfg := baseConfig()
	cfg.Scheduler.Timezone = "Asia/Jakarta"
	cfg.Nudge.SilenceDelay = "15m"
	nc, err := mapNudgeConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jakarta", nc.Location.String())
	assert.Equal(t, 15*time.Minute, nc.SilenceDelay)
	assert.Zero(t, nc.JitterMin)
}

func TestMapLoggingNeedsOpsChatForAlerts(t *testing.T) {
	cfg := baseConfig()
	cfg.Logging.Alerts.Enabled = true
	assert.False(t, mapLoggingConfig(cfg).Alerts.Enabled)
	cfg.Telegram.OpsChat = -1001
	assert.True(t, mapLoggingConfig(cfg).Alerts.Enabled)
}

func TestValidateConfigSchedule(t *testing.T) {
	cfg := baseConfig()
	cfg.Billing.SubscriptionExpiry = config.SubscriptionExpiryConfig{Enabled: true, Schedule: "30m"}
	assert.NoError(t, validateConfig(cfg))

	cfg.Billing.SubscriptionExpiry.Schedule = "sometimes"
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing.subscription_expiry.schedule")

	cfg = baseConfig()
	cfg.Storage.Driver = "postgres"
	assert.Error(t, validateConfig(cfg))
}
