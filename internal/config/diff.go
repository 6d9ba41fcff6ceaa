package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	"livenudge/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed top-level sections
// and safe structured attrs for logging. Secrets (bot token, HTTP token) are
// never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.OpsChat != nt.OpsChat ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.ops_chat_set", nt.OpsChat != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.alerts_enabled", l.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		s := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(s.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Nudge, newCfg.Nudge) {
		n := newCfg.Nudge
		changed = append(changed, "nudge")
		attrs = append(attrs,
			logx.Bool("nudge.enabled", n.Enabled),
			logx.String("nudge.policy", n.Policy),
			logx.Int("nudge.defaults.per_day", n.Defaults.PerDay),
			logx.String("nudge.silence_delay", n.SilenceDelay),
			logx.String("nudge.sweep_every", n.SweepEvery),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		d := newCfg.Delivery
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Float64("delivery.rate_per_sec", d.RatePerSec),
			logx.Int("delivery.templates", len(d.Templates)),
			logx.Int("delivery.free_nudges", d.FreeNudges),
		)
	}

	if oldCfg.Billing != newCfg.Billing {
		b := newCfg.Billing
		changed = append(changed, "billing")
		attrs = append(attrs,
			logx.Bool("billing.daily_allowance.enabled", b.DailyAllowance.Enabled),
			logx.String("billing.daily_allowance.at", b.DailyAllowance.At),
			logx.Bool("billing.subscription_expiry.enabled", b.SubscriptionExpiry.Enabled),
			logx.String("billing.subscription_expiry.schedule", b.SubscriptionExpiry.Schedule),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	oTok, nTok := oo.Token != "", no.Token != ""
	oo.Token, no.Token = "", ""
	if oo != no || oTok != nTok {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.token_set", nTok),
			logx.Bool("observability.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
