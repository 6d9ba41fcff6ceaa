// Package app wires config, storage, the job timer core, the nudge service
// and the Telegram transport into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"livenudge/internal/billing"
	"livenudge/internal/config"
	"livenudge/internal/delivery"
	"livenudge/internal/eventbus"
	"livenudge/internal/nudge"
	"livenudge/internal/observability/metrics"
	rtsup "livenudge/internal/runtime/supervisor"
	"livenudge/internal/storage"
	"livenudge/internal/task/engine"
	"livenudge/internal/task/scheduler"
	kit "livenudge/internal/transport"
	telegram "livenudge/internal/transport/telegram/adapter"
	"livenudge/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *sdNotifier

	store   *storage.Store
	adapter *telegram.Adapter
	opsChat atomic.Int64

	engine  *engine.Service
	sched   *scheduler.Service
	sender  *delivery.Sender
	nudges  *nudge.Service
	billing *billing.Jobs

	metrics   *metrics.Metrics
	collector *metrics.Collector
	server    *metrics.Server

	inbound *inbound
	updates chan kit.Update
}

// New loads cfgPath and constructs every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      newSDNotifier(root.With(logx.String("comp", "systemd"))),
		store:   store,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	a.opsChat.Store(cfg.Telegram.OpsChat)
	logSvc.SetAlertFunc(a.sendAlert)

	if err := a.build(cfg, root); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, root.With(logx.String("comp", "scheduler")), a.bus)

	a.sender = delivery.New(mapDeliveryConfig(cfg), a.store, a.adapter, root.With(logx.String("comp", "delivery")))

	ncfg, err := mapNudgeConfig(cfg)
	if err != nil {
		return err
	}
	a.nudges, err = nudge.New(ncfg, nudge.FromStore(a.store), a.sender, a.sched, root.With(logx.String("comp", "nudge")), nudge.WithBus(a.bus))
	if err != nil {
		return err
	}

	a.billing = billing.New(mapBillingConfig(cfg), a.store, a.sched, a.adapter, root)

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	a.metrics = metrics.New()
	a.metrics.GaugeFunc("user_timers", "Per-user timers currently armed.", func() float64 {
		return float64(a.sched.Snapshot().UserTimers)
	})
	a.collector = metrics.NewCollector(a.metrics, a.bus)
	a.server = metrics.NewServer(scfg, a.metrics, a.healthy, root)

	defaults, err := mapNudgeDefaults(cfg)
	if err != nil {
		return err
	}
	a.inbound = newInbound(root.With(logx.String("comp", "inbound")), a.store, a.nudges, a.adapter, a.sched.Snapshot)
	a.inbound.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.inbound.SetDefaults(defaults)
	return nil
}

// sendAlert delivers ops alert lines to telegram.ops_chat.
func (a *App) sendAlert(ctx context.Context, threadID int, text string) error {
	chat := a.opsChat.Load()
	if chat == 0 {
		return nil
	}
	_, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: chat, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (a *App) healthy() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	// The collector subscribes first so startup events are counted.
	a.sup.Go0("metrics.collect", a.collector.Run)

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if err := a.nudges.Start(run); err != nil {
		return err
	}
	if err := a.billing.Register(); err != nil {
		return err
	}
	a.server.Start(run)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if err := a.adapter.UpdateMenuCommands(run, menu); err != nil {
		a.log.Warn("menu commands not published", logx.Err(err))
	}
	a.sup.Go("inbound.dispatch", func(c context.Context) error {
		return a.inbound.Run(c, a.updates)
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.RunWatchdog(c, a.healthy) })

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig fans a committed reload out to every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.opsChat.Store(next.Telegram.OpsChat)
	a.logs.Apply(mapLoggingConfig(next))
	a.inbound.SetOwners(next.Telegram.OwnerUserIDs)
	if d, err := mapNudgeDefaults(next); err == nil {
		a.inbound.SetDefaults(d)
	}

	a.applyEngine(ctx, next)
	a.sender.Apply(mapDeliveryConfig(next))
	if scfg, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, scfg)
	}
	if err := a.billing.Apply(mapBillingConfig(next)); err != nil {
		a.log.Warn("billing jobs not rescheduled", logx.Err(err))
	}
	if changed("nudge") || changed("scheduler") {
		a.applyNudge(ctx, prev, next)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) applyEngine(ctx context.Context, next *config.Config) {
	engCfg, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	wasSched, wasEng := a.sched.Enabled(), a.engine.Enabled()
	a.engine.Apply(ctx, engCfg)
	a.sched.Apply(mapSchedulerConfig(next))

	// Scheduler stops before the engine and starts after it.
	if wasSched && !next.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if wasEng && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !wasEng && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !wasSched && next.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

// applyNudge swaps nudge settings and re-plans every user under them.
func (a *App) applyNudge(ctx context.Context, prev, next *config.Config) {
	ncfg, err := mapNudgeConfig(next)
	if err != nil {
		a.log.Warn("invalid nudge config; keeping previous", logx.Err(err))
		return
	}
	was := prev != nil && prev.Nudge.Enabled
	a.nudges.Apply(ncfg)
	switch {
	case was && !ncfg.Enabled:
		a.nudges.Stop(ctx)
		return
	case !was && ncfg.Enabled:
		if err := a.nudges.Start(ctx); err != nil {
			a.log.Warn("nudge service not started", logx.Err(err))
			return
		}
	}
	if !ncfg.Enabled {
		return
	}
	n, err := a.nudges.RebuildAll(ctx)
	if err != nil {
		a.log.Warn("rebuild after reload incomplete", logx.Int("rebuilt", n), logx.Err(err))
		return
	}
	a.log.Info("nudge plans rebuilt", logx.Int("rebuilt", n))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, a.adapter.Stop)
	step("nudge", time.Second, func(c context.Context) error { a.nudges.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return errors.Join(errs...)
}
