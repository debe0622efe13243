package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/broadcast"
	"botfleet/internal/channel"
	"botfleet/internal/channel/telegram"
	"botfleet/internal/config"
	"botfleet/internal/eventbus"
	"botfleet/internal/fleet"
	"botfleet/internal/maintenance"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

// App wires the store, the platform adapter, the orchestrator, the broadcast
// engine and maintenance into one process with hot config reload.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   sdNotifier

	store   storage.Store
	adapter channel.Adapter
	ops     channel.Session

	fleet  *fleet.Orchestrator
	engine *broadcast.Engine
	maint  *maintenance.Service
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	ad := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	return build(cfgm, cfg, ad, logSvc, log)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, ad channel.Adapter, logSvc *logx.Service, log logx.Logger) (*App, error) {
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	// Mapping errors were already ruled out by validateRuntime.
	fcfg, _ := mapFleetConfig(cfg)
	bcfg, _ := mapBroadcastConfig(cfg)
	mcfg, _ := mapMaintenanceConfig(cfg)

	orch := fleet.New(fcfg, store, ad, log.With(logx.String("comp", "fleet")), bus)
	eng := broadcast.New(bcfg, store, ad, log.With(logx.String("comp", "broadcast")), bus)
	maint := maintenance.New(mcfg, orch, eng, log.With(logx.String("comp", "maintenance")))

	return &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		sd:      sdNotifier{log: log.With(logx.String("comp", "systemd"))},
		store:   store,
		adapter: ad,
		fleet:   orch,
		engine:  eng,
		maint:   maint,
	}, nil
}

func (a *App) Fleet() *fleet.Orchestrator              { return a.fleet }
func (a *App) Broadcasts() *broadcast.Engine           { return a.engine }
func (a *App) Maintenance() *maintenance.Service       { return a.maint }
func (a *App) Store() storage.Store                    { return a.store }
func (a *App) Config() *config.Config                  { return a.cfgm.Get() }
func (a *App) Supervisor() *supervisor.Supervisor      { return a.sup }
func (a *App) Events() (<-chan eventbus.Event, func()) { return a.bus.Subscribe(64) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	a.openOps(ctx, a.cfgm.Get())

	if err := a.fleet.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("fleet: %w", err)
	}
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.watchdog(c, a.sup.Err)
	})

	a.sd.status(a.statusLine())
	a.sd.ready()
	a.log.Info("app started", logx.Int("listeners", len(a.fleet.Running())))
	return nil
}

// openOps connects the ops-chat log sink through its own bot credential.
func (a *App) openOps(ctx context.Context, cfg *config.Config) {
	ops := cfg.Logging.Ops
	if !ops.Enabled || strings.TrimSpace(ops.Token) == "" {
		return
	}
	octx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	sess, err := a.adapter.Open(octx, ops.Token)
	if err != nil {
		a.log.Warn("ops log sink unavailable", logx.Err(err))
		return
	}
	sender, ok := sess.(logx.Sender)
	if !ok {
		_ = sess.Close()
		a.log.Warn("ops log sink unsupported by adapter")
		return
	}
	a.ops = sess
	a.logs.SetSender(sender)
	a.log.Info("ops log sink connected", logx.String("bot", sess.Identity().Username))
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case broadcast.Result:
				a.log.Info("event",
					logx.String("type", e.Type),
					logx.Int64("job", d.JobID),
					logx.String("status", string(d.Status)),
					logx.Int64("sent", d.Sent),
					logx.Int64("failed", d.Failed),
				)
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latest(sub, newCfg)
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains queued updates so a burst of writes applies once.
func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok || newer == nil {
				return cur
			}
			cur = newer
		default:
			return cur
		}
	}
}

// applyConfig pushes hot-reloadable settings into the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.reloading()
	defer a.sd.ready()

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for these to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	if fc, err := mapFleetConfig(newCfg); err != nil {
		a.log.Warn("invalid fleet config; keeping previous", logx.Err(err))
	} else {
		a.fleet.Apply(fc)
	}
	if bc, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(bc)
	}
	if mc, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else {
		a.maint.Apply(mc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.sd.status(a.statusLine())
}

func (a *App) statusLine() string {
	c := a.sup.Counters()
	return fmt.Sprintf("%d listeners, %d broadcasts running, %d goroutines (%d panics)",
		len(a.fleet.Running()), len(a.engine.Active()), c.Active, c.Panics)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Maintenance may launch resumes; stop it before the engine.
	step("maintenance", time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("broadcast", 6*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("fleet", 6*time.Second, func(c context.Context) error { a.fleet.Stop(c); return nil })
	step("ops", time.Second, func(context.Context) error {
		a.logs.SetSender(nil)
		if a.ops != nil {
			return a.ops.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// stopStep runs fn with an upper bound so one component cannot stall the
// whole shutdown. The caller's deadline is never extended.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
			return err
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
