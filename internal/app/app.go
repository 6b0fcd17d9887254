// Package app wires the reminder bot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/maintenance"
	"remindbot/internal/notifier"
	"remindbot/internal/observability"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/systemd"
)

// StopReason is logged on shutdown.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store   storage.Store
	adapter *telegram.Adapter
	notif   *notifier.Service
	sched   *scheduler.Scheduler
	cmds    *commands.Manager
	gc      *maintenance.Service
	metrics *observability.Server

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	st, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(st.telegram, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(st.logging, ad)

	store, err := storage.Open(st.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", st.storage.Driver))

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notif := notifier.New(st.notifier, ad, log.With(logx.String("comp", "notifier")), bus)
	sched := scheduler.New(st.scheduler, store, notif,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithMetrics(scheduler.NewMetrics(reg)),
	)

	cmds := commands.NewManager(log.With(logx.String("comp", "commands")), ad)
	cmds.SetRegistry(commands.ReminderCommands(sched, nil))

	gc := maintenance.New(st.maintenance, store, log.With(logx.String("comp", "maintenance")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		reg:     reg,
		store:   store,
		adapter: ad,
		notif:   notif,
		sched:   sched,
		cmds:    cmds,
		gc:      gc,
		updates: make(chan kit.Update, 256),
	}
	a.metrics = observability.New(st.metrics, reg, a.health, log.With(logx.String("comp", "observability")))
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapSettings(cfg)
		return err
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if err := a.sched.Start(run); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.cmds.PublishMenu(run); err != nil {
		a.log.Warn("command menu not published", logx.Err(err))
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})
	if err := a.gc.Start(run); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	if err := a.metrics.Start(run); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Only the newest pending config matters.
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
				a.reload(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	snap := a.sched.Snapshot()
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("%d reminders scheduled", snap.Indexed))
	a.log.Info("app started", logx.Int("reminders", snap.Indexed))
	return nil
}

// reload applies the live-reloadable sections. The config manager has
// already validated next.
func (a *App) reload(prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	st, err := mapSettings(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(st.logging)
	a.notif.Apply(st.notifier)
	a.sched.Apply(st.scheduler)
	if err := a.gc.Apply(st.maintenance); err != nil {
		a.log.Warn("maintenance config not applied", logx.Err(err))
	}
	if rs := config.RestartRequired(sections); len(rs) > 0 {
		a.log.Warn("some config changes need a restart", logx.String("sections", strings.Join(rs, ",")))
	}
	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// healthReport is served on /healthz.
type healthReport struct {
	Status      string                       `json:"status"`
	Error       string                       `json:"error,omitempty"`
	Scheduler   scheduler.Snapshot           `json:"scheduler"`
	Maintenance maintenance.Snapshot         `json:"maintenance"`
	Loops       map[string][]rtsup.LoopStats `json:"loops"`
	BusDropped  uint64                       `json:"bus_dropped"`
}

func (a *App) health() (any, bool) {
	r := healthReport{
		Status:      "ok",
		Scheduler:   a.sched.Snapshot(),
		Maintenance: a.gc.Snapshot(),
		Loops:       map[string][]rtsup.LoopStats{},
		BusDropped:  a.bus.Dropped(),
	}
	sups := map[string]*rtsup.Supervisor{
		"app":       a.sup,
		"telegram":  a.adapter.Supervisor(),
		"scheduler": a.sched.Supervisor(),
		"commands":  a.cmds.Supervisor(),
		"metrics":   a.metrics.Supervisor(),
	}
	for name, s := range sups {
		if s != nil {
			r.Loops[name] = s.Snapshot()
		}
	}
	ok := r.Scheduler.Running
	if err := a.Err(); err != nil {
		r.Error = err.Error()
		ok = false
	}
	if !ok {
		r.Status = "degraded"
	}
	return r, ok
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	step("commands", 3*time.Second, func(c context.Context) error {
		if s := a.cmds.Supervisor(); s != nil {
			return s.Wait(c)
		}
		return nil
	})
	step("scheduler", 3*time.Second, a.sched.Stop)
	step("maintenance", 2*time.Second, func(c context.Context) error { a.gc.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		max = time.Until(dl)
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return err
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return nil
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return sctx.Err()
	}
}
