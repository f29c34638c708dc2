// Package app wires the notification core together and owns its
// lifecycle: config, logging, storage, identity, the live connection and
// the local API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"evnotify/internal/api"
	"evnotify/internal/config"
	"evnotify/internal/eventbus"
	"evnotify/internal/identity"
	"evnotify/internal/live"
	"evnotify/internal/metrics"
	"evnotify/internal/runtime/supervisor"
	"evnotify/internal/storage"
	"evnotify/internal/threads"
	"evnotify/internal/transport/ws"
	"evnotify/internal/watermark"
	logx "evnotify/pkg/logx"
	"evnotify/pkg/systemd"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	mtr   *metrics.Metrics

	wm       *watermark.Store
	resolver *identity.Resolver
	history  *threads.Client
	manager  *live.Manager
	api      *api.Service
	resync   *resyncer
	sd       *systemd.Notifier
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      &systemd.Notifier{},
	}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	if cfg.Metrics.Enabled {
		a.mtr = metrics.New()
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.wm = watermark.New(a.store, log.With(logx.Component("watermark")))

	sessOpts, err := mapSessionOptions(cfg)
	if err != nil {
		return err
	}
	a.resolver = identity.NewResolver(sessOpts, log, identity.WithBus(a.bus))

	hubCfg, err := mapHubConfig(cfg)
	if err != nil {
		return err
	}
	liveCfg, err := mapLiveConfig(cfg)
	if err != nil {
		return err
	}
	liveOpts := []live.Option{live.WithBus(a.bus), live.WithMetrics(a.mtr)}

	tc, ok, err := mapThreadsConfig(cfg)
	if err != nil {
		return err
	}
	if ok {
		a.history, err = threads.New(tc, log, threads.WithMetrics(a.mtr))
		if err != nil {
			return err
		}
		liveOpts = append(liveOpts, live.WithHistory(a.history))
	} else {
		a.log.Warn("threads.base_url not set; unread baseline comes from live messages only")
	}

	a.manager = live.New(liveCfg, ws.NewDialer(hubCfg, log), a.wm, log, liveOpts...)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}
	a.api = api.New(apiCfg, api.Deps{
		Backend: a.manager,
		Bus:     a.bus,
		Metrics: a.mtr,
		Health:  a.Health,
		Log:     log,
	}, log)

	a.resync = newResyncer(a.manager.Resync, log.With(logx.Component("resync")))
	return a.resync.Apply(a.resyncSpec(cfg))
}

func (a *App) resyncSpec(cfg *config.Config) string {
	if a.history == nil {
		return ""
	}
	return cfg.Threads.ResyncSpec()
}

// Manager exposes the live connection manager.
func (a *App) Manager() *live.Manager { return a.manager }

// API exposes the local HTTP service.
func (a *App) API() *api.Service { return a.api }

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

// Health is served under /healthz.
func (a *App) Health() any {
	out := map[string]any{
		"resync_next": a.resync.Next(),
		"events":      a.bus.Stats(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if sup := a.api.Supervisor(); sup != nil {
		out["api"] = sup.Counters()
	}
	return out
}

func (a *App) healthy() bool { return a.sup.Healthy() }

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))

	// Subscribe before the resolver runs so the first identity is not missed.
	ids, unsub := a.resolver.Subscribe(1)
	a.sup.Go("live.manager", a.manager.Run)
	a.sup.Go("live.follow", func(c context.Context) error {
		defer unsub()
		return a.manager.Follow(c, ids)
	})
	a.sup.Go("identity.resolver", a.resolver.Run)

	a.resync.Start()
	a.api.Start(a.sup.Context())

	a.sup.Go0("systemd.status", a.reportStatus)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, a.healthy)
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// reportStatus mirrors connection state into the systemd status line.
func (a *App) reportStatus(ctx context.Context) {
	events, unsub := a.bus.Subscribe(16, eventbus.TypeLiveState)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			sc, isState := e.Data.(live.StateChange)
			if !isState {
				continue
			}
			status := sc.To.String()
			if sc.UserID != "" {
				status += " as " + sc.UserID
			}
			_, _ = a.sd.Status(status)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
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
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig applies the hot-reloadable parts of next: logging, api and
// the resync schedule. Everything else is reported as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if err := a.logs.Apply(mapLoggingConfig(next)); err != nil {
		a.log.Warn("log file sink disabled", logx.Err(err))
	}

	if apiCfg, err := mapAPIConfig(next); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, apiCfg)
	}

	if err := a.resync.Apply(a.resyncSpec(next)); err != nil {
		a.log.Warn("invalid resync schedule; keeping previous", logx.Err(err))
	}

	if pending := config.NeedsRestart(prev, next); len(pending) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("resync", 2*time.Second, func(c context.Context) error { a.resync.Stop(c); return nil })
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })

	a.sup.Cancel()
	step("live", 6*time.Second, func(c context.Context) error {
		select {
		case <-a.manager.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
