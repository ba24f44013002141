package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"tumbler/internal/cache"
	"tumbler/internal/config"
	"tumbler/internal/debugsrv"
	"tumbler/internal/eventbus"
	"tumbler/internal/lifecycle"
	"tumbler/internal/metrics"
	"tumbler/internal/mounts"
	"tumbler/internal/registry"
	rtsup "tumbler/internal/runtime/supervisor"
	"tumbler/internal/scheduler"
	"tumbler/internal/service"
	"tumbler/internal/storage"
	"tumbler/internal/transport/dbusrpc"
	logx "tumbler/pkg/logx"
)

type App struct {
	runID string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	recorder *storage.Recorder

	conn    *dbus.Conn
	dbusSrv *dbusrpc.Server

	lc         *lifecycle.Manager
	svc        *service.Service
	schedulers []scheduler.Scheduler

	metrics *metrics.Metrics
	debug   *debugsrv.Server
	mounts  *mounts.Monitor
	sd      *notifier
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	runID := uuid.NewString()
	log = log.With(logx.String("run_id", runID))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	thumbCache := cache.New(cfg.Cache.Dir)

	reg := registry.New()
	n, err := registerThumbnailers(cfg, reg, thumbCache, log)
	if err != nil {
		return nil, err
	}
	appLog.Info("thumbnailers registered", logx.Int("count", n), logx.String("cache_dir", thumbCache.Dir()))

	schedLog := log.With(logx.String("comp", "scheduler"))
	schedulers := []scheduler.Scheduler{
		scheduler.NewStack("foreground", scheduler.Config{Workers: cfg.Schedulers.Foreground.Workers}, thumbCache, schedLog),
		scheduler.NewGroup("background", scheduler.Config{Workers: cfg.Schedulers.Background.Workers}, thumbCache, schedLog),
	}

	idle, err := mapIdleTimeout(cfg)
	if err != nil {
		return nil, err
	}
	lc := lifecycle.New(idle, log.With(logx.String("comp", "lifecycle")))

	dcfg := mapDBusConfig(cfg)
	conn, err := dbusrpc.Connect(dcfg)
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}

	svc, err := service.New(service.Config{
		Fallback:    cfg.Schedulers.Fallback,
		ResolveMime: registry.ResolveMimeType,
	}, service.Deps{
		Registry:   reg,
		Cache:      thumbCache,
		Lifecycle:  lc,
		Emitter:    dbusrpc.NewEmitter(conn, dcfg),
		Bus:        bus,
		Schedulers: schedulers,
	}, log.With(logx.String("comp", "service")))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	a := &App{
		runID:      runID,
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		conn:       conn,
		dbusSrv:    dbusrpc.NewServer(conn, dcfg, svc, log.With(logx.String("comp", "dbus"))),
		lc:         lc,
		svc:        svc,
		schedulers: schedulers,
		sd:         newNotifier(log.With(logx.String("comp", "systemd"))),
	}

	a.metrics = metrics.New(metrics.Gauges{
		UseCount:     svc.UseCount,
		MailboxDepth: svc.MailboxDepth,
		QueueDepth:   a.queueDepth,
	})

	// History storage (optional)
	sc, rc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var history debugsrv.HistorySource
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		rc.RunID = runID
		a.store = st
		a.recorder = storage.NewRecorder(rc, st, bus, log.With(logx.String("comp", "history")))
		history = st
		appLog.Info("history storage enabled", logx.String("driver", sc.Driver))
	}

	dbg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	a.debug = debugsrv.New(dbg, debugsrv.Deps{
		Gatherer: a.metrics.Registry(),
		History:  history,
		Status:   a.status,
	}, log.With(logx.String("comp", "debug")))

	if mc, on := mapMountsConfig(cfg); on {
		a.mounts = mounts.NewMonitor(mc, svc.OnVolumeUnmounted, log.With(logx.String("comp", "mounts")))
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Idle is closed once the lifecycle manager decided to shut down.
func (a *App) Idle() <-chan struct{} { return a.lc.Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	rctx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Relay and workers first so nothing queued through the bus name is lost.
	a.svc.Start(rctx)
	if err := a.dbusSrv.Start(); err != nil {
		a.sup.Cancel()
		return err
	}
	a.lc.Start(rctx)

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.recorder != nil {
		a.sup.Go("history.recorder", a.recorder.Run)
	}
	if a.mounts != nil {
		a.sup.Go("mounts.monitor", a.mounts.Run)
	}
	if a.debug.Enabled() {
		a.debug.Start(rctx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go("systemd.watchdog", a.sd.watchdog)

	a.sd.ready()
	a.log.Info("tumblerd started", logx.String("bus_name", mapDBusConfig(a.cfgm.Get()).Name), logx.Duration("idle_timeout", a.lc.Timeout()))
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if idle, err := mapIdleTimeout(newCfg); err != nil {
		a.log.Warn("invalid lifecycle config; keeping previous", logx.Err(err))
	} else if idle != a.lc.Timeout() {
		a.lc.SetTimeout(idle)
	}

	if dbg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dbg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) queueDepth() map[string]int {
	out := make(map[string]int, len(a.schedulers))
	for _, sc := range a.schedulers {
		if st, ok := sc.(interface{ Stats() scheduler.Stats }); ok {
			out[sc.Name()] = st.Stats().Queued
		}
	}
	return out
}

type statusView struct {
	RunID        string            `json:"run_id"`
	UseCount     int               `json:"use_count"`
	MailboxDepth int               `json:"mailbox_depth"`
	IdleTimeout  string            `json:"idle_timeout"`
	Schedulers   []scheduler.Stats `json:"schedulers"`
	Supervisor   rtsup.Counters    `json:"supervisor"`
	BusDropped   uint64            `json:"bus_dropped"`
	Flavors      []string          `json:"flavors"`
}

func (a *App) status() any {
	v := statusView{
		RunID:        a.runID,
		UseCount:     a.svc.UseCount(),
		MailboxDepth: a.svc.MailboxDepth(),
		IdleTimeout:  a.lc.Timeout().String(),
		BusDropped:   a.bus.Dropped(),
		Flavors:      a.svc.GetFlavors(),
	}
	for _, sc := range a.schedulers {
		if st, ok := sc.(interface{ Stats() scheduler.Stats }); ok {
			v.Schedulers = append(v.Schedulers, st.Stats())
		}
	}
	if a.sup != nil {
		v.Supervisor = a.sup.Counters()
	}
	return v
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	// Release the name first so a new instance can take over while we drain.
	step("dbus.name", 1*time.Second, func(c context.Context) error { a.dbusSrv.Stop(); return nil })
	step("service", 3*time.Second, func(c context.Context) error { a.svc.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("dbus.conn", 1*time.Second, func(c context.Context) error { return a.conn.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
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
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, report when it eventually returns.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
