// Package app builds the daemon from its config file and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"hostbot/internal/broadcast"
	"hostbot/internal/config"
	"hostbot/internal/control"
	"hostbot/internal/deploy"
	"hostbot/internal/entrypoint"
	"hostbot/internal/eventbus"
	"hostbot/internal/janitor"
	"hostbot/internal/observability/debug"
	"hostbot/internal/procsup"
	rtsup "hostbot/internal/runtime/supervisor"
	"hostbot/internal/scan"
	"hostbot/internal/storage"
	kit "hostbot/internal/transport"
	telegram "hostbot/internal/transport/telegram/adapter"
	"hostbot/internal/transport/telegram/router"
	"hostbot/internal/transport/telegram/sender"
	logx "hostbot/pkg/logx"
	"hostbot/pkg/tgui"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	deploys *deploy.Store
	procs   *procsup.Supervisor
	engine  *broadcast.Engine
	sender  *sender.Sender
	ctl     *control.Service
	jan     *janitor.Janitor
	dbg     *debug.Server

	// nil when no control bot token is configured
	adapter *telegram.Adapter
	router  *router.Router
	updates chan kit.Update

	notify *notifier
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// Telegram logging needs the adapter, which needs a logger; start with
	// the sink off and enable it once the adapter exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		updates: make(chan kit.Update, 256),
		notify:  newNotifier(),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dopts, err := mapDeployOptions(cfg)
	if err != nil {
		return nil, err
	}
	var catalog deploy.Catalog
	if a.store != nil {
		catalog = a.store
	}
	a.deploys, err = deploy.NewStore(dopts, catalog, log.With(logx.String("comp", "deploy")))
	if err != nil {
		return nil, err
	}

	popts, err := mapProcOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.procs = procsup.New(popts, a.deploys, entrypoint.New(a.deploys.ScriptExt()),
		procsup.WithBus(a.bus),
		procsup.WithRunner(a),
		procsup.WithLogger(log.With(logx.String("comp", "procsup"))),
	)

	bopts, err := mapBroadcastOptions(cfg)
	if err != nil {
		return nil, err
	}
	var history broadcast.History
	if a.store != nil {
		history = a.store
	}
	scanner := scan.New(a.deploys.ScriptExt())
	a.sender = sender.New(sender.Config{APIURL: cfg.Broadcast.APIURL, Timeout: bopts.RequestTimeout})
	a.engine = broadcast.New(bopts, scanner, a.sender,
		history, a.bus, log.With(logx.String("comp", "broadcast")))

	a.ctl = control.New(control.Options{}, a.deploys, a.procs, scanner, a.engine, a.store, a.bus,
		log.With(logx.String("comp", "control")))

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		a.adapter, err = telegram.New(telegram.Config{
			Token:            cfg.Telegram.Token,
			PollTimeout:      poll,
			APIURL:           cfg.Broadcast.APIURL,
			MaxDownloadBytes: cfg.Deploy.MaxUploadBytes,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.router = router.New(router.Options{
			Tenant:         tenant(cfg),
			Owners:         cfg.Telegram.OwnerUserIDs,
			MaxUploadBytes: cfg.Deploy.MaxUploadBytes,
		}, a.ctl, a.adapter, log.With(logx.String("comp", "router")))

		logSvc.SetSender(a.adapter)
		logSvc.SetTelegramTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
	} else {
		a.log.Warn("telegram.token is empty; running without the control bot")
	}
	logSvc.Apply(logCfg)

	jcfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	var pruner janitor.Pruner
	if a.store != nil {
		pruner = a.store
	}
	a.jan, err = janitor.New(jcfg, a.procs, pruner, log.With(logx.String("comp", "janitor")))
	if err != nil {
		return nil, err
	}
	if !cfg.Janitor.Enabled {
		a.jan = nil
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dbg = debug.New(dcfg, a.status, log)
	return a, nil
}

// validate runs the static checks plus every mapping, so a reload that
// would fail at apply time is rejected up front.
func validate(cfg *config.Config) error {
	errs := []error{config.Validate(cfg)}
	_, _, err := mapStorageConfig(cfg)
	errs = append(errs, err)
	_, err = mapBroadcastOptions(cfg)
	errs = append(errs, err)
	_, err = mapDebugConfig(cfg)
	errs = append(errs, err)
	if jc, err := mapJanitorConfig(cfg); err != nil {
		errs = append(errs, err)
	} else if _, err := janitor.New(jc, nil, nil, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Go runs background work for the process supervisor on the app supervisor
// once it exists.
func (a *App) Go(name string, fn func(ctx context.Context) error) {
	if a.sup == nil {
		go func() { _ = fn(context.Background()) }()
		return
	}
	a.sup.Go(name, fn)
}

func (a *App) Control() *control.Service { return a.ctl }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("router.dispatch", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	}
	if a.jan != nil {
		a.jan.Start(a.sup.Context())
	}
	a.dbg.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.watch", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if e.Type == procsup.EventCrashed {
					a.onCrash(c, e)
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, rtsup.WithBackoff(time.Second, 30*time.Second))

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdog(c, a.log)
	})
	notifyReady(a.log)
	a.log.Info("app started", logx.String("root", a.deploys.RootDir()), logx.Bool("control_bot", a.adapter != nil))
	return nil
}

func (a *App) onCrash(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(procsup.ExitEvent)
	if !ok || a.router == nil {
		return
	}
	if !a.notify.allow(ev.Key, time.Now()) {
		return
	}
	text := tgui.Lines(
		tgui.Cat("💥 ", tgui.Code(ev.Key.App), tgui.Esc(fmt.Sprintf(" crashed (exit %d) after %s", ev.ExitCode, ev.Uptime.Truncate(time.Second)))),
		tgui.Esc("see /logs "+ev.Key.App),
	).String()
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a.router.NotifyOwners(nctx, text)
}

// StatusView is the /status body of the debug server.
type StatusView struct {
	Processes []procsup.Status  `json:"processes"`
	Janitor   []janitor.JobInfo `json:"janitor,omitempty"`
	Runtime   rtsup.Snapshot    `json:"runtime"`
}

func (a *App) status(context.Context) any {
	v := StatusView{Processes: a.ctl.Processes()}
	if a.jan != nil {
		v.Janitor = a.jan.Snapshot()
	}
	if a.sup != nil {
		v.Runtime = a.sup.Snapshot()
	}
	return v
}

// sections whose changes only take effect after a restart
var restartOnly = []struct {
	name string
	get  func(*config.Config) any
}{
	{"telegram.token", func(c *config.Config) any { return c.Telegram.Token }},
	{"storage", func(c *config.Config) any { return c.Storage }},
	{"deploy", func(c *config.Config) any { return c.Deploy }},
	{"supervisor", func(c *config.Config) any { return c.Supervisor }},
	{"broadcast.api_url", func(c *config.Config) any { return c.Broadcast.APIURL }},
	{"janitor.enabled", func(c *config.Config) any { return c.Janitor.Enabled }},
}

func (a *App) applyConfig(prev, next *config.Config) {
	var pending []string
	for _, s := range restartOnly {
		if !reflect.DeepEqual(s.get(prev), s.get(next)) {
			pending = append(pending, s.name)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("sections", pending))
	}

	a.logs.SetTelegramTarget(groupLogChat(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	if bo, err := mapBroadcastOptions(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetOptions(bo)
		a.sender.SetTimeout(bo.RequestTimeout)
	}
	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}
	if a.jan != nil {
		if jc, err := mapJanitorConfig(next); err != nil {
			a.log.Warn("invalid janitor config; keeping previous", logx.Err(err))
		} else if err := a.jan.Apply(jc); err != nil {
			a.log.Warn("janitor config rejected", logx.Err(err))
		}
	}
	if dc, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.dbg.Reconfigure(a.sup.Context(), dc)
	}
	a.log.Info("config applied")
}

// Stop shuts everything down in reverse build order. Child processes are
// stopped too: the registry lives in memory and would not find them again
// after a restart.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("janitor", 2*time.Second, func(c context.Context) error {
		if a.jan != nil {
			a.jan.Stop(c)
		}
		return nil
	})
	step("debug", 2*time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("processes", 10*time.Second, func(c context.Context) error { a.procs.StopAll(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
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
