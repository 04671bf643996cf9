// Package app wires the dispatcher together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"wadispatch/internal/config"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/notify"
	"wadispatch/internal/runtime/supervisor"
	"wadispatch/internal/session"
	"wadispatch/internal/storage"
	"wadispatch/internal/transport"
	"wadispatch/internal/transport/whatsapp"
	"wadispatch/internal/uploads"
	logx "wadispatch/pkg/logx"
)

// Options configures New. Opener defaults to the whatsmeow opener.
type Options struct {
	ConfigPath string
	Opener     transport.Opener
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	opener   transport.Opener
	sessions *session.Registry
	ctl      *dispatch.Controller
	uploads  *uploads.Store
	janitor  *uploads.Janitor
	notif    *notify.Notifier

	api *httpapi.Handler
	srv *http.Server
	ln  net.Listener
}

func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, found, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	if !found {
		log.Info("config file not found; using defaults", logx.String("path", cfgm.Path()))
	}

	bus := eventbus.New()

	store, err := OpenStorage(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	opener := opts.Opener
	if opener == nil {
		opener = whatsapp.NewOpener(whatsapp.Config{}, log.With(logx.String("comp", "whatsapp")))
	}

	settings, err := mapDispatchSettings(cfg)
	if err != nil {
		return nil, err
	}
	reg := session.NewRegistry(log.With(logx.String("comp", "sessions")), bus)
	ctl := dispatch.NewController(reg, settings, store, bus, log.With(logx.String("comp", "dispatch")))

	jcfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	up := uploads.New(cfg.Uploads.Dir, log)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		opener:   opener,
		sessions: reg,
		ctl:      ctl,
		uploads:  up,
		janitor:  uploads.NewJanitor(up, jcfg, log),
		notif:    notify.New(mapNotifyConfig(cfg), bus, log),
	}, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound HTTP address, once started.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Start loads the saved sessions, binds the HTTP listener and launches the
// background loops. It returns once the server accepts connections.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()

	lcfg, err := mapLoaderConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := session.LoadAll(runCtx, lcfg, a.opener, a.sessions, a.log.With(logx.String("comp", "sessions"))); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	a.log.Debug("registered sessions", logx.Strings("names", a.sessions.Names()))

	readHeader, err := config.ParseDurationOrDefault("server.read_header_timeout", cfg.Server.ReadHeaderTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	a.api = httpapi.New(runCtx, mapHTTPConfig(cfg), a.ctl, a.uploads, a.bus, a.log)
	a.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.api.Routes(),
		ReadHeaderTimeout: readHeader,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	a.ln = ln
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.log.Info("server ready", logx.String("addr", ln.Addr().String()))

	if err := a.janitor.Start(); err != nil {
		a.log.Warn("upload janitor not started", logx.Err(err))
	}
	a.sup.GoRestart("notify", a.notif.Run)

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
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady(a.log)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config updates to the live components.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if s, err := mapDispatchSettings(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.ctl.Apply(s)
	}
	if a.api != nil {
		a.api.Apply(mapHTTPConfig(newCfg))
	}
	if jc, err := mapJanitorConfig(newCfg); err != nil {
		a.log.Warn("invalid uploads config; keeping previous", logx.Err(err))
	} else if err := a.janitor.Apply(jc); err != nil {
		a.log.Warn("upload janitor reschedule failed", logx.Err(err))
	}
	if err := a.notif.Apply(mapNotifyConfig(newCfg)); err != nil {
		a.log.Warn("notifier reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order, each step bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Cancelling first ends a running dispatch at its next pair boundary,
	// which lets its /start request complete before Shutdown waits on it.
	a.sup.Cancel()

	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", a.cfgm.Get().Server.ShutdownTimeout, 5*time.Second)
	if err != nil {
		shutdown = 5 * time.Second
	}
	step := func(name string, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, shutdown)
		defer cancel()
		t0 := time.Now()
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(t0)))
	}

	if a.srv != nil {
		step("http", a.srv.Shutdown)
	}
	step("janitor", func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("supervisor", a.sup.Wait)
	step("sessions", func(context.Context) error { a.sessions.CloseAll(); return nil })
	if a.store != nil {
		step("storage", func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return a.sup.Err()
}
