// Package app wires configuration, panels, scheduling and the operator
// surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"qlbridge/internal/config"
	"qlbridge/internal/eventbus"
	"qlbridge/internal/httpapi"
	"qlbridge/internal/metrics"
	"qlbridge/internal/qinglong"
	"qlbridge/internal/registry"
	"qlbridge/internal/runtime/supervisor"
	"qlbridge/internal/scheduler"
	"qlbridge/internal/storage"
	"qlbridge/internal/transport/telegram"
	logx "qlbridge/pkg/logx"
	"qlbridge/pkg/systemd"
)

const pollJob = "panels.poll"

// Options customize New. The zero value is production behavior.
type Options struct {
	// ClientOptions are passed to every panel client.
	ClientOptions []qinglong.Option
	// NewBot replaces the Telegram constructor.
	NewBot func(telegram.Config, telegram.Backend, eventbus.Bus, logx.Logger) (Bot, error)
}

// Bot is the Telegram front end as seen by the app.
type Bot interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

type App struct {
	opts Options
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	prom    *prometheus.Registry
	metrics *metrics.Metrics
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	api     *httpapi.Service

	botMu sync.Mutex
	bot   Bot
}

// New loads cfgPath and builds every component without starting any.
func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if opts.NewBot == nil {
		opts.NewBot = func(c telegram.Config, b telegram.Backend, bus eventbus.Bus, l logx.Logger) (Bot, error) {
			return telegram.New(c, b, bus, l)
		}
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(prom, root.With(logx.String("comp", "metrics")))
	bus := eventbus.New()

	reg := registry.New(registry.Options{
		Log:           root,
		Store:         store,
		Bus:           bus,
		Metrics:       met,
		PollInterval:  sensorInterval(cfg),
		ClientOptions: opts.ClientOptions,
	})

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		root:    root,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		prom:    prom,
		metrics: met,
		reg:     reg,
		sched:   scheduler.New(mapSchedulerConfig(cfg), root.With(logx.String("comp", "scheduler"))),
	}
	a.api = httpapi.New(mapHTTPConfig(cfg), reg, prom, root)
	return a, nil
}

// Registry exposes the panel registry.
func (a *App) Registry() *registry.Registry { return a.reg }

// HTTPAddr reports the API listen address, empty when disabled.
func (a *App) HTTPAddr() string { return a.api.Addr() }

// Done is closed once the app context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start sets up every configured panel and starts polling, the API, the bot
// and the config watcher. Panels that fail setup are logged and retried on
// the next config change.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, a.log)
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	c := a.sup.Context()

	res, err := a.reg.Sync(c, mapPanels(cfg))
	if err != nil {
		a.log.Warn("some panels failed setup", logx.Any("failed", res.Failed), logx.Err(err))
	}

	if err := a.sched.Set(pollJob, cfg.PollInterval(), pollTimeout(cfg), a.reg.PollAll); err != nil {
		return fmt.Errorf("poll schedule: %w", err)
	}
	a.sched.Start(c)

	if err := a.api.Reconfigure(c, mapHTTPConfig(cfg)); err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	if err := a.applyTelegram(c, nil, cfg); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(ctx context.Context) error {
		defer unsub()
		a.logEvents(ctx, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(ctx, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		return systemd.Watchdog(ctx, func() bool { return a.sup.Err() == nil })
	})

	a.log.Info("app started",
		logx.Int("panels", len(a.reg.IDs())),
		logx.String("poll", cfg.PollInterval()),
		logx.String("http", a.api.Addr()),
	)
	return nil
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
			fields := []logx.Field{
				logx.String("type", e.Type),
				logx.String("panel", e.PanelID),
				logx.Time("time", e.Time),
			}
			if e.Data != nil {
				fields = append(fields, logx.Any("data", e.Data))
			}
			a.log.Debug("event", fields...)
		}
	}
}

// reloadLoop applies published configs, coalescing bursts.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, last, next)
		last = next
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs, panels := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(next))

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "poll":
			if err := a.sched.Set(pollJob, next.PollInterval(), pollTimeout(next), a.reg.PollAll); err != nil {
				a.log.Warn("poll schedule not updated", logx.Err(err))
			}
		case "scheduler":
			a.sched.Apply(mapSchedulerConfig(next))
		case "http":
			if err := a.api.Reconfigure(ctx, mapHTTPConfig(next)); err != nil {
				a.log.Error("http api reconfigure failed", logx.Err(err))
			}
		case "telegram":
			if err := a.applyTelegram(ctx, prev, next); err != nil {
				a.log.Error("telegram reconfigure failed", logx.Err(err))
			}
		case "panels":
			res, err := a.reg.Sync(ctx, mapPanels(next))
			if err != nil {
				a.log.Warn("some panels failed setup", logx.Any("failed", res.Failed), logx.Err(err))
			}
			a.log.Debug("panels changed", logx.Any("ids", panels))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTelegram replaces the running bot with one built from next.
func (a *App) applyTelegram(ctx context.Context, prev, next *config.Config) error {
	a.botMu.Lock()
	defer a.botMu.Unlock()

	if a.bot != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.bot.Stop(stopCtx)
		cancel()
		a.bot = nil
	}
	if !next.Telegram.Enabled {
		if prev != nil && prev.Telegram.Enabled {
			a.log.Info("telegram disabled via config")
		}
		return nil
	}
	bot, err := a.opts.NewBot(mapTelegramConfig(next), a.reg, a.bus, a.root)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	bot.Start(a.sup.Context())
	a.bot = bot
	return nil
}

// Stop shuts every component down within ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	step("telegram", 3*time.Second, func(c context.Context) error {
		a.botMu.Lock()
		bot := a.bot
		a.bot = nil
		a.botMu.Unlock()
		if bot == nil {
			return nil
		}
		return bot.Stop(c)
	})
	step("http", 3*time.Second, func(c context.Context) error {
		a.api.Stop(c)
		return nil
	})
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("panels", time.Second, func(context.Context) error {
		a.reg.Close()
		return nil
	})
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// CheckPanels loads cfgPath and exchanges every panel's credentials once,
// reporting each result through log. It returns the joined failures.
func CheckPanels(ctx context.Context, cfgPath string, log logx.Logger, opts ...qinglong.Option) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	for _, p := range cfg.Panels {
		plog := log.With(logx.String("panel", p.ID), logx.Secret("client_id", p.ClientID))
		tok, err := qinglong.ValidateCredentials(ctx, p.Conn(), append([]qinglong.Option{qinglong.WithLogger(plog)}, opts...)...)
		if err != nil {
			plog.Error("panel check failed", logx.Err(err))
			errs = append(errs, fmt.Errorf("panel %s: %w", p.ID, err))
			continue
		}
		plog.Info("panel ok",
			logx.Secret("token", tok.Value),
			logx.Time("expires", time.Unix(tok.Expiry, 0)),
		)
	}
	return errors.Join(errs...)
}
