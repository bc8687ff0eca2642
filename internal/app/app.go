// Package app wires the daemon together: config, logging, storage,
// delivery channels, the tick trigger and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindd/internal/compiler"
	"remindd/internal/config"
	"remindd/internal/delayed"
	"remindd/internal/dispatch"
	"remindd/internal/eventbus"
	"remindd/internal/httpapi"
	"remindd/internal/push"
	"remindd/internal/reminder"
	"remindd/internal/runtime/supervisor"
	"remindd/internal/storage"
	"remindd/internal/trigger"
	logx "remindd/pkg/logx"
	"remindd/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	web       *push.WebPush
	tg        *push.Telegram // nil without a bot token
	disp      *dispatch.Dispatcher
	delayed   *delayed.Adapter
	reminders *reminder.Service
	trig      *trigger.Trigger
	http      *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("info")

	var (
		tg      *push.Telegram
		alerter logx.Alerter
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err = push.NewTelegram(mapTelegramConfig(cfg), bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		alerter = tg
	}

	logSvc, log := logx.New(mapLogConfig(cfg), alerter)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storageDriver(sc)))

	web := push.NewWebPush(mapWebPushConfig(cfg), log.With(logx.String("comp", "webpush")))
	if !web.Configured() {
		log.Warn("VAPID keys not set; web push delivery disabled")
	}
	router := push.Router{
		Web: web,
		Log: push.NewLog(log.With(logx.String("comp", "outbox"))),
	}
	if tg != nil {
		router.Telegram = tg
	}

	dcfg := mapDispatchConfig(cfg)
	disp := dispatch.New(dcfg, store, router, log.With(logx.String("comp", "dispatch")), bus)

	eval := mapEvaluator(cfg)

	var pub delayed.Publisher
	q, err := delayed.NewQStash(mapQStashConfig(cfg))
	switch {
	case err == nil:
		pub = q
	case errors.Is(err, delayed.ErrDisabled):
		log.Info("delayed delivery disabled", logx.Err(err))
	default:
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	adapter := delayed.NewAdapter(pub, delayed.Config{
		HorizonWeeks: cfg.Delayed.HorizonWeeks,
		Location:     eval.Location,
		Icon:         dcfg.Icon,
		Badge:        dcfg.Badge,
	}, log.With(logx.String("comp", "delayed")))

	reminders := reminder.New(reminder.Deps{
		Store:      store,
		Dispatcher: disp,
		Evaluator:  eval,
		Compiler:   compiler.New(compiler.WithLocation(eval.Location)),
		Delayed:    adapter,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "reminder")),
	})

	trig := trigger.New(mapTriggerConfig(cfg), reminders, log.With(logx.String("comp", "trigger")))
	if err := trig.Validate(mapTriggerConfig(cfg)); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		web:       web,
		tg:        tg,
		disp:      disp,
		delayed:   adapter,
		reminders: reminders,
		trig:      trig,
	}
	a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Reminders: reminders,
		Verifier:  delayed.NewVerifier(cfg.Delayed.CurrentSigningKey, cfg.Delayed.NextSigningKey, cfg.Delayed.CallbackURL),
		Status:    a.status,
		Ticks:     trig,
		Log:       log.With(logx.String("comp", "http")),
	})
	return a, nil
}

func (a *App) status() httpapi.Status {
	return httpapi.Status{
		DelayedConfigured: a.delayed.Enabled(),
		VAPIDConfigured:   a.web.Configured(),
		VAPIDPublicKey:    a.web.PublicKey(),
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
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
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return a.trig.Validate(mapTriggerConfig(cfg))
	})

	if err := a.trig.Start(a.sup.Context()); err != nil {
		return err
	}
	a.http.Start(a.sup.Context())

	// Debug-level only: tick events arrive every minute.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
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
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv)
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.Bool("tick", a.trig.Stats().Running),
		logx.Bool("webpush", a.web.Configured()),
		logx.Bool("telegram", a.tg != nil),
		logx.Bool("delayed", a.delayed.Enabled()),
	)
	return nil
}

// restartOnly lists sections whose changes are not applied live.
var restartOnly = map[string]bool{
	"http":     true,
	"storage":  true,
	"telegram": true,
	"delayed":  true,
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	var pending []string
	for _, s := range sections {
		if restartOnly[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLogConfig(next))
	a.reminders.SetEvaluator(mapEvaluator(next))
	a.disp.Apply(mapDispatchConfig(next))
	a.web.Apply(mapWebPushConfig(next))
	if err := a.trig.Apply(mapTriggerConfig(next)); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order: no new ticks, no new
// requests, then storage. Each step has its own bound so one slow
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
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

	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Any("supervisor", a.sup.Counters()))
	_ = a.logs.Close()
	return nil
}

func storageDriver(sc storage.Config) string {
	if sc.Driver == "" {
		return "memory"
	}
	return sc.Driver
}

// HTTPAddr is the bound listen address, empty until the server is up.
func (a *App) HTTPAddr() string { return a.http.Addr() }
