package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoelect/internal/captcha"
	"autoelect/internal/config"
	"autoelect/internal/elective"
	"autoelect/internal/eventbus"
	"autoelect/internal/metrics"
	"autoelect/internal/monitor"
	"autoelect/internal/notifier"
	"autoelect/internal/portal"
	"autoelect/internal/portal/gateway"
	"autoelect/internal/rules"
	rtsup "autoelect/internal/runtime/supervisor"
	"autoelect/internal/session"
	"autoelect/internal/storage"
	"autoelect/internal/tracing"
	kit "autoelect/internal/transport"
	telegram "autoelect/internal/transport/telegram/adapter"
	logx "autoelect/pkg/logx"
	"autoelect/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	// tail outlives sup during Stop so the last events are recorded and notified.
	tail *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	portal  portal.Client
	sender  kit.Sender
	metrics *metrics.Collector

	pool   *session.Pool
	engine *elective.Engine
	notif  *notifier.Service
	obs    *notifier.Observer
	digest *notifier.Digest
	mon    *monitor.Service

	withMonitor bool
	snap        *rules.Snapshot
	startedAt   time.Time
	traceStop   func(context.Context) error
}

type options struct {
	withMonitor bool
	portal      portal.Client
	recognizer  captcha.Recognizer
	sender      kit.Sender
}

type Option func(*options)

// WithMonitor starts the monitor even when monitor.enabled is false.
func WithMonitor() Option { return func(o *options) { o.withMonitor = true } }

// WithPortal replaces the HTTP gateway client built from the portal section.
func WithPortal(c portal.Client) Option { return func(o *options) { o.portal = c } }

// WithRecognizer replaces the HTTP captcha backend built from the captcha section.
func WithRecognizer(r captcha.Recognizer) Option { return func(o *options) { o.recognizer = r } }

// WithSender replaces the Telegram adapter built from the telegram section.
func WithSender(s kit.Sender) Option { return func(o *options) { o.sender = s } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	snap, err := config.BuildSnapshot(cfg)
	if err != nil {
		return nil, err
	}

	sender := o.sender
	if sender == nil && strings.TrimSpace(cfg.Telegram.Token) != "" {
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	// logx.New applies immediately; bootstrap with remote logging off until the target is set.
	logCfg := cfg.LogConfig()
	bootCfg := logCfg
	bootCfg.Remote.Enabled = false
	logSvc, log := logx.New(bootCfg, sender)
	if to, ok := chatTarget(cfg); ok {
		logSvc.SetRemoteTarget(to)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))
	for _, w := range snap.Warnings() {
		log.Warn("config warning", logx.String("warning", w))
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	pc := o.portal
	if pc == nil {
		gc, err := mapPortalConfig(cfg)
		if err != nil {
			return nil, err
		}
		if pc, err = gateway.New(gc); err != nil {
			return nil, err
		}
	}

	coll := metrics.NewCollector()

	rec := o.recognizer
	if rec == nil && strings.TrimSpace(cfg.Captcha.Username) != "" {
		hr, err := captcha.NewHTTPRecognizer(captcha.HTTPConfig{
			Endpoint: cfg.Captcha.Endpoint,
			Username: cfg.Captcha.Username,
			Password: cfg.Captcha.Password,
			TypeID:   cfg.Captcha.TypeID,
		}, nil)
		if err != nil {
			return nil, err
		}
		rec = hr
	}
	var solver elective.Solver
	if rec != nil {
		solver = captcha.NewSolver(rec,
			captcha.WithTimeout(snap.Client().CaptchaTimeout),
			captcha.WithLogger(log),
			captcha.WithObserver(coll.ObserveCaptcha),
		)
	} else {
		log.Warn("captcha backend not configured; challenges will count as transient errors")
	}

	pool := session.NewPool(session.ConfigFrom(snap.Client(), cfg.Credentials()), pc,
		session.WithLogger(log),
		session.WithBus(bus),
	)
	coll.RegisterPool(pool.Stats)

	engine := elective.NewEngine(elective.Deps{
		Pool:    pool,
		Portal:  pc,
		Solver:  solver,
		Bus:     bus,
		Log:     log,
		Metrics: coll,
	})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, sender, log, bus, store)

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		portal:      pc,
		sender:      sender,
		metrics:     coll,
		pool:        pool,
		engine:      engine,
		notif:       notif,
		withMonitor: o.withMonitor,
		snap:        snap,
	}

	if to, ok := chatTarget(cfg); ok && sender != nil {
		a.obs = notifier.NewObserver(notif, to, log)
		a.digest = notifier.NewDigest(notif, to, a.digestText, log)
	}

	mcfg, err := mapMonitorConfig(cfg, o.withMonitor)
	if err != nil {
		return nil, err
	}
	src := monitor.Sources{
		Status:  func() any { return a.Status() },
		Health:  a.health,
		Metrics: coll.Handler(),
		Bus:     bus,
	}
	if store != nil {
		src.History = store.Recent
	}
	a.mon = monitor.New(mcfg, src, log)

	return a, nil
}

// Bus exposes the event bus the runtime publishes on.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Snapshot returns the rule snapshot currently in force.
func (a *App) Snapshot() *rules.Snapshot {
	if s := a.engine.Current(); s != nil {
		return s
	}
	return a.snap
}

// Done is closed when the app supervisor context is canceled (fatal error, finished run or Stop()).
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

// validate rejects a reloaded config before it is committed; the previous snapshot stays.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg, a.withMonitor); err != nil {
		return err
	}
	spec, tz := digestSchedule(cfg)
	if err := notifier.ParseSchedule(spec); err != nil {
		return err
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("notifier.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.tail = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.startedAt = time.Now()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	shutdown, err := tracing.Setup(a.sup.Context(), mapTracingConfig(cfg))
	if err != nil {
		a.log.Warn("tracing disabled", logx.Err(err))
		shutdown = func(context.Context) error { return nil }
	}
	a.traceStop = shutdown

	if a.snap.Client().PrintMutexRules {
		for _, line := range a.snap.Describe() {
			a.log.Info("rule", logx.String("rule", line))
		}
	}

	// Subscribe before anything can publish so the first attempts are recorded.
	a.startRecorder()

	if a.notif.Enabled() {
		a.notif.Start(a.tail.Context())
	}
	if a.obs != nil {
		a.tail.Go("notifier.observer", func(c context.Context) error { return a.obs.Run(c, a.bus) })
	}
	if a.digest != nil {
		spec, tz := digestSchedule(cfg)
		if err := a.digest.Apply(a.sup.Context(), spec, tz); err != nil {
			a.log.Warn("digest disabled", logx.Err(err))
		}
	}
	if a.mon.Enabled() {
		a.mon.Start(a.sup.Context())
	}

	a.pool.Start(a.sup.Context())
	if err := a.engine.Start(a.sup.Context(), a.snap); err != nil {
		return err
	}
	a.sup.Go("elective.engine", a.joinEngine)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	if d, err := systemd.WatchdogInterval(); err != nil {
		a.log.Warn("systemd watchdog unavailable", logx.Err(err))
	} else if d > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, d, func() bool { return a.health() == nil })
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.String("version", Version),
		logx.String("config", a.snap.Version()),
		logx.Int("courses", len(a.snap.Courses())),
		logx.Int("partitions", len(a.snap.Partitions())),
	)
	return nil
}

// joinEngine ends the app with the engine: a fatal error is returned (and cancels the
// supervisor); a clean stop cancels it directly.
func (a *App) joinEngine(c context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-a.engine.Done():
	}
	err := a.engine.Join(context.Background())
	if err != nil {
		return err
	}
	a.sup.Cancel()
	return nil
}

// startRecorder persists attempts, counts events and keeps a debug trail of the bus.
func (a *App) startRecorder() {
	events, unsub := a.bus.Subscribe(256)
	a.tail.Go0("eventbus.record", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.metrics.ObserveEvent(e.Type)
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				switch e.Type {
				case eventbus.TypeAttempt:
					if rec, ok := e.Data.(elective.AttemptRecord); ok && a.store != nil {
						a.persist(c, rec)
					}
				case eventbus.TypeElected:
					if ev, ok := e.Data.(elective.ElectedEvent); ok {
						_, _ = systemd.Status("elected %s", ev.Course.Name)
					}
				}
			}
		}
	})
}

func (a *App) persist(ctx context.Context, rec elective.AttemptRecord) {
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := a.store.AppendAttempt(c, storage.AttemptEntry{
		At:        rec.At,
		Partition: rec.Partition,
		CourseID:  rec.CourseID,
		Course:    rec.Course,
		Outcome:   rec.Outcome.String(),
		Enrolled:  rec.Enrolled,
		Captcha:   rec.Captcha,
		Message:   rec.Message,
		Error:     rec.Error,
		TookMS:    rec.Took.Milliseconds(),
	})
	if err != nil && ctx.Err() == nil {
		a.log.Warn("attempt not persisted", logx.String("course", rec.CourseID), logx.Err(err))
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = newest(sub, next)
			a.apply(c, applied, next)
			applied = next
		}
	}
}

// newest drains the configs already queued behind cfg and returns the last one. A burst of
// file writes is applied once.
func newest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case more, ok := <-sub:
			if !ok {
				return cfg
			}
			if more != nil {
				cfg = more
			}
		default:
			return cfg
		}
	}
}

// apply fans a validated config out to the running components.
func (a *App) apply(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	snap, err := config.BuildSnapshot(next)
	if err != nil {
		// The validator builds the same snapshot; this only happens if it was bypassed.
		a.log.Warn("invalid rules; keeping previous snapshot", logx.Err(err))
		return
	}
	for _, w := range snap.Warnings() {
		a.log.Warn("config warning", logx.String("warning", w))
	}
	if a.engine.Swap(snap) {
		a.warnConfig("partition layout changed; running loops keep their partitions until restart")
	}
	a.pool.Apply(session.ConfigFrom(snap.Client(), next.Credentials()))

	if to, ok := chatTarget(next); ok {
		a.logs.SetRemoteTarget(to)
	}
	a.logs.Apply(next.LogConfig())

	prevNotifEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevNotifEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotifEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.tail.Context())
		}
	}
	if a.digest != nil {
		spec, tz := digestSchedule(next)
		if err := a.digest.Apply(c, spec, tz); err != nil {
			a.log.Warn("invalid digest schedule; digest disabled", logx.Err(err))
		}
	}

	if mcfg, err := mapMonitorConfig(next, a.withMonitor); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.mon.Reconfigure(c, mcfg)
	}

	for _, s := range config.NeedsRestart(sections) {
		if s == "partitions" {
			continue
		}
		a.warnConfig(s + " config changed; restart required for changes to take effect")
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: map[string]any{
		"version": snap.Version(),
		"changed": sections,
	}})
	a.log.Info("config reloaded", append(fields, logx.String("version", snap.Version()))...)
}

func (a *App) warnConfig(msg string) {
	a.log.Warn(msg)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigWarning, Data: msg})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.engine.Stop(string(reason))
	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	sd := shutdown{ctx: ctx, log: a.log}
	// Loops first: they hold borrowed sessions.
	sd.run("engine", 3*time.Second, func(c context.Context) error {
		err := a.engine.Join(c)
		var fe *elective.FatalError
		if errors.As(err, &fe) {
			return nil
		}
		return err
	})
	sd.run("session.pool", 2*time.Second, a.pool.Stop)
	sd.run("monitor", 1*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	sd.run("digest", 1*time.Second, func(context.Context) error {
		if a.digest != nil {
			a.digest.Stop()
		}
		return nil
	})
	// The notifier drains after the engine so the final Elected / Stopped messages go out.
	sd.run("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	sd.run("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	sd.run("recorder", 1*time.Second, func(c context.Context) error {
		a.tail.Cancel()
		return a.tail.Wait(c)
	})
	sd.run("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	sd.run("tracing", 2*time.Second, func(c context.Context) error {
		if a.traceStop != nil {
			return a.traceStop(c)
		}
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
