package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"streamframes/internal/alert"
	"streamframes/internal/analysis"
	"streamframes/internal/calc"
	"streamframes/internal/catalog"
	"streamframes/internal/eventbus"
	"streamframes/internal/observability/metrics"
	"streamframes/internal/observability/ops"
	"streamframes/internal/storage"
	"streamframes/internal/stream"
	"streamframes/internal/task/engine"
	"streamframes/internal/task/scheduler"
	logx "streamframes/pkg/logx"
)

type App struct {
	cfgPath string
	worker  bool

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	streams map[string]stream.Store
	calcs   *calc.Registry
	metrics *metrics.Metrics

	engine *engine.Service
	sched  *scheduler.Service

	analysis *analysis.Engine
	ctl      *analysis.Controller
	adv      *analysis.Advisor

	alerts *alert.Service
	ops    *ops.Service

	mu      sync.Mutex
	ret     retentionConfig
	alertTC alert.TelegramConfig
	started time.Time
}

// NewApp builds a worker: ticks are armed on the scheduler and run on the
// task engine once Start is called.
func NewApp(cfgPath string) (*App, error) {
	return open(cfgPath, true)
}

// OpenTool builds an app for one-shot commands. The catalog is installed
// without autostart and nothing is armed locally; a running worker picks up
// arm changes when it reconciles.
func OpenTool(cfgPath string) (*App, error) {
	return open(cfgPath, false)
}

func open(cfgPath string, worker bool) (_ *App, err error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg := mapLoggingConfig(cfg)
	if !worker {
		// stdout belongs to command output
		logCfg.Console = false
	}
	logSvc, base := logx.New(logCfg)
	log := base.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		worker:  worker,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		streams: map[string]stream.Store{},
		calcs:   calc.Default(),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = a.closeStores()
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, base.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	streamCfgs, err := mapStreamConfigs(cfg)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]stream.Source, len(streamCfgs))
	for name, c := range streamCfgs {
		st, err := stream.Open(name, c, base.With(logx.String("comp", "stream")))
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", name, err)
		}
		a.streams[name] = st
		sources[name] = st
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, base.With(logx.String("comp", "taskengine")), a.bus, engine.WithRecorder(a.metrics))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.engine, base.With(logx.String("comp", "scheduler")))

	anCfg, err := mapAnalysisConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts := analysis.Options{
		Store:   a.store,
		Streams: sources,
		Calcs:   a.calcs,
		Log:     base,
		Bus:     a.bus,
		Metrics: a.metrics,
	}
	if worker {
		opts.Trigger = a.sched
	}
	a.analysis = analysis.New(anCfg, opts)
	a.ctl = analysis.NewController(a.analysis)
	a.adv = analysis.NewAdvisor(a.analysis)

	reg, err := a.buildCatalog(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.ctl.Install(context.Background(), reg); err != nil {
		return nil, err
	}

	a.ret, err = mapRetentionConfig(cfg)
	if err != nil {
		return nil, err
	}

	acfg, tcfg := mapAlertConfig(cfg)
	sender, err := newAlertSender(acfg, tcfg)
	if err != nil {
		return nil, err
	}
	a.alertTC = tcfg
	a.alerts = alert.New(acfg, sender, base.With(logx.String("comp", "alert")), a.bus)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Metrics: a.metrics.Handler(),
		Ready:   a.Ready,
		Status:  func(ctx context.Context) (any, error) { return a.Status(ctx) },
	}, base.With(logx.String("comp", "ops")))

	return a, nil
}

func newAlertSender(cfg alert.Config, tc alert.TelegramConfig) (alert.Sender, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tg, err := alert.NewTelegram(tc)
	if err != nil {
		return nil, fmt.Errorf("alerts.telegram: %w", err)
	}
	return tg, nil
}

func (a *App) buildCatalog(cfg *Config) (*catalog.Registry, error) {
	return catalog.Build(catalogSpecs(cfg), catalog.Checks{
		Calculator: a.calcs.Has,
		Stream: func(name string) bool {
			_, ok := a.streams[name]
			return ok
		},
	})
}

func (a *App) Controller() *analysis.Controller { return a.ctl }

func (a *App) Advisor() *analysis.Advisor { return a.adv }

func (a *App) Logger() logx.Logger { return a.log }

// Stream returns the opened stream called name.
func (a *App) Stream(name string) (stream.Store, error) {
	st, ok := a.streams[name]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", name)
	}
	return st, nil
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

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if !a.worker {
		return errors.New("app opened for one-shot commands cannot be started")
	}
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if err := a.ctl.Load(a.sup.Context(), a.analysis.Catalog()); err != nil {
		// a task that cannot autostart should not keep the others down
		a.log.Warn("task load incomplete", logx.Err(err))
	}
	a.applyJobs(a.cfgm.Get())

	if a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context())
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("tasks", a.analysis.Catalog().Len()),
		logx.Int("streams", len(a.streams)),
		logx.Int("armed", len(a.analysis.Armed())),
	)
	return nil
}

// validate rejects a reload that would leave the running app inconsistent.
func (a *App) validate(ctx context.Context, cfg *Config) error {
	var errs error
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		errs = multierr.Append(errs, err)
	}
	for name := range cfg.Streams {
		if _, ok := a.streams[name]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("streams.%s: new streams require a restart", name))
		}
	}
	reg, err := a.buildCatalog(cfg)
	if err != nil {
		return multierr.Append(errs, err)
	}
	if err := catalog.CheckDurations(ctx, reg, a.store); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (a *App) reloadLoop(c context.Context, sub chan *Config) {
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

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs, changedTasks := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(changedTasks) > 0 {
		a.log.Debug("task definition changes detected", logx.Any("tasks", changedTasks))
	}
	for _, s := range sections {
		if s == "storage" || s == "streams" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		engCfg.Enabled = prevEngEnabled
	} else {
		a.engine.Apply(c, engCfg)
	}
	schedCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		schedCfg.Enabled = prevSchedEnabled
	} else {
		a.sched.Apply(schedCfg)
	}

	// scheduler first on shutdown; engine first on startup
	if prevSchedEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSchedEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if anCfg, err := mapAnalysisConfig(newCfg); err != nil {
		a.log.Warn("invalid analysis config; keeping previous", logx.Err(err))
	} else {
		a.analysis.Apply(anCfg)
	}

	if len(changedTasks) > 0 {
		reg, err := a.buildCatalog(newCfg)
		if err != nil {
			a.log.Warn("invalid tasks; keeping previous catalog", logx.Err(err))
		} else if err := a.ctl.Load(c, reg); err != nil {
			a.log.Warn("task load incomplete", logx.Err(err))
		}
	}

	if slices.Contains(sections, "scheduler") || slices.Contains(sections, "retention") {
		a.applyJobs(newCfg)
	}

	if opsCfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, opsCfg)
	}

	a.applyAlerts(c, newCfg)

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyAlerts(c context.Context, cfg *Config) {
	acfg, tcfg := mapAlertConfig(cfg)
	a.mu.Lock()
	credsChanged := a.alertTC != tcfg
	a.alertTC = tcfg
	a.mu.Unlock()

	wasRunning := a.alerts.Enabled()
	if credsChanged || (acfg.Enabled && !wasRunning) {
		sender, err := newAlertSender(acfg, tcfg)
		if err != nil {
			a.log.Warn("invalid alert config; alerts disabled", logx.Err(err))
			acfg.Enabled = false
		} else if sender != nil {
			a.alerts.SetSender(sender)
		}
	}
	a.alerts.Apply(acfg)
	switch {
	case wasRunning && !acfg.Enabled:
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	case !wasRunning && acfg.Enabled:
		a.log.Info("alerts enabled via config")
		a.alerts.Start(c)
	}
}

// Ready reports whether the worker can make progress.
func (a *App) Ready(ctx context.Context) error {
	select {
	case <-a.Done():
		return errors.New("app stopped")
	default:
	}
	if a.engine.Enabled() && a.engine.Supervisor() == nil {
		return errors.New("task engine not running")
	}
	if _, err := a.store.ListTaskStates(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

type Status struct {
	Uptime    time.Duration         `json:"uptime"`
	Tasks     []analysis.TaskStatus `json:"tasks"`
	Armed     []string              `json:"armed"`
	Engine    engine.Snapshot       `json:"engine"`
	Scheduler scheduler.Snapshot    `json:"scheduler"`
	Alerts    alert.Stats           `json:"alerts"`
	Streams   []string              `json:"streams"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	tasks, err := a.ctl.List(ctx)
	if err != nil {
		return Status{}, err
	}
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()

	st := Status{
		Tasks:     tasks,
		Armed:     a.analysis.Armed(),
		Engine:    a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		Alerts:    a.alerts.Stats(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Truncate(time.Second)
	}
	for name := range a.streams {
		st.Streams = append(st.Streams, name)
	}
	sort.Strings(st.Streams)
	return st, nil
}

func (a *App) closeStores() error {
	var errs error
	for name, st := range a.streams {
		if err := st.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stream %s: %w", name, err))
		}
	}
	if a.store != nil {
		errs = multierr.Append(errs, a.store.Close())
	}
	return errs
}

// Close releases a tool app. Workers use Stop.
func (a *App) Close() error {
	err := a.closeStores()
	if a.logs != nil {
		err = multierr.Append(err, a.logs.Close())
	}
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// triggers first so nothing new reaches the engine
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("alerts", 1*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStores() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
