package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"streamframes/internal/calc"
	"streamframes/internal/catalog"
	"streamframes/internal/eventbus"
	"streamframes/internal/observability/metrics"
	"streamframes/internal/storage"
	"streamframes/internal/stream"
	"streamframes/internal/task/engine"
	"streamframes/internal/window"
	logx "streamframes/pkg/logx"
)

// Trigger re-arms ticks. The scheduler implements it on top of the job engine.
type Trigger interface {
	// Arm registers or replaces the recurring tick for key.
	Arm(key string, job func(ctx context.Context) error) error
	// Disarm removes the recurring tick for key. Ticks already queued still run
	// and stop themselves at their arm check.
	Disarm(key string) bool
	// Fire enqueues a single tick now.
	Fire(key string, job func(ctx context.Context) error) error
}

type Config struct {
	// MaxAttempts bounds compute attempts of a failed frame.
	// 0 means 3; negative disables retrying failed frames.
	MaxAttempts int
	// StaleAfter is how long a Pending or Computed frame may sit untouched
	// before recovery assumes its worker died. 0 means 10m; negative disables.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}

type Options struct {
	Store   storage.Store
	Streams map[string]stream.Source
	Calcs   *calc.Registry
	Trigger Trigger
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	// Now is the clock used for stale detection. Defaults to time.Now.
	Now func() time.Time
}

type TickOutcome string

const (
	OutcomeInactive TickOutcome = "inactive"
	OutcomeEmpty    TickOutcome = "empty"
	OutcomeWaiting  TickOutcome = "waiting"
	OutcomeConflict TickOutcome = "conflict"
	OutcomeProduced TickOutcome = "produced"
	OutcomeFailed   TickOutcome = "failed"
	OutcomeError    TickOutcome = "error"
)

// TickResult describes one tick. Window is the candidate window when one
// could be computed; Frame is set once a frame was created.
type TickResult struct {
	Task    string
	Outcome TickOutcome
	Window  window.Window
	Frame   storage.Frame
}

type Engine struct {
	store   storage.Store
	streams map[string]stream.Source
	calcs   *calc.Registry
	trigger Trigger
	log     logx.Logger
	bus     eventbus.Bus
	m       *metrics.Metrics
	now     func() time.Time

	reg atomic.Pointer[catalog.Registry]

	mu    sync.Mutex
	cfg   Config
	armed map[string]bool
}

func New(cfg Config, opt Options) *Engine {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Calcs == nil {
		opt.Calcs = calc.Default()
	}
	if opt.Trigger == nil {
		opt.Trigger = nopTrigger{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	streams := make(map[string]stream.Source, len(opt.Streams))
	for k, v := range opt.Streams {
		streams[k] = v
	}
	return &Engine{
		store:   opt.Store,
		streams: streams,
		calcs:   opt.Calcs,
		trigger: opt.Trigger,
		log:     opt.Log.With(logx.String("comp", "analysis")),
		bus:     opt.Bus,
		m:       opt.Metrics,
		now:     opt.Now,
		cfg:     cfg.withDefaults(),
		armed:   map[string]bool{},
	}
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetCatalog swaps the task definitions used by later ticks.
func (e *Engine) SetCatalog(r *catalog.Registry) { e.reg.Store(r) }

func (e *Engine) Catalog() *catalog.Registry { return e.reg.Load() }

func (e *Engine) lookup(key string) (catalog.TaskDefinition, error) {
	return e.Catalog().Lookup(key)
}

func (e *Engine) source(def catalog.TaskDefinition) (stream.Source, error) {
	src, ok := e.streams[def.Stream]
	if !ok || src == nil {
		return nil, fmt.Errorf("task %s: stream %q is not configured", def.Key, def.Stream)
	}
	return src, nil
}

// StreamNames returns the configured stream names, sorted.
func (e *Engine) StreamNames() []string {
	out := make([]string, 0, len(e.streams))
	for k := range e.streams {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) isScheduled(ctx context.Context, key string) (bool, error) {
	st, ok, err := e.store.GetTaskState(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && st.ArmStatus == storage.ArmScheduled, nil
}

// Tick runs at most one window materialization for key.
func (e *Engine) Tick(ctx context.Context, key string) (res TickResult, err error) {
	res.Task = key
	defer func() {
		out := res.Outcome
		if err != nil && out == "" {
			out = OutcomeError
		}
		e.m.Tick(key, string(out))
	}()

	def, err := e.lookup(key)
	if err != nil {
		return res, err
	}
	scheduled, err := e.isScheduled(ctx, key)
	if err != nil {
		return res, err
	}
	if !scheduled {
		e.disarm(key)
		res.Outcome = OutcomeInactive
		return res, nil
	}
	src, err := e.source(def)
	if err != nil {
		return res, err
	}

	w, ok, err := e.nextWindow(ctx, def, src)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Outcome = OutcomeEmpty
		return res, nil
	}
	res.Window = w

	latest, ok, err := src.LatestTime(ctx)
	if err != nil {
		return res, err
	}
	if !ok || !w.ReadyAt(latest) {
		res.Outcome = OutcomeWaiting
		return res, nil
	}

	f, err := e.store.CreateFrame(ctx, storage.Frame{TaskKey: key, Start: w.Start, End: w.End()})
	if errors.Is(err, storage.ErrFrameConflict) {
		e.log.Debug("frame already created by another worker", logx.String("task", key), logx.String("window", w.String()))
		e.m.FrameConflict(key)
		publish(e.bus, EventFrameConflict, FrameEvent{Task: key, Start: w.Start, End: w.End()})
		res.Outcome = OutcomeConflict
		return res, nil
	}
	if err != nil {
		return res, err
	}
	e.m.FrameCreated(key)
	publish(e.bus, EventFrameCreated, frameEvent(f))

	res.Frame, err = e.analyze(ctx, def, src, f)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, err
	}
	res.Outcome = OutcomeProduced
	return res, nil
}

// nextWindow picks the window after the newest frame, or the window anchored
// at the stream's earliest record when the task has no frames. ok is false
// when there is nothing to anchor to yet.
func (e *Engine) nextWindow(ctx context.Context, def catalog.TaskDefinition, src stream.Source) (window.Window, bool, error) {
	last, ok, err := e.store.LatestFrame(ctx, def.Key)
	if err != nil {
		return window.Window{}, false, err
	}
	if ok {
		return window.New(last.Start.Add(def.Duration), def.Duration), true, nil
	}
	earliest, ok, err := src.EarliestTime(ctx)
	if err != nil || !ok {
		return window.Window{}, false, err
	}
	start := earliest
	if def.Align > 0 {
		start = window.Align(earliest, def.Align)
	}
	return window.New(start, def.Duration), true, nil
}

// analyze runs the unfinished stages of f. f must be Pending or Computed.
func (e *Engine) analyze(ctx context.Context, def catalog.TaskDefinition, src stream.Source, f storage.Frame) (storage.Frame, error) {
	w := f.Window()
	log := e.log.With(logx.String("task", def.Key), logx.Time("start", f.Start))

	var c calc.Calculator
	if f.Status == storage.FramePending {
		recs, err := src.DataInRange(ctx, w.Start, w.End())
		if err != nil {
			log.Warn("frame data unavailable", logx.Err(err))
			e.m.FrameFailed(def.Key, "fetch")
			if merr := e.store.MarkFailed(ctx, f.ID, err.Error()); merr != nil {
				log.Warn("mark failed", logx.Err(merr))
			} else {
				f.Status = storage.FrameFailed
				f.Error = err.Error()
			}
			return f, err
		}

		started, err := e.store.MarkStarted(ctx, f.ID)
		if errors.Is(err, storage.ErrInvalidTransition) {
			log.Debug("frame taken over by another worker")
			return f, nil
		}
		if err != nil {
			return f, err
		}
		f = started

		c, err = e.calcs.Resolve(def.Calculator, def.Options)
		if err != nil {
			return e.fail(ctx, f, StageResolve, err)
		}

		t0 := time.Now()
		res, err := compute(ctx, c, w, recs)
		took := time.Since(t0)
		e.m.ObserveCompute(def.Key, took)
		if err != nil {
			return e.fail(ctx, f, StageCompute, err)
		}
		var payload []byte
		if res.Payload != nil {
			payload, err = json.Marshal(res.Payload)
			if err != nil {
				return e.fail(ctx, f, StageEncode, err)
			}
		}
		err = e.store.MarkComputed(ctx, f.ID, payload, res.MissingData, took)
		if errors.Is(err, storage.ErrInvalidTransition) {
			log.Debug("frame computed by another worker")
			return f, nil
		}
		if err != nil {
			return f, err
		}
		f.Status = storage.FrameComputed
		f.Result = payload
		f.MissingData = res.MissingData
		f.AnalysisTime += took
		log.Debug("frame computed", logx.Int("records", len(recs)), logx.Duration("took", took), logx.Bool("missing_data", res.MissingData))
	}

	if f.Status != storage.FrameComputed {
		return f, nil
	}

	if c == nil {
		var err error
		c, err = e.calcs.Resolve(def.Calculator, def.Options)
		if err != nil {
			return e.fail(ctx, f, StageCleanup, err)
		}
	}
	var took time.Duration
	if cl, ok := c.(calc.Cleaner); ok {
		t0 := time.Now()
		if err := cleanup(ctx, cl, w); err != nil {
			return e.fail(ctx, f, StageCleanup, err)
		}
		took = time.Since(t0)
	}
	if err := e.store.MarkCleanedUp(ctx, f.ID, took); err != nil {
		return f, err
	}
	f.Status = storage.FrameCleanedUp
	f.AnalysisTime += took

	if err := e.store.AdvanceLastFrameStart(ctx, def.Key, f.Start); err != nil {
		log.Warn("advance last frame start", logx.Err(err))
	}
	e.m.FrameCompleted(def.Key, f.Start)
	ev := frameEvent(f)
	ev.Took = f.AnalysisTime
	publish(e.bus, EventFrameCompleted, ev)
	return f, nil
}

func (e *Engine) fail(ctx context.Context, f storage.Frame, stage Stage, cause error) (storage.Frame, error) {
	cerr := &CalculationError{Task: f.TaskKey, Start: f.Start, Stage: stage, Err: cause}
	if stage != StageCleanup {
		if err := e.store.MarkFailed(ctx, f.ID, cerr.Error()); err != nil {
			e.log.Warn("mark failed", logx.String("task", f.TaskKey), logx.Time("start", f.Start), logx.Err(err))
		} else {
			f.Status = storage.FrameFailed
			f.Error = cerr.Error()
		}
	}
	e.log.Error("frame calculation failed",
		logx.String("task", f.TaskKey),
		logx.Time("start", f.Start),
		logx.String("stage", string(stage)),
		logx.Int("attempts", f.Attempts),
		logx.Err(cause),
	)
	e.m.FrameFailed(f.TaskKey, string(stage))
	ev := frameEvent(f)
	ev.Stage = stage
	ev.Error = cause.Error()
	publish(e.bus, EventFrameFailed, ev)
	return f, cerr
}

func compute(ctx context.Context, c calc.Calculator, w window.Window, recs []stream.Record) (res calc.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Compute(ctx, w, recs)
}

func cleanup(ctx context.Context, c calc.Cleaner, w window.Window) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Cleanup(ctx, w)
}

// Recover claims one frame left behind by a failed attempt or a dead worker
// and finishes it. It reports whether a frame was claimed.
func (e *Engine) Recover(ctx context.Context, key string) (bool, error) {
	def, err := e.lookup(key)
	if err != nil {
		return false, err
	}
	cfg := e.config()
	q := storage.ClaimQuery{TaskKey: key, MaxAttempts: cfg.MaxAttempts}
	if cfg.StaleAfter > 0 {
		q.StaleBefore = e.now().Add(-cfg.StaleAfter)
	}
	f, ok, err := e.store.ClaimForRetry(ctx, q)
	if err != nil || !ok {
		return false, err
	}
	src, err := e.source(def)
	if err != nil {
		return true, err
	}
	e.log.Info("recovering frame",
		logx.String("task", key),
		logx.Time("start", f.Start),
		logx.String("status", string(f.Status)),
		logx.Int("attempts", f.Attempts),
	)
	e.m.FrameRecovered(key)
	publish(e.bus, EventFrameRecovered, frameEvent(f))
	_, err = e.analyze(ctx, def, src, f)
	return true, err
}

// RunTick is the job the trigger runs: recovery, then one tick. A produced
// frame fires one more tick so a backlog drains without waiting for the next
// trigger.
func (e *Engine) RunTick(ctx context.Context, key string) error {
	if _, err := e.lookup(key); errors.Is(err, catalog.ErrUnknownTask) {
		e.disarm(key)
		return nil
	}
	scheduled, err := e.isScheduled(ctx, key)
	if err != nil {
		return err
	}
	if !scheduled {
		e.disarm(key)
		e.m.Tick(key, string(OutcomeInactive))
		return nil
	}

	_, rerr := e.Recover(ctx, key)
	res, terr := e.Tick(ctx, key)
	if res.Outcome == OutcomeProduced {
		e.fire(key)
	}
	return classify(multierr.Combine(rerr, terr))
}

// classify maps errors to job engine retry policy. Calculator failures are
// retried so recovery picks the frame up again; source outages wait for the
// next trigger.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *CalculationError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, stream.ErrSourceUnavailable) {
		return engine.NoRetry(err)
	}
	return err
}

func (e *Engine) job(key string) func(ctx context.Context) error {
	return func(ctx context.Context) error { return e.RunTick(ctx, key) }
}

func (e *Engine) arm(key string) error {
	if err := e.trigger.Arm(key, e.job(key)); err != nil {
		return fmt.Errorf("arm %s: %w", key, err)
	}
	e.mu.Lock()
	e.armed[key] = true
	n := len(e.armed)
	e.mu.Unlock()
	e.m.SetArmed(n)
	return nil
}

func (e *Engine) disarm(key string) {
	e.trigger.Disarm(key)
	e.mu.Lock()
	_, was := e.armed[key]
	delete(e.armed, key)
	n := len(e.armed)
	e.mu.Unlock()
	if was {
		e.log.Info("task disarmed", logx.String("task", key))
	}
	e.m.SetArmed(n)
}

func (e *Engine) fire(key string) {
	if err := e.trigger.Fire(key, e.job(key)); err != nil {
		e.log.Debug("tick not enqueued", logx.String("task", key), logx.Err(err))
	}
}

func (e *Engine) isArmed(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed[key]
}

// Armed returns the keys armed in this process, sorted.
func (e *Engine) Armed() []string {
	e.mu.Lock()
	out := make([]string, 0, len(e.armed))
	for k := range e.armed {
		out = append(out, k)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

type nopTrigger struct{}

func (nopTrigger) Arm(string, func(context.Context) error) error  { return nil }
func (nopTrigger) Disarm(string) bool                             { return false }
func (nopTrigger) Fire(string, func(context.Context) error) error { return nil }
