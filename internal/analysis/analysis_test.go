package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamframes/internal/calc"
	"streamframes/internal/catalog"
	"streamframes/internal/storage"
	"streamframes/internal/stream"
	"streamframes/internal/task/engine"
	"streamframes/internal/window"
	logx "streamframes/pkg/logx"
)

type fakeTrigger struct {
	mu    sync.Mutex
	armed map[string]bool
	fired map[string]int
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{armed: map[string]bool{}, fired: map[string]int{}}
}

func (f *fakeTrigger) Arm(key string, _ func(context.Context) error) error {
	f.mu.Lock()
	f.armed[key] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTrigger) Disarm(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.armed[key]
	delete(f.armed, key)
	return was
}

func (f *fakeTrigger) Fire(key string, _ func(context.Context) error) error {
	f.mu.Lock()
	f.fired[key]++
	f.mu.Unlock()
	return nil
}

func (f *fakeTrigger) isArmed(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed[key]
}

func (f *fakeTrigger) fires(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired[key]
}

type harness struct {
	store   *storage.Memory
	streams map[string]*stream.Memory
	calcs   *calc.Registry
	trig    *fakeTrigger
	eng     *Engine
	ctl     *Controller
	adv     *Advisor
}

type harnessOpt struct {
	cfg     Config
	now     func() time.Time
	streams []string
	sources map[string]stream.Source
	calcs   map[string]calc.Factory
	log     logx.Logger
}

func newHarness(t *testing.T, opt harnessOpt) *harness {
	t.Helper()
	if len(opt.streams) == 0 {
		opt.streams = []string{"events"}
	}
	h := &harness{
		store:   storage.NewMemory(),
		streams: map[string]*stream.Memory{},
		calcs:   calc.Default(),
		trig:    newFakeTrigger(),
	}
	for name, f := range opt.calcs {
		if err := h.calcs.Register(name, f); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	srcs := map[string]stream.Source{}
	for _, name := range opt.streams {
		m := stream.NewMemory(name)
		h.streams[name] = m
		srcs[name] = m
	}
	for name, src := range opt.sources {
		srcs[name] = src
	}
	h.eng = New(opt.cfg, Options{
		Store:   h.store,
		Streams: srcs,
		Calcs:   h.calcs,
		Trigger: h.trig,
		Now:     opt.now,
		Log:     opt.log,
	})
	h.ctl = NewController(h.eng)
	h.adv = NewAdvisor(h.eng)
	return h
}

func (h *harness) build(t *testing.T, specs map[string]catalog.Spec) *catalog.Registry {
	t.Helper()
	known := map[string]bool{}
	for _, n := range h.eng.StreamNames() {
		known[n] = true
	}
	reg, err := catalog.Build(specs, catalog.Checks{
		Calculator: h.calcs.Has,
		Stream:     func(name string) bool { return known[name] },
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return reg
}

func (h *harness) load(t *testing.T, specs map[string]catalog.Spec) {
	t.Helper()
	if err := h.ctl.Load(context.Background(), h.build(t, specs)); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func (h *harness) appendAt(t *testing.T, name string, secs ...int64) {
	t.Helper()
	recs := make([]stream.Record, 0, len(secs))
	for _, s := range secs {
		recs = append(recs, stream.Record{Time: at(s), Value: float64(s)})
	}
	if err := h.streams[name].Append(context.Background(), recs...); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func (h *harness) schedule(t *testing.T, key string) {
	t.Helper()
	if _, err := h.ctl.Schedule(context.Background(), key); err != nil {
		t.Fatalf("schedule %s: %v", key, err)
	}
}

func (h *harness) frames(t *testing.T, key string) []storage.Frame {
	t.Helper()
	out, err := h.ctl.Frames(context.Background(), key, storage.FrameQuery{})
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	return out
}

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func seconds(from, to int64) []int64 {
	var out []int64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func task(calculator, duration string) catalog.Spec {
	return catalog.Spec{Name: "test task", Calculator: calculator, Stream: "events", Duration: duration}
}

func TestTickMaterializesWindowsInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "15s")})
	h.schedule(t, "a")
	if !h.trig.isArmed("a") || h.trig.fires("a") != 1 {
		t.Fatalf("schedule should arm and fire once: armed=%v fires=%d", h.trig.isArmed("a"), h.trig.fires("a"))
	}

	res, err := h.eng.Tick(ctx, "a")
	if err != nil || res.Outcome != OutcomeEmpty {
		t.Fatalf("empty stream tick = %v, %v", res.Outcome, err)
	}

	h.appendAt(t, "events", 2, 9, 14, 20, 31)

	res, err = h.eng.Tick(ctx, "a")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcome != OutcomeProduced {
		t.Fatalf("outcome = %s, want produced", res.Outcome)
	}
	if !res.Frame.Start.Equal(at(2)) || !res.Frame.End.Equal(at(17)) {
		t.Fatalf("frame = [%s, %s), want [2, 17)", res.Frame.Start, res.Frame.End)
	}
	if res.Frame.Status != storage.FrameCleanedUp {
		t.Fatalf("status = %s", res.Frame.Status)
	}
	var got calc.CountResult
	if err := json.Unmarshal(res.Frame.Result, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got.Count != 3 {
		t.Fatalf("count = %d, want 3", got.Count)
	}

	res, err = h.eng.Tick(ctx, "a")
	if err != nil || res.Outcome != OutcomeWaiting {
		t.Fatalf("second tick = %v, %v; want waiting", res.Outcome, err)
	}
	if !res.Window.Start.Equal(at(17)) || !res.Window.End().Equal(at(32)) {
		t.Fatalf("waiting window = %s", res.Window)
	}

	h.appendAt(t, "events", 33)
	res, err = h.eng.Tick(ctx, "a")
	if err != nil || res.Outcome != OutcomeProduced {
		t.Fatalf("third tick = %v, %v; want produced", res.Outcome, err)
	}
	if err := json.Unmarshal(res.Frame.Result, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got.Count != 2 {
		t.Fatalf("count = %d, want 2", got.Count)
	}

	state, _, err := h.store.GetTaskState(ctx, "a")
	if err != nil {
		t.Fatalf("task state: %v", err)
	}
	if !state.LastFrameStart.Equal(at(17)) {
		t.Fatalf("last frame start = %s, want 17", state.LastFrameStart)
	}
}

func TestTickAlignsFirstWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpt{})
	spec := task("count", "10s")
	spec.Align = "10s"
	h.load(t, map[string]catalog.Spec{"a": spec})
	h.schedule(t, "a")
	h.appendAt(t, "events", 7, 12, 25)

	res, err := h.eng.Tick(context.Background(), "a")
	if err != nil || res.Outcome != OutcomeProduced {
		t.Fatalf("tick = %v, %v", res.Outcome, err)
	}
	if !res.Frame.Start.Equal(at(0)) {
		t.Fatalf("start = %s, want aligned to 0", res.Frame.Start)
	}
}

func TestConcurrentTicksProduceContiguousFrames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 100)...)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := h.eng.Tick(ctx, "a")
				if err != nil {
					t.Errorf("tick: %v", err)
					return
				}
				if res.Outcome == OutcomeWaiting {
					return
				}
			}
		}()
	}
	wg.Wait()

	frames := h.frames(t, "a")
	if len(frames) != 10 {
		t.Fatalf("frames = %d, want 10", len(frames))
	}
	for i, f := range frames {
		if !f.Start.Equal(at(int64(i * 10))) {
			t.Fatalf("frame %d starts at %s", i, f.Start)
		}
		if i > 0 && !frames[i-1].End.Equal(f.Start) {
			t.Fatalf("gap between frame %d and %d", i-1, i)
		}
		if f.Status != storage.FrameCleanedUp {
			t.Fatalf("frame %d status = %s", i, f.Status)
		}
	}
}

func TestSimultaneousTicksComputeOnce(t *testing.T) {
	t.Parallel()
	var computes atomic.Int32
	counting := func(json.RawMessage) (calc.Calculator, error) {
		return calc.Func(func(ctx context.Context, w window.Window, recs []stream.Record) (calc.Result, error) {
			computes.Add(1)
			return calc.Result{Payload: len(recs)}, nil
		}), nil
	}
	h := newHarness(t, harnessOpt{calcs: map[string]calc.Factory{"counting": counting}})
	h.load(t, map[string]catalog.Spec{"a": task("counting", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", 100, 105, 112)

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		produced atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.eng.Tick(context.Background(), "a")
			if err != nil {
				t.Errorf("tick: %v", err)
				return
			}
			switch res.Outcome {
			case OutcomeProduced:
				produced.Add(1)
			case OutcomeConflict, OutcomeWaiting:
			default:
				t.Errorf("unexpected outcome %s", res.Outcome)
			}
		}()
	}
	close(start)
	wg.Wait()

	if produced.Load() != 1 || computes.Load() != 1 {
		t.Fatalf("produced=%d computes=%d, want 1 and 1", produced.Load(), computes.Load())
	}
}

// staleLatest hides existing frames from the planner, as a worker that read
// the frame table just before another one inserted would see it.
type staleLatest struct{ storage.Store }

func (staleLatest) LatestFrame(context.Context, string) (storage.Frame, bool, error) {
	return storage.Frame{}, false, nil
}

func TestTickConflictWhenFrameExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", 0, 5, 15)

	if res, err := h.eng.Tick(ctx, "a"); err != nil || res.Outcome != OutcomeProduced {
		t.Fatalf("tick = %v, %v", res.Outcome, err)
	}

	late := New(Config{}, Options{
		Store:   staleLatest{h.store},
		Streams: map[string]stream.Source{"events": h.streams["events"]},
		Trigger: h.trig,
	})
	late.SetCatalog(h.eng.Catalog())
	res, err := late.Tick(ctx, "a")
	if err != nil || res.Outcome != OutcomeConflict {
		t.Fatalf("late tick = %v, %v; want conflict", res.Outcome, err)
	}
	if !res.Window.Start.Equal(at(0)) {
		t.Fatalf("window = %s", res.Window)
	}
	if n := len(h.frames(t, "a")); n != 1 {
		t.Fatalf("frames = %d, want 1", n)
	}
}

func TestInactiveTickDisarms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.appendAt(t, "events", seconds(0, 30)...)

	res, err := h.eng.Tick(ctx, "a")
	if err != nil || res.Outcome != OutcomeInactive {
		t.Fatalf("tick on inactive task = %v, %v", res.Outcome, err)
	}
	if len(h.frames(t, "a")) != 0 {
		t.Fatal("inactive task produced frames")
	}

	h.schedule(t, "a")
	// Another process cancels the task; the local tick notices and disarms.
	if _, err := h.store.TransitionArm(ctx, "a", storage.ArmCancelled); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := h.eng.RunTick(ctx, "a"); err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if h.trig.isArmed("a") || len(h.eng.Armed()) != 0 {
		t.Fatal("cancelled task still armed")
	}
	if len(h.frames(t, "a")) != 0 {
		t.Fatal("cancelled task produced frames")
	}
}

func TestCancelThenScheduleContinues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.appendAt(t, "events", seconds(0, 60)...)

	h.schedule(t, "a")
	if res, err := h.eng.Tick(ctx, "a"); err != nil || res.Outcome != OutcomeProduced {
		t.Fatalf("tick = %v, %v", res.Outcome, err)
	}

	st, err := h.ctl.Cancel(ctx, "a")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.ArmStatus != storage.ArmCancelled || h.trig.isArmed("a") {
		t.Fatalf("after cancel: status=%s armed=%v", st.ArmStatus, h.trig.isArmed("a"))
	}
	if res, _ := h.eng.Tick(ctx, "a"); res.Outcome != OutcomeInactive {
		t.Fatalf("tick after cancel = %s", res.Outcome)
	}

	h.schedule(t, "a")
	res, err := h.eng.Tick(ctx, "a")
	if err != nil || res.Outcome != OutcomeProduced {
		t.Fatalf("tick after reschedule = %v, %v", res.Outcome, err)
	}
	if !res.Frame.Start.Equal(at(10)) {
		t.Fatalf("resumed at %s, want 10", res.Frame.Start)
	}
	if n := len(h.frames(t, "a")); n != 2 {
		t.Fatalf("frames = %d, want 2", n)
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.schedule(t, "a")
	h.schedule(t, "a")
	if n := h.trig.fires("a"); n != 1 {
		t.Fatalf("fires = %d, want 1", n)
	}
}

func TestUnknownTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})

	if _, err := h.ctl.Schedule(ctx, "nope"); !errors.Is(err, catalog.ErrUnknownTask) {
		t.Fatalf("schedule err = %v", err)
	}
	if _, err := h.ctl.Cancel(ctx, "nope"); !errors.Is(err, catalog.ErrUnknownTask) {
		t.Fatalf("cancel err = %v", err)
	}
	if _, err := h.eng.Tick(ctx, "nope"); !errors.Is(err, catalog.ErrUnknownTask) {
		t.Fatalf("tick err = %v", err)
	}
	if err := h.eng.RunTick(ctx, "nope"); err != nil {
		t.Fatalf("run tick on removed task should be silent: %v", err)
	}
}

func TestComputeFailureIsRecovered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	flaky := func(json.RawMessage) (calc.Calculator, error) {
		return calc.Func(func(ctx context.Context, w window.Window, recs []stream.Record) (calc.Result, error) {
			if fail.Load() {
				return calc.Result{}, errors.New("boom")
			}
			return calc.Result{Payload: len(recs)}, nil
		}), nil
	}
	h := newHarness(t, harnessOpt{calcs: map[string]calc.Factory{"flaky": flaky}})
	h.load(t, map[string]catalog.Spec{"a": task("flaky", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 30)...)

	res, err := h.eng.Tick(ctx, "a")
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	var ce *CalculationError
	if !errors.As(err, &ce) || ce.Stage != StageCompute {
		t.Fatalf("err = %v, want compute CalculationError", err)
	}
	if engine.IsNoRetry(classify(err)) {
		t.Fatal("calculation errors must stay retryable")
	}
	if res.Frame.Status != storage.FrameFailed || res.Frame.Attempts != 1 {
		t.Fatalf("frame = %s attempts %d", res.Frame.Status, res.Frame.Attempts)
	}

	// A failed frame does not block the next window.
	fail.Store(false)
	res, err = h.eng.Tick(ctx, "a")
	if err != nil || res.Outcome != OutcomeProduced || !res.Frame.Start.Equal(at(10)) {
		t.Fatalf("next tick = %v %s, %v", res.Outcome, res.Frame.Start, err)
	}

	claimed, err := h.eng.Recover(ctx, "a")
	if err != nil || !claimed {
		t.Fatalf("recover = %v, %v", claimed, err)
	}
	f, ok, err := h.store.GetFrame(ctx, "a", at(0))
	if err != nil || !ok {
		t.Fatalf("get frame: %v %v", ok, err)
	}
	if f.Status != storage.FrameCleanedUp || f.Attempts != 2 {
		t.Fatalf("recovered frame = %s attempts %d", f.Status, f.Attempts)
	}
}

func TestRecoverStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	broken := func(json.RawMessage) (calc.Calculator, error) {
		return calc.Func(func(context.Context, window.Window, []stream.Record) (calc.Result, error) {
			panic("broken calculator")
		}), nil
	}
	h := newHarness(t, harnessOpt{
		cfg:   Config{MaxAttempts: 2},
		calcs: map[string]calc.Factory{"broken": broken},
	})
	h.load(t, map[string]catalog.Spec{"a": task("broken", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 15)...)

	if res, _ := h.eng.Tick(ctx, "a"); res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	claimed, err := h.eng.Recover(ctx, "a")
	if !claimed || err == nil {
		t.Fatalf("second attempt = %v, %v", claimed, err)
	}
	claimed, err = h.eng.Recover(ctx, "a")
	if claimed || err != nil {
		t.Fatalf("exhausted frame claimed again: %v, %v", claimed, err)
	}

	n, err := h.ctl.RetryFailed(ctx, "a")
	if err != nil || n != 1 {
		t.Fatalf("retry failed = %d, %v", n, err)
	}
	if claimed, _ := h.eng.Recover(ctx, "a"); !claimed {
		t.Fatal("reset frame not claimed")
	}
}

func TestRecoverDisabledByNegativeMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	broken := func(json.RawMessage) (calc.Calculator, error) {
		return nil, errors.New("cannot build")
	}
	h := newHarness(t, harnessOpt{
		cfg:   Config{MaxAttempts: -1},
		calcs: map[string]calc.Factory{"broken": broken},
	})
	h.load(t, map[string]catalog.Spec{"a": task("broken", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 15)...)

	_, err := h.eng.Tick(ctx, "a")
	var ce *CalculationError
	if !errors.As(err, &ce) || ce.Stage != StageResolve {
		t.Fatalf("err = %v, want resolve CalculationError", err)
	}
	if claimed, err := h.eng.Recover(ctx, "a"); claimed || err != nil {
		t.Fatalf("recover = %v, %v", claimed, err)
	}
}

func TestCalculationFailureIsLogged(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	broken := func(json.RawMessage) (calc.Calculator, error) {
		return calc.Func(func(context.Context, window.Window, []stream.Record) (calc.Result, error) {
			return calc.Result{}, errors.New("boom")
		}), nil
	}
	h := newHarness(t, harnessOpt{
		calcs: map[string]calc.Factory{"broken": broken},
		log:   logx.NewWriter(&buf, "debug"),
	})
	h.load(t, map[string]catalog.Spec{"a": task("broken", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 12)...)
	if _, err := h.eng.Tick(context.Background(), "a"); err == nil {
		t.Fatal("tick succeeded")
	}

	var found map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("log line %q: %v", sc.Text(), err)
		}
		if line["message"] == "frame calculation failed" {
			found = line
		}
	}
	if found == nil {
		t.Fatalf("failure not logged:\n%s", buf.String())
	}
	want := map[string]any{"level": "error", "comp": "analysis", "task": "a", "stage": "compute"}
	for k, v := range want {
		if found[k] != v {
			t.Errorf("%s = %v, want %v", k, found[k], v)
		}
	}
	if found["attempts"] != float64(1) {
		t.Errorf("attempts = %v, want 1", found["attempts"])
	}
}

type failingData struct {
	stream.Source
	fail atomic.Bool
}

func (s *failingData) DataInRange(ctx context.Context, start, end time.Time) ([]stream.Record, error) {
	if s.fail.Load() {
		return nil, &stream.UnavailableError{Stream: "events", Op: "data_in_range", Err: errors.New("connection refused")}
	}
	return s.Source.DataInRange(ctx, start, end)
}

func TestSourceUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("before frame creation", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, harnessOpt{})
		h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
		h.schedule(t, "a")
		h.streams["events"].FailNext(errors.New("down"))

		_, err := h.eng.Tick(ctx, "a")
		if !errors.Is(err, stream.ErrSourceUnavailable) {
			t.Fatalf("err = %v", err)
		}
		if !engine.IsNoRetry(classify(err)) {
			t.Fatal("source outages must not be retried by the job engine")
		}
		if len(h.frames(t, "a")) != 0 {
			t.Fatal("frame created despite outage")
		}
	})

	t.Run("while fetching window data", func(t *testing.T) {
		t.Parallel()
		mem := stream.NewMemory("events")
		src := &failingData{Source: mem}
		h := newHarness(t, harnessOpt{sources: map[string]stream.Source{"events": src}})
		h.streams["events"] = mem
		h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
		h.schedule(t, "a")
		h.appendAt(t, "events", seconds(0, 12)...)

		src.fail.Store(true)
		res, err := h.eng.Tick(ctx, "a")
		if !errors.Is(err, stream.ErrSourceUnavailable) || res.Outcome != OutcomeFailed {
			t.Fatalf("tick = %v, %v", res.Outcome, err)
		}
		if res.Frame.Status != storage.FrameFailed || res.Frame.Attempts != 0 {
			t.Fatalf("frame = %s attempts %d", res.Frame.Status, res.Frame.Attempts)
		}

		src.fail.Store(false)
		if err := h.eng.RunTick(ctx, "a"); err != nil {
			t.Fatalf("run tick: %v", err)
		}
		f, _, _ := h.store.GetFrame(ctx, "a", at(0))
		if f.Status != storage.FrameCleanedUp {
			t.Fatalf("frame not recovered: %s", f.Status)
		}
		if n := h.trig.fires("a"); n != 1 {
			t.Fatalf("fires = %d; recovery alone must not fire a follow-up", n)
		}
	})

	t.Run("fetch failure without retries", func(t *testing.T) {
		t.Parallel()
		mem := stream.NewMemory("events")
		src := &failingData{Source: mem}
		h := newHarness(t, harnessOpt{
			cfg:     Config{MaxAttempts: -1, StaleAfter: time.Minute},
			now:     func() time.Time { return time.Now().Add(time.Hour) },
			sources: map[string]stream.Source{"events": src},
		})
		h.streams["events"] = mem
		h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
		h.schedule(t, "a")
		h.appendAt(t, "events", seconds(0, 12)...)

		src.fail.Store(true)
		if _, err := h.eng.Tick(ctx, "a"); !errors.Is(err, stream.ErrSourceUnavailable) {
			t.Fatalf("tick err = %v", err)
		}
		src.fail.Store(false)

		claimed, err := h.eng.Recover(ctx, "a")
		if err != nil || !claimed {
			t.Fatalf("recover = %v, %v", claimed, err)
		}
		f, _, _ := h.store.GetFrame(ctx, "a", at(0))
		if f.Status != storage.FrameCleanedUp || f.Attempts != 1 {
			t.Fatalf("frame = %s attempts %d", f.Status, f.Attempts)
		}
		cut, ok, err := h.adv.Cutoff(ctx, "a")
		if err != nil || !ok || !cut.Equal(at(10)) {
			t.Fatalf("cutoff = %v %v %v", cut, ok, err)
		}
	})
}

type cleanupCalc struct {
	fail *atomic.Bool
	runs *atomic.Int32
}

func (c cleanupCalc) Compute(ctx context.Context, w window.Window, recs []stream.Record) (calc.Result, error) {
	return calc.Result{Payload: len(recs)}, nil
}

func (c cleanupCalc) Cleanup(ctx context.Context, w window.Window) error {
	c.runs.Add(1)
	if c.fail.Load() {
		return errors.New("cleanup failed")
	}
	return nil
}

func TestCleanupFailureLeavesFrameComputed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var (
		fail atomic.Bool
		runs atomic.Int32
	)
	fail.Store(true)
	factory := func(json.RawMessage) (calc.Calculator, error) {
		return cleanupCalc{fail: &fail, runs: &runs}, nil
	}
	// Recovery looks an hour ahead, so every untouched frame is stale.
	h := newHarness(t, harnessOpt{
		now:   func() time.Time { return time.Now().Add(time.Hour) },
		calcs: map[string]calc.Factory{"cleaner": factory},
	})
	h.load(t, map[string]catalog.Spec{"a": task("cleaner", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 12)...)

	res, err := h.eng.Tick(ctx, "a")
	var ce *CalculationError
	if !errors.As(err, &ce) || ce.Stage != StageCleanup {
		t.Fatalf("err = %v, want cleanup CalculationError", err)
	}
	if res.Frame.Status != storage.FrameComputed {
		t.Fatalf("status = %s, want computed", res.Frame.Status)
	}

	cut, ok, err := h.adv.Cutoff(ctx, "a")
	if err != nil || !ok || !cut.Equal(at(0)) {
		t.Fatalf("cutoff = %s %v %v; a computed frame must hold retention", cut, ok, err)
	}

	fail.Store(false)
	claimed, err := h.eng.Recover(ctx, "a")
	if err != nil || !claimed {
		t.Fatalf("recover = %v, %v", claimed, err)
	}
	f, _, _ := h.store.GetFrame(ctx, "a", at(0))
	if f.Status != storage.FrameCleanedUp {
		t.Fatalf("status = %s", f.Status)
	}
	if f.Attempts != 1 {
		t.Fatalf("cleanup retry must not recompute: attempts = %d", f.Attempts)
	}
	if runs.Load() != 2 {
		t.Fatalf("cleanup runs = %d, want 2", runs.Load())
	}
}

func TestRecoverStalePendingFrame(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{now: func() time.Time { return time.Now().Add(time.Hour) }})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 12)...)

	// A worker created the frame and died.
	if _, err := h.store.CreateFrame(ctx, storage.Frame{TaskKey: "a", Start: at(0), End: at(10)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := h.eng.Recover(ctx, "a")
	if err != nil || !claimed {
		t.Fatalf("recover = %v, %v", claimed, err)
	}
	f, _, _ := h.store.GetFrame(ctx, "a", at(0))
	if f.Status != storage.FrameCleanedUp {
		t.Fatalf("status = %s", f.Status)
	}
}

func TestLoadAutostartsOnlyNewDefinitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	spec := task("count", "10s")
	spec.Autostart = true
	h.load(t, map[string]catalog.Spec{"a": spec, "b": task("count", "1m")})

	st, _ := h.ctl.Get(ctx, "a")
	if st.ArmStatus != storage.ArmScheduled || !h.trig.isArmed("a") {
		t.Fatalf("autostart task: %s armed=%v", st.ArmStatus, h.trig.isArmed("a"))
	}
	st, _ = h.ctl.Get(ctx, "b")
	if st.ArmStatus != storage.ArmInactive || h.trig.isArmed("b") {
		t.Fatalf("manual task: %s armed=%v", st.ArmStatus, h.trig.isArmed("b"))
	}

	if _, err := h.ctl.Cancel(ctx, "a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.load(t, map[string]catalog.Spec{"a": spec, "b": task("count", "1m")})
	if st, _ := h.ctl.Get(ctx, "a"); st.ArmStatus != storage.ArmCancelled {
		t.Fatalf("reload restarted a cancelled task: %s", st.ArmStatus)
	}

	spec.Name = "renamed"
	h.load(t, map[string]catalog.Spec{"a": spec})
	if st, _ := h.ctl.Get(ctx, "a"); st.ArmStatus != storage.ArmScheduled {
		t.Fatalf("changed definition not autostarted: %s", st.ArmStatus)
	}
	if _, err := h.ctl.Get(ctx, "b"); !errors.Is(err, catalog.ErrUnknownTask) {
		t.Fatalf("removed task still known: %v", err)
	}
}

func TestLoadRejectsDurationChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 12)...)
	if res, err := h.eng.Tick(ctx, "a"); err != nil || res.Outcome != OutcomeProduced {
		t.Fatalf("tick = %v, %v", res.Outcome, err)
	}

	err := h.ctl.Load(ctx, h.build(t, map[string]catalog.Spec{"a": task("count", "20s")}))
	var ce *catalog.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "duration" {
		t.Fatalf("err = %v, want duration ConfigurationError", err)
	}
	def, _ := h.eng.Catalog().Lookup("a")
	if def.Duration != 10*time.Second {
		t.Fatalf("rejected catalog was installed: %s", def.Duration)
	}
}

func TestReconcilePicksUpRemoteChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})

	if _, err := h.store.TransitionArm(ctx, "a", storage.ArmScheduled); err != nil {
		t.Fatalf("transition: %v", err)
	}
	res, err := h.ctl.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Armed) != 1 || res.Armed[0] != "a" || !h.trig.isArmed("a") {
		t.Fatalf("reconcile armed = %v", res.Armed)
	}

	if _, err := h.store.TransitionArm(ctx, "a", storage.ArmCancelled); err != nil {
		t.Fatalf("transition: %v", err)
	}
	res, err = h.ctl.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Disarmed) != 1 || h.trig.isArmed("a") {
		t.Fatalf("reconcile disarmed = %v", res.Disarmed)
	}
}

func TestStatusAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s"), "b": task("count", "10s")})
	h.schedule(t, "a")
	h.appendAt(t, "events", seconds(0, 25)...)
	for i := 0; i < 2; i++ {
		if _, err := h.eng.Tick(ctx, "a"); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	st, err := h.ctl.Status(ctx, "a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Armed || st.Stats.Total != 2 || st.Stats.CleanedUp != 2 || st.Latest == nil || !st.Latest.Start.Equal(at(10)) {
		t.Fatalf("status = %+v", st)
	}

	all, err := h.ctl.List(ctx)
	if err != nil || len(all) != 2 || all[0].Definition.Key != "a" || all[1].Definition.Key != "b" {
		t.Fatalf("list = %+v, %v", all, err)
	}
	if all[1].State.ArmStatus != storage.ArmInactive {
		t.Fatalf("b status = %s", all[1].State.ArmStatus)
	}
}

func TestBackfill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s")})
	h.appendAt(t, "events", seconds(30, 45)...)

	if _, err := h.ctl.Backfill(ctx, "a", false); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("backfill of inactive task err = %v", err)
	}

	h.schedule(t, "a")
	if res, err := h.eng.Tick(ctx, "a"); err != nil || res.Outcome != OutcomeProduced {
		t.Fatalf("tick = %v, %v", res.Outcome, err)
	}
	// Late history arrives before the first frame.
	h.appendAt(t, "events", 3, 11, 25)

	res, err := h.ctl.Backfill(ctx, "a", false)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if res.Created != 3 {
		t.Fatalf("created = %d, want 3", res.Created)
	}
	frames := h.frames(t, "a")
	want := []int64{0, 10, 20, 30}
	if len(frames) != len(want) {
		t.Fatalf("frames = %d, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if !f.Start.Equal(at(want[i])) || f.Status != storage.FrameCleanedUp {
			t.Fatalf("frame %d = %s %s", i, f.Start, f.Status)
		}
	}

	res, err = h.ctl.Backfill(ctx, "a", true)
	if err != nil || res.Created != 0 {
		t.Fatalf("second backfill = %+v, %v", res, err)
	}
}

func completeFrame(t *testing.T, s storage.Store, key string, start, end int64) {
	t.Helper()
	ctx := context.Background()
	f, err := s.CreateFrame(ctx, storage.Frame{TaskKey: key, Start: at(start), End: at(end)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.MarkStarted(ctx, f.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.MarkComputed(ctx, f.ID, nil, false, 0); err != nil {
		t.Fatalf("computed: %v", err)
	}
	if err := s.MarkCleanedUp(ctx, f.ID, 0); err != nil {
		t.Fatalf("cleaned up: %v", err)
	}
}

func TestRetentionCutoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	retain := task("stats", "10s")
	retain.Options = json.RawMessage(`{"retain_windows": 2}`)
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s"), "b": retain})

	if _, ok, err := h.adv.Cutoff(ctx, "a"); ok || err != nil {
		t.Fatalf("task without frames constrains retention: %v %v", ok, err)
	}

	completeFrame(t, h.store, "a", 0, 10)
	completeFrame(t, h.store, "a", 10, 20)
	cut, ok, err := h.adv.Cutoff(ctx, "a")
	if err != nil || !ok || !cut.Equal(at(20)) {
		t.Fatalf("all done cutoff = %s %v %v, want 20", cut, ok, err)
	}

	if _, err := h.store.CreateFrame(ctx, storage.Frame{TaskKey: "a", Start: at(20), End: at(30)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	completeFrame(t, h.store, "a", 30, 40)
	cut, _, _ = h.adv.Cutoff(ctx, "a")
	if !cut.Equal(at(20)) {
		t.Fatalf("cutoff = %s, must not pass the pending frame at 20", cut)
	}

	completeFrame(t, h.store, "b", 100, 110)
	cut, _, _ = h.adv.Cutoff(ctx, "b")
	if !cut.Equal(at(90)) {
		t.Fatalf("retention policy cutoff = %s, want 90", cut)
	}
}

func TestGlobalCutoffCountsScheduledTasksOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{})
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s"), "b": task("count", "10s")})
	completeFrame(t, h.store, "a", 0, 10)
	completeFrame(t, h.store, "b", 40, 50)

	cut, err := h.adv.GlobalCutoff(ctx)
	if err != nil || cut != nil {
		t.Fatalf("no scheduled task: cutoff = %v, %v", cut, err)
	}

	h.schedule(t, "b")
	cut, err = h.adv.GlobalCutoff(ctx)
	if err != nil || cut == nil || !cut.Equal(at(50)) {
		t.Fatalf("cutoff = %v, %v; want 50", cut, err)
	}
	h.schedule(t, "a")
	cut, _ = h.adv.GlobalCutoff(ctx)
	if cut == nil || !cut.Equal(at(10)) {
		t.Fatalf("cutoff = %v, want 10", cut)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{streams: []string{"events", "other"}})
	other := task("count", "10s")
	other.Stream = "other"
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s"), "b": other})
	h.appendAt(t, "events", seconds(0, 35)...)
	h.appendAt(t, "other", seconds(0, 35)...)

	h.schedule(t, "a")
	for i := 0; i < 3; i++ {
		if res, err := h.eng.Tick(ctx, "a"); err != nil || res.Outcome != OutcomeProduced {
			t.Fatalf("tick %d = %v, %v", i, res.Outcome, err)
		}
	}

	rep, err := h.adv.Sweep(ctx, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(rep.Streams) != 2 || rep.Streams[0].Stream != "events" {
		t.Fatalf("report = %+v", rep)
	}
	ev := rep.Streams[0]
	if ev.Cutoff == nil || !ev.Cutoff.Equal(at(30)) || ev.Count != 30 || ev.Deleted != 0 {
		t.Fatalf("dry run events = %+v", ev)
	}
	if rep.Streams[1].Cutoff != nil || rep.Streams[1].Count != 0 {
		t.Fatalf("stream without scheduled tasks = %+v", rep.Streams[1])
	}
	if earliest, _, _ := h.streams["events"].EarliestTime(ctx); !earliest.Equal(at(0)) {
		t.Fatal("dry run deleted records")
	}

	rep, err = h.adv.Sweep(ctx, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Streams[0].Deleted != 30 {
		t.Fatalf("deleted = %d, want 30", rep.Streams[0].Deleted)
	}
	if earliest, _, _ := h.streams["events"].EarliestTime(ctx); !earliest.Equal(at(30)) {
		t.Fatalf("earliest after sweep = %s", earliest)
	}
	if empty, _ := h.streams["other"].IsEmpty(ctx); empty {
		t.Fatal("unconstrained stream was pruned")
	}
}

func TestSweepReportsFailingStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpt{streams: []string{"events", "other"}})
	other := task("count", "10s")
	other.Stream = "other"
	h.load(t, map[string]catalog.Spec{"a": task("count", "10s"), "b": other})
	h.appendAt(t, "events", seconds(0, 15)...)
	h.appendAt(t, "other", seconds(0, 15)...)
	h.schedule(t, "a")
	h.schedule(t, "b")
	for _, k := range []string{"a", "b"} {
		if _, err := h.eng.Tick(ctx, k); err != nil {
			t.Fatalf("tick %s: %v", k, err)
		}
	}

	h.streams["other"].FailNext(errors.New("disk full"))
	rep, err := h.adv.Sweep(ctx, false)
	if !errors.Is(err, stream.ErrSourceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if rep.Streams[0].Deleted != 10 || rep.Streams[0].Error != "" {
		t.Fatalf("healthy stream = %+v", rep.Streams[0])
	}
	if rep.Streams[1].Error == "" {
		t.Fatalf("failing stream = %+v", rep.Streams[1])
	}
}
