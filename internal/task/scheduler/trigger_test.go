package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamframes/internal/task/engine"
	logx "streamframes/pkg/logx"
)

type fakeExecutor struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
	got   chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{got: make(chan struct{}, 64)}
}

func (f *fakeExecutor) Enqueue(t engine.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	err := f.err
	f.mu.Unlock()
	select {
	case f.got <- struct{}{}:
	default:
	}
	return err
}

func (f *fakeExecutor) last() engine.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[len(f.tasks)-1]
}

func noop(context.Context) error { return nil }

func TestArmDisarm(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, PollInterval: time.Second}, newFakeExecutor(), logx.Nop())

	if err := s.Arm("a", noop); err != nil {
		t.Fatalf("arm: %v", err)
	}
	// Re-arming replaces instead of duplicating.
	if err := s.Arm("a", noop); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if got := snap.Schedules[0]; got.Name != "tick:a" || got.Spec != "@every 1s" {
		t.Fatalf("schedule = %+v", got)
	}
	if !s.Disarm("a") || s.Has("tick:a") {
		t.Fatal("disarm did not remove the tick")
	}
	if s.Disarm("a") {
		t.Fatal("second disarm reported a removal")
	}
	if err := s.Arm(" ", noop); err == nil {
		t.Fatal("blank key accepted")
	}
}

func TestArmedTickEnqueues(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	s := New(Config{Enabled: true, PollInterval: 10 * time.Millisecond, TickTimeout: time.Second}, exec, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	if err := s.Arm("a", noop); err != nil {
		t.Fatalf("arm: %v", err)
	}
	select {
	case <-exec.got:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never enqueued")
	}
	got := exec.last()
	if got.Name != "tick:a" || got.Timeout != time.Second || got.Opt.Overlap != engine.OverlapSkipIfRunning || got.State == nil {
		t.Fatalf("task = %+v", got)
	}
	if snap := s.Snapshot(); !snap.Started || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFireEnqueuesOnce(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	s := New(Config{Enabled: true}, exec, logx.Nop())

	if err := s.Fire("a", noop); err != nil {
		t.Fatalf("fire: %v", err)
	}
	got := exec.last()
	if got.Key != "tick:a" || got.Opt.Overlap != engine.OverlapAllow {
		t.Fatalf("task = %+v", got)
	}
	if s.Has("tick:a") {
		t.Fatal("fire must not register a schedule")
	}

	exec.mu.Lock()
	exec.err = engine.ErrQueueFull
	exec.mu.Unlock()
	if err := s.Fire("a", noop); !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyUpdatesTickInterval(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, PollInterval: time.Second}, newFakeExecutor(), logx.Nop())
	if err := s.Arm("a", noop); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := s.AddSchedule("retention", "1h", 0, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Apply(Config{Enabled: true, PollInterval: 2 * time.Second})

	specs := map[string]string{}
	for _, it := range s.Snapshot().Schedules {
		specs[it.Name] = it.Spec
	}
	if specs["tick:a"] != "@every 2s" || specs["retention"] != "@every 1h0m0s" {
		t.Fatalf("specs = %v", specs)
	}
	if s.PollInterval() != 2*time.Second {
		t.Fatalf("poll = %s", s.PollInterval())
	}
}

func TestAddCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if _, err := s.AddCron("bad", "61 * * * *", 0, noop); err == nil {
		t.Fatal("bad cron accepted")
	}
	if _, err := s.AddSchedule("daily", "daily:03:00", 0, noop); err != nil {
		t.Fatalf("daily: %v", err)
	}
	if !s.Has("daily") {
		t.Fatal("daily schedule missing")
	}
}
