package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"streamframes/internal/catalog"
	"streamframes/internal/storage"
	"streamframes/internal/stream"
)

const taskA = `"a": {"name": "Event count", "calculator": "count", "stream": "s", "duration": "10s", "autostart": true}`

func writeConfig(t *testing.T, dir string, tasks ...string) string {
	t.Helper()
	db := filepath.Join(dir, "frames.db")
	body := fmt.Sprintf(`{
  "logging": {"level": "error", "console": false},
  "storage": {"driver": "sqlite", "path": %q},
  "scheduler": {"enabled": true, "poll_interval": "1s", "reconcile_interval": "1s"},
  "streams": {"s": {"driver": "memory"}},
  "tasks": {%s}
}`, db, strings.Join(tasks, ",\n"))
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func appendSeconds(t *testing.T, a *App, secs ...int64) {
	t.Helper()
	st, err := a.Stream("s")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	base := time.Unix(1_700_000_000, 0).UTC()
	recs := make([]stream.Record, 0, len(secs))
	for _, s := range secs {
		recs = append(recs, stream.Record{Time: base.Add(time.Duration(s) * time.Second), Value: 1})
	}
	if err := st.Append(context.Background(), recs...); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerProducesFrames(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), taskA)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	secs := make([]int64, 0, 36)
	for s := int64(0); s <= 35; s++ {
		secs = append(secs, s)
	}
	appendSeconds(t, a, secs...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	var frames []storage.Frame
	waitFor(t, "three frames", func() bool {
		frames, err = a.Controller().Frames(ctx, "a", storage.FrameQuery{})
		return err == nil && len(frames) >= 3
	})
	// [30,40) is not complete at latest=35.
	time.Sleep(1500 * time.Millisecond)
	frames, err = a.Controller().Frames(ctx, "a", storage.FrameQuery{})
	if err != nil || len(frames) != 3 {
		t.Fatalf("frames = %d, err = %v", len(frames), err)
	}
	for i := 1; i < len(frames); i++ {
		if !frames[i].Start.Equal(frames[i-1].End) {
			t.Fatalf("gap between frame %d and %d", i-1, i)
		}
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Tasks) != 1 || !slices.Contains(st.Armed, "a") || !slices.Equal(st.Streams, []string{"s"}) {
		t.Fatalf("status = %+v", st)
	}
	if err := a.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func TestOpenRejectsInvalidTasks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		task  string
		field string
	}{
		{
			name:  "negative duration",
			task:  `"a": {"name": "A", "calculator": "count", "stream": "s", "duration": "-5s"}`,
			field: "duration",
		},
		{
			name:  "missing name",
			task:  `"a": {"calculator": "count", "stream": "s", "duration": "10s"}`,
			field: "name",
		},
		{
			name:  "unknown calculator",
			task:  `"a": {"name": "A", "calculator": "median", "stream": "s", "duration": "10s"}`,
			field: "calculator",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, t.TempDir(), tt.task)
			for _, openFn := range []func(string) (*App, error){NewApp, OpenTool} {
				a, err := openFn(path)
				if a != nil {
					t.Fatal("app returned with error")
				}
				var ce *catalog.ConfigurationError
				if !errors.As(err, &ce) {
					t.Fatalf("err = %v, want *catalog.ConfigurationError", err)
				}
				if ce.Task != "a" || ce.Field != tt.field {
					t.Fatalf("error = %+v, want field %q", ce, tt.field)
				}
			}
		})
	}
}

func TestToolChangesArePickedUpByWorker(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, `"b": {"name": "Remote start", "calculator": "count", "stream": "s", "duration": "10s"}`)

	tool, err := OpenTool(path)
	if err != nil {
		t.Fatalf("OpenTool: %v", err)
	}
	ctx := context.Background()
	st, err := tool.Controller().Get(ctx, "b")
	if err != nil || st.ArmStatus != storage.ArmInactive {
		t.Fatalf("initial state = %+v, err = %v", st, err)
	}
	if err := tool.Start(ctx); err == nil {
		t.Fatal("tool app started")
	}
	if st, err = tool.Controller().Schedule(ctx, "b"); err != nil || st.ArmStatus != storage.ArmScheduled {
		t.Fatalf("schedule = %+v, err = %v", st, err)
	}
	if err := tool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	worker, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer worker.Stop(context.Background(), StopAppStop)
	if !slices.Contains(worker.analysis.Armed(), "b") {
		t.Fatalf("armed = %v", worker.analysis.Armed())
	}
}

func TestValidateRejectsReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), taskA)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Close()

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{
			name: "unknown stream",
			mutate: func(c *Config) {
				tc := c.Tasks["a"]
				tc.Stream = "nope"
				c.Tasks["a"] = tc
			},
			want: "nope",
		},
		{
			name: "new stream",
			mutate: func(c *Config) {
				c.Streams["t"] = c.Streams["s"]
			},
			want: "restart",
		},
		{
			name: "engine off while scheduler on",
			mutate: func(c *Config) {
				off := false
				c.TaskEngine = &TaskEngineConfig{Enabled: &off}
			},
			want: "task_engine.enabled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := a.cfgm.Parse()
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tt.mutate(cfg)
			err = a.validate(context.Background(), cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	cfg, err := a.cfgm.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := a.validate(context.Background(), cfg); err != nil {
		t.Fatalf("unchanged config rejected: %v", err)
	}
}

func TestApplyConfigLoadsNewTasks(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), taskA)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Close()

	oldCfg := a.cfgm.Get()
	newCfg, err := a.cfgm.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	newCfg.Tasks["c"] = TaskConfig{Name: "Value stats", Calculator: "stats", Stream: "s", Duration: "1m", Autostart: true}
	newCfg.Retention.Enabled = true

	a.applyConfig(context.Background(), oldCfg, newCfg)

	if _, err := a.analysis.Catalog().Lookup("c"); err != nil {
		t.Fatalf("new task not installed: %v", err)
	}
	if !slices.Contains(a.analysis.Armed(), "c") {
		t.Fatalf("new autostart task not armed: %v", a.analysis.Armed())
	}
	if !a.sched.Has(jobRetention) {
		t.Fatal("retention schedule not installed")
	}
}
